// Package installer materializes a ClientRelease on disk: it fetches the
// release's bytes, writes them to the download directory under a name
// derived from the release URL, and sets owner-only executable
// permissions. It also tracks the bookkeeping record (DownloadedRelease)
// needed to uninstall later.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/errdefs"

	"github.com/interbtc-io/vaultvisor/internal/fetcher"
	"github.com/interbtc-io/vaultvisor/internal/scale"
)

// ErrNoDownloadedRelease is the underlying sentinel classified as NotFound
// by errdefs; callers should prefer errdefs.IsNotFound(err) over comparing
// against this directly, but it is exported so tests can errors.Is against
// it without depending on errdefs' wrapping behavior.
var ErrNoDownloadedRelease = errors.New("installer: no downloaded release recorded")

// binMode is the permission mode every installed binary is written with:
// owner read/write/execute, nothing else.
const binMode = 0o700

// DownloadedRelease is the bookkeeping record for a binary materialized on
// disk by Install.
type DownloadedRelease struct {
	Release scale.ClientRelease
	Path    string
	BinName string
}

// Fetcher is the seam Install downloads bytes through. In production this
// is fetcher.Fetch; tests substitute an in-memory fake so no real network
// call occurs.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

// Install derives the binary name from release.URI, truncates (or creates)
// downloadDir/bin_name, and then fetches and writes the release's bytes into
// it. The truncate-before-fetch ordering is intentionally destructive (see
// spec §4.D): a same-named pre-existing file is destroyed the moment Install
// is called, even if the fetch that follows fails or is interrupted. The
// normal upgrade path in internal/runner always calls Uninstall first so no
// live child is ever holding a handle on the file being replaced.
func Install(ctx context.Context, fetch Fetcher, downloadDir string, release scale.ClientRelease) (*DownloadedRelease, error) {
	binName, err := fetcher.DeriveBinName(release.URI)
	if err != nil {
		return nil, err
	}

	binPath := filepath.Join(downloadDir, binName)

	f, err := os.OpenFile(binPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, binMode)
	if err != nil {
		return nil, fmt.Errorf("installer: creating %s: %w", binPath, err)
	}

	bytes, err := fetch(ctx, release.URI)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("installer: fetching %s: %w", release.URI, err)
	}

	if _, err := f.Write(bytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("installer: writing %s: %w", binPath, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("installer: closing %s: %w", binPath, err)
	}

	// OpenFile's mode is subject to umask; set it explicitly so the
	// resulting file is always exactly 0700 regardless of the process umask.
	if err := os.Chmod(binPath, binMode); err != nil {
		return nil, fmt.Errorf("installer: chmod %s: %w", binPath, err)
	}

	return &DownloadedRelease{
		Release: release,
		Path:    binPath,
		BinName: binName,
	}, nil
}

// Uninstall removes the file backing d and clears the caller's reference to
// it. Calling Uninstall with a nil release is the "delete_downloaded on
// empty state" case from spec §8 and returns an errdefs.ErrNotFound
// (NoDownloadedRelease).
func Uninstall(d *DownloadedRelease) error {
	if d == nil {
		return errdefs.NotFound(ErrNoDownloadedRelease)
	}
	if err := os.Remove(d.Path); err != nil {
		return fmt.Errorf("installer: removing %s: %w", d.Path, err)
	}
	return nil
}
