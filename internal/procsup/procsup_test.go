package procsup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/interbtc-io/vaultvisor/internal/installer"
)

// writeFakeWorker writes a small shell script that traps SIGTERM and exits
// 0, standing in for the real vault/oracle/faucet binary.
func writeFakeWorker(t *testing.T, dir, name string) *installer.DownloadedRelease {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.05; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	return &installer.DownloadedRelease{Path: path, BinName: name}
}

func TestSpawnAndTerminateAndWait(t *testing.T) {
	dir := t.TempDir()
	d := writeFakeWorker(t, dir, "vault-1.0")

	h, err := Spawn(context.Background(), dir, d, nil, nil)
	require.NoError(t, err)
	require.True(t, h.Alive())

	logger := zaptest.NewLogger(t)
	require.NoError(t, TerminateAndWait(h, logger))

	assert.False(t, h.Alive())
}

func TestSpawn_RejectsSecondChild(t *testing.T) {
	dir := t.TempDir()
	d := writeFakeWorker(t, dir, "vault-1.0")
	logger := zaptest.NewLogger(t)

	h, err := Spawn(context.Background(), dir, d, nil, nil)
	require.NoError(t, err)
	defer TerminateAndWait(h, logger)

	_, err = Spawn(context.Background(), dir, d, nil, h)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestSpawn_RequiresDownloadedRelease(t *testing.T) {
	dir := t.TempDir()
	_, err := Spawn(context.Background(), dir, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestTerminateAndWait_RequiresChild(t *testing.T) {
	logger := zaptest.NewLogger(t)
	err := TerminateAndWait(nil, logger)
	require.Error(t, err)
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestTerminateAndWait_NonZeroExitIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault-1.0")
	script := "#!/bin/sh\ntrap 'exit 7' TERM\nwhile true; do sleep 0.05; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o700))
	d := &installer.DownloadedRelease{Path: path, BinName: "vault-1.0"}

	h, err := Spawn(context.Background(), dir, d, nil, nil)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	// Give the process a moment to install its trap handler before we
	// signal it, so the exit-7 path (not a signal-kill path) is exercised.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, TerminateAndWait(h, logger))
}
