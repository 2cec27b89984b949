// Package fetcher performs the one HTTP operation the supervisor needs:
// downloading the bytes of a released binary from the URL the chain
// advertises, and deriving the filename that binary should be installed
// under.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrNameDerivation is returned when a release URI has no usable final path
// segment to use as a binary name (e.g. "https://host/" or "https://host").
var ErrNameDerivation = errors.New("fetcher: could not derive a binary name from URL")

// Fetch performs an HTTP GET against rawURL and returns the full response
// body. Any non-2xx status is treated as a transport failure.
func Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: building request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetcher: unexpected status %d fetching %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetcher: reading body: %w", err)
	}
	return body, nil
}

// DeriveBinName extracts the binary name from the final non-empty path
// segment of rawURL. A trailing slash is stripped first so
// "http://host/vault-1.0/" derives the same name as "http://host/vault-1.0".
// A URL with no usable segment (e.g. "http://host/") is ErrNameDerivation.
func DeriveBinName(rawURL string) (string, error) {
	trimmed := strings.TrimRight(rawURL, "/")

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("fetcher: invalid URL %q: %w", rawURL, err)
	}

	segments := strings.Split(parsed.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i], nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNameDerivation, rawURL)
}
