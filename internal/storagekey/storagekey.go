// Package storagekey derives the opaque storage key at which a parachain's
// VaultRegistry release records live, via the same library the chain
// client uses for everything else storage-shaped.
package storagekey

import (
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

const (
	// Module is the pallet name under which release records are stored.
	Module = "VaultRegistry"
	// CurrentReleaseItem is the live, acted-upon release slot.
	CurrentReleaseItem = "CurrentClientRelease"
	// PendingReleaseItem is the staged, inspect-only release slot.
	PendingReleaseItem = "PendingClientRelease"
)

// createStorageKey is the gsrpc function Compute delegates to. It is a
// package-level var, rather than a direct call, so tests can substitute a
// fake without needing real chain metadata.
var createStorageKey = types.CreateStorageKey

// Compute returns the "0x"-prefixed hex storage key for (module, item)
// against meta, the chain's runtime metadata. The twox128(module) ||
// twox128(item) hashing substrate uses for a plain (non-map) storage value
// lives inside gsrpc, not here — meta is what lets it locate and validate
// the entry before hashing it.
func Compute(meta *types.Metadata, module, item string) (string, error) {
	key, err := createStorageKey(meta, module, item)
	if err != nil {
		return "", fmt.Errorf("storagekey: deriving key for %s.%s: %w", module, item, err)
	}
	return key.Hex(), nil
}
