// Package chain wraps a go-substrate-rpc-client session to a parachain
// node. It is deliberately narrow: the supervisor only ever needs to
// derive the VaultRegistry release keys and read whichever of them the
// caller asks for, so this client exposes exactly that and nothing more
// (no extrinsics, no subscriptions, no batching).
package chain

import (
	"context"
	"fmt"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"

	"github.com/interbtc-io/vaultvisor/internal/scale"
	"github.com/interbtc-io/vaultvisor/internal/storagekey"
)

// storageReader is the narrow capability Client needs from the underlying
// RPC session: a state_getStorage read at the best block. gsrpc's
// *rpc.RPC.State satisfies it; tests substitute an in-memory fake so they
// never need a live node.
type storageReader interface {
	GetStorageRawLatest(key types.StorageKey) (*types.StorageDataRaw, error)
}

// Client is one gsrpc session to a parachain node, plus the chain's
// runtime metadata fetched once at Dial time, which storage-key derivation
// needs for every subsequent read. Safe for concurrent ReadTyped/QueryRaw
// calls, but owns exactly one underlying connection — when it dies every
// pending and future call fails. internal/runner dials once at startup (via
// internal/retry) and does not replace a Client whose connection has died;
// its per-tick reads then come back empty and are treated as "no change".
type Client struct {
	state storageReader
	meta  *types.Metadata
	close func() error
}

// Dial opens a connection to url via gsrpc and fetches the chain's current
// runtime metadata, which every storage-key derivation this client performs
// is checked against.
func Dial(ctx context.Context, url string) (*Client, error) {
	type dialResult struct {
		client *Client
		err    error
	}
	done := make(chan dialResult, 1)

	go func() {
		api, err := gsrpc.NewSubstrateAPI(url)
		if err != nil {
			done <- dialResult{nil, fmt.Errorf("chain: dial %s: %w", url, err)}
			return
		}
		meta, err := api.RPC.State.GetMetadataLatest()
		if err != nil {
			done <- dialResult{nil, fmt.Errorf("chain: fetching metadata from %s: %w", url, err)}
			return
		}
		done <- dialResult{&Client{state: api.RPC.State, meta: meta, close: api.Client.Close}, nil}
	}()

	select {
	case r := <-done:
		return r.client, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// newClient builds a Client around an already-connected storageReader and
// metadata, bypassing Dial entirely. Used only by tests.
func newClient(state storageReader, meta *types.Metadata) *Client {
	return &Client{state: state, meta: meta, close: func() error { return nil }}
}

// Close terminates the underlying connection.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// CurrentReleaseKey derives the storage key for
// VaultRegistry::CurrentClientRelease against this client's chain metadata.
func (c *Client) CurrentReleaseKey() (string, error) {
	return storagekey.Compute(c.meta, storagekey.Module, storagekey.CurrentReleaseItem)
}

// QueryRaw reads the raw SCALE bytes stored at key (a "0x"-prefixed hex
// storage key) at the chain's best block. ok is false both when the chain
// has no value at key and when the read failed outright — internal/retry is
// what distinguishes "try again" from "give up", not this method.
func (c *Client) QueryRaw(ctx context.Context, key string) ([]byte, bool) {
	raw, err := types.HexDecodeString(key)
	if err != nil {
		return nil, false
	}

	data, err := c.state.GetStorageRawLatest(types.StorageKey(raw))
	if err != nil || data == nil || len(*data) == 0 {
		return nil, false
	}
	return []byte(*data), true
}

// ReadTyped performs a state_getStorage query at key and SCALE-decodes the
// result as a ClientRelease. Returns (nil, nil) when the chain has no
// value at key on the current best block — that is "no change", never a
// rollback signal. A decode failure is returned as a *scale.DecodeError,
// which the caller must treat as fatal.
func (c *Client) ReadTyped(ctx context.Context, key string) (*scale.ClientRelease, error) {
	raw, ok := c.QueryRaw(ctx, key)
	if !ok {
		return nil, nil
	}
	return scale.DecodeClientRelease(raw)
}
