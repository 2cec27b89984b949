// Package scale decodes a ClientRelease record out of raw parachain
// storage bytes. The actual SCALE codec work — compact-length string
// parsing, fixed-width hash reading — is delegated to the same library
// internal/chain uses to talk to the node, so this package only describes
// the wire shape and wraps decode failures in a type the rest of the
// supervisor can classify as fatal.
package scale

import (
	"bytes"
	"fmt"

	gsrpcscale "github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// ClientRelease is the decoded on-chain announcement of the currently (or
// pending) advertised worker release.
type ClientRelease struct {
	URI      string
	CodeHash [32]byte
}

// DecodeError wraps any failure to interpret chain bytes as a ClientRelease.
// It is always fatal — unlike an absent storage value, corrupted or
// unexpected bytes mean the chain has diverged from what this supervisor
// understands, and no retry can fix that.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("scale: decode error: %s", e.Reason)
}

// wireClientRelease mirrors the on-chain ClientRelease{uri: String,
// code_hash: [u8;32]} layout using gsrpc's built-in codec types: types.Text
// already knows how to decode a SCALE compact-length string, and types.Hash
// a fixed 32-byte hash with no length prefix.
type wireClientRelease struct {
	URI      types.Text
	CodeHash types.Hash
}

// DecodeClientRelease decodes a SCALE-encoded ClientRelease from raw bytes.
// Any bytes left over once the fields are decoded are treated as a decode
// error — the two storage items this supervisor reads are never followed
// by anything else.
func DecodeClientRelease(data []byte) (*ClientRelease, error) {
	reader := bytes.NewReader(data)

	var wire wireClientRelease
	if err := gsrpcscale.NewDecoder(reader).Decode(&wire); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if reader.Len() != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d unconsumed trailing bytes", reader.Len())}
	}

	return &ClientRelease{
		URI:      string(wire.URI),
		CodeHash: [32]byte(wire.CodeHash),
	}, nil
}
