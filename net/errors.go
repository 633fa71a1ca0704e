package net

import (
	"github.com/pkg/errors"
)

// Error kinds reported by the codecs and by channels. Callers should compare
// with errors.Is, as most returned errors wrap one of these with context.
var (
	// ErrTruncated is returned when a buffer is shorter than a declared field.
	// The packet is dropped; the channel survives.
	ErrTruncated = errors.New("truncated")
	// ErrCorrupt is returned on checksum mismatch or an impossible field value.
	ErrCorrupt = errors.New("corrupt")
	// ErrUnknownOpcode is returned when an element's opcode has no schema. Since
	// element boundaries depend on the schema, the whole bundle is aborted.
	ErrUnknownOpcode = errors.New("unknown opcode")
	// ErrStaleFragment is returned for a fragment of a group that was evicted.
	ErrStaleFragment = errors.New("stale fragment")
	// ErrDecryptFailed is fatal: the channel must be torn down.
	ErrDecryptFailed = errors.New("decrypt failed")
	// ErrHandshakeTimeout is fatal: the peer never completed the handshake.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrOverflow is returned when the application handoff queue is full.
	ErrOverflow = errors.New("overflow")
	// ErrTooLarge is returned when encoding would exceed PacketCap or a length
	// prefix cannot represent the body.
	ErrTooLarge = errors.New("too large")
)

// IsFatal reports whether err leaves a channel's session state untrustworthy.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDecryptFailed) || errors.Is(err, ErrHandshakeTimeout)
}
