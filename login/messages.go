package login

// This file contains constructors for the handshake elements.

import (
	"encoding/binary"

	bwnet "badc0de.net/pkg/go-bigworld/net"
)

// Handshake wraps an encrypted session key.
func Handshake(ciphertext []byte) bwnet.Element {
	return bwnet.Element{Opcode: bwnet.HandshakeOpcode, Kind: bwnet.KindVar2, Body: ciphertext}
}

// HandshakeAck echoes the initiator's nonce.
func HandshakeAck(nonce uint32) bwnet.Element {
	body := binary.LittleEndian.AppendUint32(nil, nonce)
	return bwnet.Element{Opcode: bwnet.HandshakeAckOpcode, Kind: bwnet.KindFixed, Body: body}
}

// IsHandshake reports whether e belongs to the handshake rather than to the
// application.
func IsHandshake(e bwnet.Element) bool {
	return e.Opcode == bwnet.HandshakeOpcode || e.Opcode == bwnet.HandshakeAckOpcode
}
