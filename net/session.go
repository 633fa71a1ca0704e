package net

import (
	"time"
)

// SessionStatus names the session state of a channel.
type SessionStatus uint8

const (
	StatusPlain SessionStatus = iota
	StatusHandshaking
	StatusEstablished
)

func (s SessionStatus) String() string {
	switch s {
	case StatusPlain:
		return "plain"
	case StatusHandshaking:
		return "handshaking"
	case StatusEstablished:
		return "established"
	}
	return "unknown"
}

// session is the cipher state of a channel. Only handshaking and established
// sessions hold a cipher, so encrypting on a plain channel cannot be expressed.
type session interface {
	status() SessionStatus
}

// plainSession passes payloads through untouched.
type plainSession struct{}

func (plainSession) status() SessionStatus { return StatusPlain }

// handshakingSession has sent a session key and waits for the peer to
// acknowledge it. Its cipher only decrypts: the ack travels encrypted.
type handshakingSession struct {
	cipher *BlockCipher
	nonce  uint32
	since  time.Time
}

func (*handshakingSession) status() SessionStatus { return StatusHandshaking }

type establishedSession struct {
	cipher *BlockCipher
}

func (*establishedSession) status() SessionStatus { return StatusEstablished }

// sendCipher returns the cipher for outgoing payloads. Until the peer has
// confirmed the key, the handshake side keeps sending plaintext.
func sendCipher(s session) *BlockCipher {
	if s, ok := s.(*establishedSession); ok {
		return s.cipher
	}
	return nil
}

// receiveCipher returns the cipher for incoming payloads, if s has one.
func receiveCipher(s session) *BlockCipher {
	switch s := s.(type) {
	case *handshakingSession:
		return s.cipher
	case *establishedSession:
		return s.cipher
	}
	return nil
}
