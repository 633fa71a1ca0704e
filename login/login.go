// Package login implements the session key handshake.
//
// The initiator picks a random session key and nonce and sends both to the
// responder, encrypted with the responder's RSA public key. The responder
// installs the key and answers with the nonce, encrypted with the new key.
// When the initiator sees its nonce come back, both sides hold the same key.
package login

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	bwnet "badc0de.net/pkg/go-bigworld/net"
)

const handshakeLen = bwnet.SessionKeyLen + bwnet.HandshakeNonceLen

// Initiate starts a handshake on a plain channel and returns the handshake
// element to send to the peer. The element must go out before anything else
// is sent on ch.
func Initiate(ch *bwnet.Channel, peer *rsa.PublicKey, now time.Time) (bwnet.Element, error) {
	secret := make([]byte, handshakeLen)
	if _, err := rand.Read(secret); err != nil {
		return bwnet.Element{}, errors.Wrap(err, "generating session key")
	}
	key := secret[:bwnet.SessionKeyLen]
	nonce := binary.LittleEndian.Uint32(secret[bwnet.SessionKeyLen:])

	ct, err := bwnet.EncryptForPeer(peer, secret)
	if err != nil {
		return bwnet.Element{}, errors.Wrap(err, "encrypting session key")
	}
	if err := ch.BeginHandshake(key, nonce, now); err != nil {
		return bwnet.Element{}, err
	}
	glog.V(2).Infof("%s: sent session key, %d byte ciphertext", ch.Peer(), len(ct))
	return Handshake(ct), nil
}

// OpenHandshake recovers the session key and nonce carried by a handshake
// element. Any failure wraps ErrDecryptFailed.
func OpenHandshake(pk *rsa.PrivateKey, e bwnet.Element) (key []byte, nonce uint32, err error) {
	if e.Opcode != bwnet.HandshakeOpcode {
		return nil, 0, errors.Errorf("opcode 0x%02x is not a handshake", e.Opcode)
	}
	secret, err := bwnet.DecryptFromPeer(pk, e.Body)
	if err != nil {
		return nil, 0, err
	}
	if len(secret) != handshakeLen {
		return nil, 0, errors.Wrapf(bwnet.ErrDecryptFailed, "handshake of %d bytes; want %d", len(secret), handshakeLen)
	}
	return secret[:bwnet.SessionKeyLen], binary.LittleEndian.Uint32(secret[bwnet.SessionKeyLen:]), nil
}

// Respond installs the session key carried by a handshake element and returns
// the ack to send back. Any failure to recover the key is fatal to ch. On an
// established channel the new key replaces the old one.
func Respond(ch *bwnet.Channel, pk *rsa.PrivateKey, e bwnet.Element) (bwnet.Element, error) {
	key, nonce, err := OpenHandshake(pk, e)
	if err != nil {
		return bwnet.Element{}, err
	}
	if err := ch.Establish(key); err != nil {
		return bwnet.Element{}, err
	}
	return HandshakeAck(nonce), nil
}

// Complete finishes a handshake started with Initiate, given the peer's ack.
func Complete(ch *bwnet.Channel, ack bwnet.Element) error {
	if ack.Opcode != bwnet.HandshakeAckOpcode {
		return errors.Errorf("opcode 0x%02x is not a handshake ack", ack.Opcode)
	}
	if len(ack.Body) != bwnet.HandshakeNonceLen {
		return errors.Wrapf(bwnet.ErrCorrupt, "ack of %d bytes", len(ack.Body))
	}
	return ch.CompleteHandshake(binary.LittleEndian.Uint32(ack.Body))
}
