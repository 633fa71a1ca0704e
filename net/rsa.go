package net

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"

	"github.com/pkg/errors"
)

// EncryptForPeer encrypts a short secret, such as a session key, for the
// holder of pub. RSA-OAEP with SHA-1 is what the game client expects.
func EncryptForPeer(pub *rsa.PublicKey, secret []byte) ([]byte, error) {
	if pub == nil {
		return nil, errors.New("no public key")
	}
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return nil, errors.Wrap(err, "rsa encrypt")
	}
	return ct, nil
}

// DecryptFromPeer reverses EncryptForPeer. Failure is ErrDecryptFailed.
func DecryptFromPeer(priv *rsa.PrivateKey, ct []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.Wrap(ErrDecryptFailed, "no private key")
	}
	pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrDecryptFailed, "rsa decrypt of %d bytes: %v", len(ct), err)
	}
	return pt, nil
}
