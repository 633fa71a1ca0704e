package net

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"

	"github.com/bradfitz/iter"

	"badc0de.net/pkg/go-bigworld/ttesting"
)

func TestBlockCipherRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	for _, kind := range []CipherKind{CipherBlowfish, CipherXTEA} {
		c, err := NewBlockCipher(kind, key)
		if err != nil {
			t.Fatalf("%v: %v", kind, err)
		}
		for n := range iter.N(33) {
			plain := bytes.Repeat([]byte{byte(n)}, n)
			sealed := c.Seal(plain)
			ttesting.AssertEqualInt(t, fmt.Sprintf("%v sealed length of %d", kind, n), len(sealed), c.SealedLen(n))
			if len(sealed)%c.BlockSize() != 0 || len(sealed) <= n {
				t.Errorf("%v: %d bytes sealed into %d", kind, n, len(sealed))
			}
			got, err := c.Open(sealed)
			if err != nil {
				t.Fatalf("%v: open %d bytes: %v", kind, n, err)
			}
			ttesting.AssertEqualBytes(t, fmt.Sprintf("%v round trip of %d", kind, n), got, plain)
		}
	}
}

func TestBlockCipherMaxPlainLen(t *testing.T) {
	c, err := NewBlockCipher(CipherBlowfish, []byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{8, 9, 15, 16, 100, DefaultMaxPayload} {
		m := c.MaxPlainLen(n)
		if c.SealedLen(m) > n || c.SealedLen(m+1) <= n {
			t.Errorf("MaxPlainLen(%d) = %d; sealed lengths %d and %d", n, m, c.SealedLen(m), c.SealedLen(m+1))
		}
	}
}

func TestBlockCipherOpenRejects(t *testing.T) {
	c, err := NewBlockCipher(CipherXTEA, []byte("0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Open(nil)
	ttesting.AssertErrorIs(t, "empty", err, ErrDecryptFailed)
	_, err = c.Open(make([]byte, 12))
	ttesting.AssertErrorIs(t, "not a block multiple", err, ErrDecryptFailed)

	if _, err := NewBlockCipher(CipherXTEA, []byte("short")); err == nil {
		t.Errorf("xtea accepted a 5 byte key")
	}
	if _, err := ParseCipherKind("rot13"); err == nil {
		t.Errorf("parsed an unknown cipher")
	}
}

func TestSessionKeyRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	secret := []byte("0123456789abcdef\x01\x02\x03\x04")

	ct, err := EncryptForPeer(&priv.PublicKey, secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptFromPeer(priv, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	ttesting.AssertEqualBytes(t, "session key", got, secret)

	ct[len(ct)/2] ^= 0x40
	_, err = DecryptFromPeer(priv, ct)
	ttesting.AssertErrorIs(t, "tampered ciphertext", err, ErrDecryptFailed)

	other, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	ct, _ = EncryptForPeer(&priv.PublicKey, secret)
	_, err = DecryptFromPeer(other, ct)
	ttesting.AssertErrorIs(t, "wrong private key", err, ErrDecryptFailed)
}
