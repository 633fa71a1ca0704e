package net

import (
	"crypto/cipher"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/xtea"
)

// SessionKeyLen is the length of the symmetric key negotiated by the
// handshake. Both supported ciphers accept a 16 byte key.
const SessionKeyLen = 16

// CipherKind selects the block cipher used once a session is established.
type CipherKind uint8

const (
	CipherBlowfish CipherKind = iota
	CipherXTEA
)

func (k CipherKind) String() string {
	switch k {
	case CipherBlowfish:
		return "blowfish"
	case CipherXTEA:
		return "xtea"
	default:
		return fmt.Sprintf("CipherKind(%d)", uint8(k))
	}
}

// ParseCipherKind is the inverse of CipherKind.String.
func ParseCipherKind(s string) (CipherKind, error) {
	switch s {
	case "blowfish", "":
		return CipherBlowfish, nil
	case "xtea":
		return CipherXTEA, nil
	}
	return 0, errors.Errorf("unknown cipher %q", s)
}

// BlockCipher encrypts whole payloads block by block with a session key.
//
// Payloads are padded to the block size with zero bytes, followed by one byte
// holding the number of zero bytes, so the plaintext length is recovered
// exactly on Open.
type BlockCipher struct {
	kind  CipherKind
	block cipher.Block
}

// NewBlockCipher creates a cipher of the given kind from key.
func NewBlockCipher(kind CipherKind, key []byte) (*BlockCipher, error) {
	var (
		b   cipher.Block
		err error
	)
	switch kind {
	case CipherBlowfish:
		b, err = blowfish.NewCipher(key)
	case CipherXTEA:
		b, err = xtea.NewCipher(key)
	default:
		return nil, errors.Errorf("unknown cipher %v", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "creating %v cipher", kind)
	}
	return &BlockCipher{kind: kind, block: b}, nil
}

func (c *BlockCipher) Kind() CipherKind {
	return c.kind
}

func (c *BlockCipher) BlockSize() int {
	return c.block.BlockSize()
}

// SealedLen returns the ciphertext length for an n byte plaintext.
func (c *BlockCipher) SealedLen(n int) int {
	bs := c.block.BlockSize()
	return (n/bs + 1) * bs
}

// MaxPlainLen returns the longest plaintext whose ciphertext fits in n bytes,
// or -1 if none does.
func (c *BlockCipher) MaxPlainLen(n int) int {
	bs := c.block.BlockSize()
	return n/bs*bs - 1
}

// Seal pads and encrypts plain into a new slice.
func (c *BlockCipher) Seal(plain []byte) []byte {
	bs := c.block.BlockSize()
	total := c.SealedLen(len(plain))

	buf := make([]byte, total)
	copy(buf, plain)
	buf[total-1] = byte(total - len(plain) - 1)

	for i := 0; i < total; i += bs {
		c.block.Encrypt(buf[i:i+bs], buf[i:i+bs])
	}
	return buf
}

// Open decrypts and unpads sealed into a new slice. Any inconsistency yields
// ErrDecryptFailed: either the ciphertext was corrupted or the key is wrong.
func (c *BlockCipher) Open(sealed []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(sealed) == 0 || len(sealed)%bs != 0 {
		return nil, errors.Wrapf(ErrDecryptFailed, "ciphertext of %d bytes is not a positive multiple of %d", len(sealed), bs)
	}

	buf := make([]byte, len(sealed))
	for i := 0; i < len(sealed); i += bs {
		c.block.Decrypt(buf[i:i+bs], sealed[i:i+bs])
	}

	pad := int(buf[len(buf)-1])
	if pad >= bs || pad+1 > len(buf) {
		return nil, errors.Wrapf(ErrDecryptFailed, "padding count %d", pad)
	}
	end := len(buf) - 1 - pad
	for _, b := range buf[end : len(buf)-1] {
		if b != 0 {
			return nil, errors.Wrap(ErrDecryptFailed, "non-zero padding")
		}
	}
	return buf[:end], nil
}
