// Package secrets manages the RSA key material used by the session
// handshake.
package secrets

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"math/big"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"badc0de.net/pkg/go-bigworld/paths"
)

// DefaultBits is the modulus size of generated keys.
const DefaultBits = 2048

var bigOne = big.NewInt(1)

// KeyPair is a server's handshake key. Clients only ever see Public.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Generate creates a new key pair.
func Generate(bits int) (*KeyPair, error) {
	pk, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrapf(err, "generating %d bit key", bits)
	}
	glog.V(2).Infof("generated %d bit rsa key", bits)
	return &KeyPair{Private: pk, Public: &pk.PublicKey}, nil
}

// FromPrimes rebuilds a key pair with public exponent 65537 from its two
// primes.
func FromPrimes(p, q *big.Int) (*KeyPair, error) {
	if p.Cmp(bigOne) <= 0 || q.Cmp(bigOne) <= 0 || p.Cmp(q) == 0 {
		return nil, errors.New("invalid primes")
	}
	p1 := new(big.Int).Sub(p, bigOne)
	q1 := new(big.Int).Sub(q, bigOne)
	p1q1 := new(big.Int).Mul(p1, q1)

	pubK := rsa.PublicKey{
		E: 65537,
		N: new(big.Int).Mul(p, q),
	}
	d := new(big.Int).ModInverse(big.NewInt(int64(pubK.E)), p1q1)
	if d == nil {
		return nil, errors.New("public exponent is not invertible for these primes")
	}
	pk := &rsa.PrivateKey{
		Primes:    []*big.Int{p, q},
		PublicKey: pubK,
		D:         d,
	}
	if err := pk.Validate(); err != nil {
		return nil, errors.Wrap(err, "rebuilding key from primes")
	}
	pk.Precompute()
	return &KeyPair{Private: pk, Public: &pk.PublicKey}, nil
}

// PrivatePEM encodes the private key as a PKCS#1 PEM block.
func (k *KeyPair) PrivatePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.Private),
	})
}

// PublicPEM encodes the public key as a PKIX PEM block, for distribution to
// clients.
func (k *KeyPair) PublicPEM() ([]byte, error) {
	b, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: b}), nil
}

// ParsePrivatePEM decodes a PKCS#1 or PKCS#8 private key.
func ParsePrivatePEM(data []byte) (*KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if pk, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &KeyPair{Private: pk, Public: &pk.PublicKey}, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q block", block.Type)
	}
	pk, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("%T is not an RSA key", key)
	}
	return &KeyPair{Private: pk, Public: &pk.PublicKey}, nil
}

// ParsePublicPEM decodes a PKIX or PKCS#1 public key.
func ParsePublicPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q block", block.Type)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("%T is not an RSA key", key)
	}
	return pub, nil
}

// ReadPrivate loads a private key from r.
func ReadPrivate(r io.Reader) (*KeyPair, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading private key")
	}
	return ParsePrivatePEM(data)
}

// OpenPrivate opens name with o and loads the private key it holds.
func OpenPrivate(o paths.Opener, name string) (*KeyPair, error) {
	f, err := o.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPrivate(f)
}

// ReadPublic loads a public key from r.
func ReadPublic(r io.Reader) (*rsa.PublicKey, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading public key")
	}
	return ParsePublicPEM(data)
}
