package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// rsaKeyBits is the size of generated RSA signing keys.
const rsaKeyBits = 2048

// KeyStore persists the generated signing key when no key file is
// configured.
type KeyStore interface {
	SigningKey(ctx context.Context) ([]byte, error)
	SaveSigningKey(ctx context.Context, pemBytes []byte) error
}

// Signer is the asymmetric key access tokens are signed with.
type Signer struct {
	key    crypto.Signer
	method jwt.SigningMethod
	kid    string
}

// NewSigner wraps an RSA or ECDSA private key.
func NewSigner(key crypto.Signer) (*Signer, error) {
	var method jwt.SigningMethod

	switch k := key.(type) {
	case *rsa.PrivateKey:
		if k.N.BitLen() < rsaKeyBits {
			return nil, fmt.Errorf("rsa signing key must be at least %d bits", rsaKeyBits)
		}

		method = jwt.SigningMethodRS256
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			method = jwt.SigningMethodES256
		case elliptic.P384():
			method = jwt.SigningMethodES384
		case elliptic.P521():
			method = jwt.SigningMethodES512
		default:
			return nil, errors.New("unsupported ecdsa curve")
		}
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", key)
	}

	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}

	sum := sha256.Sum256(der)

	return &Signer{
		key:    key,
		method: method,
		kid:    base64.RawURLEncoding.EncodeToString(sum[:12]),
	}, nil
}

// KeyID returns the key identifier placed in token headers.
func (s *Signer) KeyID() string { return s.kid }

// Algorithm returns the JWS algorithm name.
func (s *Signer) Algorithm() string { return s.method.Alg() }

// GenerateKey creates a new RSA signing key.
func GenerateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, rsaKeyBits)
}

// MarshalKeyPEM encodes a private key as a PKCS#8 PEM block.
func MarshalKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseKeyPEM decodes an RSA (PKCS#1 or PKCS#8) or EC (SEC 1 or PKCS#8)
// private key.
func ParseKeyPEM(data []byte) (crypto.Signer, error) {
	if rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM(data); err == nil {
		return rsaKey, nil
	}

	ecKey, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, errors.New("signing key is not a PEM encoded RSA or EC private key")
	}

	return ecKey, nil
}

// LoadOrCreateKey returns the configured signing key. A key file takes
// precedence; otherwise the key persisted in store is used, generating
// and saving one on first start.
func LoadOrCreateKey(ctx context.Context, keyFile string, store KeyStore, logger *slog.Logger) (*Signer, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("reading signing key: %w", err)
		}

		key, err := ParseKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyFile, err)
		}

		return NewSigner(key)
	}

	data, err := store.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	if data == nil {
		logger.Info("no signing key found, generating one")

		key, err := GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}

		if data, err = MarshalKeyPEM(key); err != nil {
			return nil, fmt.Errorf("encoding signing key: %w", err)
		}

		if err := store.SaveSigningKey(ctx, data); err != nil {
			return nil, fmt.Errorf("saving signing key: %w", err)
		}
	}

	key, err := ParseKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("stored signing key: %w", err)
	}

	return NewSigner(key)
}

// JWK is a public JSON Web Key (RFC 7517).
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK returns the public half of the signing key.
func (s *Signer) JWK() JWK {
	k := JWK{Use: "sig", Alg: s.method.Alg(), Kid: s.kid}
	enc := base64.RawURLEncoding

	switch pub := s.key.Public().(type) {
	case *rsa.PublicKey:
		k.Kty = "RSA"
		k.N = enc.EncodeToString(pub.N.Bytes())
		k.E = enc.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	case *ecdsa.PublicKey:
		k.Kty = "EC"
		k.Crv = pub.Curve.Params().Name

		// Uncompressed point: 0x04 || X || Y, each coordinate fixed width.
		if point, err := pub.ECDH(); err == nil {
			raw := point.Bytes()[1:]
			size := len(raw) / 2
			k.X = enc.EncodeToString(raw[:size])
			k.Y = enc.EncodeToString(raw[size:])
		}
	}

	return k
}
