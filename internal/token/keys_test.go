package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/authd/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return key
}

// --- Signer ---

func TestNewSigner_RSA(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := NewSigner(key)
	require.NoError(t, err)
	assert.Equal(t, "RS256", s.Algorithm())
	assert.NotEmpty(t, s.KeyID())

	again, err := NewSigner(key)
	require.NoError(t, err)
	assert.Equal(t, s.KeyID(), again.KeyID(), "kid is derived from the public key")
}

func TestNewSigner_EC(t *testing.T) {
	s, err := NewSigner(testECKey(t))
	require.NoError(t, err)
	assert.Equal(t, "ES256", s.Algorithm())

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	s, err = NewSigner(p384)
	require.NoError(t, err)
	assert.Equal(t, "ES384", s.Algorithm())
}

func TestNewSigner_RejectsWeakOrUnsupportedKeys(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	_, err = NewSigner(small)
	assert.Error(t, err)

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = NewSigner(edKey)
	assert.Error(t, err)
}

// --- PEM ---

func TestParseKeyPEM_RoundTrip(t *testing.T) {
	rsaKey, err := GenerateKey()
	require.NoError(t, err)

	data, err := MarshalKeyPEM(rsaKey)
	require.NoError(t, err)

	parsed, err := ParseKeyPEM(data)
	require.NoError(t, err)
	assert.True(t, rsaKey.Equal(parsed))

	ecKey := testECKey(t)
	data, err = MarshalKeyPEM(ecKey)
	require.NoError(t, err)

	parsed, err = ParseKeyPEM(data)
	require.NoError(t, err)
	assert.True(t, ecKey.Equal(parsed))
}

func TestParseKeyPEM_LegacyEncodings(t *testing.T) {
	rsaKey, err := GenerateKey()
	require.NoError(t, err)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})

	parsed, err := ParseKeyPEM(pkcs1)
	require.NoError(t, err)
	assert.True(t, rsaKey.Equal(parsed))

	ecKey := testECKey(t)
	der, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)

	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	parsed, err = ParseKeyPEM(sec1)
	require.NoError(t, err)
	assert.True(t, ecKey.Equal(parsed))
}

func TestParseKeyPEM_Garbage(t *testing.T) {
	_, err := ParseKeyPEM([]byte("not a key"))
	assert.Error(t, err)
}

// --- LoadOrCreateKey ---

func TestLoadOrCreateKey_GeneratesOnceAndPersists(t *testing.T) {
	db, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()

	first, err := LoadOrCreateKey(ctx, "", db, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "RS256", first.Algorithm())

	stored, err := db.SigningKey(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)

	second, err := LoadOrCreateKey(ctx, "", db, testLogger())
	require.NoError(t, err)
	assert.Equal(t, first.KeyID(), second.KeyID())
}

func TestLoadOrCreateKey_FromFile(t *testing.T) {
	key := testECKey(t)

	data, err := MarshalKeyPEM(key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := LoadOrCreateKey(context.Background(), path, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "ES256", s.Algorithm())
}

func TestLoadOrCreateKey_MissingFile(t *testing.T) {
	_, err := LoadOrCreateKey(context.Background(), filepath.Join(t.TempDir(), "absent.pem"), nil, testLogger())
	assert.Error(t, err)
}

// --- JWK ---

func TestJWK_RSA(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	s, err := NewSigner(key)
	require.NoError(t, err)

	jwk := s.JWK()
	assert.Equal(t, "RSA", jwk.Kty)
	assert.Equal(t, "sig", jwk.Use)
	assert.Equal(t, "RS256", jwk.Alg)
	assert.Equal(t, s.KeyID(), jwk.Kid)
	assert.Equal(t, "AQAB", jwk.E)
	assert.Len(t, jwk.N, 342, "2048-bit modulus, base64url")
}

func TestJWK_EC(t *testing.T) {
	s, err := NewSigner(testECKey(t))
	require.NoError(t, err)

	jwk := s.JWK()
	assert.Equal(t, "EC", jwk.Kty)
	assert.Equal(t, "P-256", jwk.Crv)
	assert.Len(t, jwk.X, 43)
	assert.Len(t, jwk.Y, 43)
	assert.Empty(t, jwk.N)
}
