// Package authtest provides a fake GitHub key endpoint and a request signer
// for tests of code that sits behind [auth.Verifier].
package authtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/fetchpilot/internal/auth"
)

// KeyID is the identifier under which the signer's key is published.
const KeyID = "test-key-1"

// Signer owns an ECDSA key and serves its public half like the GitHub key
// endpoint does.
type Signer struct {
	Key    *ecdsa.PrivateKey
	Server *httptest.Server

	hits atomic.Int32
}

// NewSigner starts a key server that is closed when the test ends.
func NewSigner(t testing.TB) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	s := &Signer{Key: key}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"public_keys": []auth.PublicKey{
				{ID: "other-key", Key: "not a key", IsCurrent: false},
				{ID: KeyID, Key: pemKey, IsCurrent: true},
			},
		})
	}))
	t.Cleanup(s.Server.Close)
	return s
}

// URL is the key endpoint.
func (s *Signer) URL() string { return s.Server.URL }

// Hits reports how often the key endpoint was queried.
func (s *Signer) Hits() int { return int(s.hits.Load()) }

// Sign returns the signature of body in the header encoding GitHub uses.
func (s *Signer) Sign(t testing.TB, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, s.Key, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// Headers returns a complete set of signed request headers for body.
func (s *Signer) Headers(t testing.TB, token string, body []byte) http.Header {
	t.Helper()
	h := http.Header{}
	h.Set(auth.HeaderToken, token)
	h.Set(auth.HeaderSignature, s.Sign(t, body))
	h.Set(auth.HeaderKeyID, KeyID)
	return h
}
