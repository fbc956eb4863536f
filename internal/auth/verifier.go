// Package auth verifies that an agent request was sent by GitHub.
//
// GitHub signs the raw request body with an ECDSA key and names the key in a
// header. The matching public key is looked up at the Copilot key endpoint,
// and the signature is checked over the SHA-256 digest of the body.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/fetchpilot/internal/copilot"
	"github.com/MrWong99/fetchpilot/internal/observe"
	"github.com/MrWong99/fetchpilot/internal/resilience"
)

// DefaultKeysURL publishes the keys GitHub signs Copilot agent requests with.
const DefaultKeysURL = "https://api.github.com/meta/public_keys/copilot_api"

// Request headers set by the Copilot platform.
const (
	HeaderToken     = "X-GitHub-Token"
	HeaderSignature = "Github-Public-Key-Signature"
	HeaderKeyID     = "Github-Public-Key-Identifier"
)

const maxKeysBytes = 1 << 20

// PublicKey is one entry of the key endpoint's response.
type PublicKey struct {
	ID        string `json:"key_identifier"`
	Key       string `json:"key"`
	IsCurrent bool   `json:"is_current"`
}

type keysResponse struct {
	PublicKeys []PublicKey `json:"public_keys"`
}

// Config controls a [Verifier].
type Config struct {
	// KeysURL overrides [DefaultKeysURL].
	KeysURL string

	// DisableVerification skips the signature check. The token is still
	// required. Only for local development.
	DisableVerification bool
}

// Verifier authenticates inbound agent requests. It is safe for concurrent
// use.
type Verifier struct {
	cfg     Config
	client  *http.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// Option configures a [Verifier].
type Option func(*Verifier)

// WithHTTPClient sets the client used to fetch keys.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// WithMetrics records signature checks on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithBreaker replaces the circuit breaker guarding the key endpoint.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(v *Verifier) { v.breaker = cb }
}

// New returns a Verifier for cfg.
func New(cfg Config, opts ...Option) *Verifier {
	if cfg.KeysURL == "" {
		cfg.KeysURL = DefaultKeysURL
	}
	v := &Verifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(v)
	}
	if v.breaker == nil {
		v.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "github-keys",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		})
	}
	return v
}

// Verify checks the request headers and the signature over body and returns
// the caller's token. Failures are [*copilot.Error] values of kind
// UpstreamAuthFailure, or unclassified errors when the keys could not be
// fetched.
func (v *Verifier) Verify(ctx context.Context, h http.Header, body []byte) (string, error) {
	token := h.Get(HeaderToken)
	if token == "" {
		v.metrics.RecordSignatureCheck(ctx, "missing")
		return "", copilot.Unauthorized()
	}
	if v.cfg.DisableVerification {
		v.metrics.RecordSignatureCheck(ctx, "skipped")
		return token, nil
	}

	sig, keyID := h.Get(HeaderSignature), h.Get(HeaderKeyID)
	if sig == "" || keyID == "" {
		v.metrics.RecordSignatureCheck(ctx, "missing")
		return "", copilot.Unauthorized()
	}

	if err := v.verify(ctx, body, sig, keyID); err != nil {
		result := "invalid"
		if copilot.KindOf(err) != copilot.KindUpstreamAuthFailure {
			result = "error"
		}
		v.metrics.RecordSignatureCheck(ctx, result)
		return "", err
	}
	v.metrics.RecordSignatureCheck(ctx, "ok")
	return token, nil
}

func (v *Verifier) verify(ctx context.Context, body []byte, sig, keyID string) (err error) {
	ctx, span := observe.StartSpan(ctx, "auth.verify")
	defer func() { observe.EndSpan(span, err) }()

	var keys []PublicKey
	err = v.breaker.Execute(func() error {
		var ferr error
		keys, ferr = v.fetchKeys(ctx)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("auth: fetch public keys: %w", err)
	}

	var pemKey string
	for _, k := range keys {
		if k.ID == keyID {
			pemKey = k.Key
			break
		}
	}
	if pemKey == "" {
		return copilot.VerificationFailed("No public key found matching key identifier", nil)
	}

	pub, err := parsePublicKey(pemKey)
	if err != nil {
		return copilot.VerificationFailed("Signature does not match payload", err)
	}
	rawSig, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return copilot.VerificationFailed("Signature does not match payload", err)
	}
	digest := sha256.Sum256(body)
	if !ecdsa.VerifyASN1(pub, digest[:], rawSig) {
		return copilot.VerificationFailed("Signature does not match payload", nil)
	}
	return nil
}

func (v *Verifier) fetchKeys(ctx context.Context) ([]PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.KeysURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var kr keysResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeysBytes)).Decode(&kr); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	return kr.PublicKeys, nil
}

func parsePublicKey(s string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("auth: key is not PEM encoded")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse key: %w", err)
	}
	ec, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: unsupported key type %T", pub)
	}
	return ec, nil
}
