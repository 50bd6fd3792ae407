// Package artifact signs and verifies agent-card attestations. An envelope
// binds the canonical hash of a card to a version, an etag and the policy
// version in force, under an HMAC signature whose key id travels in the
// protected header.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"attager/pkg/canonical"
)

var (
	ErrMalformed        = errors.New("malformed envelope")
	ErrInvalidSignature = errors.New("invalid envelope signature")
	ErrExpired          = errors.New("envelope expired")
	ErrHashMismatch     = errors.New("card hash mismatch")
	ErrNoCard           = errors.New("either a card or a card hash is required")
)

// hashPrefix is accepted on caller-supplied hashes and stripped before use.
const hashPrefix = "sha256:"

// Payload is the signed claim set.
type Payload struct {
	Issuer        string `json:"iss,omitempty"`
	Subject       string `json:"sub,omitempty"`
	IssuedAt      int64  `json:"iat"`
	ExpiresAt     *int64 `json:"exp,omitempty"`
	JTI           string `json:"jti,omitempty"`
	CardHash      string `json:"card_hash"`
	VersionID     int    `json:"version_id"`
	ETag          string `json:"etag"`
	PolicyVersion string `json:"policy_version"`
}

// Envelope carries a readable copy of the payload next to the compact JWS.
// Only the JWS is trusted on verification.
type Envelope struct {
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
}

// Verified is the outcome of a successful verification.
type Verified struct {
	Payload      Payload `json:"payload"`
	HashVerified bool    `json:"hash_verified"`
}

// CardHash returns the hex SHA-256 of the card's canonical form. A top-level
// "signatures" member is excluded so a card can carry its own envelopes.
func CardHash(card any) (string, error) {
	raw, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("%w: %v", canonical.ErrEncoding, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("%w: %v", canonical.ErrEncoding, err)
	}
	if obj, ok := generic.(map[string]any); ok {
		delete(obj, "signatures")
	}
	return canonical.Hash(generic)
}

// NormalizeHash lowercases h and strips an optional "sha256:" prefix.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, hashPrefix)
}

func weakETag(version int, cardHash string) string {
	short := cardHash
	if len(short) > 6 {
		short = short[:6]
	}
	return fmt.Sprintf(`W/"%d-%s"`, version, short)
}

type options struct {
	now           func() time.Time
	issuer        string
	defaultTTL    time.Duration
	policyVersion string
	skew          time.Duration
}

type Option func(*options)

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithIssuer(iss string) Option { return func(o *options) { o.issuer = iss } }

// WithDefaultTTL is used when a sign request carries no TTL.
func WithDefaultTTL(d time.Duration) Option { return func(o *options) { o.defaultTTL = d } }

// WithPolicyVersion is used when a sign request carries no policy version.
func WithPolicyVersion(v string) Option { return func(o *options) { o.policyVersion = v } }

func WithSkew(d time.Duration) Option { return func(o *options) { o.skew = d } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now, defaultTTL: 600 * time.Second, policyVersion: "1"}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
