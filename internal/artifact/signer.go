package artifact

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jws"
	"go.uber.org/zap"

	"attager/pkg/canonical"
	"attager/pkg/keyring"
)

// SignRequest describes what to attest. Exactly one of Card and CardHash is
// normally set; when both are, Card wins.
type SignRequest struct {
	Card          any
	CardHash      string
	AgentID       string
	VersionID     int
	ETag          string
	PolicyVersion string
	TTL           time.Duration
	NoExpiry      bool
}

type Signer struct {
	keys *keyring.Keyring
	log  *zap.SugaredLogger
	opts options
}

func NewSigner(keys *keyring.Keyring, log *zap.SugaredLogger, opts ...Option) *Signer {
	return &Signer{keys: keys, log: log, opts: buildOptions(opts)}
}

func (s *Signer) Sign(req SignRequest) (Envelope, error) {
	hash := NormalizeHash(req.CardHash)
	if req.Card != nil {
		var err error
		if hash, err = CardHash(req.Card); err != nil {
			return Envelope{}, err
		}
	}
	if hash == "" {
		return Envelope{}, ErrNoCard
	}
	version := req.VersionID
	if version <= 0 {
		version = 1
	}
	etag := req.ETag
	if etag == "" {
		etag = weakETag(version, hash)
	}
	policyVersion := req.PolicyVersion
	if policyVersion == "" {
		policyVersion = s.opts.policyVersion
	}

	now := s.opts.now()
	p := Payload{
		Issuer:        s.opts.issuer,
		Subject:       req.AgentID,
		IssuedAt:      now.Unix(),
		JTI:           uuid.NewString(),
		CardHash:      hash,
		VersionID:     version,
		ETag:          etag,
		PolicyVersion: policyVersion,
	}
	if !req.NoExpiry {
		ttl := req.TTL
		if ttl <= 0 {
			ttl = s.opts.defaultTTL
		}
		exp := now.Add(ttl).Unix()
		p.ExpiresAt = &exp
	}

	body, err := canonical.Canonicalize(p)
	if err != nil {
		return Envelope{}, err
	}
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.KeyIDKey, s.keys.KeyID())
	_ = hdrs.Set(jws.TypeKey, "JWT")
	signed, err := jws.Sign(body, jws.WithKey(s.keys.Algorithm(), s.keys.SigningKey(), jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return Envelope{}, fmt.Errorf("sign envelope: %w", err)
	}
	s.log.Infow("card signed", "agent", req.AgentID, "card_hash", hash, "version", version, "kid", s.keys.KeyID())
	return Envelope{Payload: p, Signature: string(signed)}, nil
}

type Verifier struct {
	keys *keyring.Keyring
	opts options
}

func NewVerifier(keys *keyring.Keyring, opts ...Option) *Verifier {
	return &Verifier{keys: keys, opts: buildOptions(opts)}
}

// Verify checks the signature and expiry of the compact JWS in env and, when
// a card or a card hash is supplied, that it matches the signed card_hash.
func (v *Verifier) Verify(env Envelope, card any, cardHash string) (Verified, error) {
	if _, err := jws.Parse([]byte(env.Signature)); err != nil {
		return Verified{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := jws.Verify([]byte(env.Signature), jws.WithKeySet(v.keys.Set()))
	if err != nil {
		return Verified{}, ErrInvalidSignature
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Verified{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.CardHash == "" {
		return Verified{}, fmt.Errorf("%w: missing card_hash", ErrMalformed)
	}
	if p.ExpiresAt != nil && !v.opts.now().Add(-v.opts.skew).Before(time.Unix(*p.ExpiresAt, 0)) {
		return Verified{}, ErrExpired
	}

	expected := NormalizeHash(cardHash)
	if card != nil {
		if expected, err = CardHash(card); err != nil {
			return Verified{}, err
		}
	}
	if expected == "" {
		return Verified{Payload: p}, nil
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(NormalizeHash(p.CardHash))) != 1 {
		return Verified{}, ErrHashMismatch
	}
	return Verified{Payload: p, HashVerified: true}, nil
}
