package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"attager/pkg/keyring"
	"attager/pkg/principal"
	"attager/pkg/tenants"
)

type Verifier struct {
	store tenants.Provider
	keys  *keyring.Keyring
	log   *zap.SugaredLogger
	opts  options
}

func NewVerifier(store tenants.Provider, keys *keyring.Keyring, log *zap.SugaredLogger, opts ...Option) *Verifier {
	return &Verifier{store: store, keys: keys, log: log, opts: buildOptions(opts)}
}

// Verify checks structure, signature, expiry and, when configured, the
// issuer. It then re-reads the identity record and requires the token's
// tenant set to equal the stored one.
func (v *Verifier) Verify(ctx context.Context, raw string) (principal.Principal, error) {
	raw = strings.TrimSpace(raw)
	tok, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return principal.Principal{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	if _, err := jws.Verify([]byte(raw), jws.WithKeySet(v.keys.Set())); err != nil {
		return principal.Principal{}, ErrInvalidSignature
	}
	if tok.Expiration().IsZero() {
		return principal.Principal{}, fmt.Errorf("%w: missing exp", ErrMalformedCredential)
	}
	checks := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.opts.now)),
		jwt.WithAcceptableSkew(v.opts.skew),
	}
	if v.opts.issuer != "" {
		checks = append(checks, jwt.WithIssuer(v.opts.issuer))
	}
	if err := jwt.Validate(tok, checks...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return principal.Principal{}, ErrExpiredCredential
		}
		if errors.Is(err, jwt.ErrInvalidIssuer()) {
			return principal.Principal{}, fmt.Errorf("%w: unexpected issuer %q", ErrMalformedCredential, tok.Issuer())
		}
		return principal.Principal{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	subject := tok.Subject()
	if subject == "" {
		return principal.Principal{}, fmt.Errorf("%w: missing sub", ErrMalformedCredential)
	}
	rawClaim, ok := tok.Get(claimTenant)
	if !ok {
		return principal.Principal{}, fmt.Errorf("%w: missing tenant", ErrMalformedCredential)
	}
	claim, err := tenants.ClaimFromAny(rawClaim)
	if err != nil {
		return principal.Principal{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	claimed := claim.Normalize()
	if claimed.Len() == 0 {
		return principal.Principal{}, fmt.Errorf("%w: empty tenant", ErrMalformedCredential)
	}

	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	rec, err := v.store.Lookup(lctx, subject)
	switch {
	case errors.Is(err, tenants.ErrNotFound):
		return principal.Principal{}, ErrIdentityNotFound
	case err != nil:
		v.log.Warnw("identity lookup failed during verify", "subject", subject, "err", err)
		return principal.Principal{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if !claimed.Equal(rec.Tenants.Normalize()) {
		v.log.Infow("tenant mismatch", "subject", subject, "claimed", claimed.Sorted(), "stored", rec.Tenants.Normalize().Sorted())
		return principal.Principal{}, ErrTenantMismatch
	}
	return principal.Principal{Subject: subject, Tenants: claimed}, nil
}
