package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"attager/pkg/keyring"
	"attager/pkg/tenants"
)

type Issuer struct {
	store tenants.Provider
	keys  *keyring.Keyring
	log   *zap.SugaredLogger
	opts  options

	// compared against when the subject is unknown so that lookups for
	// missing and existing subjects take the same time
	dummyHash []byte
}

func NewIssuer(store tenants.Provider, keys *keyring.Keyring, log *zap.SugaredLogger, opts ...Option) (*Issuer, error) {
	o := buildOptions(opts)
	dummy, err := tenants.HashPassword("attager-dummy-password", o.cost)
	if err != nil {
		return nil, err
	}
	return &Issuer{store: store, keys: keys, log: log, opts: o, dummyHash: []byte(dummy)}, nil
}

// Issue authenticates subject with password and mints a token carrying the
// tenant claim exactly as the identity store holds it.
func (i *Issuer) Issue(ctx context.Context, subject, password string) (Credential, error) {
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	rec, err := i.store.Lookup(lctx, subject)
	switch {
	case errors.Is(err, tenants.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(i.dummyHash, []byte(password))
		return Credential{}, ErrInvalidCredentials
	case err != nil:
		i.log.Warnw("identity lookup failed during issue", "subject", subject, "err", err)
		return Credential{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return Credential{}, ErrInvalidCredentials
	}
	if rec.Tenants.Empty() {
		i.log.Warnw("identity has no tenants, refusing to issue", "subject", subject)
		return Credential{}, ErrInvalidCredentials
	}

	now := i.opts.now().Truncate(time.Second)
	exp := now.Add(i.opts.ttl)

	tok := jwt.New()
	_ = tok.Set(jwt.SubjectKey, rec.Subject)
	_ = tok.Set(jwt.IssuedAtKey, now)
	_ = tok.Set(jwt.ExpirationKey, exp)
	if i.opts.issuer != "" {
		_ = tok.Set(jwt.IssuerKey, i.opts.issuer)
	}
	if rec.Tenants.IsMultiple() {
		_ = tok.Set(claimTenant, rec.Tenants.Values())
	} else {
		_ = tok.Set(claimTenant, rec.Tenants.Values()[0])
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(i.keys.Algorithm(), i.keys.SigningKey()))
	if err != nil {
		return Credential{}, fmt.Errorf("sign credential: %w", err)
	}
	i.log.Infow("credential issued", "subject", rec.Subject, "tenants", rec.Tenants.Normalize().Sorted(), "exp", exp)
	return Credential{
		Token:     string(signed),
		Subject:   rec.Subject,
		Tenants:   rec.Tenants,
		IssuedAt:  now,
		ExpiresAt: exp,
		Algorithm: i.keys.Algorithm().String(),
	}, nil
}
