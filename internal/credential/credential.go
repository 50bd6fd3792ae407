// Package credential issues and verifies signed identity tokens that bind a
// subject to the tenants recorded for it in the identity store.
package credential

import (
	"errors"
	"time"

	"attager/pkg/principal"
	"attager/pkg/tenants"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrExpiredCredential   = principal.ErrExpired
	ErrMalformedCredential = principal.ErrMalformed
	ErrInvalidSignature    = principal.ErrInvalidSignature
	ErrIdentityNotFound    = principal.ErrUnknownSubject
	ErrTenantMismatch      = principal.ErrTenantMismatch
	ErrIdentityUnavailable = principal.ErrUnavailable
)

const (
	claimTenant   = "tenant"
	lookupTimeout = 3 * time.Second
)

// Credential is a freshly minted token together with the claims it carries.
type Credential struct {
	Token     string
	Subject   string
	Tenants   tenants.Claim
	IssuedAt  time.Time
	ExpiresAt time.Time
	Algorithm string
}

type options struct {
	now    func() time.Time
	ttl    time.Duration
	issuer string
	skew   time.Duration
	cost   int
}

type Option func(*options)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

// WithIssuer sets iss on issued tokens. A Verifier built with it rejects
// tokens carrying any other issuer.
func WithIssuer(iss string) Option { return func(o *options) { o.issuer = iss } }

// WithSkew tolerates clock drift when checking exp.
func WithSkew(d time.Duration) Option { return func(o *options) { o.skew = d } }

// WithBcryptCost sets the cost used for the dummy hash compared against
// unknown subjects. It should match the cost used by the identity store.
func WithBcryptCost(c int) Option { return func(o *options) { o.cost = c } }

func buildOptions(opts []Option) options {
	o := options{now: time.Now, ttl: 30 * time.Minute}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
