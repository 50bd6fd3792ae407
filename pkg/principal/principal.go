// Package principal carries a verified caller identity through request
// contexts, along with the reasons a bearer credential can be refused.
package principal

import (
	"context"
	"errors"

	"attager/pkg/tenants"
)

// Verification failures. Token problems map to 401, ErrTenantMismatch to 403
// and ErrUnavailable to 503.
var (
	ErrExpired          = errors.New("credential expired")
	ErrMalformed        = errors.New("malformed credential")
	ErrInvalidSignature = errors.New("invalid credential signature")
	ErrUnknownSubject   = errors.New("identity not found")
	ErrTenantMismatch   = errors.New("credential tenants do not match identity record")
	ErrUnavailable      = errors.New("identity store unavailable")
)

// Principal is the verified identity of a caller.
type Principal struct {
	Subject string
	Tenants tenants.Set
}

func (p Principal) HasTenant(t string) bool { return p.Tenants.Has(t) }

// HasAnyTenant reports whether the principal holds at least one of ts.
func (p Principal) HasAnyTenant(ts ...string) bool {
	for _, t := range ts {
		if p.Tenants.Has(t) {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func With(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func From(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
