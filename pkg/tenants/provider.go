package tenants

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound    = errors.New("identity not found")
	ErrUnavailable = errors.New("identity store unavailable")
)

type Provider interface {
	// Lookup returns the tenant record for subject, ErrNotFound when the
	// subject is unknown, or an error wrapping ErrUnavailable when the store
	// could not be reached.
	Lookup(ctx context.Context, subject string) (Record, error)
}

// HashPassword returns a bcrypt hash of password at the given cost
// (bcrypt.DefaultCost when cost is 0).
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// seedEntry is the IDENTITY_SEED_JSON element format shared by the memory and
// postgres providers. Either password or password_hash must be set.
type seedEntry struct {
	Subject      string `json:"subject"`
	Tenant       Claim  `json:"tenant"`
	Password     string `json:"password"`
	PasswordHash string `json:"password_hash"`
}

func (e seedEntry) record(cost int) (Record, error) {
	hash := e.PasswordHash
	if hash == "" {
		var err error
		if hash, err = HashPassword(e.Password, cost); err != nil {
			return Record{}, err
		}
	}
	return Record{Subject: e.Subject, Tenants: e.Tenant, PasswordHash: hash}, nil
}

// defaultSeed mirrors the demo identities the agent network ships with.
var defaultSeed = []seedEntry{
	{Subject: "user2@example.com", Tenant: Single("logistics"), Password: "password1234"},
	{Subject: "user@example.com", Tenant: Single("customer-service"), Password: "password123"},
	{Subject: "admin@example.com", Tenant: Multiple("logistics", "customer-service"), Password: "admin123"},
}
