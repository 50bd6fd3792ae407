package principal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"attager/pkg/tenants"
)

func TestContextRoundTrip(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)

	p := Principal{Subject: "admin@example.com", Tenants: tenants.NewSet("logistics", "customer-service")}
	got, ok := From(With(context.Background(), p))
	assert.True(t, ok)
	assert.Equal(t, "admin@example.com", got.Subject)
	assert.True(t, got.HasTenant("logistics"))
	assert.True(t, got.HasAnyTenant("billing", "customer-service"))
	assert.False(t, got.HasAnyTenant("billing"))
}
