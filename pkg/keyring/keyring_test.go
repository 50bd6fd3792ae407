package keyring

import (
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ActiveAndPrevious(t *testing.T) {
	kr, err := New("HS256", "k2", "secret-two", "k1:secret-one, k0:secret-zero")
	require.NoError(t, err)

	assert.Equal(t, jwa.HS256, kr.Algorithm())
	assert.Equal(t, "k2", kr.KeyID())
	assert.Equal(t, 3, kr.Set().Len())

	_, ok := kr.Set().LookupKeyID("k1")
	assert.True(t, ok)
}

func TestNew_SkipsDuplicateActiveKid(t *testing.T) {
	kr, err := New("HS256", "k1", "secret-one", "k1:old")
	require.NoError(t, err)
	assert.Equal(t, 1, kr.Set().Len())
}

func TestNew_Rejects(t *testing.T) {
	_, err := New("HS256", "k1", "", "")
	assert.ErrorIs(t, err, ErrNoSecret)

	_, err = New("RS256", "k1", "s", "")
	assert.Error(t, err)

	_, err = New("HS256", "k1", "s", "missing-colon")
	assert.Error(t, err)
}
