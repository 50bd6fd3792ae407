package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"attager/pkg/config"
)

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/attager", RedactDSN("postgres://user:p@ss@db:5432/attager"))
	assert.Equal(t, "***@localhost/x", RedactDSN("u:p@localhost/x"))
	assert.Equal(t, "postgres://localhost/x", RedactDSN("postgres://localhost/x"))
}

func TestUnsetURLsReturnNil(t *testing.T) {
	log := zap.NewNop().Sugar()
	assert.Nil(t, MustConnect(config.Config{}, log))
	assert.Nil(t, MustRedis(config.Config{}, log))
}
