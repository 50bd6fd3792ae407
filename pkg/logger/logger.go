// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
)

type Sugared = *zap.SugaredLogger

// New returns a production logger for env "prod" and a development one otherwise.
func New(env string) Sugared {
	var z *zap.Logger
	if env == "prod" {
		z, _ = zap.NewProduction()
	} else {
		z, _ = zap.NewDevelopment()
	}
	return z.Sugar().With("service", "attager")
}

// Nop is used by tests and by components constructed without a logger.
func Nop() Sugared { return zap.NewNop().Sugar() }
