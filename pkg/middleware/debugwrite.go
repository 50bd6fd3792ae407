package middleware

import (
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
)

// DebugWriteHeader logs a stack trace when a handler writes its status twice,
// which usually means a problem document was appended to a success body.
// Enabled with DEBUG_DOUBLE_WRITE=true.
func DebugWriteHeader(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	if on, _ := strconv.ParseBool(os.Getenv("DEBUG_DOUBLE_WRITE")); !on {
		return func(next http.Handler) http.Handler { return next }
	}
	log.Infow("debug double-write middleware enabled")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&statusGuard{ResponseWriter: w, log: log, path: r.URL.Path}, r)
		})
	}
}

type statusGuard struct {
	http.ResponseWriter
	log   *zap.SugaredLogger
	path  string
	wrote atomic.Bool
	code  int
}

func (g *statusGuard) WriteHeader(code int) {
	if g.wrote.CompareAndSwap(false, true) {
		g.code = code
		g.ResponseWriter.WriteHeader(code)
		return
	}
	g.log.Warnw("double WriteHeader", "path", g.path, "first", g.code, "second", code, "stack", string(debug.Stack()))
}

func (g *statusGuard) Write(b []byte) (int, error) {
	if !g.wrote.Load() {
		g.WriteHeader(http.StatusOK)
	}
	return g.ResponseWriter.Write(b)
}
