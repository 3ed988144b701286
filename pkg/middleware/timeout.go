package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/logger"
)

type writeState int

const (
	pending writeState = iota
	answered
	expired
)

// Timeout bounds each request to d. A handler that has not started its
// response by then is answered with 504 and any later writes are dropped;
// one that has started is left to finish.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			r = r.WithContext(ctx)

			gw := &guardedWriter{ResponseWriter: w}
			done := make(chan struct{})
			go func() {
				defer close(done)
				next.ServeHTTP(gw, r)
			}()

			select {
			case <-done:
				return
			case <-ctx.Done():
			}
			if !gw.expire() {
				<-done
				return
			}
			logger.FromContext(ctx).Warn("request timed out",
				"method", r.Method,
				"path", r.URL.Path,
				"timeout", d,
			)
			writeError(w, r, http.StatusGatewayTimeout, "scan request timed out")
		})
	}
}

// guardedWriter lets either the handler or the timeout answer, never both.
type guardedWriter struct {
	http.ResponseWriter
	mu    sync.Mutex
	state writeState
}

// expire claims the response for the timeout and reports whether it won.
func (g *guardedWriter) expire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != pending {
		return false
	}
	g.state = expired
	return true
}

func (g *guardedWriter) WriteHeader(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == expired {
		return
	}
	g.state = answered
	g.ResponseWriter.WriteHeader(code)
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == expired {
		return 0, http.ErrHandlerTimeout
	}
	g.state = answered
	return g.ResponseWriter.Write(b)
}
