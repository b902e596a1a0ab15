package httpapi

import (
	"context"
	"net/http"
	"time"
)

// ReadyzCheck probes one dependency, typically a database ping. It must
// respect the context deadline.
type ReadyzCheck func(ctx context.Context) error

// Healthz reports liveness only: 200 as long as the process is up.
func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// Readyz runs every check under a shared timeout and answers 503 on the
// first failure, so a binary with a dead pool drops out of rotation
// without being restarted.
func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, check := range checks {
			if err := check(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
