package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/vessel-relay/internal/ratelimit"
)

type requesterKey struct{}

// requesterFrom returns the caller identity attributed to r, set by
// requesterAttribution from the X-Requester header.
func requesterFrom(r *http.Request) string {
	v, _ := r.Context().Value(requesterKey{}).(string)
	return v
}

// recoverMiddleware turns a panicking handler into a 500 instead of
// taking down the whole listener.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panicked", "path", r.URL.Path, "recovered", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code a handler wrote, for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestLogMiddleware logs one line per request: method, path, the
// caller named by X-Requester, status, and latency. It runs outside
// requesterAttribution, so it reads the header directly.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method, "path", r.URL.Path, "caller", r.Header.Get("X-Requester"),
			"status", rec.status, "latency_ms", time.Since(start).Milliseconds())
	})
}

// relayTokenAuth rejects any request not bearing the shared relay
// token, compared in constant time, per spec.md §6. The apex process
// and every vessel-side caller present the same token.
func relayTokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Relay-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid relay token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requesterAttribution stashes X-Requester on the request context so
// downstream handlers and the request logger can see who called.
func requesterAttribution(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-Requester")
		ctx := context.WithValue(r.Context(), requesterKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited applies bucket to every request, keyed on the attributed
// caller, returning 429 once the caller's window is exhausted
// (spec.md §4.C / §7). Apex is never rate-limited.
func rateLimited(bucket *ratelimit.Bucket, bucketName string, apexName string, metricsRejected func(bucket string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := requesterFrom(r)
			if caller == apexName {
				next.ServeHTTP(w, r)
				return
			}
			if caller == "" {
				caller = "anonymous"
			}
			if !bucket.Allow(caller) {
				if metricsRejected != nil {
					metricsRejected(bucketName)
				}
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
