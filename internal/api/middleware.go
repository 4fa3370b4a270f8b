package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"procodus.dev/smartmeter/internal/meter"
)

type contextKey struct{}

// userFrom returns the user identified by the request API key, or nil for
// anonymous requests.
func userFrom(ctx context.Context) *meter.User {
	u, _ := ctx.Value(contextKey{}).(*meter.User)
	return u
}

// apiKey extracts the key from an "Authorization: Token <key>" header.
func apiKey(r *http.Request) string {
	scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Token") {
		return ""
	}
	return strings.TrimSpace(key)
}

// identify resolves the API key of a request. Unknown keys leave the request
// anonymous; the handlers decide whether that is acceptable.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKey(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := s.store.UserByAPIKey(r.Context(), key)
		switch {
		case errors.Is(err, meter.ErrNotFound):
			s.logger.Debug("unknown api key", "path", r.URL.Path)
		case err != nil:
			s.writeError(w, r, err)
			return
		default:
			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, user))
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser returns the request user or answers 401.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*meter.User, bool) {
	user := userFrom(r.Context())
	if user == nil {
		s.denied(w, "unauthenticated", "Authentication credentials were not provided.")
		return nil, false
	}
	return user, true
}

// requireSelf checks that the request user is the user in the {uid} path
// segment.
func (s *Server) requireSelf(w http.ResponseWriter, r *http.Request) (*meter.User, bool) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return nil, false
	}
	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 64)
	if err != nil || uint(uid) != user.ID {
		s.denied(w, "forbidden", "You do not have permission to perform this action.")
		return nil, false
	}
	return user, true
}

// statusRecorder captures the status code and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n
	return n, err
}

// instrument records request metrics labelled by the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.InFlight.Inc()
		defer s.metrics.InFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.Requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.metrics.Duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		s.metrics.ResponseSize.WithLabelValues(route).Observe(float64(rec.size))
	})
}
