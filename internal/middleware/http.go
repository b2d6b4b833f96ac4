package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"templesite/internal/auth"
	"templesite/internal/rate"
	"templesite/internal/util"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		r = r.WithContext(WithRequestID(r.Context(), rid))
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

// RateLimit enforces the fixed-window limiter; login routes pass login=true
// to get the stricter sub-limit. Rejections carry Retry-After.
func RateLimit(l *rate.Limiter, login bool, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := l.Allow(ClientIP(r, trustProxy), login)
			if !ok {
				util.WriteRateLimited(w, retryAfter, RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPBlock rejects blocked IPs before any authentication logic runs. The
// body is deliberately generic.
func IPBlock(b *rate.Blocker, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, trustProxy)
			if b.IsBlocked(ip) {
				log.Printf("blocked_ip_rejected ip=%s path=%s request_id=%s", ip, r.URL.Path, RequestID(r.Context()))
				util.WriteJSON(w, http.StatusForbidden, map[string]string{"message": "Access denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionAuthn validates the session cookie on protected routes. API
// callers get a 401; page routes are redirected to the login surface with
// no more detail than the redirect itself.
func SessionAuthn(signingKey []byte, cookieName, loginPath string, redirect bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reject := func() {
				if redirect {
					http.Redirect(w, r, loginPath, http.StatusFound)
					return
				}
				util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", RequestID(r.Context()))
			}
			c, err := r.Cookie(cookieName)
			if err != nil || c.Value == "" {
				reject()
				return
			}
			claims, err := auth.VerifySessionToken(c.Value, signingKey)
			if err != nil {
				reject()
				return
			}
			r = r.WithContext(WithIdentity(r.Context(), Identity{
				UserID:      claims.Subject,
				DisplayName: claims.DisplayName,
				Role:        claims.Role,
			}))
			next.ServeHTTP(w, r)
		})
	}
}

func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || id.Role != "admin" {
			util.WriteError(w, http.StatusForbidden, "forbidden", "admin role required", RequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRF verifies the double-submit pair on state-changing methods: the
// secret cookie plus the derived token from the X-CSRF-Token header.
func CSRF(key []byte, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			h := r.Header.Get("X-CSRF-Token")
			c, err := r.Cookie(cookieName)
			if err != nil || c.Value == "" || h == "" || !auth.VerifyCSRF(key, c.Value, h) {
				util.WriteJSON(w, http.StatusForbidden, map[string]string{"message": "Invalid CSRF token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		log.Printf("request method=%s path=%s status=%d duration_ms=%d request_id=%s remote_ip=%s",
			r.Method, r.URL.Path, sr.status, time.Since(start).Milliseconds(), RequestID(r.Context()), ClientIP(r, false))
	})
}
