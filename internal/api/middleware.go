package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
)

type ctxKey int

const ownerKey ctxKey = iota

// ownerID returns the authenticated owner of the request
func ownerID(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey).(string)
	return id
}

func withOwner(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerKey, id)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware resolves the owner from a dashboard JWT.
// Without a secret the X-Owner-ID header is trusted.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.JWTSecret == "" {
			owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
			if owner == "" {
				s.sendError(w, http.StatusUnauthorized, "X-Owner-ID header is required")
				return
			}
			next.ServeHTTP(w, r.WithContext(withOwner(r.Context(), owner)))
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			s.unauthorized(w, r, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.config.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			s.unauthorized(w, r, "invalid token")
			return
		}
		if claims.Subject == "" {
			s.unauthorized(w, r, "token has no subject")
			return
		}

		next.ServeHTTP(w, r.WithContext(withOwner(r.Context(), claims.Subject)))
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request, reason string) {
	s.logger.Warn("unauthorized API request",
		"reason", reason,
		"remote_addr", r.RemoteAddr,
		"path", r.URL.Path,
	)
	s.sendError(w, http.StatusUnauthorized, "Unauthorized")
}
