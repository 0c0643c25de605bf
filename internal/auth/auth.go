// Package auth provides the thin authentication contract the sync engine
// consumes: "the caller is authenticated, here is their user identifier."
// Credential issuance, password hashing, and OIDC/JWKS federation are
// external-collaborator concerns this engine never performs; the one
// mode its own HTTP surface needs is an HS256 bearer token (or, in
// DevMode, a debug header), either of which ultimately yields a user id
// and nothing else.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

// ctxUserID is the context key the Middleware stores the authenticated
// user identifier under.
const ctxUserID ctxKey = "uid"

// JWTCfg configures the bearer-token validator.
type JWTCfg struct {
	HS256Secret string // shared secret for HMAC-signed tokens
	DevMode     bool   // allow X-Debug-Sub to bypass JWT validation (local dev only)
}

// ErrMissingSubject is returned when a token decodes but carries no usable
// subject claim.
var ErrMissingSubject = errors.New("auth: missing or invalid sub claim")

// ValidateToken validates an HS256 bearer token and returns its subject.
func ValidateToken(tokenString string, cfg JWTCfg) (string, error) {
	if tokenString == "" {
		return "", errors.New("auth: token is empty")
	}
	if cfg.HS256Secret == "" {
		return "", errors.New("auth: HS256 secret not configured")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return []byte(cfg.HS256Secret), nil
	})
	if err != nil {
		return "", err
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrMissingSubject
	}
	return sub, nil
}

// Middleware authenticates the request and stashes the user id on the
// request context. Resolution order: Authorization: Bearer <jwt>, then
// (only when cfg.DevMode) X-Debug-Sub.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("auth: DevMode enabled - X-Debug-Sub bypasses token validation")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = strings.TrimPrefix(h, "Bearer ")
			}

			var userID string
			if tok != "" {
				sub, err := ValidateToken(tok, cfg)
				if err != nil {
					log.Warn().Err(err).Msg("auth: token validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				userID = sub
			} else if cfg.DevMode {
				userID = r.Header.Get("X-Debug-Sub")
			}

			if userID == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID retrieves the authenticated user id from context, or "" if absent.
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxUserID).(string); ok {
		return v
	}
	return ""
}

// WithUserID stashes userID on ctx the same way Middleware does, for
// handler tests that need an authenticated context without a real token.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}
