// Package auth provides operator authentication for the administrative HTTP
// endpoints: a static admin API key or a signed operator JWT.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the header carrying the admin API key
	APIKeyHeader = "X-API-Key"

	operatorContextKey contextKey = "operator"
)

// Operator identifies the caller of an admin endpoint
type Operator struct {
	Name string
	Role string
	// ViaAPIKey is set when the static admin key was used
	ViaAPIKey bool
}

// AdminAuth guards admin endpoints
type AdminAuth struct {
	adminAPIKey string
	jwt         *JWTManager
	logger      *slog.Logger
}

// NewAdminAuth creates admin authentication. An empty key disables key
// authentication; a nil manager disables token authentication.
func NewAdminAuth(adminAPIKey string, jwtManager *JWTManager, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuth{adminAPIKey: adminAPIKey, jwt: jwtManager, logger: logger}
}

// Middleware rejects requests that carry neither a valid admin API key nor a
// valid admin bearer token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return a.guard(next, false)
}

// ReadMiddleware guards read-only admin endpoints. It also accepts viewer
// tokens.
func (a *AdminAuth) ReadMiddleware(next http.Handler) http.Handler {
	return a.guard(next, true)
}

func (a *AdminAuth) guard(next http.Handler, allowViewer bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op, code, err := a.authenticate(r, allowViewer)
		if err != nil {
			a.logger.Warn("admin authentication failed",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			writeAuthError(w, code, err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), operatorContextKey, op)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AdminAuth) authenticate(r *http.Request, allowViewer bool) (*Operator, int, error) {
	if a.adminAPIKey == "" && a.jwt == nil {
		return nil, http.StatusForbidden, errors.New("admin access not configured")
	}

	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if a.adminAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(a.adminAPIKey)) != 1 {
			return nil, http.StatusForbidden, errors.New("invalid admin API key")
		}
		return &Operator{Name: "api-key", Role: RoleAdmin, ViaAPIKey: true}, 0, nil
	}

	token, ok := bearerToken(r)
	if !ok {
		return nil, http.StatusUnauthorized, errors.New("missing credentials")
	}
	if a.jwt == nil {
		return nil, http.StatusUnauthorized, ErrInvalidToken
	}

	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}
	switch {
	case claims.IsAdmin():
	case allowViewer && claims.Role == RoleViewer:
	default:
		return nil, http.StatusForbidden, errors.New("admin role required")
	}
	return &Operator{Name: claims.Subject, Role: claims.Role}, 0, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// OperatorFromContext returns the authenticated operator
func OperatorFromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(operatorContextKey).(*Operator)
	return op, ok
}

func writeAuthError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
