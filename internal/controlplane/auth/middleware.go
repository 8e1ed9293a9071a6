package auth

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const apiKeyContextKey contextKey = "apiKey"

// FromContext returns the authenticated key, or nil on the open paths.
func FromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*APIKey)
	return key
}

// Middleware authenticates bearer keys against the store and against
// statically configured bcrypt hashes. Static hashes come from the
// config file and authenticate as admin; they exist so an operator can
// bootstrap before any key is minted through the API.
type Middleware struct {
	store        *KeyStore
	staticHashes []string
	skipExact    map[string]bool
	skipPrefix   []string
}

// NewMiddleware builds the guard. Paths ending in "*" skip by prefix.
func NewMiddleware(store *KeyStore, staticHashes, skipPaths []string) *Middleware {
	m := &Middleware{
		store:        store,
		staticHashes: staticHashes,
		skipExact:    make(map[string]bool, len(skipPaths)),
	}
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			m.skipPrefix = append(m.skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		m.skipExact[p] = true
	}
	return m
}

// Wrap enforces authentication on every non-skipped path.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		if key := m.validateStatic(token); key != nil {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key)))
			return
		}

		if m.store == nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		key, err := m.store.Validate(token)
		if err != nil {
			if err == ErrKeyExpired {
				writeAuthError(w, http.StatusForbidden, "api key expired")
				return
			}
			writeAuthError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey, key)))
	})
}

// Require gates a single handler on a permission. It assumes Wrap
// already ran; an unauthenticated request on a skipped path passes only
// when no guard is configured at all.
func Require(perm Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := FromContext(r.Context())
		if key != nil && !key.Allows(perm) {
			writeAuthError(w, http.StatusForbidden, "missing permission "+string(perm))
			return
		}
		next(w, r)
	}
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipExact[path] {
		return true
	}
	for _, p := range m.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (m *Middleware) validateStatic(token string) *APIKey {
	for _, hash := range m.staticHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return &APIKey{
				KeyID:       "KEY-STATIC",
				Name:        "configured operator key",
				Enabled:     true,
				Permissions: []Permission{PermAdmin},
			}
		}
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","error":"` + message + `"}`))
}
