package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantry.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	apiKeyHeader = "X-API-Key"
	tenantHeader = "X-Tenant-ID"
)

// withAuth resolves the caller from an API key (with its tenant header) or a bearer
// access token and stores the principal in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		var (
			principal auth.Principal
			token     string
			err       error
		)
		if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
			principal, err = a.auth.AuthenticateAPIKey(r.Context(), strings.TrimSpace(r.Header.Get(tenantHeader)), key)
		} else {
			token, err = extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="tenantry"`)
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			principal, err = a.auth.Authenticate(r.Context(), token)
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tenantry", error="invalid_token"`)
			a.fail(w, r, err)
			return
		}

		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = auth.WithBearer(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require checks that the caller holds a tenant-wide resource:action grant. On failure
// it writes the response and returns false.
func (a *API) require(w http.ResponseWriter, r *http.Request, resource, action string) (auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	if err := a.auth.RBAC().Require(r.Context(), p, resource, action, auth.ScopeTenant, auth.Scope{}); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			a.audit(r.Context(), "access_denied", map[string]any{
				"resource": resource,
				"action":   action,
				"path":     r.URL.Path,
			})
		}
		a.fail(w, r, err)
		return auth.Principal{}, false
	}
	return p, true
}

// principal returns the authenticated caller for self-service routes.
func (a *API) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	}
	return p, ok
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
