package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/deployments/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	Subject string
}

const contextKeyAuth authContextKey = "deployments-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireWriter guards mutating routes when a signing secret is configured.
func (r *Router) requireWriter(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.jwtSecret == "" {
			next(w, req)
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="deployments"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwt.Parse(token, r.jwtSecret)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			w.Header().Set("WWW-Authenticate", `Bearer realm="deployments", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		if !claims.HasScope(jwt.ScopeWrite) {
			r.logger.Warn("token lacks write scope", "subject", claims.Subject, "path", req.URL.Path)
			writeError(w, http.StatusForbidden, "insufficient scope")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyAuth, authInfo{Subject: claims.Subject})
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
