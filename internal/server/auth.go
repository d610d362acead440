package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"opsagent/internal/domain"
	"opsagent/internal/engine"
)

type AuthConfig struct {
	JWTSecret string
	// CronSecret guards POST scheduler/tick. Empty leaves it open.
	CronSecret    string
	AllowDevLogin bool
	Logger        *zap.SugaredLogger
}

type Principal struct {
	User   domain.User
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.SugaredLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop().Sugar()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.User.ID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// parseJWT validates an HS256 token and returns its subject and role claim.
func parseJWT(token, secret string) (jwtClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return jwtClaims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return jwtClaims{}, err
	}
	if !parsed.Valid {
		return jwtClaims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return jwtClaims{}, errors.New("subject claim required")
	}
	return claims, nil
}

// SignToken mints an HS256 token for userID. It backs the dev login route and
// ops token.
func SignToken(secret, userID, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authenticateJWT resolves the token subject to a stored user. A role claim
// that disagrees with the stored role is rejected.
func authenticateJWT(ctx context.Context, e engine.Engine, token, secret string) (Principal, error) {
	claims, err := parseJWT(token, secret)
	if err != nil {
		return Principal{}, err
	}
	u, err := e.Repo.GetUser(ctx, nil, claims.Subject)
	if err != nil {
		return Principal{}, err
	}
	if claims.Role != "" && claims.Role != u.Role {
		return Principal{}, errors.New("role claim does not match user")
	}
	return Principal{User: u, Source: "jwt"}, nil
}

func authenticateAPIKey(ctx context.Context, e engine.Engine, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	u, err := e.Authenticate(ctx, key)
	if err != nil {
		return Principal{}, err
	}
	return Principal{User: u, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// cronAuthorized checks Authorization: Bearer <secret> when a secret is set.
func cronAuthorized(req *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	token, ok := bearerToken(req.Header.Get("Authorization"))
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

var (
	errNoCredentials  = errors.New("authentication required")
	errBadCredentials = errors.New("invalid credentials")
)

// resolvePrincipal authenticates a request by bearer JWT first, then by the
// X-Api-Key header.
func resolvePrincipal(req *http.Request, cfg AuthConfig, e engine.Engine) (Principal, error) {
	ctx := req.Context()
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, errBadCredentials
		}
		p, err := authenticateJWT(ctx, e, token, cfg.JWTSecret)
		if err != nil {
			cfg.logger().Warnw("jwt rejected", "err", err)
			return Principal{}, errBadCredentials
		}
		return p, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err := authenticateAPIKey(ctx, e, key)
		if err != nil {
			cfg.logger().Warnw("api key rejected", "err", err)
			return Principal{}, errBadCredentials
		}
		return p, nil
	}
	return Principal{}, errNoCredentials
}

func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	public := map[string]bool{}
	for _, p := range []string{"health", "openapi.json", "auth/dev/login"} {
		public[path.Join(basePath, p)] = true
	}
	tickPath := path.Join(basePath, "scheduler/tick")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			switch {
			case basePath != "" && !strings.HasPrefix(req.URL.Path, basePath), public[req.URL.Path]:
				next.ServeHTTP(w, req)
				return
			case req.URL.Path == tickPath:
				// GET reports stats and stays open like health.
				if req.Method != http.MethodGet && !cronAuthorized(req, cfg.CronSecret) {
					cfg.logger().Warnw("rejected scheduler tick", "remote", req.RemoteAddr)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "Unauthorized", nil))
					return
				}
				next.ServeHTTP(w, req)
				return
			}
			p, err := resolvePrincipal(req, cfg, e)
			if err != nil {
				code := "invalid_credentials"
				if errors.Is(err, errNoCredentials) {
					code = "unauthorized"
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, code, err.Error(), nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
