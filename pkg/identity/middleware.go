package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Header names trusted when a fronting proxy authenticates requests.
const (
	PrincipalHeader = "X-User-Principal"
	RolesHeader     = "X-User-Roles"
)

// Config controls how the middleware resolves an actor from a request.
type Config struct {
	// PublicKeyPath is a PEM-encoded RSA public key for RS256 verification
	// of bearer tokens. When empty, tokens are parsed without verification
	// (trusted-proxy mode).
	PublicKeyPath string

	// Issuer is the expected iss claim. Empty disables issuer validation.
	Issuer string

	// Audience is the expected aud claim. Empty disables audience validation.
	Audience string

	// RolesClaim is the JWT claim holding the principal's roles, either a
	// string or an array of strings. Supports dot-notation for nested
	// claims. Default "roles".
	RolesClaim string
}

// DefaultConfig returns the default identity configuration.
func DefaultConfig() Config {
	return Config{RolesClaim: "roles"}
}

// ConfigFromEnv reads identity configuration from CHANGEGATE_JWT_* variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("CHANGEGATE_JWT_PUBLIC_KEY"); v != "" {
		cfg.PublicKeyPath = v
	}
	if v := os.Getenv("CHANGEGATE_JWT_ISSUER"); v != "" {
		cfg.Issuer = v
	}
	if v := os.Getenv("CHANGEGATE_JWT_AUDIENCE"); v != "" {
		cfg.Audience = v
	}
	if v := os.Getenv("CHANGEGATE_JWT_ROLES_CLAIM"); v != "" {
		cfg.RolesClaim = v
	}
	return cfg
}

// Middleware resolves the acting principal for each request and stores it in
// the request context. Proxy headers win over a bearer token; requests with
// neither pass through without an actor, and mutating handlers reject them.
func Middleware(cfg Config, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		key, err := loadRSAPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		publicKey = key
		logger.Info("identity: bearer tokens verified with RS256", "keyPath", cfg.PublicKeyPath)
	} else {
		logger.Warn("identity: no public key configured, bearer tokens parsed without verification (trusted proxy mode)")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principal := r.Header.Get(PrincipalHeader); principal != "" {
				actor := Actor{Principal: principal, Roles: splitList(r.Header.Get(RolesHeader))}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
				return
			}

			if token := bearerToken(r); token != "" {
				actor, err := actorFromToken(token, publicKey, cfg)
				if err != nil {
					logger.Debug("identity: bearer token rejected", "error", err)
				} else {
					next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

// loadRSAPublicKey reads a PEM-encoded PKIX RSA public key from disk.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading JWT public key %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return key, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// actorFromToken parses (and optionally verifies) a JWT and builds an Actor
// from its subject and roles claims.
func actorFromToken(tokenString string, publicKey *rsa.PublicKey, cfg Config) (Actor, error) {
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error
	if publicKey != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return publicKey, nil
		}, opts...)
	} else {
		parser := jwt.NewParser(opts...)
		token, _, err = parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return Actor{}, fmt.Errorf("parsing bearer token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Actor{}, fmt.Errorf("unexpected claims type %T", token.Claims)
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return Actor{}, fmt.Errorf("token has no subject")
	}

	return Actor{Principal: subject, Roles: rolesFromClaims(claims, cfg.RolesClaim)}, nil
}

// rolesFromClaims walks a dot-notation claim path and returns the roles it
// holds, accepting a single string or an array of strings.
func rolesFromClaims(claims jwt.MapClaims, claimPath string) []string {
	var current interface{} = map[string]interface{}(claims)
	for _, part := range strings.Split(claimPath, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}

	switch v := current.(type) {
	case string:
		return splitList(v)
	case []interface{}:
		var roles []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	}
	return nil
}

// RequireActor rejects requests that carry no authenticated principal.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthenticated","error":"no authenticated principal"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
