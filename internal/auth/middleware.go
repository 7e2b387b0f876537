package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type contextKey string

const identityContextKey contextKey = "identity"

// Roles ordered from most to least privileged
var rolePriority = []string{"admin", "manager", "ta", "student"}

var (
	ErrMissingToken = errors.New("missing token")
	ErrNoUserID     = errors.New("token carries no numeric user id")
)

// Options controls how bearer tokens are checked
type Options struct {
	SkipAuth        bool
	VerifySignature bool
	IssuerURL       string
	DevUserID       int64
	DevRole         string
	DevName         string
}

// OptionsFromEnv reads SKIP_AUTH, ENV, VERIFY_JWT_SIGNATURE, OIDC_ISSUER and
// the DEV_USER_* overrides used while SKIP_AUTH is on
func OptionsFromEnv() Options {
	env := os.Getenv("ENV")
	opts := Options{
		SkipAuth:        os.Getenv("SKIP_AUTH") == "true",
		VerifySignature: os.Getenv("VERIFY_JWT_SIGNATURE") == "true",
		IssuerURL:       os.Getenv("OIDC_ISSUER"),
		DevUserID:       1,
		DevRole:         "admin",
		DevName:         "Dev User",
	}
	// In production, verify signature by default
	if env != "development" && env != "" {
		opts.VerifySignature = true
	}
	if v, err := strconv.ParseInt(os.Getenv("DEV_USER_ID"), 10, 64); err == nil && v > 0 {
		opts.DevUserID = v
	}
	if v := os.Getenv("DEV_USER_ROLE"); v != "" {
		opts.DevRole = v
	}
	return opts
}

// JWKSManager handles JWKS fetching and caching
type JWKSManager struct {
	jwks       keyfunc.Keyfunc
	issuerURL  string
	mu         sync.RWMutex
	lastUpdate time.Time
	logger     zerolog.Logger
}

// NewJWKSManager fetches the issuer's key set (Keycloak layout)
func NewJWKSManager(issuerURL string, logger zerolog.Logger) (*JWKSManager, error) {
	m := &JWKSManager{issuerURL: issuerURL, logger: logger}
	if err := m.refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *JWKSManager) refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jwksURL := strings.TrimSuffix(m.issuerURL, "/") + "/protocol/openid-connect/certs"
	m.logger.Info().Str("url", jwksURL).Msg("fetching JWKS")

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}

	m.jwks = k
	m.lastUpdate = time.Now()
	return nil
}

func (m *JWKSManager) getKeyfunc() jwt.Keyfunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.jwks == nil {
		return nil
	}
	return m.jwks.Keyfunc
}

// Authenticator turns bearer tokens into a types.Identity on the request context
type Authenticator struct {
	opts    Options
	keyfunc jwt.Keyfunc
	now     func() time.Time
	logger  zerolog.Logger
}

// New creates an authenticator. jwks may be nil unless signatures are verified.
func New(opts Options, jwks *JWKSManager, logger zerolog.Logger) *Authenticator {
	a := &Authenticator{
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "auth").Logger(),
	}
	if jwks != nil {
		a.keyfunc = jwks.getKeyfunc()
	}
	return a
}

// WithKeyfunc overrides the signature key lookup
func (a *Authenticator) WithKeyfunc(kf jwt.Keyfunc) *Authenticator {
	a.keyfunc = kf
	return a
}

// Middleware validates the caller's token and stores the identity in the context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if a.opts.SkipAuth {
			id := types.Identity{UserID: a.opts.DevUserID, Role: a.opts.DevRole, Name: a.opts.DevName}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		id, err := a.Authenticate(tokenString)
		if err != nil {
			a.logger.Debug().Err(err).Msg("token validation failed")
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Authenticate parses a token into an identity
func (a *Authenticator) Authenticate(tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, ErrMissingToken
	}

	var token *jwt.Token
	var err error
	if a.opts.VerifySignature {
		if a.keyfunc == nil {
			return types.Identity{}, fmt.Errorf("JWKS not available")
		}
		token, err = jwt.Parse(tokenString, a.keyfunc,
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
		if err != nil {
			return types.Identity{}, fmt.Errorf("token verification failed: %w", err)
		}
	} else {
		token, _, err = jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return types.Identity{}, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, fmt.Errorf("invalid token claims")
	}

	// Unverified tokens are not expiry-checked by the parser
	if !a.opts.VerifySignature {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(a.now()) {
			return types.Identity{}, fmt.Errorf("token expired")
		}
	}

	userID, ok := userIDFromClaims(claims)
	if !ok {
		return types.Identity{}, ErrNoUserID
	}

	return types.Identity{
		UserID: userID,
		Role:   roleFromClaims(claims),
		Name:   nameFromClaims(claims),
	}, nil
}

// userIDFromClaims reads user_id, falling back to a numeric sub
func userIDFromClaims(claims jwt.MapClaims) (int64, bool) {
	switch v := claims["user_id"].(type) {
	case float64:
		if v > 0 {
			return int64(v), true
		}
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	if sub, ok := claims["sub"].(string); ok {
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

func nameFromClaims(claims jwt.MapClaims) string {
	if name, ok := claims["name"].(string); ok {
		return name
	}
	if preferred, ok := claims["preferred_username"].(string); ok {
		return preferred
	}
	return ""
}

// roleFromClaims checks the role claim, then Keycloak realm roles, then
// Cognito groups. The most privileged match wins.
func roleFromClaims(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok && isKnownRole(role) {
		return role
	}

	var candidates []string
	if realmAccess, ok := claims["realm_access"].(map[string]interface{}); ok {
		candidates = append(candidates, stringList(realmAccess["roles"])...)
	}
	candidates = append(candidates, stringList(claims["cognito:groups"])...)

	for _, priority := range rolePriority {
		for _, c := range candidates {
			if strings.EqualFold(c, priority) {
				return priority
			}
		}
	}
	return "student"
}

func isKnownRole(role string) bool {
	for _, r := range rolePriority {
		if r == role {
			return true
		}
	}
	return false
}

func stringList(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}
	return r.URL.Query().Get("access_token")
}

// WithIdentity stores id in ctx
func WithIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the identity stored by the middleware
func IdentityFromContext(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(types.Identity)
	return id, ok
}
