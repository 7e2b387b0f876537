package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dennisdiepolder/officehours/backend/internal/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func unsigned(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestAuthenticateClaims(t *testing.T) {
	a := New(Options{}, nil, zerolog.Nop())

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		want    types.Identity
		wantErr bool
	}{
		{
			name:   "numeric user id and role",
			claims: jwt.MapClaims{"user_id": float64(42), "role": "ta", "name": "Ada"},
			want:   types.Identity{UserID: 42, Role: "ta", Name: "Ada"},
		},
		{
			name: "numeric subject and realm roles",
			claims: jwt.MapClaims{
				"sub":                "7",
				"preferred_username": "grace",
				"realm_access":       map[string]interface{}{"roles": []interface{}{"student", "manager"}},
			},
			want: types.Identity{UserID: 7, Role: "manager", Name: "grace"},
		},
		{
			name:   "cognito groups",
			claims: jwt.MapClaims{"user_id": "9", "cognito:groups": []interface{}{"TA"}},
			want:   types.Identity{UserID: 9, Role: "ta"},
		},
		{
			name:   "defaults to student",
			claims: jwt.MapClaims{"user_id": float64(3), "role": "wizard"},
			want:   types.Identity{UserID: 3, Role: "student"},
		},
		{
			name:    "no user id",
			claims:  jwt.MapClaims{"sub": "abc-def"},
			wantErr: true,
		},
		{
			name:    "expired",
			claims:  jwt.MapClaims{"user_id": float64(1), "exp": float64(time.Now().Add(-time.Hour).Unix())},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Authenticate(unsigned(t, tt.claims))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}

	if _, err := a.Authenticate(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestAuthenticateVerifiesSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	a := New(Options{VerifySignature: true}, nil, zerolog.Nop()).
		WithKeyfunc(func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil })

	claims := jwt.MapClaims{"user_id": float64(5), "role": "ta", "exp": float64(time.Now().Add(time.Hour).Unix())}
	good, _ := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	forged, _ := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(other)

	id, err := a.Authenticate(good)
	if err != nil || id.UserID != 5 {
		t.Fatalf("expected user 5, got %+v (%v)", id, err)
	}
	if _, err := a.Authenticate(forged); err == nil {
		t.Error("expected forged token to be rejected")
	}
	if _, err := a.Authenticate(unsigned(t, claims)); err == nil {
		t.Error("expected HS256 token to be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	var seen types.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		opts       Options
		path       string
		header     string
		wantStatus int
		wantUser   int64
	}{
		{"missing token", Options{}, "/api/me", "", http.StatusUnauthorized, 0},
		{"health bypass", Options{}, "/health", "", http.StatusOK, 0},
		{"skip auth", Options{SkipAuth: true, DevUserID: 11, DevRole: "admin"}, "/api/me", "", http.StatusOK, 11},
		{"bearer", Options{}, "/api/me", "Bearer " + unsigned(t, jwt.MapClaims{"user_id": float64(8)}), http.StatusOK, 8},
		{"garbage", Options{}, "/api/me", "Bearer nope", http.StatusUnauthorized, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = types.Identity{}
			handler := New(tt.opts, nil, zerolog.Nop()).Middleware(next)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if seen.UserID != tt.wantUser {
				t.Errorf("expected user %d, got %d", tt.wantUser, seen.UserID)
			}
		})
	}
}

func TestOptionsFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantVerify bool
		wantSkip   bool
		wantUser   int64
	}{
		{"development", map[string]string{"ENV": "development"}, false, false, 1},
		{"production verifies", map[string]string{"ENV": "production"}, true, false, 1},
		{"explicit verify", map[string]string{"VERIFY_JWT_SIGNATURE": "true"}, true, false, 1},
		{"skip with dev user", map[string]string{"SKIP_AUTH": "true", "DEV_USER_ID": "77"}, false, true, 77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			opts := OptionsFromEnv()
			if opts.VerifySignature != tt.wantVerify || opts.SkipAuth != tt.wantSkip || opts.DevUserID != tt.wantUser {
				t.Errorf("unexpected options %+v", opts)
			}
		})
	}
}
