package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return NewManager(Config{
		JWTSecret:     "test-signing-key",
		JWTExpiration: 60,
		APIKeys:       []string{"testkey", "secondkey"},
		Users: []User{{
			Username:     "tech1",
			PasswordHash: string(hash),
			Role:         RoleTech,
			TenantIDs:    []string{"t1", "t2"},
		}},
	})
}

func TestJWTRoundTrip(t *testing.T) {
	m := testManager(t)
	token, err := m.GenerateJWT(User{
		Username:  "tech1",
		Role:      RoleTech,
		TenantIDs: []string{"t1", "t2"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := m.ValidateJWT(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UID != "tech1" || claims.Role != RoleTech {
		t.Errorf("claims = %+v, want uid tech1 role tech", claims)
	}
	if len(claims.TenantIDs) != 2 || claims.TenantIDs[0] != "t1" {
		t.Errorf("tenantIds = %v, want [t1 t2]", claims.TenantIDs)
	}
}

func TestValidateJWTWrongSecret(t *testing.T) {
	m := testManager(t)
	token, err := m.GenerateJWT(User{Username: "tech1", Role: RoleTech})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	other := NewManager(Config{JWTSecret: "different-key", JWTExpiration: 60})
	if _, err := other.ValidateJWT(token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	m := testManager(t)
	for _, tc := range []struct {
		key  string
		want bool
	}{
		{"testkey", true},
		{"secondkey", true},
		{"wrong", false},
		{"", false},
	} {
		if got := m.ValidateAPIKey(tc.key); got != tc.want {
			t.Errorf("ValidateAPIKey(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestAuthenticateUser(t *testing.T) {
	m := testManager(t)

	u, err := m.AuthenticateUser("tech1", "secret123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.Role != RoleTech {
		t.Errorf("role = %q, want tech", u.Role)
	}

	if _, err := m.AuthenticateUser("tech1", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("bad password: got %v, want ErrUnauthorized", err)
	}
	if _, err := m.AuthenticateUser("nobody", "secret123"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown user: got %v, want ErrUnauthorized", err)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	m := testManager(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := m.APIKeyMiddleware(next)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"header key", "testkey", "", http.StatusOK},
		{"query key", "", "testkey", http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"invalid", "nope", "", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			url := "/ingest"
			if tc.query != "" {
				url += "?k=" + tc.query
			}
			req := httptest.NewRequest(http.MethodPost, url, nil)
			if tc.header != "" {
				req.Header.Set("X-API-Key", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestJWTMiddleware(t *testing.T) {
	m := testManager(t)
	var gotCaller *Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := m.JWTMiddleware(next)

	token, err := m.GenerateJWT(User{Username: "tech1", Role: RoleTech, TenantIDs: []string{"t1"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/tenants/t1/sensors", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotCaller == nil || gotCaller.UID != "tech1" || gotCaller.Role != RoleTech {
		t.Errorf("caller = %+v, want tech1/tech", gotCaller)
	}

	for _, tc := range []struct {
		name  string
		value string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.token"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/tenants/t1/sensors", nil)
			if tc.value != "" {
				req.Header.Set("Authorization", tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}
