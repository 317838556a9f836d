package tenantauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "dev-only-insecure-secret-change-me"

func TestNewTokenManager_RejectsShortSecret(t *testing.T) {
	if _, err := NewTokenManager("short", time.Hour); err == nil {
		t.Error("NewTokenManager should reject a secret shorter than 16 bytes")
	}
}

func TestTokenManager_IssueAndVerify(t *testing.T) {
	tm, err := NewTokenManager(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager() returned error: %v", err)
	}

	want := Claims{Subject: "user-1", Email: "u@x.test", Role: RoleTenant}
	token, err := tm.Issue(want)
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	got, err := tm.Verify(token)
	if err != nil {
		t.Fatalf("Verify() returned error: %v", err)
	}
	if *got != want {
		t.Errorf("Verify() = %+v, want %+v", *got, want)
	}
}

func TestTokenManager_VerifyRejectsWrongKey(t *testing.T) {
	tm1, _ := NewTokenManager(testSecret, time.Hour)
	tm2, _ := NewTokenManager("a-totally-different-secret-value", time.Hour)

	token, err := tm1.Issue(Claims{Subject: "u1", Role: RoleTenant})
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	if _, err := tm2.Verify(token); err == nil {
		t.Error("Verify() should reject a token signed with a different key")
	}
}

func TestTokenManager_VerifyRejectsExpired(t *testing.T) {
	tm, _ := NewTokenManager(testSecret, -time.Hour)

	token, err := tm.Issue(Claims{Subject: "u1", Role: RoleTenant})
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	if _, err := tm.Verify(token); err == nil {
		t.Error("Verify() should reject an expired token")
	}
}

func TestTokenManager_VerifyRejectsMalformed(t *testing.T) {
	tm, _ := NewTokenManager(testSecret, time.Hour)
	if _, err := tm.Verify("not-a-jwt"); err == nil {
		t.Error("Verify() should reject a malformed token")
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() returned error: %v", err)
	}
	if !VerifyPassword(hash, "correct horse battery staple") {
		t.Error("VerifyPassword should accept the correct password")
	}
	if VerifyPassword(hash, "wrong password") {
		t.Error("VerifyPassword should reject an incorrect password")
	}
}

func TestMiddleware(t *testing.T) {
	tm, _ := NewTokenManager(testSecret, time.Hour)
	token, err := tm.Issue(Claims{Subject: "u1", Role: RoleTenant})
	if err != nil {
		t.Fatalf("Issue() returned error: %v", err)
	}

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		if !ok || claims.Subject != "u1" {
			t.Error("expected claims to be injected into the request context")
		}
		w.WriteHeader(http.StatusOK)
	})
	mw := Middleware(tm)

	t.Run("accepts a valid bearer token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		mw(okHandler).ServeHTTP(w, r)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()

		mw(okHandler).ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("rejects a non-bearer header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()

		mw(okHandler).ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestRequireRole(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mw := RequireRole(RoleAdmin)

	tests := []struct {
		name     string
		role     Role
		wantCode int
	}{
		{"admin allowed", RoleAdmin, http.StatusOK},
		{"tenant rejected", RoleTenant, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			ctx := WithClaims(r.Context(), &Claims{Subject: "u", Role: tt.role})
			r = r.WithContext(ctx)
			w := httptest.NewRecorder()

			mw(okHandler).ServeHTTP(w, r)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}

	t.Run("rejects missing claims", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()

		mw(okHandler).ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}
