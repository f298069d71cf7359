package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidate(t *testing.T) {
	a := New("secret", time.Hour)
	token, exp, err := a.IssueToken("alice", 0)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if d := time.Until(exp); d < 59*time.Minute || d > time.Hour {
		t.Errorf("unexpected expiry in %s", d)
	}

	claims, err := a.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Username != "alice" || claims.Subject != "alice" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestValidate_Rejects(t *testing.T) {
	a := New("secret", time.Hour)

	other := New("other", time.Hour)
	foreign, _, _ := other.IssueToken("mallory", 0)
	if _, err := a.Validate(foreign); err == nil {
		t.Error("token signed with another secret was accepted")
	}

	expired, _, _ := a.IssueToken("alice", time.Nanosecond)
	time.Sleep(10 * time.Millisecond)
	if _, err := a.Validate(expired); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Username: "x"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := a.Validate(unsigned); err == nil {
		t.Error("unsigned token was accepted")
	}
}

func TestRefreshRevokesOldToken(t *testing.T) {
	a := New("secret", time.Hour)
	old, _, _ := a.IssueToken("alice", 0)

	fresh, _, err := a.RefreshToken(old)
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if fresh == old {
		t.Fatal("refresh returned the same token")
	}
	if _, err := a.Validate(old); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
	if _, err := a.Validate(fresh); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
	if _, _, err := a.RefreshToken(old); err == nil {
		t.Error("revoked token refreshed")
	}
}

func TestMiddleware(t *testing.T) {
	a := New("secret", time.Hour)
	var seen *Claims
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes/1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}

	token, _, _ := a.IssueToken("alice", 0)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/nodes/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen == nil || seen.Username != "alice" {
		t.Errorf("claims not in context: %+v", seen)
	}

	// Query parameter fallback.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/events?token="+token, nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("query token: expected 204, got %d", rec.Code)
	}
}

func TestHandleRefresh(t *testing.T) {
	a := New("secret", time.Hour)
	token, _, _ := a.IssueToken("alice", 0)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.HandleRefresh(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" || resp.ExpiresAt.IsZero() {
		t.Errorf("unexpected response %+v", resp)
	}

	rec = httptest.NewRecorder()
	a.HandleRefresh(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("second refresh with the old token: expected 401, got %d", rec.Code)
	}
}
