package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadTokenGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tok, err := LoadToken(dir)
	if err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if len(tok) != 64 {
		t.Fatalf("expected 64 hex chars, got %d: %q", len(tok), tok)
	}

	data, err := os.ReadFile(filepath.Join(dir, TokenFile))
	if err != nil {
		t.Fatalf("token file not written: %v", err)
	}
	if strings.TrimSpace(string(data)) != tok {
		t.Fatalf("persisted token %q does not match returned %q", string(data), tok)
	}

	again, err := LoadToken(dir)
	if err != nil {
		t.Fatalf("failed to reload token: %v", err)
	}
	if again != tok {
		t.Fatalf("token not stable across loads: %q then %q", tok, again)
	}
}

func TestLoadTokenPrefersEnvAndRewritesFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadToken(dir); err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}

	t.Setenv(TokenEnv, "sekret-from-env")
	tok, err := LoadToken(dir)
	if err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if tok != "sekret-from-env" {
		t.Fatalf("env override ignored, got %q", tok)
	}
	data, err := os.ReadFile(filepath.Join(dir, TokenFile))
	if err != nil {
		t.Fatalf("token file missing: %v", err)
	}
	if strings.TrimSpace(string(data)) != "sekret-from-env" {
		t.Fatalf("file not rewritten with env token: %q", string(data))
	}
}

func TestLoadTokenReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, TokenFile), []byte("  existing-token \n"), 0o600); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	tok, err := LoadToken(dir)
	if err != nil {
		t.Fatalf("failed to load token: %v", err)
	}
	if tok != "existing-token" {
		t.Fatalf("expected trimmed file token, got %q", tok)
	}
}

func TestTokenOKAcceptsHeaderAndQuery(t *testing.T) {
	g := NewGuard("right")

	byHeader := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	byHeader.Header.Set("X-Session-Token", "right")
	if !g.TokenOK(byHeader) {
		t.Fatal("header token rejected")
	}

	byQuery := httptest.NewRequest(http.MethodGet, "/api/state?token=right", nil)
	if !g.TokenOK(byQuery) {
		t.Fatal("query token rejected")
	}

	wrong := httptest.NewRequest(http.MethodGet, "/api/state?token=wrong", nil)
	if g.TokenOK(wrong) {
		t.Fatal("wrong token accepted")
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	if g.TokenOK(missing) {
		t.Fatal("missing token accepted")
	}
}

func TestOriginOK(t *testing.T) {
	g := NewGuard("tok")
	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"http://localhost:8300", true},
		{"http://localhost", true},
		{"http://127.0.0.1:9999", true},
		{"https://localhost:8300", true},
		{"https://127.0.0.1", true},
		{"http://evil.example.com", false},
		{"http://localhost.evil.example.com", false},
		{"file://localhost", false},
		{"http://192.168.1.5:8300", false},
		{"not a url\x7f", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := g.OriginOK(r); got != tc.ok {
			t.Errorf("OriginOK(%q) = %v, want %v", tc.origin, got, tc.ok)
		}
	}
}

func TestMiddlewareBlocksAndPasses(t *testing.T) {
	g := NewGuard("tok")
	var reached bool
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	// Bad origin loses before the token is even considered.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/state?token=tok", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || reached {
		t.Fatalf("bad origin not blocked: code=%d reached=%v", rec.Code, reached)
	}
	if !strings.Contains(rec.Body.String(), "origin not allowed") {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}

	// Bad token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/state?token=nope", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || reached {
		t.Fatalf("bad token not blocked: code=%d reached=%v", rec.Code, reached)
	}
	if !strings.Contains(rec.Body.String(), "session token") {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}

	// Valid request reaches the handler.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("X-Session-Token", "tok")
	req.Header.Set("Origin", "http://localhost:8300")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || !reached {
		t.Fatalf("valid request blocked: code=%d reached=%v", rec.Code, reached)
	}
}
