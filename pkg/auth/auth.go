// Package auth implements the hub's single-token security model: one random
// session token shared by the browser page, the MCP transports, and the
// wrappers, plus the loopback origin check that blocks cross-origin and
// DNS-rebinding access to a server that only ever binds localhost.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"agentchattr/pkg/logx"
	"agentchattr/pkg/utils"
)

// TokenFile is the persisted token's filename under the data directory.
// Wrappers read it so they can authenticate without sharing environment.
const TokenFile = "session_token"

// TokenEnv overrides the persisted token when set.
const TokenEnv = "ACCESS_TOKEN"

// WSCloseBadToken is the WebSocket close code for a rejected token; clients
// treat it as "reload and re-read the page token".
const WSCloseBadToken = 4003

// ErrBadToken is returned by clients when the hub rejects their token.
var ErrBadToken = errors.New("invalid or missing session token")

// LoadToken resolves the session token: the ACCESS_TOKEN environment
// variable wins, then the persisted token file, then a freshly generated
// one. Whatever wins is persisted so hub and wrappers always agree.
func LoadToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, TokenFile)

	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		if err := saveToken(dataDir, path, tok); err != nil {
			return "", err
		}
		return tok, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %w", err)
	}

	tok := generateToken()
	if err := saveToken(dataDir, path, tok); err != nil {
		return "", err
	}
	return tok, nil
}

func saveToken(dataDir, path, tok string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := utils.WriteFileAtomic(path, []byte(tok+"\n"), 0o600); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return nil
}

// generateToken creates a cryptographically random 32-byte hex token.
func generateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the system entropy source is broken.
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// Guard checks session tokens and browser origins for protected endpoints.
type Guard struct {
	token  string
	logger *logx.Logger
}

// NewGuard returns a guard for the given session token.
func NewGuard(token string) *Guard {
	return &Guard{token: token, logger: logx.NewLogger("auth")}
}

// Equal compares a presented token against the session token in constant
// time. The empty string never matches.
func (g *Guard) Equal(token string) bool {
	if token == "" || g.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) == 1
}

// TokenOK reports whether the request carries the session token, either as
// an X-Session-Token header or a token query parameter.
func (g *Guard) TokenOK(r *http.Request) bool {
	tok := r.Header.Get("X-Session-Token")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	return g.Equal(tok)
}

// OriginOK allows requests with no Origin header (curl, wrappers, MCP
// clients) and browser requests from loopback origins on any port.
func (g *Guard) OriginOK(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// Middleware wraps a handler with the origin and token checks. Failures
// get a 403 with a JSON error body; the handler never runs.
func (g *Guard) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.OriginOK(r) {
			g.logger.Warn("rejected %s %s: origin %q not allowed", r.Method, r.URL.Path, r.Header.Get("Origin"))
			writeForbidden(w, "forbidden: origin not allowed")
			return
		}
		if !g.TokenOK(r) {
			g.logger.Warn("rejected %s %s: invalid or missing session token", r.Method, r.URL.Path)
			writeForbidden(w, "forbidden: invalid or missing session token")
			return
		}
		next(w, r)
	}
}

func writeForbidden(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
