package proxy

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

const userIDHeader = "X-User-ID"

type tokenAuthIdentity struct {
	Token   config.IncomingAPIToken
	Role    string
	IsAdmin bool
	Trusted bool
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func keyAllowed(token string, tokens []config.IncomingAPIToken) bool {
	_, ok := resolveIncomingToken(token, tokens)
	return ok
}

func resolveAuthIdentity(token string, cfg config.ServerConfig) (tokenAuthIdentity, bool) {
	tok, ok := resolveIncomingToken(strings.TrimSpace(token), cfg.IncomingTokens)
	if !ok {
		return tokenAuthIdentity{}, false
	}
	return tokenAuthIdentity{
		Token:   tok,
		Role:    tok.Role,
		IsAdmin: tok.Role == config.TokenRoleAdmin,
	}, true
}

func resolveIncomingToken(token string, tokens []config.IncomingAPIToken) (config.IncomingAPIToken, bool) {
	if token == "" {
		return config.IncomingAPIToken{}, false
	}
	for _, t := range tokens {
		if token != strings.TrimSpace(t.Key) {
			continue
		}
		if strings.TrimSpace(t.ExpiresAt) != "" {
			expiresAt, err := parseRFC3339(t.ExpiresAt)
			if err != nil || !nowUTC().Before(expiresAt) {
				return config.IncomingAPIToken{}, false
			}
		}
		t.Role = config.NormalizeIncomingTokenRole(t.Role)
		if t.Role == "" {
			t.Role = config.TokenRoleInferrer
		}
		return t, true
	}
	return config.IncomingAPIToken{}, false
}

// authenticate resolves the caller of r. Loopback callers are trusted as
// admins when the config allows it.
func authenticate(r *http.Request, cfg config.ServerConfig) (tokenAuthIdentity, bool) {
	if id, ok := resolveAuthIdentity(bearerToken(r.Header), cfg); ok {
		return id, true
	}
	if cfg.AllowLocalhostNoAuth && requestIsLoopback(r) {
		return tokenAuthIdentity{Role: config.TokenRoleAdmin, IsAdmin: true, Trusted: true}, true
	}
	return tokenAuthIdentity{}, false
}

func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authenticate(r, s.store.Snapshot()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := authenticate(r, s.store.Snapshot())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		if !id.IsAdmin {
			writeError(w, http.StatusForbidden, "forbidden", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestUserID is the end user on whose behalf the trusted web tier calls.
func requestUserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}

func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

var nowUTC = func() time.Time { return time.Now().UTC() }

func parseRFC3339(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(v))
}
