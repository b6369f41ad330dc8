package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lkarlslund/tutorrouter/pkg/config"
)

func TestRequestIsLoopback(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.test/api/ai/chat", nil)
	r.RemoteAddr = "127.0.0.1:12345"
	if !requestIsLoopback(r) {
		t.Fatal("expected loopback request to be true")
	}
	r.RemoteAddr = "[::1]:12345"
	if !requestIsLoopback(r) {
		t.Fatal("expected ipv6 loopback request to be true")
	}
	r.RemoteAddr = "10.1.2.3:12345"
	if requestIsLoopback(r) {
		t.Fatal("expected non-loopback request to be false")
	}
}

func TestBearerToken(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "bearer  abc ")
	if got := bearerToken(h); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	h.Set("Authorization", "Basic abc")
	if got := bearerToken(h); got != "" {
		t.Fatalf("expected empty token for basic auth, got %q", got)
	}
}

func TestKeyAllowedRespectsExpiry(t *testing.T) {
	oldNow := nowUTC
	nowUTC = func() time.Time { return time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC) }
	defer func() { nowUTC = oldNow }()

	valid := config.IncomingAPIToken{Key: "valid", ExpiresAt: "2026-02-22T13:00:00Z"}
	expired := config.IncomingAPIToken{Key: "expired", ExpiresAt: "2026-02-22T11:00:00Z"}
	if !keyAllowed("valid", []config.IncomingAPIToken{valid, expired}) {
		t.Fatal("expected valid token to be accepted")
	}
	if keyAllowed("expired", []config.IncomingAPIToken{valid, expired}) {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestResolveAuthIdentityRoles(t *testing.T) {
	cfg := config.ServerConfig{
		IncomingTokens: []config.IncomingAPIToken{
			{ID: "tok-admin", Key: "admin-secret", Role: config.TokenRoleAdmin},
			{ID: "tok-web", Key: "web-secret"},
		},
	}
	admin, ok := resolveAuthIdentity("admin-secret", cfg)
	if !ok || !admin.IsAdmin {
		t.Fatalf("expected admin identity, got ok=%v %+v", ok, admin)
	}
	web, ok := resolveAuthIdentity("web-secret", cfg)
	if !ok || web.IsAdmin || web.Role != config.TokenRoleInferrer {
		t.Fatalf("expected inferrer identity, got ok=%v %+v", ok, web)
	}
	if _, ok := resolveAuthIdentity("nope", cfg); ok {
		t.Fatal("expected unknown token to be rejected")
	}
}

func TestAuthenticateTrustsLoopbackOnlyWhenAllowed(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.test/admin/api/endpoints", nil)
	r.RemoteAddr = "127.0.0.1:4000"
	id, ok := authenticate(r, config.ServerConfig{AllowLocalhostNoAuth: true})
	if !ok || !id.Trusted || !id.IsAdmin {
		t.Fatalf("expected trusted loopback admin, got ok=%v %+v", ok, id)
	}
	if _, ok := authenticate(r, config.ServerConfig{}); ok {
		t.Fatal("expected loopback to need a token when trust is disabled")
	}
}
