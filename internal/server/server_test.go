package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/xvpn-gateway/internal/audit"
	"github.com/aman-churiwal/xvpn-gateway/internal/config"
	"github.com/aman-churiwal/xvpn-gateway/internal/healthcheck"
	"github.com/aman-churiwal/xvpn-gateway/internal/jwks"
	"github.com/aman-churiwal/xvpn-gateway/internal/metrics"
	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/policy"
	"github.com/aman-churiwal/xvpn-gateway/internal/proxy"
	"github.com/aman-churiwal/xvpn-gateway/internal/ratelimit"
	"github.com/aman-churiwal/xvpn-gateway/internal/service"
	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
	"github.com/aman-churiwal/xvpn-gateway/internal/testutil"
	"github.com/gin-gonic/gin"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type gateway struct {
	router  *gin.Engine
	admin   *gin.Engine
	idp     *testutil.IdentityProvider
	mr      *miniredis.Miniredis
	audit   *audit.Logger
	sink    *audit.RedisSink
	metrics *metrics.Metrics
	now     time.Time
}

func newGateway(t *testing.T, allowed []string) *gateway {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := storage.NewRedisFromClient(client)

	idp := testutil.NewIdentityProvider(t)
	keys := jwks.New(jwks.Config{URL: idp.KeySetURL()}, zerolog.Nop())
	verifier := service.NewAuthService(keys, idp.Issuer(), testutil.Audience, 30*time.Second, zerolog.Nop())

	limiter, err := ratelimit.NewLimiter(store, ratelimit.AlgorithmFixedWindow, 100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	p, invalid := policy.New(allowed)
	if len(invalid) > 0 {
		t.Fatalf("invalid rules %v", invalid)
	}

	m := metrics.New()
	sink := audit.NewRedisSink(store, 30*24*time.Hour)
	auditLog := audit.NewLogger(audit.Config{FlushInterval: 10 * time.Millisecond, Observer: m}, zerolog.Nop(), sink)
	t.Cleanup(func() { _ = auditLog.Close(context.Background()) })

	checker := healthcheck.NewChecker(healthcheck.Config{}, zerolog.Nop())
	checker.Add("redis", store.Ping)
	checker.CheckAll()

	g := &gateway{idp: idp, mr: mr, audit: auditLog, sink: sink, metrics: m, now: time.Now()}

	forwarder := proxy.New(proxy.Config{
		Timeout: 5 * time.Second,
		RedirectPolicy: func(u *url.URL) error {
			_, err := p.Check(u.String())
			return err
		},
	}, zerolog.Nop())

	cfg := &config.Config{Server: config.ServerConfig{Port: "0", Environment: "test"}}
	srv := New(cfg, Deps{
		Verifier:  verifier,
		Limiter:   limiter,
		Policy:    p,
		Forwarder: forwarder,
		Audit:     auditLog,
		Metrics:   m,
		Health:    checker,
		Now:       func() time.Time { return g.now },
	}, zerolog.Nop())

	g.router = srv.GetRouter()
	g.admin = srv.GetAdminRouter()
	return g
}

func (g *gateway) do(t *testing.T, method, path, token string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

// Drains the audit queue and returns everything stored
func (g *gateway) auditEvents(t *testing.T) []models.AuditEvent {
	t.Helper()
	if err := g.audit.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	events, err := g.sink.List(context.Background(), audit.Query{})
	if err != nil {
		t.Fatal(err)
	}
	return events
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return body
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	g := newGateway(t, nil)

	for _, path := range []string{"/health", "/", "/api"} {
		rec := g.do(t, http.MethodGet, path, "", map[string]string{"Origin": "chrome-extension://abc"})
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "chrome-extension://abc" {
			t.Errorf("%s missing CORS header", path)
		}
	}

	if keys := g.mr.Keys(); len(keys) != 0 {
		t.Errorf("unauthenticated requests touched the store: %v", keys)
	}
}

func TestPreflightNeverAuthenticates(t *testing.T) {
	g := newGateway(t, nil)

	for _, path := range []string{"/proxy", "/session", "/anything"} {
		rec := g.do(t, http.MethodOptions, path, "", nil)
		if rec.Code != http.StatusNoContent {
			t.Errorf("OPTIONS %s = %d, want 204", path, rec.Code)
		}
	}
	if g.idp.Hits() != 0 {
		t.Error("preflight fetched signing keys")
	}
}

func TestMissingTokenShortCircuits(t *testing.T) {
	g := newGateway(t, nil)

	for _, path := range []string{"/session", "/proxy", "/nope"} {
		rec := g.do(t, http.MethodGet, path, "", map[string]string{proxy.HeaderTargetURL: "https://example.com"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if decode(t, rec)["error"] != "Missing or invalid Authorization header" {
			t.Errorf("%s body = %s", path, rec.Body.String())
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s missing CORS header", path)
		}
	}

	if keys := g.mr.Keys(); len(keys) != 0 {
		t.Errorf("store touched: %v", keys)
	}
	if events := g.auditEvents(t); len(events) != 0 {
		t.Errorf("audited %d events", len(events))
	}
}

func TestInvalidTokenReportsReason(t *testing.T) {
	g := newGateway(t, nil)

	claims := g.idp.Claims("auth0|alice")
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	rec := g.do(t, http.MethodGet, "/session", g.idp.Token(t, claims), nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["error"] != "Invalid token" || body["details"] != "token expired" {
		t.Errorf("body = %v", body)
	}
	if g.mr.Exists(ratelimit.Key("auth0|alice")) {
		t.Error("rejected token charged the rate limit")
	}
}

func TestSessionReportsIdentityAndQuota(t *testing.T) {
	g := newGateway(t, nil)
	token := g.idp.TokenFor(t, "auth0|alice")

	g.do(t, http.MethodGet, "/session", token, nil)
	rec := g.do(t, http.MethodGet, "/session", token, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["userId"] != "auth0|alice" || body["email"] != "auth0|alice@example.com" || body["emailVerified"] != true {
		t.Errorf("body = %v", body)
	}
	if rl, _ := body["rateLimit"].(map[string]interface{}); rl["remaining"] != float64(98) {
		t.Errorf("rateLimit = %v", body["rateLimit"])
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "98" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestProxyAllowedTarget(t *testing.T) {
	var reached atomic.Int32
	dst := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		if r.Header.Get("Authorization") != "" || r.Header.Get(proxy.HeaderTargetURL) != "" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello from destination"))
	}))
	defer dst.Close()

	g := newGateway(t, []string{"127.0.0.1"})
	rec := g.do(t, http.MethodGet, "/proxy", g.idp.TokenFor(t, "auth0|alice"), map[string]string{
		proxy.HeaderTargetURL: dst.URL + "/page",
	})

	if rec.Code != http.StatusOK || rec.Body.String() != "hello from destination" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(proxy.HeaderProxiedBy) != proxy.ProxiedByValue {
		t.Error("X-Proxied-By missing")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if reached.Load() != 1 {
		t.Errorf("destination reached %d times", reached.Load())
	}

	events := g.auditEvents(t)
	if len(events) != 1 {
		t.Fatalf("audit = %v", events)
	}
	e := events[0]
	if e.Type != models.AuditProxyRequest || e.Subject != "auth0|alice" || e.TargetURL != dst.URL+"/page" || e.Method != http.MethodGet {
		t.Errorf("event = %+v", e)
	}
}

func TestProxyBlockedTarget(t *testing.T) {
	g := newGateway(t, []string{"*.example.com"})
	rec := g.do(t, http.MethodGet, "/proxy", g.idp.TokenFor(t, "auth0|alice"), map[string]string{
		proxy.HeaderTargetURL: "https://example.com.evil.org/",
	})

	if rec.Code != http.StatusForbidden || decode(t, rec)["error"] != "Domain not allowed" {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}

	events := g.auditEvents(t)
	if len(events) != 1 || events[0].Type != models.AuditProxyBlocked || events[0].Reason != "domain_not_allowed" {
		t.Fatalf("audit = %+v", events)
	}
	if got := promtest.ToFloat64(g.metrics.PolicyBlocked); got != 1 {
		t.Errorf("policy blocked = %v", got)
	}
}

func TestProxyUnreachableTarget(t *testing.T) {
	dst := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := dst.URL + "/"
	dst.Close()

	g := newGateway(t, nil)
	rec := g.do(t, http.MethodGet, "/proxy", g.idp.TokenFor(t, "auth0|alice"), map[string]string{
		proxy.HeaderTargetURL: target,
	})

	if rec.Code != http.StatusBadGateway || decode(t, rec)["error"] != "Proxy request failed" {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}

	events := g.auditEvents(t)
	if len(events) != 2 || events[0].Type != models.AuditProxyRequest || events[1].Type != models.AuditProxyError {
		t.Fatalf("audit = %+v", events)
	}
	if events[1].Error == "" {
		t.Error("proxy_error without an error message")
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	g := newGateway(t, nil)
	token := g.idp.TokenFor(t, "auth0|bob")

	for i := 1; i <= 100; i++ {
		rec := g.do(t, http.MethodGet, "/session", token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := g.do(t, http.MethodGet, "/session", token, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("101st status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["error"] != "Rate limit exceeded" {
		t.Errorf("body = %v", body)
	}
	resetAt, err := time.Parse(time.RFC3339, body["resetAt"].(string))
	if err != nil {
		t.Fatalf("resetAt = %v", body["resetAt"])
	}
	if d := resetAt.Sub(g.now); d < 59*time.Second || d > 61*time.Second {
		t.Errorf("resetAt is %v after first request, want about a minute", d)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" || rec.Header().Get("Retry-After") != "60" {
		t.Errorf("headers = %v", rec.Header())
	}

	// a new window opens once resetAt has passed
	g.now = resetAt.Add(time.Millisecond)
	if rec := g.do(t, http.MethodGet, "/session", token, nil); rec.Code != http.StatusOK {
		t.Errorf("after reset status = %d", rec.Code)
	}

	if events := g.auditEvents(t); len(events) != 0 {
		t.Errorf("rate limit rejection was audited: %+v", events)
	}
}

func TestUnknownPathAfterAuth(t *testing.T) {
	g := newGateway(t, nil)
	rec := g.do(t, http.MethodGet, "/nope", g.idp.TokenFor(t, "auth0|alice"), nil)

	if rec.Code != http.StatusNotFound || decode(t, rec)["error"] != "Not found" {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestAdminRoutes(t *testing.T) {
	g := newGateway(t, nil)
	g.do(t, http.MethodGet, "/health", "", nil)

	rec := httptest.NewRecorder()
	g.admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	g.admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `xvpn_http_requests_total{code="200",route="/health"} 1`) {
		t.Errorf("request counter missing from /metrics")
	}

	// the admin surface is not reachable on the public listener
	if rec := g.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("public /metrics = %d", rec.Code)
	}
}
