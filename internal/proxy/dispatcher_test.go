package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/localproxy/localproxy/internal/model"
)

type fakeStore struct {
	mappings map[string]model.RouteMapping
}

func (s *fakeStore) Get(host string) (model.RouteMapping, bool) {
	m, ok := s.mappings[host]
	return m, ok
}

func (s *fakeStore) GetAll() map[string]model.RouteMapping {
	out := make(map[string]model.RouteMapping, len(s.mappings))
	for k, v := range s.mappings {
		out[k] = v
	}
	return out
}

type fakeResolver struct {
	calls      int
	forceCalls int
	decision   model.RouteMapping
	err        error
}

func (r *fakeResolver) ResolveHostname(ctx context.Context, host, userHint string, inv model.InventorySnapshot, force bool) (model.RouteMapping, error) {
	r.calls++
	if force {
		r.forceCalls++
	}
	return r.decision, r.err
}

func (r *fakeResolver) ResolveRelated(ctx context.Context, key, originHost string, originMapping *model.RouteMapping, service, userHint string, inv model.InventorySnapshot, force bool) (model.RouteMapping, error) {
	r.calls++
	if force {
		r.forceCalls++
	}
	return r.decision, r.err
}

type fakeBuilder struct {
	host string
	port int
	err  error
}

func (b *fakeBuilder) Build(ctx context.Context, host string, m model.RouteMapping) (string, int, error) {
	return b.host, b.port, b.err
}

type fakeInventory struct{}

func (fakeInventory) Snapshot(ctx context.Context, all map[string]model.RouteMapping) model.InventorySnapshot {
	return model.InventorySnapshot{Mappings: all}
}

type fakeControl struct {
	admissionCalled bool
	debugCalled     bool
	apiCalled       bool
}

func (c *fakeControl) ServeAdmission(w http.ResponseWriter, r *http.Request, domain string) {
	c.admissionCalled = true
	w.WriteHeader(http.StatusOK)
}

func (c *fakeControl) ServeDebug(w http.ResponseWriter, r *http.Request) {
	c.debugCalled = true
	w.WriteHeader(http.StatusOK)
}

func (c *fakeControl) ServeMappingAPI(w http.ResponseWriter, r *http.Request) {
	c.apiCalled = true
	w.WriteHeader(http.StatusOK)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUpstream(t *testing.T) (*httptest.Server, *url.URL) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream-Path", r.URL.Path)
		w.Header().Set("X-Upstream-Query", r.URL.RawQuery)
		w.Header().Set("X-Had-Accept-Encoding", r.Header.Get("Accept-Encoding"))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return srv, u
}

func portOf(t *testing.T, u *url.URL) int {
	t.Helper()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port
}

func TestMissingHostReturns400(t *testing.T) {
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{}}, &fakeResolver{}, &fakeBuilder{}, fakeInventory{}, &fakeControl{}, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	req.Host = ""
	req.URL.Host = ""
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAdmissionCheckDelegatesToControlPlane(t *testing.T) {
	control := &fakeControl{}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{}}, &fakeResolver{}, &fakeBuilder{}, fakeInventory{}, control, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://example.localhost/_tls_check", nil)
	req.Host = "example.localhost"
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)
	if !control.admissionCalled {
		t.Fatalf("expected admission check to be delegated")
	}
}

func TestDebugHostDelegatesToControlPlane(t *testing.T) {
	control := &fakeControl{}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{}}, &fakeResolver{}, &fakeBuilder{}, fakeInventory{}, control, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://proxy.localhost/", nil)
	req.Host = "proxy.localhost"
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)
	if !control.debugCalled {
		t.Fatalf("expected debug dashboard to be delegated")
	}
}

func TestMappingAPIPathDelegatesToControlPlane(t *testing.T) {
	control := &fakeControl{}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{}}, &fakeResolver{}, &fakeBuilder{}, fakeInventory{}, control, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://app.localhost/_api/mappings/app.localhost", nil)
	req.Host = "app.localhost"
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)
	if !control.apiCalled {
		t.Fatalf("expected mapping API to be delegated")
	}
}

func TestFaviconAndRobotsReturn404WithoutResolution(t *testing.T) {
	resolver := &fakeResolver{}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{}}, resolver, &fakeBuilder{}, fakeInventory{}, &fakeControl{}, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	for _, path := range []string{"/favicon.ico", "/robots.txt"} {
		req := httptest.NewRequest(http.MethodGet, "http://app.localhost"+path, nil)
		req.Host = "app.localhost"
		w := httptest.NewRecorder()
		d.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Fatalf("path %s: expected 404, got %d", path, w.Code)
		}
	}
	if resolver.calls != 0 {
		t.Fatalf("expected no resolver calls for noise paths, got %d", resolver.calls)
	}
}

func TestColdRouteResolvesAndForwards(t *testing.T) {
	srv, u := newTestUpstream(t)
	defer srv.Close()

	resolver := &fakeResolver{decision: model.RouteMapping{Kind: model.KindProcess, Target: "localhost", Port: 3000, Rationale: "vite"}}
	builder := &fakeBuilder{host: u.Hostname(), port: portOf(t, u)}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{}}, resolver, builder, fakeInventory{}, &fakeControl{}, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://myapp.localhost/", nil)
	req.Host = "myapp.localhost"
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if resolver.calls != 1 {
		t.Fatalf("expected exactly 1 resolver call, got %d", resolver.calls)
	}
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Had-Accept-Encoding"); got != "" {
		t.Fatalf("expected Accept-Encoding stripped before forwarding, upstream saw %q", got)
	}
}

func TestReservedQueryStrippedOtherPairsPreserved(t *testing.T) {
	srv, u := newTestUpstream(t)
	defer srv.Close()

	existing := model.RouteMapping{Kind: model.KindProcess, Target: "localhost", Port: 5173}
	builder := &fakeBuilder{host: u.Hostname(), port: portOf(t, u)}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{"app.localhost": existing}}, &fakeResolver{}, builder, fakeInventory{}, &fakeControl{}, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://app.localhost/?b=2&force&a=1&prompt=use+docker", nil)
	req.Host = "app.localhost"
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if got := w.Header().Get("X-Upstream-Query"); got != "b=2&a=1" {
		t.Fatalf("expected reserved params stripped preserving order, got %q", got)
	}
}

func TestForceTriggersReResolveEvenOnHit(t *testing.T) {
	srv, u := newTestUpstream(t)
	defer srv.Close()

	existing := model.RouteMapping{Kind: model.KindProcess, Target: "localhost", Port: 5173}
	resolver := &fakeResolver{decision: model.RouteMapping{Kind: model.KindContainer, Target: "app-web", Port: 80}}
	builder := &fakeBuilder{host: u.Hostname(), port: portOf(t, u)}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{"app.localhost": existing}}, resolver, builder, fakeInventory{}, &fakeControl{}, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://app.localhost/?force&prompt=use+docker", nil)
	req.Host = "app.localhost"
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if resolver.calls != 1 {
		t.Fatalf("expected force to trigger exactly 1 resolver call, got %d", resolver.calls)
	}
	if resolver.forceCalls != 1 {
		t.Fatalf("expected the resolver call to be marked force=true, got %d force calls", resolver.forceCalls)
	}
	if got := w.Header().Get("X-Upstream-Query"); got != "" {
		t.Fatalf("expected empty forwarded query, got %q", got)
	}
}

func TestUpstreamAddressFailureMapsTo502(t *testing.T) {
	existing := model.RouteMapping{Kind: model.KindContainer, Target: "app-web", Port: 80}
	builder := &fakeBuilder{err: errNoAddress}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{"app.localhost": existing}}, &fakeResolver{}, builder, fakeInventory{}, &fakeControl{}, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://app.localhost/", nil)
	req.Host = "app.localhost"
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestInterServiceProxyRewritesPathAndResolvesCompositeKey(t *testing.T) {
	srv, u := newTestUpstream(t)
	defer srv.Close()

	origin := model.RouteMapping{Kind: model.KindProcess, Target: "localhost", Port: 5173}
	resolver := &fakeResolver{decision: model.RouteMapping{Kind: model.KindProcess, Target: "localhost", Port: 8080}}
	builder := &fakeBuilder{host: u.Hostname(), port: portOf(t, u)}
	d := New(&fakeStore{mappings: map[string]model.RouteMapping{"app.proj.localhost": origin}}, resolver, builder, fakeInventory{}, &fakeControl{}, NewForwarder(testLogger()), "proxy.localhost", ".localhost", testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://app.proj.localhost/_proxy/api/users?x=1", nil)
	req.Host = "app.proj.localhost"
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)

	if resolver.calls != 1 {
		t.Fatalf("expected composite key to be resolved, got %d calls", resolver.calls)
	}
	if got := w.Header().Get("X-Upstream-Path"); got != "/users" {
		t.Fatalf("expected rewritten path /users, got %q", got)
	}
	if got := w.Header().Get("X-Upstream-Query"); got != "x=1" {
		t.Fatalf("expected preserved query x=1, got %q", got)
	}
}

var errNoAddress = &addrErr{"no reachable address"}

type addrErr struct{ msg string }

func (e *addrErr) Error() string { return e.msg }
