package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "gamenight/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "gamenight_test_total", Help: "test"}))
	return New(cfg, reg, logx.Nop())
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpenAndRestNeedsToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{Token: "s3cret"})
	h := s.Handler()

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/metrics without token = %d", rec.Code)
	}
	if rec := get(t, h, "/metrics", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/metrics wrong token = %d", rec.Code)
	}
	rec := get(t, h, "/metrics?token=s3cret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics query token = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "gamenight_test_total") {
		t.Fatalf("metrics body lacks registered series:\n%s", body)
	}
}

func TestProfilingMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	off := newTestServer(t, Config{}).Handler()
	if rec := get(t, off, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("profiling off = %d", rec.Code)
	}
	on := newTestServer(t, Config{Profiling: true}).Handler()
	if rec := get(t, on, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("profiling on = %d", rec.Code)
	}
}

func TestReadyzReportsFailingChecks(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{})
	s.AddCheck("storage", func(context.Context) error { return nil })
	h := s.Handler()

	if rec := get(t, h, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d body %s", rec.Code, rec.Body.String())
	}

	s.AddCheck("telegram", func(context.Context) error { return errors.New("poller stopped") })
	s.AddCheck("flaky", func(context.Context) error { panic("boom") })
	rec := get(t, h, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unready = %d", rec.Code)
	}
	var out readiness
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Components["telegram"].Message != "poller stopped" || out.Components["storage"].Status != "up" {
		t.Fatalf("components = %+v", out.Components)
	}
	if out.Components["flaky"].Status != "down" {
		t.Fatalf("panicking check = %+v", out.Components["flaky"])
	}
}

func TestStartRefusesPublicAddrWithoutToken(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{Enabled: true, Addr: "0.0.0.0:0"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected refusal")
	}
	if s.Addr() != "" {
		t.Fatal("refused server should not be listening")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Config{Enabled: true, Addr: "127.0.0.1:0"})
	s.SetStatus(func() any { return map[string]int{"armed": 2} })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no address")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	_ = resp.Body.Close()
	if body["status"] == nil {
		t.Fatalf("status body = %v", body)
	}

	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatal("still listening after Stop")
	}
}
