package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yori-gw/yori/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Mode = config.ModeObserve
	cfg.Audit.Database = ":memory:"
	cfg.Audit.FallbackLog = filepath.Join(dir, "fallback.log")
	cfg.Policies.Directory = filepath.Join(dir, "policies")
	cfg.Logging.Level = "error"
	cfg.Admin.Enabled = false
	return cfg
}

func TestNew_WiresComponents(t *testing.T) {
	s, err := New(testConfig(t), "", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.shutdown()

	if s.engine == nil || s.store == nil || s.writer == nil || s.handler == nil {
		t.Fatal("core components not wired")
	}
	if s.reloader != nil {
		t.Error("reloader should be disabled without a config path")
	}
	if s.notifier != nil {
		t.Error("notifier should be nil when alerts are disabled")
	}
}

func TestBuildHandler_Routes(t *testing.T) {
	s, err := New(testConfig(t), "", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.shutdown()

	h := s.buildHandler()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", 200},
		{"/readyz", 200},
		{"/metrics", 200},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s status = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}

	// Metrics expose the gateway's own families.
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "yori_build_info") {
		t.Error("metrics output missing yori families")
	}

	// Anything else is intercepted traffic; an unconfigured host is refused.
	req = httptest.NewRequest("GET", "http://not-an-llm.example/v1/chat", nil)
	req.RemoteAddr = "192.168.1.50:4242"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Errorf("unknown host status = %d, want 404", rec.Code)
	}
}

func TestOnConfigReload_SwapsSnapshot(t *testing.T) {
	s, err := New(testConfig(t), "", "test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.shutdown()

	newCfg := testConfig(t)
	newCfg.Mode = config.ModeEnforce
	newCfg.Enforcement.Enabled = true
	newCfg.Enforcement.ConsentAccepted = true
	newCfg.Endpoints = []config.EndpointConfig{{Domain: "api.example-llm.dev"}}

	if err := s.OnConfigReload(newCfg); err != nil {
		t.Fatal(err)
	}

	if !s.engine.Snapshot().Active() {
		t.Error("snapshot not swapped")
	}
	if !s.registry.IsConfigured("api.example-llm.dev") {
		t.Error("registry not replaced")
	}
	if s.registry.IsConfigured("api.openai.com") {
		t.Error("old endpoints still configured")
	}
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(cfg, "", "test")
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown timed out")
	}
}

func TestBuildLogger(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "text"
	logger := buildLogger(cfg)
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not applied")
	}

	cfg.Logging.Level = "warn"
	logger = buildLogger(cfg)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("warn level should drop info")
	}
}

func TestLimitedListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	limited := newLimitedListener(ln, 1)

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := limited.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	c1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	sc1 := <-accepted

	c2, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()

	select {
	case c := <-accepted:
		c.Close()
		t.Fatal("accepted beyond the connection limit")
	case <-time.After(100 * time.Millisecond):
	}

	sc1.Close()
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("slot not released after close")
	}
}
