package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "welcomebot/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "welcomebot_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	status := func() any {
		return map[string]any{"baseline": 4, "sent": 1}
	}
	ts := httptest.NewServer(New(cfg, reg, status, logx.Nop()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string, hdr map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{Addr: "127.0.0.1:0"})

	code, body := get(t, ts.URL+"/healthz", nil)
	if code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}

	code, body = get(t, ts.URL+"/metrics", nil)
	if code != http.StatusOK || !strings.Contains(body, "welcomebot_test_total 3") {
		t.Fatalf("metrics = %d %s", code, body)
	}

	code, body = get(t, ts.URL+"/status", nil)
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var st map[string]any
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if st["baseline"].(float64) != 4 {
		t.Fatalf("status = %v", st)
	}

	if code, _ := get(t, ts.URL+"/debug/pprof/", nil); code != http.StatusNotFound {
		t.Fatalf("pprof should be off by default, got %d", code)
	}
}

func TestTokenGuardsEverythingButHealth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{Addr: "127.0.0.1:0", Token: "s3cret", Pprof: true})

	if code, _ := get(t, ts.URL+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code, _ := get(t, ts.URL+"/status", nil); code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", code)
	}
	if code, _ := get(t, ts.URL+"/metrics", map[string]string{"Authorization": "Bearer wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("metrics with wrong token = %d", code)
	}
	if code, _ := get(t, ts.URL+"/status", map[string]string{"Authorization": "Bearer s3cret"}); code != http.StatusOK {
		t.Fatalf("status with header token = %d", code)
	}
	if code, _ := get(t, ts.URL+"/metrics?token=s3cret", nil); code != http.StatusOK {
		t.Fatalf("metrics with query token = %d", code)
	}
	if code, _ := get(t, ts.URL+"/debug/pprof/?token=s3cret", nil); code != http.StatusOK {
		t.Fatalf("pprof = %d", code)
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg Config
		ok  bool
	}{
		{Config{Addr: "127.0.0.1:9090"}, true},
		{Config{Addr: "localhost:9090"}, true},
		{Config{Addr: "[::1]:9090"}, true},
		{Config{Addr: ":9090"}, false},
		{Config{Addr: "0.0.0.0:9090"}, false},
		{Config{Addr: "0.0.0.0:9090", Token: "t"}, true},
		{Config{Addr: "0.0.0.0:9090", AllowInsecure: true}, true},
		{Config{Addr: "nonsense"}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Check()
		if (err == nil) != tt.ok {
			t.Fatalf("Check(%+v) = %v, want ok=%v", tt.cfg, err, tt.ok)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(Config{Addr: ln.Addr().String()}, nil, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("serve = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}
}
