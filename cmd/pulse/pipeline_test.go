package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tinytelemetry/pulse/internal/ingest"
)

func startTestPipeline(t *testing.T, env map[string]string) (*pipeline, *httptest.Server) {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	t.Setenv("PULSE_TCP_ADDR", "127.0.0.1:0")
	t.Setenv("PULSE_API_ENABLED", "false")
	t.Setenv("PULSE_COLLECTOR_FLUSH_INTERVAL", "10ms")
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, _, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	p, err := newPipeline(cfg)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}
	if err := p.start(); err != nil {
		p.close()
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	api := httptest.NewServer(p.api.Handler())
	t.Cleanup(func() {
		api.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("run did not return after cancel")
		}
		p.close()
	})
	return p, api
}

func get(t *testing.T, srv *httptest.Server, path string) string {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	return string(body)
}

func waitForCounts(t *testing.T, p *pipeline, want ingest.Counts) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.processor.Counts() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counts = %+v, want %+v", p.processor.Counts(), want)
}

func TestPipeline_TCPToHTTP(t *testing.T) {
	p, api := startTestPipeline(t, nil)

	conn, err := net.Dial("tcp", p.ingest.Addr())
	if err != nil {
		t.Fatalf("dial ingest: %v", err)
	}
	var b strings.Builder
	for i := range 3 {
		fmt.Fprintf(&b, `{"plugin_name":"gzip","provider":"openai","processing_time_ms":%d,"input_size_bytes":100,"output_size_bytes":40,"success":true}`+"\n", 10+i)
	}
	// a document spanning several lines
	b.WriteString("{\n  \"name\": \"queue_depth\",\n  \"type\": \"gauge\",\n  \"value\": 7\n}\n")
	b.WriteString("not json\n")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	waitForCounts(t, p, ingest.Counts{Events: 3, Metrics: 1, Malformed: 1})

	if body := get(t, api, "/api/plugins"); !strings.Contains(body, "gzip") {
		t.Fatalf("/api/plugins = %s, want gzip", body)
	}
	if body := get(t, api, "/api/stats?name=queue_depth"); !strings.Contains(body, "queue_depth") {
		t.Fatalf("/api/stats = %s, want queue_depth", body)
	}
	if body := get(t, api, "/api/health"); !strings.Contains(body, "ok") {
		t.Fatalf("/api/health = %s", body)
	}

	metrics := get(t, api, "/metrics")
	for _, want := range []string{
		`pulse_ingest_documents_total{kind="event"} 3`,
		`pulse_ingest_documents_total{kind="malformed"} 1`,
		`pulse_backend_connected{backend="mock"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Fatalf("/metrics missing %q", want)
		}
	}
}

func TestPipeline_IngestDisabled(t *testing.T) {
	p, api := startTestPipeline(t, map[string]string{"PULSE_TCP_ENABLED": "false"})

	if p.ingest != nil || p.processor != nil {
		t.Fatal("ingest should not be built when disabled")
	}
	if strings.Contains(get(t, api, "/metrics"), "pulse_ingest_documents_total") {
		t.Fatal("ingest counters should be absent when ingest is disabled")
	}
}

func TestPipeline_BackupNeedsEmbeddedBackend(t *testing.T) {
	p, _ := startTestPipeline(t, map[string]string{"PULSE_BACKUP_ENABLED": "true"})
	if p.cfg.Backup.Enabled {
		t.Fatal("snapshots should be switched off for the mock backend")
	}
}

func TestPipeline_UnreachableBackend(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PULSE_BACKEND", "redis")
	t.Setenv("PULSE_TSDB_HOST", "127.0.0.1")
	t.Setenv("PULSE_TSDB_PORT", "1")
	t.Setenv("PULSE_TSDB_CONNECTION_TIMEOUT", "500ms")

	cfg, _, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if _, err := newPipeline(cfg); err == nil {
		t.Fatal("expected connect error for unreachable redis")
	}
}
