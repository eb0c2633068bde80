package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ttsgw/internal/backend"
	"github.com/loqalabs/loqa-ttsgw/internal/config"
	"github.com/loqalabs/loqa-ttsgw/internal/protocol"
	"github.com/loqalabs/loqa-ttsgw/internal/synth"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, backendURL string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP = config.HTTPConfig{Bind: "127.0.0.1", Port: freePort(t)}
	cfg.Bus = config.BusConfig{Embedded: true, Port: -1, ConnectTimeout: 2000}
	cfg.EventStore = config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db"), RetentionMode: "session"}
	cfg.Backend.Managed = false
	cfg.Backend.BaseURL = backendURL
	cfg.Backend.MaxRetries = 3
	cfg.Backend.RetryIntervalMS = 10
	cfg.Backend.ProbeTimeoutMS = 1000
	return cfg
}

func fakeBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/audio/speech", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFF...."))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStartupFailureIsFatal(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(dead.Close)

	rt := New(testConfig(t, dead.URL), newLogger())
	err := rt.Start(context.Background())
	var startupErr *backend.StartupError
	if !errors.As(err, &startupErr) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if rt.worker != nil || rt.bus != nil {
		t.Fatal("no job path may exist after a failed startup")
	}
	if rt.Ready() {
		t.Fatal("runtime must not report ready")
	}
}

func TestEndToEnd(t *testing.T) {
	srv := fakeBackend(t)
	cfg := testConfig(t, srv.URL)
	rt := New(cfg, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Error("runtime did not stop")
		}
	})

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	nc, err := nats.Connect(rt.embedded.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	data, _ := json.Marshal(synth.Job{ID: "e2e-1", Input: synth.Input{Text: "hello", Voice: synth.String("default"), ResponseFormat: synth.String("wav")}})
	msg, err := nc.Request(cfg.Worker.Subject, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var res protocol.JobResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var out synth.BufferedResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.AudioBase64 != "UklGRi4uLi4=" {
		t.Fatalf("unexpected output %+v", out)
	}

	job, ok, err := rt.store.GetJob(context.Background(), "e2e-1")
	if err != nil || !ok {
		t.Fatalf("expected job in ledger: ok=%v err=%v", ok, err)
	}
	if job.State != string(synth.StateCompleted) {
		t.Fatalf("expected completed job, got %s", job.State)
	}

	resp, err := http.Get(base + "/v1/jobs/e2e-1")
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	var view struct {
		State  string `json:"state"`
		Format string `json:"format"`
		Voice  string `json:"voice"`
		Events []struct {
			State string `json:"state"`
		} `json:"events"`
	}
	err = json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode job view: %v", err)
	}
	if view.State != "completed" || view.Format != "wav" || view.Voice != "default" {
		t.Fatalf("unexpected job view %+v", view)
	}
	if len(view.Events) == 0 || view.Events[0].State != "received" || view.Events[len(view.Events)-1].State != "completed" {
		t.Fatalf("unexpected job timeline %+v", view.Events)
	}

	resp, err = http.Get(base + "/v1/jobs/missing")
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(metrics), "ttsgw_gate_in_use") {
		t.Fatal("expected gate gauge in metrics output")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
