package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-ttsgw/internal/backend"
	"github.com/loqalabs/loqa-ttsgw/internal/bus"
	"github.com/loqalabs/loqa-ttsgw/internal/config"
	"github.com/loqalabs/loqa-ttsgw/internal/gate"
	"github.com/loqalabs/loqa-ttsgw/internal/natsserver"
	"github.com/loqalabs/loqa-ttsgw/internal/protocol"
	"github.com/loqalabs/loqa-ttsgw/internal/synth"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	gate    *gate.Gate
	service *Service
	conn    *nats.Conn
	cfg     config.WorkerConfig
}

func newHarness(t *testing.T, backendHandler http.HandlerFunc) *harness {
	t.Helper()
	srv := httptest.NewServer(backendHandler)
	t.Cleanup(srv.Close)

	es, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(es.Shutdown)

	busCfg := config.BusConfig{Servers: []string{es.ClientURL()}, ConnectTimeout: 2000}
	client, err := bus.Connect(context.Background(), busCfg, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	g := gate.New(0)
	proxy := synth.New(backend.Attach(srv.URL), g, newLogger())
	cfg := config.WorkerConfig{Enabled: true, Subject: "tts.jobs.test", CancelSubject: "tts.jobs.test.cancel", QueueGroup: "ttsgw-test"}
	svc := NewService(context.Background(), cfg, client, proxy, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected worker healthy after start")
	}

	requester, err := nats.Connect(es.ClientURL())
	if err != nil {
		t.Fatalf("connect requester: %v", err)
	}
	t.Cleanup(requester.Close)

	return &harness{gate: g, service: svc, conn: requester, cfg: cfg}
}

func (h *harness) submit(t *testing.T, job synth.Job) *nats.Subscription {
	t.Helper()
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	inbox := nats.NewInbox()
	sub, err := h.conn.SubscribeSync(inbox)
	if err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.conn.PublishRequest(h.cfg.Subject, inbox, data); err != nil {
		t.Fatalf("publish job: %v", err)
	}
	return sub
}

func next(t *testing.T, sub *nats.Subscription) protocol.JobResult {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for result: %v", err)
	}
	var res protocol.JobResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func waitIdle(t *testing.T, h *harness) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.service.Inflight() > 0 || h.gate.Stats().InUse {
		if time.Now().After(deadline) {
			t.Fatalf("worker still busy: inflight=%d gate=%+v", h.service.Inflight(), h.gate.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBufferedJobOverBus(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFF...."))
	})

	sub := h.submit(t, synth.Job{ID: "job-wav", Input: synth.Input{Text: "hello"}})
	res := next(t, sub)
	if res.JobID != "job-wav" || !res.Final || res.Error != "" {
		t.Fatalf("unexpected envelope %+v", res)
	}
	var out synth.BufferedResult
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.AudioFormat != "wav" || out.AudioBase64 != "UklGRi4uLi4=" {
		t.Fatalf("unexpected output %+v", out)
	}
	waitIdle(t, h)
}

func TestValidationErrorOverBus(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("backend must not be called")
	})

	sub := h.submit(t, synth.Job{Input: synth.Input{Text: "hi", ResponseFormat: synth.String("mp3")}})
	res := next(t, sub)
	if !res.Final || res.Error != "response_format must be 'wav' or 'ogg'." {
		t.Fatalf("unexpected envelope %+v", res)
	}
	if res.JobID == "" {
		t.Fatal("expected generated job id")
	}
	if st := h.gate.Stats(); st.Acquired != 0 {
		t.Fatalf("validation failure must not take the gate: %+v", st)
	}
}

func TestStreamingJobOverBus(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 1000)
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	})

	sub := h.submit(t, synth.Job{ID: "job-ogg", Input: synth.Input{Text: "hello", ResponseFormat: synth.String("ogg")}})
	var got []byte
	for i := 0; ; i++ {
		res := next(t, sub)
		if res.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, res.Sequence)
		}
		if res.Final {
			if res.Error != "" || len(res.Output) != 0 {
				t.Fatalf("unexpected final envelope %+v", res)
			}
			break
		}
		var chunk synth.ChunkResult
		if err := json.Unmarshal(res.Output, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		b, err := base64.StdEncoding.DecodeString(chunk.ChunkBase64)
		if err != nil || len(b) == 0 {
			t.Fatalf("bad chunk %q: %v", chunk.ChunkBase64, err)
		}
		got = append(got, b...)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(body))
	}
	waitIdle(t, h)
	if st := h.gate.Stats(); st.Acquired != 1 || st.Released != 1 {
		t.Fatalf("unbalanced gate: %+v", st)
	}
}

func TestCancelMidStreamReleasesGate(t *testing.T) {
	unblock := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-unblock:
		}
	})
	t.Cleanup(func() { close(unblock) })

	sub := h.submit(t, synth.Job{ID: "job-cancel", Input: synth.Input{Text: "long", ResponseFormat: synth.String("ogg")}})
	first := next(t, sub)
	if first.Final {
		t.Fatalf("expected a chunk first, got %+v", first)
	}

	data, _ := json.Marshal(protocol.CancelRequest{JobID: "job-cancel"})
	if err := h.conn.Publish(h.cfg.CancelSubject, data); err != nil {
		t.Fatalf("publish cancel: %v", err)
	}

	final := next(t, sub)
	if !final.Final || final.Error == "" {
		t.Fatalf("expected final error envelope, got %+v", final)
	}
	waitIdle(t, h)
	if st := h.gate.Stats(); st.Acquired != 1 || st.Released != 1 {
		t.Fatalf("unbalanced gate: %+v", st)
	}
}
