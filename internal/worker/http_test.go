package worker

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-ttsgw/internal/backend"
	"github.com/loqalabs/loqa-ttsgw/internal/gate"
	"github.com/loqalabs/loqa-ttsgw/internal/synth"
)

func newRunServer(t *testing.T, backendHandler http.HandlerFunc) (*httptest.Server, *gate.Gate) {
	t.Helper()
	srv := httptest.NewServer(backendHandler)
	t.Cleanup(srv.Close)
	g := gate.New(0)
	proxy := synth.New(backend.Attach(srv.URL), g, newLogger())
	run := httptest.NewServer(NewHTTPHandler(proxy, newLogger()))
	t.Cleanup(run.Close)
	return run, g
}

func TestHTTPRunBuffered(t *testing.T) {
	run, _ := newRunServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("RIFF...."))
	})

	resp, err := http.Post(run.URL, "application/json", strings.NewReader(`{"input":{"text":"hello"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Job-Id") == "" {
		t.Fatal("expected generated job id header")
	}
	var out synth.BufferedResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.AudioBase64 != "UklGRi4uLi4=" {
		t.Fatalf("unexpected audio %q", out.AudioBase64)
	}
}

func TestHTTPRunValidation(t *testing.T) {
	run, _ := newRunServer(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("backend must not be called")
	})

	resp, err := http.Post(run.URL, "application/json", strings.NewReader(`{"input":{"text":""}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var out synth.ErrorResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message != "Input 'text' must be non-empty." {
		t.Fatalf("unexpected error %q", out.Message)
	}
}

func TestHTTPRunBackendFailure(t *testing.T) {
	run, g := newRunServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gpu on fire", http.StatusServiceUnavailable)
	})

	resp, err := http.Post(run.URL, "application/json", strings.NewReader(`{"input":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if st := g.Stats(); st.Acquired != 1 || st.Released != 1 {
		t.Fatalf("unbalanced gate: %+v", st)
	}
}

func TestHTTPRunStreamsNDJSON(t *testing.T) {
	body := bytes.Repeat([]byte{0x4f, 0x67, 0x67, 0x53}, 2500)
	run, g := newRunServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	})

	resp, err := http.Post(run.URL, "application/json", strings.NewReader(`{"id":"s1","input":{"text":"hi","response_format":"OGG"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var got []byte
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var chunk synth.ChunkResult
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		b, err := base64.StdEncoding.DecodeString(chunk.ChunkBase64)
		if err != nil || len(b) == 0 {
			t.Fatalf("bad chunk line %q", scanner.Text())
		}
		got = append(got, b...)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("reassembled %d bytes, want %d", len(got), len(body))
	}
	if st := g.Stats(); st.Acquired != 1 || st.Released != 1 {
		t.Fatalf("unbalanced gate: %+v", st)
	}
}

func TestHTTPRunRejectsGet(t *testing.T) {
	run, _ := newRunServer(t, func(w http.ResponseWriter, _ *http.Request) {})
	resp, err := http.Get(run.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
