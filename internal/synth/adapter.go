package synth

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-audio/wav"
)

// ChunkSize is the read window for streamed responses.
const ChunkSize = 4096

// adapt consumes a 2xx backend response. The invocation (and with it the
// gate) is finished here for WAV and by the stream pump for OGG.
func (p *Proxy) adapt(parent, callCtx context.Context, inv *invocation, format string, resp *http.Response) Result {
	if format == FormatOGG {
		inv.observe(StateStreaming, "")
		return newStream(parent, callCtx, inv, resp.Body)
	}

	inv.observe(StateBuffering, "")
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		err = p.classify(parent, callCtx, &TransportError{Op: "read audio", Err: err})
		p.logTransport(inv.jobID, err)
		return inv.fail(err)
	}
	inv.finish(nil)

	if d, ok := wavDuration(data); ok && p.audioDuration != nil {
		p.audioDuration.Record(inv.ctx, d.Seconds())
	}
	p.log.Debug("buffered synthesis complete", slog.String("job_id", inv.jobID), slog.Int("bytes", len(data)))
	return BufferedResult{
		AudioFormat: FormatWAV,
		AudioBase64: base64.StdEncoding.EncodeToString(data),
	}
}

func wavDuration(data []byte) (time.Duration, bool) {
	if len(data) < 44 {
		return 0, false
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, false
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, false
	}
	return d, true
}

// Stream is a single-pass sequence of base64 chunks read from the backend.
// The gate stays held until the backend body is exhausted, a read fails,
// Close is called, or the job context is cancelled.
type Stream struct {
	chunks chan ChunkResult
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func newStream(parent, callCtx context.Context, inv *invocation, body io.Reader) *Stream {
	s := &Stream{
		chunks: make(chan ChunkResult),
		done:   make(chan struct{}),
		cancel: inv.cancel,
	}
	go s.pump(parent, callCtx, inv, body)
	return s
}

// Chunks yields each chunk exactly once and is closed when the stream ends.
func (s *Stream) Chunks() <-chan ChunkResult { return s.chunks }

// Done is closed after the stream has released the gate.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err reports why the stream stopped. It is nil after a clean end of stream
// and only meaningful once Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close abandons the stream and waits for the gate to be released.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

func (s *Stream) pump(parent, callCtx context.Context, inv *invocation, body io.Reader) {
	err := s.copyChunks(callCtx, body)
	if err != nil {
		err = inv.p.classify(parent, callCtx, &TransportError{Op: "stream audio", Err: err})
		if errorKind(err) == KindCancelled {
			inv.p.log.Info("stream abandoned", slog.String("job_id", inv.jobID), slog.String("error", err.Error()))
		} else {
			inv.p.logTransport(inv.jobID, err)
		}
	}
	inv.finish(err)
	s.err = err
	close(s.chunks)
	close(s.done)
}

func (s *Stream) copyChunks(ctx context.Context, body io.Reader) error {
	buf := make([]byte, ChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := ChunkResult{ChunkBase64: base64.StdEncoding.EncodeToString(buf[:n])}
			select {
			case s.chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
