// Package synth turns queue jobs into backend synthesis calls and adapts the
// backend response into buffered or streamed results.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loqalabs/loqa-ttsgw/internal/backend"
	"github.com/loqalabs/loqa-ttsgw/internal/gate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// maxErrorBody caps how much of a failed backend response is quoted back.
const maxErrorBody = 512

// State is a step in a job's lifecycle.
type State string

const (
	StateReceived     State = "received"
	StateValidated    State = "validated"
	StateGateAcquired State = "gate_acquired"
	StateBackendCall  State = "backend_called"
	StateBuffering    State = "buffering"
	StateStreaming    State = "streaming"
	StateGateReleased State = "gate_released"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Transition is one lifecycle step of a job. Format and Voice are set once
// the job has passed validation.
type Transition struct {
	JobID  string
	State  State
	Detail string
	Format string
	Voice  string
}

// Observer is told about every lifecycle transition.
type Observer interface {
	Observe(ctx context.Context, t Transition)
}

type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) Observe(ctx context.Context, t Transition) {
	f(ctx, t)
}

type Option func(*Proxy)

// WithHTTPClient replaces the client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// WithRequestTimeout bounds each backend call, including stream drain.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.timeout = d }
}

func WithObserver(o Observer) Option {
	return func(p *Proxy) { p.observer = o }
}

// Proxy is the only path to the backend. Every call goes through the gate.
type Proxy struct {
	backend  *backend.Handle
	gate     *gate.Gate
	client   *http.Client
	timeout  time.Duration
	observer Observer
	log      *slog.Logger
	tracer   trace.Tracer

	jobs          metric.Int64Counter
	duration      metric.Float64Histogram
	audioDuration metric.Float64Histogram
}

func New(h *backend.Handle, g *gate.Gate, log *slog.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		backend: h,
		gate:    g,
		client:  &http.Client{},
		log:     log.With(slog.String("component", "synth-proxy")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-ttsgw/internal/synth"),
	}
	for _, opt := range opts {
		opt(p)
	}
	meter := otel.Meter("github.com/loqalabs/loqa-ttsgw/internal/synth")
	p.jobs, _ = meter.Int64Counter("ttsgw.jobs", metric.WithDescription("Synthesis jobs by format and outcome"))
	p.duration, _ = meter.Float64Histogram("ttsgw.job.duration", metric.WithDescription("End-to-end job time"), metric.WithUnit("ms"))
	p.audioDuration, _ = meter.Float64Histogram("ttsgw.audio.duration", metric.WithDescription("Length of buffered WAV audio"), metric.WithUnit("s"))
	return p
}

// Handle runs one job. It never panics and never returns nil; failures come
// back as ErrorResult. A returned *Stream holds the gate until it is drained,
// closed, or ctx is cancelled.
func (p *Proxy) Handle(ctx context.Context, job Job) (result Result) {
	ctx, span := p.tracer.Start(ctx, "ttsgw.synthesize", trace.WithAttributes(attribute.String("job.id", job.ID)))
	inv := &invocation{
		p:     p,
		ctx:   context.WithoutCancel(ctx),
		jobID: job.ID,
		start: time.Now(),
		span:  span,
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("synthesis handler panic",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = inv.fail(fmt.Errorf("panic: %v", r))
		}
	}()
	inv.observe(StateReceived, "")

	req, err := job.Input.Validate()
	if err != nil {
		return inv.fail(err)
	}
	inv.format, inv.voice = req.ResponseFormat, req.Voice
	span.SetAttributes(attribute.String("tts.format", req.ResponseFormat), attribute.String("tts.voice", req.Voice))
	inv.observe(StateValidated, "")

	token, err := p.gate.Acquire(ctx)
	if err != nil {
		return inv.fail(err)
	}
	inv.token = token
	inv.observe(StateGateAcquired, "")

	var callCtx context.Context
	if p.timeout > 0 {
		callCtx, inv.cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		callCtx, inv.cancel = context.WithCancel(ctx)
	}

	resp, err := p.send(callCtx, req)
	if err != nil {
		err = p.classify(ctx, callCtx, &TransportError{Op: "post speech", Err: err})
		p.logTransport(job.ID, err)
		return inv.fail(err)
	}
	inv.body = resp.Body
	inv.observe(StateBackendCall, resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		berr := &BackendError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(bytes.TrimSpace(excerpt))}
		p.log.Warn("backend rejected synthesis", slog.String("job_id", job.ID), slog.String("error", berr.Error()))
		return inv.fail(berr)
	}

	return p.adapt(ctx, callCtx, inv, req.ResponseFormat, resp)
}

func (p *Proxy) send(ctx context.Context, req Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.backend.SpeechURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return p.client.Do(httpReq)
}

// classify separates our own request timeout from caller cancellation.
func (p *Proxy) classify(parent, callCtx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && p.timeout > 0 {
		var terr *TransportError
		op := "backend call"
		if errors.As(err, &terr) {
			op = terr.Op
		}
		return &TransportError{Op: op, Err: fmt.Errorf("%w after %s", ErrTimeout, p.timeout)}
	}
	if cerr := parent.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %w", cerr, err)
	}
	return err
}

func (p *Proxy) logTransport(jobID string, err error) {
	p.log.Error("backend call failed",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
		slog.String("stack", string(debug.Stack())))
}

// invocation tracks the resources one job holds. finish releases them once.
type invocation struct {
	p      *Proxy
	ctx    context.Context
	jobID  string
	format string
	voice  string
	start  time.Time
	span   trace.Span
	token  *gate.Token
	cancel context.CancelFunc
	body   io.Closer
	once   sync.Once
}

func (inv *invocation) observe(state State, detail string) {
	if inv.p.observer == nil {
		return
	}
	inv.p.observer.Observe(inv.ctx, Transition{
		JobID:  inv.jobID,
		State:  state,
		Detail: detail,
		Format: inv.format,
		Voice:  inv.voice,
	})
}

func (inv *invocation) fail(err error) Result {
	inv.finish(err)
	return NewErrorResult(err)
}

func (inv *invocation) finish(err error) {
	inv.once.Do(func() {
		p := inv.p
		if inv.body != nil {
			_ = inv.body.Close()
		}
		if inv.cancel != nil {
			inv.cancel()
		}
		if inv.token != nil {
			held := inv.token.Held()
			inv.token.Release()
			inv.observe(StateGateReleased, held.String())
		}

		outcome := "ok"
		if err != nil {
			outcome = errorKind(err)
			inv.span.RecordError(err)
			inv.span.SetStatus(codes.Error, err.Error())
			inv.observe(StateFailed, err.Error())
		} else {
			inv.observe(StateCompleted, "")
		}
		attrs := metric.WithAttributes(attribute.String("format", inv.format), attribute.String("outcome", outcome))
		if p.jobs != nil {
			p.jobs.Add(inv.ctx, 1, attrs)
		}
		if p.duration != nil {
			p.duration.Record(inv.ctx, float64(time.Since(inv.start).Microseconds())/1000, attrs)
		}
		inv.span.End()
	})
}
