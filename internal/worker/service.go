package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-ttsgw/internal/bus"
	"github.com/loqalabs/loqa-ttsgw/internal/config"
	"github.com/loqalabs/loqa-ttsgw/internal/protocol"
	"github.com/loqalabs/loqa-ttsgw/internal/synth"
	"github.com/nats-io/nats.go"
)

// Handler runs one job to completion or hands back a stream.
type Handler interface {
	Handle(ctx context.Context, job synth.Job) synth.Result
}

// Service consumes jobs from the bus and publishes their results to the
// requester's reply subject.
type Service struct {
	cfg     config.WorkerConfig
	bus     *bus.Client
	handler Handler
	subs    []*nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightJob
	ready    bool
}

type inflightJob struct {
	cancel context.CancelFunc
}

func NewService(parent context.Context, cfg config.WorkerConfig, busClient *bus.Client, handler Handler, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*inflightJob),
		logger:   log.With(slog.String("component", "worker")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	jobSub, err := s.bus.ServeJobs(s.cfg.Subject, s.cfg.QueueGroup, s.handleJob)
	if err != nil {
		return fmt.Errorf("subscribe jobs: %w", err)
	}
	s.subs = append(s.subs, jobSub)

	if s.cfg.CancelSubject != "" {
		cancelSub, err := s.bus.Listen(s.cfg.CancelSubject, s.handleCancel)
		if err != nil {
			_ = jobSub.Drain()
			return fmt.Errorf("subscribe cancellations: %w", err)
		}
		s.subs = append(s.subs, cancelSub)
	}
	if err := s.bus.Sync(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("worker subscribed", slog.String("subject", s.cfg.Subject), slog.String("queue", s.cfg.QueueGroup))
	return nil
}

// Close stops taking jobs, cancels in-flight ones and waits for them to
// release the backend.
func (s *Service) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleJob(msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Warn("dropping job without reply subject", slog.String("subject", msg.Subject))
		return
	}
	var job synth.Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode job", slogError(err))
		s.publish(msg.Reply, "", 0, synth.ErrorResult{Message: "invalid job payload: " + err.Error()}, true)
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	entry := s.track(job.ID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(job.ID, entry)
		defer cancel()
		s.run(ctx, job, msg.Reply)
	}()
}

func (s *Service) run(ctx context.Context, job synth.Job, reply string) {
	start := time.Now()
	switch res := s.handler.Handle(ctx, job).(type) {
	case synth.BufferedResult:
		s.publish(reply, job.ID, 0, res, true)
	case synth.ErrorResult:
		s.logger.Info("job failed", slog.String("job_id", job.ID), slog.String("kind", res.Kind), slog.String("error", res.Message))
		s.publish(reply, job.ID, 0, res, true)
	case *synth.Stream:
		s.forward(reply, job.ID, res)
	default:
		s.logger.Error("unexpected result type", slog.String("job_id", job.ID), slog.String("type", fmt.Sprintf("%T", res)))
		s.publish(reply, job.ID, 0, synth.ErrorResult{Message: "Handler exception: unexpected result"}, true)
	}
	s.logger.Debug("job finished", slog.String("job_id", job.ID), slog.Duration("latency", time.Since(start)))
}

func (s *Service) forward(reply, jobID string, stream *synth.Stream) {
	sequence := 0
	for chunk := range stream.Chunks() {
		if err := s.publish(reply, jobID, sequence, chunk, false); err != nil {
			// Nobody can receive the rest; free the backend.
			stream.Close()
			return
		}
		sequence++
	}
	<-stream.Done()
	if err := stream.Err(); err != nil {
		failure := synth.NewErrorResult(err)
		s.logger.Info("stream ended early", slog.String("job_id", jobID), slog.String("kind", failure.Kind), slog.String("error", err.Error()))
		s.publishEnvelope(reply, protocol.JobResult{JobID: jobID, Sequence: sequence, Error: failure.Message, Final: true})
		return
	}
	s.publishEnvelope(reply, protocol.JobResult{JobID: jobID, Sequence: sequence, Final: true})
}

func (s *Service) publish(reply, jobID string, sequence int, output any, final bool) error {
	data, err := json.Marshal(output)
	if err != nil {
		s.logger.Warn("failed to marshal job output", slogError(err))
		return err
	}
	envelope := protocol.JobResult{JobID: jobID, Sequence: sequence, Output: data, Final: final}
	if failure, ok := output.(synth.ErrorResult); ok {
		envelope.Error = failure.Message
	}
	return s.publishEnvelope(reply, envelope)
}

func (s *Service) publishEnvelope(reply string, envelope protocol.JobResult) error {
	envelope.Timestamp = time.Now().UTC()
	if err := s.bus.Reply(reply, envelope); err != nil {
		s.logger.Warn("failed to publish job result", slog.String("job_id", envelope.JobID), slogError(err))
		return err
	}
	return nil
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.JobID == "" {
		s.logger.Warn("invalid cancel request")
		return
	}
	s.mu.Lock()
	entry, ok := s.inflight[req.JobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("cancelling job", slog.String("job_id", req.JobID))
	entry.cancel()
}

func (s *Service) track(jobID string, cancel context.CancelFunc) *inflightJob {
	entry := &inflightJob{cancel: cancel}
	s.mu.Lock()
	s.inflight[jobID] = entry
	s.mu.Unlock()
	return entry
}

func (s *Service) untrack(jobID string, entry *inflightJob) {
	s.mu.Lock()
	if s.inflight[jobID] == entry {
		delete(s.inflight, jobID)
	}
	s.mu.Unlock()
}

// Inflight reports how many jobs are currently running or waiting on the gate.
func (s *Service) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
