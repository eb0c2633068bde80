package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-ttsgw/internal/config"
	"github.com/mattn/go-shellwords"
)

const (
	healthPath = "/health"
	speechPath = "/v1/audio/speech"
)

// Options controls how the synthesis backend is started and probed.
type Options struct {
	Managed       bool
	Command       string
	Host          string
	Port          int
	VoiceDir      string
	BaseURL       string
	MaxRetries    int
	RetryInterval time.Duration
	ProbeTimeout  time.Duration
	ShutdownGrace time.Duration
}

func OptionsFromConfig(cfg config.BackendConfig) Options {
	return Options{
		Managed:       cfg.Managed,
		Command:       cfg.Command,
		Host:          cfg.Host,
		Port:          cfg.Port,
		VoiceDir:      cfg.VoiceDir,
		BaseURL:       cfg.BaseURL,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: time.Duration(cfg.RetryIntervalMS) * time.Millisecond,
		ProbeTimeout:  time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond,
		ShutdownGrace: time.Duration(cfg.ShutdownGraceMS) * time.Millisecond,
	}
}

// URL is where the backend is (or will be) reachable.
func (o Options) URL() string {
	if !o.Managed {
		return strings.TrimRight(o.BaseURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", o.Host, o.Port)
}

// StartupError reports a backend that never answered its health check.
type StartupError struct {
	Attempts int
	Err      error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return "backend failed to start: " + e.Err.Error()
	}
	return fmt.Sprintf("backend failed to start: not healthy after %d checks", e.Attempts)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Handle owns the backend process for the lifetime of the gateway.
type Handle struct {
	baseURL string
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	grace   time.Duration
	log     *slog.Logger
	once    sync.Once
}

// Attach returns a handle for a backend the gateway does not own.
func Attach(baseURL string) *Handle {
	return &Handle{baseURL: strings.TrimRight(baseURL, "/")}
}

func (h *Handle) BaseURL() string   { return h.baseURL }
func (h *Handle) HealthURL() string { return h.baseURL + healthPath }
func (h *Handle) SpeechURL() string { return h.baseURL + speechPath }

// Alive reports whether the owned process is still running. Attached
// handles are always considered alive.
func (h *Handle) Alive() bool {
	if h.exited == nil {
		return true
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Launch spawns the backend (when managed) and blocks until its health
// endpoint answers 200 or the retry budget is spent.
func Launch(ctx context.Context, opts Options, log *slog.Logger) (*Handle, error) {
	log = log.With(slog.String("component", "backend"))
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}

	if !opts.Managed {
		h := Attach(opts.URL())
		h.log = log
		if err := h.waitReady(ctx, opts); err != nil {
			return nil, err
		}
		return h, nil
	}

	args, err := shellwords.NewParser().Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse backend command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("backend command empty")
	}
	args = append(args, "--port", strconv.Itoa(opts.Port), "--voice-dir", opts.VoiceDir)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, &StartupError{Err: fmt.Errorf("spawn %s: %w", args[0], err)}
	}

	h := &Handle{
		baseURL: opts.URL(),
		cmd:     cmd,
		exited:  make(chan struct{}),
		grace:   opts.ShutdownGrace,
		log:     log,
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	log.Info("backend spawned",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", args[0]),
		slog.Int("port", opts.Port),
		slog.String("voice_dir", opts.VoiceDir))

	if err := h.waitReady(ctx, opts); err != nil {
		if cerr := h.Close(context.Background()); cerr != nil {
			log.Warn("backend cleanup failed", slog.String("error", cerr.Error()))
		}
		return nil, err
	}
	return h, nil
}

func (h *Handle) waitReady(ctx context.Context, opts Options) error {
	client := &http.Client{Timeout: opts.ProbeTimeout}
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		err := h.probe(ctx, client)
		if err == nil {
			h.log.Info("backend ready", slog.String("base_url", h.baseURL), slog.Int("attempts", attempt))
			return nil
		}
		h.log.Debug("backend not ready", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		if attempt == opts.MaxRetries {
			break
		}
		timer := time.NewTimer(opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &StartupError{Attempts: attempt, Err: ctx.Err()}
		case <-h.exited:
			timer.Stop()
			return &StartupError{Attempts: attempt, Err: fmt.Errorf("backend exited: %v", h.waitErr)}
		case <-timer.C:
		}
	}
	return &StartupError{Attempts: opts.MaxRetries}
}

func (h *Handle) probe(ctx context.Context, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.HealthURL(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	return nil
}

// Close stops and reaps the owned process: SIGTERM first, SIGKILL once the
// grace period or ctx runs out.
func (h *Handle) Close(ctx context.Context) error {
	if h == nil || h.cmd == nil {
		return nil
	}
	var err error
	h.once.Do(func() {
		select {
		case <-h.exited:
			return
		default:
		}
		if sigErr := h.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			h.log.Warn("backend sigterm failed", slog.String("error", sigErr.Error()))
		}
		grace := h.grace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.exited:
		case <-timer.C:
			h.log.Warn("backend did not exit in time, killing")
			err = h.cmd.Process.Kill()
			<-h.exited
		case <-ctx.Done():
			err = h.cmd.Process.Kill()
			<-h.exited
		}
		h.log.Info("backend stopped", slog.Any("exit", h.waitErr))
	})
	return err
}
