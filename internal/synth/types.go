package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-ttsgw/internal/gate"
)

const (
	FormatWAV = "wav"
	FormatOGG = "ogg"

	DefaultVoice  = "default"
	DefaultFormat = FormatWAV
)

// Job is one inbound synthesis request from the queue.
type Job struct {
	ID    string `json:"id,omitempty"`
	Input Input  `json:"input"`
}

// Input carries the caller's synthesis options. Voice and ResponseFormat
// are nil when the field was absent (or null) and fall back to defaults; an
// explicit value, including "", is taken as given.
type Input struct {
	Text           string  `json:"text"`
	Voice          *string `json:"voice,omitempty"`
	ResponseFormat *string `json:"response_format,omitempty"`
}

// String returns a pointer to s, for building an Input in code.
func String(s string) *string { return &s }

// Request is the validated body posted to the backend.
type Request struct {
	Text           string `json:"text"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Validate applies defaults and returns the backend request, or a
// *ValidationError.
func (in Input) Validate() (Request, error) {
	voice := DefaultVoice
	if in.Voice != nil {
		voice = *in.Voice
	}
	format := DefaultFormat
	if in.ResponseFormat != nil {
		format = strings.ToLower(*in.ResponseFormat)
	}
	if in.Text == "" {
		return Request{}, &ValidationError{Message: "Input 'text' must be non-empty."}
	}
	if format != FormatWAV && format != FormatOGG {
		return Request{}, &ValidationError{Message: "response_format must be 'wav' or 'ogg'."}
	}
	return Request{Text: in.Text, Voice: voice, ResponseFormat: format}, nil
}

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// BackendError is a non-2xx answer from the synthesis backend.
type BackendError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %s", e.Status)
	}
	return fmt.Sprintf("backend returned %s: %s", e.Status, e.Body)
}

// TransportError wraps a network failure while talking to the backend.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// ErrTimeout marks a backend call that exceeded the configured request timeout.
var ErrTimeout = errors.New("backend request timed out")

// Error kinds reported alongside ErrorResult.
const (
	KindValidation = "validation"
	KindBackend    = "backend"
	KindTransport  = "transport"
	KindTimeout    = "timeout"
	KindCapacity   = "capacity"
	KindCancelled  = "cancelled"
	KindInternal   = "internal"
)

// Result is exactly one of BufferedResult, *Stream or ErrorResult.
type Result interface {
	isResult()
}

type BufferedResult struct {
	AudioFormat string `json:"audio_format"`
	AudioBase64 string `json:"audio_base64"`
}

type ChunkResult struct {
	ChunkBase64 string `json:"chunk_base64"`
}

type ErrorResult struct {
	Message string `json:"error"`
	Kind    string `json:"-"`
	Err     error  `json:"-"`
}

func (BufferedResult) isResult() {}
func (ErrorResult) isResult()    {}
func (*Stream) isResult()        {}

// NewErrorResult converts a job failure into the result reported to callers.
func NewErrorResult(err error) ErrorResult {
	kind := errorKind(err)
	if kind == KindValidation {
		return ErrorResult{Message: err.Error(), Kind: kind, Err: err}
	}
	return ErrorResult{Message: "Handler exception: " + err.Error(), Kind: kind, Err: err}
}

func errorKind(err error) string {
	var (
		validationErr *ValidationError
		backendErr    *BackendError
		transportErr  *TransportError
	)
	switch {
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, gate.ErrCapacity):
		return KindCapacity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &backendErr):
		return KindBackend
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return KindInternal
	}
}
