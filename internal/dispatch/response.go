package dispatch

import (
	"errors"
	"time"

	"mooconsole/internal/executor"
	"mooconsole/internal/isolation"
)

// Kind classifies a failed request.
type Kind string

const (
	KindNone              Kind = ""
	KindSessionNotFound   Kind = "session_not_found"
	KindIsolationCreate   Kind = "isolation_create"
	KindCredentialMissing Kind = "credential_missing"
	KindTimeout           Kind = "timeout"
	KindExecution         Kind = "execution"
	KindNotPermitted      Kind = "not_permitted"
	KindInternal          Kind = "internal"
)

// Classify maps an error from the executor or isolation layer to its Kind.
func Classify(err error) Kind {
	var createErr *isolation.CreateError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, executor.ErrSessionNotFound):
		return KindSessionNotFound
	case errors.As(err, &createErr):
		return KindIsolationCreate
	case errors.Is(err, executor.ErrCredentialMissing):
		return KindCredentialMissing
	case errors.Is(err, executor.ErrTimeout):
		return KindTimeout
	default:
		return KindInternal
	}
}

// Timing breaks a request's wall-clock time down in milliseconds.
type Timing struct {
	TotalTime            float64 `json:"totalTime"`
	CommandTime          float64 `json:"commandTime"`
	ServerProcessingTime float64 `json:"serverProcessingTime"`
}

// Response is the structured result of a dispatched request. Every failure,
// including executor errors, ends up here.
type Response struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Output   string `json:"output"`
	Error    string `json:"error"`
	ExitCode int    `json:"exitCode"`
	Kind     Kind   `json:"kind,omitempty"`
	Timing   Timing `json:"timing"`
}

func millis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d.Microseconds()) / 1000
}

// newTiming derives the breakdown from the request receipt time, the
// executor's timestamps and the completion time.
func newTiming(receivedAt, finishedAt time.Time, result *executor.Result) Timing {
	total := finishedAt.Sub(receivedAt)
	var command time.Duration
	if result != nil {
		command = result.CommandDuration()
	}
	return Timing{
		TotalTime:            millis(total),
		CommandTime:          millis(command),
		ServerProcessingTime: millis(total - command),
	}
}
