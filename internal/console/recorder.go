package console

import (
	"log"
	"os"

	"mooconsole/internal/dispatch"
)

// Recorder turns dispatch events into audit entries and metrics.
type Recorder struct {
	audit   *AuditLogger
	metrics *Metrics
	logger  *log.Logger
}

var _ dispatch.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder. Either sink may be nil.
func NewRecorder(audit *AuditLogger, metrics *Metrics, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stdout, "[audit] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Recorder{audit: audit, metrics: metrics, logger: logger}
}

// Observe implements dispatch.Observer.
func (r *Recorder) Observe(e dispatch.Event) {
	resp := e.Response
	op := string(e.Operation)

	if r.metrics != nil {
		outcome := "ok"
		if !resp.Success {
			outcome = string(resp.Kind)
		}
		r.metrics.requests.WithLabelValues(op, outcome).Inc()
		r.metrics.requestDuration.WithLabelValues(op).Observe(resp.Timing.TotalTime / 1000)
		if resp.Timing.CommandTime > 0 {
			r.metrics.commandDuration.WithLabelValues(op).Observe(resp.Timing.CommandTime / 1000)
		}
	}

	if r.audit == nil {
		return
	}

	decision := string(e.Decision)
	if decision == "" {
		decision = "allow"
	}

	entry := AuditEntry{
		Operation:   op,
		User:        e.User,
		Args:        e.Args,
		Elevate:     e.Elevate,
		Decision:    decision,
		Rule:        e.Rule,
		Success:     resp.Success,
		Kind:        string(resp.Kind),
		ExitCode:    resp.ExitCode,
		Duration:    resp.Timing.TotalTime,
		CommandTime: resp.Timing.CommandTime,
	}
	if !resp.Success {
		entry.Error = resp.Error
	}
	if err := r.audit.Log(entry); err != nil {
		r.logger.Printf("warning: %v", err)
	}
}
