// Package dispatcher implements the Command Dispatcher (§4.6): a static
// name-to-handler registry shared by both the REST façade and the
// stand-alone command-envelope transport, instrumented with per-command
// counters, duration histograms, and an in-flight gauge.
package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/metrics"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// Credentials is the authenticated caller identity a handler receives,
// already resolved and authorized by the HTTP façade or envelope
// transport before Dispatch is called.
type Credentials struct {
	Project string
	Branch  string
	KeyID   string
	Scope   types.KeyScope
	IsAdmin bool
}

// RuntimeOptions carries per-request knobs a handler may need that are
// not part of its typed params (idempotency key, request id).
type RuntimeOptions struct {
	IdempotencyKey string
	RequestID      string
}

// Handler is the uniform contract every registered command implements:
// it receives the raw params, optional credentials, and runtime options,
// and returns a typed response plus any collected log messages, or an
// apierr-classified error.
type Handler func(ctx context.Context, params json.RawMessage, creds *Credentials, opts RuntimeOptions) (response any, logs []types.LogMessage, err error)

// Registry is the static command name -> handler map, populated at
// init time by each command package's RegisterXxx call.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name. Registering the same name twice is
// a programming error and panics, matching the teacher's fail-fast
// init-time registration style.
func (r *Registry) Register(name string, h Handler) {
	if _, exists := r.handlers[name]; exists {
		panic("dispatcher: command already registered: " + name)
	}
	r.handlers[name] = h
}

// Envelope is the wire shape of one command invocation, used by both the
// REST façade (mapped from route + body) and the standalone command
// service transport (decoded directly from the request body).
type Envelope struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Result is the wire shape of a command's outcome.
type Result struct {
	Response any                `json:"response,omitempty"`
	Logs     []types.LogMessage `json:"logs,omitempty"`
	Error    *ErrorInfo         `json:"error,omitempty"`
}

// ErrorInfo is the wire shape of a failed command, mirroring apierr's
// envelope-code mapping (§7).
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Dispatch looks up env.Command in the registry and invokes it, recording
// metrics regardless of outcome. A command name that was never
// registered is reported as apierr.Unimplemented.
func (r *Registry) Dispatch(ctx context.Context, env Envelope, creds *Credentials, opts RuntimeOptions) Result {
	h, ok := r.handlers[env.Command]
	if !ok {
		err := apierr.Unimplemented("unknown command: %s", env.Command)
		metrics.CommandsTotal.WithLabelValues(env.Command, string(apierr.KindUnimplemented)).Inc()
		return Result{Error: &ErrorInfo{Code: apierr.KindUnimplemented.EnvelopeCode(), Message: err.Error()}}
	}

	metrics.CommandsInFlight.Inc()
	defer metrics.CommandsInFlight.Dec()
	timer := metrics.NewTimer()

	response, logs, err := h(ctx, env.Params, creds, opts)
	timer.ObserveDurationVec(metrics.CommandDuration, env.Command)

	if err != nil {
		kind := apierr.KindOf(err)
		metrics.CommandsTotal.WithLabelValues(env.Command, string(kind)).Inc()
		return Result{Logs: logs, Error: &ErrorInfo{Code: kind.EnvelopeCode(), Message: err.Error()}}
	}

	metrics.CommandsTotal.WithLabelValues(env.Command, "ok").Inc()
	return Result{Response: response, Logs: logs}
}

// Names returns every registered command name, for introspection
// endpoints and tests.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
