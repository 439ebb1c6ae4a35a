package script

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/hcengine/integration-engine/internal/logging"
)

// HookKind identifies which script hook is running (spec §4.9). It labels
// error messages, and HookFilter selects the filter return convention in
// toOutcome.
type HookKind string

const (
	HookFilter               HookKind = "filter"
	HookTransformer          HookKind = "transformer"
	HookResponseTransformer  HookKind = "response_transformer"
	HookPreprocessor         HookKind = "preprocessor"
	HookPostprocessor        HookKind = "postprocessor"
	HookDeploy               HookKind = "deploy"
	HookUndeploy             HookKind = "undeploy"
)

// Outcome is the normalized result of a script invocation, independent
// of which of the four hook return conventions produced it (spec §4.9
// "Return convention").
type Outcome struct {
	// Filtered is only meaningful for HookFilter: true means the
	// filter returned falsy and the message should move to FILTERED.
	Filtered bool
	// Status is set for every non-filter hook: the "status" field of a
	// returned Response-like object, otherwise SENT (including for a
	// returned string, null or undefined). It stays "" only for HookFilter.
	Status string
	// Body is the destination script's returned string/Response body.
	Body string
	// Logs captures console.log output emitted during the call.
	Logs []string
}

// Engine runs one script per Invoke call in a fresh goja.Runtime,
// grounded directly on the teacher's gojaScriptEngine (one-runtime-per-
// call isolation, console capture, no shared mutable VM state).
type Engine struct {
	log     *logging.Logger
	timeout time.Duration
}

// Config controls engine-wide defaults.
type Config struct {
	// DefaultTimeout bounds script wall-clock execution (spec §5
	// "script engines SHOULD enforce a wall-clock timeout; default 60s").
	DefaultTimeout time.Duration
}

// New builds a script engine.
func New(cfg Config, log *logging.Logger) *Engine {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if log == nil {
		log = logging.NewDefault("script-engine")
	}
	return &Engine{log: log, timeout: cfg.DefaultTimeout}
}

// ErrScriptTimeout is returned when a script exceeds its wall-clock budget.
var ErrScriptTimeout = fmt.Errorf("script: execution exceeded wall-clock timeout")

// Invoke compiles and runs script's entryPoint function against scope,
// enforcing a wall-clock timeout via vm.Interrupt the way a supervisor
// goroutine would kill a runaway call (spec §5 "script engines SHOULD
// enforce a wall-clock timeout").
func (e *Engine) Invoke(ctx context.Context, kind HookKind, script, entryPoint string, scope *Scope) (*Outcome, error) {
	vm := goja.New()
	logs := make([]string, 0, 4)
	var logMu sync.Mutex

	if err := e.bind(vm, scope, &logs, &logMu); err != nil {
		return nil, err
	}

	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("script %s: compile/top-level error: %w", kind, err)
	}

	fn, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return nil, fmt.Errorf("script %s: entry point %q is not a function", kind, entryPoint)
	}

	timeout := e.timeout
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(ErrScriptTimeout)
	})
	defer timer.Stop()

	result, err := fn(goja.Undefined())
	if err != nil {
		if ierr, ok := err.(*goja.InterruptedError); ok {
			if v, ok := ierr.Value().(error); ok && v == ErrScriptTimeout {
				return nil, ErrScriptTimeout
			}
		}
		return nil, fmt.Errorf("script %s: %w", kind, err)
	}

	out := e.toOutcome(kind, result)
	logMu.Lock()
	out.Logs = append(out.Logs, logs...)
	logMu.Unlock()
	return out, nil
}

func (e *Engine) toOutcome(kind HookKind, v goja.Value) *Outcome {
	out := &Outcome{}
	if kind == HookFilter {
		out.Filtered = !v.ToBoolean()
		return out
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		out.Status = "SENT"
		return out
	}
	exported := v.Export()
	switch val := exported.(type) {
	case string:
		out.Status = "SENT"
		out.Body = val
	case map[string]interface{}:
		if s, ok := val["status"].(string); ok {
			out.Status = s
		} else {
			out.Status = "SENT"
		}
		if b, ok := val["message"].(string); ok {
			out.Body = b
		}
	default:
		out.Status = "SENT"
		out.Body = fmt.Sprintf("%v", exported)
	}
	return out
}

func (e *Engine) bind(vm *goja.Runtime, scope *Scope, logs *[]string, logMu *sync.Mutex) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		logMu.Lock()
		*logs = append(*logs, fmt.Sprint(parts))
		logMu.Unlock()
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(name, logFn)
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	if scope == nil {
		return nil
	}

	set := func(name string, v interface{}) error { return vm.Set(name, v) }

	if err := set("msg", scope.Msg); err != nil {
		return err
	}
	if err := set("msgRaw", scope.MsgRaw); err != nil {
		return err
	}
	if err := set("sourceMap", scope.SourceMap); err != nil {
		return err
	}
	if err := set("channelMap", scope.ChannelMap); err != nil {
		return err
	}
	if err := set("responseMap", scope.ResponseMap); err != nil {
		return err
	}
	if err := set("connectorMap", scope.ConnectorMap); err != nil {
		return err
	}
	if err := set("globalMap", scope.GlobalMap); err != nil {
		return err
	}
	if err := set("globalChannelMap", scope.GlobalChannelMap); err != nil {
		return err
	}
	if err := set("configurationMap", scope.ConfigurationMap); err != nil {
		return err
	}
	if err := set("logger", scriptLogger{scope.Logger}); err != nil {
		return err
	}
	if err := set("Status", StatusConstants); err != nil {
		return err
	}
	if err := set("ContentType", ContentTypeConstants); err != nil {
		return err
	}
	if err := set("channelId", scope.ChannelID); err != nil {
		return err
	}
	if err := set("channelName", scope.ChannelName); err != nil {
		return err
	}
	if err := set("connectorName", scope.ConnectorName); err != nil {
		return err
	}
	if err := set("metaDataId", scope.MetaDataID); err != nil {
		return err
	}
	if err := set("jsonPath", jsonPathHelper{}); err != nil {
		return err
	}
	return nil
}

// scriptLogger adapts internal/logging.Logger to the method names
// scripts call (`logger.Info("...")`; goja exposes Go method names as-is).
type scriptLogger struct{ l *logging.Logger }

func (s scriptLogger) Info(msg string)  { s.l.Info(msg) }
func (s scriptLogger) Warn(msg string)  { s.l.Warn(msg) }
func (s scriptLogger) Error(msg string) { s.l.Error(msg) }
func (s scriptLogger) Debug(msg string) { s.l.Debug(msg) }

// jsonPathHelper exposes JSONPath (PaesslerAG/jsonpath) and gjson path
// lookups against a raw JSON string, for transformer scripts working
// against JSON-shaped messages (spec §4.9, SPEC_FULL.md §4.9 domain
// stack wiring).
type jsonPathHelper struct{}

// Get evaluates a JSONPath expression (e.g. "$.patient.id") against a
// decoded JSON document.
func (jsonPathHelper) Get(doc interface{}, path string) (interface{}, error) {
	return jsonpath.Get(path, doc)
}

// GJSON evaluates a gjson path expression directly against a raw JSON
// string, returning the matched value as a string.
func (jsonPathHelper) GJSON(rawJSON, path string) string {
	return gjson.Get(rawJSON, path).String()
}
