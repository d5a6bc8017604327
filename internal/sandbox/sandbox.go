// Package sandbox runs a user-supplied Lua snippet in an isolated VM with a
// wall-clock budget, bridging a curated set of host functions back to the
// caller asynchronously (spec.md §4.5).
//
// The distilled design describes a Node.js worker_threads shape (async
// arrow function, postMessage, JS globals). Re-expressed idiomatically: the
// sandboxed language is Lua, executed by a pure-Go, embeddable VM that
// needs no OS-process boundary to isolate one invocation from the next.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/toolmesh/gateway/internal/telemetry"
)

const (
	defaultMaxCodeLength  = 64 * 1024
	defaultResultMaxChars = 64 * 1024
	defaultTimeoutMs      = 1000
	watchdogSlack         = 50 * time.Millisecond
	callStackSize         = 256
	registrySize          = 4096
)

var (
	// ErrEmptyCode is returned when Request.Code is empty or whitespace-only.
	ErrEmptyCode = errors.New("sandbox: code must not be empty")
	// ErrCodeTooLong is returned when Request.Code exceeds its maxCodeLength.
	ErrCodeTooLong = errors.New("sandbox: code exceeds maxCodeLength")
)

// HostFunc is a host function reachable from sandboxed code through the
// bridge. args are already converted from Lua values; the return value is
// normalized back to JSON-shaped Go values before crossing back in.
type HostFunc func(ctx context.Context, args []any) (any, error)

// Request is one sandbox invocation's input (spec.md §4.5: "{ code,
// timeoutMs, maxCodeLength, globals }").
type Request struct {
	Code          string
	TimeoutMs     int
	MaxCodeLength int
	Globals       map[string]any
}

// Result is one sandbox invocation's output: the depth-capped safe clone of
// the snippet's return value, and its size-bounded JSON serialization.
type Result struct {
	Value      any
	Serialized string
}

// hostCall is one host-call-bridge round trip, posted by a Lua closure and
// answered by the per-invocation dispatcher goroutine.
type hostCall struct {
	fnID  string
	args  []any
	reply chan hostCallReply
}

type hostCallReply struct {
	result any
	err    error
}

// Runtime executes sandbox Requests.
type Runtime struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New builds a Runtime.
func New(logger *slog.Logger) *Runtime {
	return &Runtime{logger: logger}
}

// SetMetrics attaches a telemetry.Metrics recorder. Optional: a nil (or
// never-called) SetMetrics leaves every recording site a no-op.
func (r *Runtime) SetMetrics(metrics *telemetry.Metrics) { r.metrics = metrics }

// Run executes req's code in a fresh, isolated *lua.LState and returns its
// result, or an error if the code is rejected, fails, or times out
// (spec.md §4.5).
func (r *Runtime) Run(ctx context.Context, req Request) (*Result, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, ErrEmptyCode
	}

	maxCodeLength := req.MaxCodeLength
	if maxCodeLength <= 0 {
		maxCodeLength = defaultMaxCodeLength
	}
	if len(req.Code) > maxCodeLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrCodeTooLong, len(req.Code), maxCodeLength)
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout+watchdogSlack)
	defer cancel()

	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: callStackSize,
		RegistrySize:  registrySize,
	})
	var closeOnce sync.Once
	closeState := func() { closeOnce.Do(L.Close) }
	defer closeState()

	openSafeLibs(L)
	L.SetContext(runCtx)

	registry := make(map[string]HostFunc)
	calls := make(chan hostCall)
	dispatchDone := make(chan struct{})
	go dispatch(runCtx, registry, calls, dispatchDone)
	defer close(dispatchDone)

	for key, v := range req.Globals {
		L.SetGlobal(key, marshalGlobal(L, key, v, registry, calls))
	}

	type outcome struct {
		value lua.LValue
		err   error
	}
	resultCh := make(chan outcome, 1)
	var completed atomic.Bool

	wrapped := fmt.Sprintf("return (%s)()", code)
	go func() {
		if err := L.DoString(wrapped); err != nil {
			if completed.CompareAndSwap(false, true) {
				resultCh <- outcome{err: fmt.Errorf("sandbox: %w", err)}
			}
			return
		}
		value := lua.LValue(lua.LNil)
		if L.GetTop() > 0 {
			value = L.Get(-1)
		}
		if completed.CompareAndSwap(false, true) {
			resultCh <- outcome{value: value}
		}
	}()

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		if completed.CompareAndSwap(false, true) {
			// gopher-lua tolerates Close racing an in-flight Call; the
			// result channel is only ever written once, guarded above.
			timedOut.Store(true)
			closeState()
			resultCh <- outcome{err: fmt.Errorf("Code execution timed out after %dms", timeoutMs)}
		}
	})
	defer watchdog.Stop()

	out := <-resultCh
	if out.err != nil {
		result := "error"
		if timedOut.Load() {
			result = "timeout"
		}
		r.recordExecution(start, result)
		return nil, out.err
	}

	value := fromLuaValue(out.value, 0)
	serialized, err := SerializeWithLimit(value, defaultResultMaxChars)
	if err != nil {
		r.recordExecution(start, "error")
		return nil, fmt.Errorf("sandbox: serialize result: %w", err)
	}
	r.recordExecution(start, "ok")
	return &Result{Value: value, Serialized: serialized}, nil
}

// recordExecution records one Run outcome into the attached
// telemetry.Metrics, a no-op when metrics is unset.
func (r *Runtime) recordExecution(start time.Time, result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.SandboxExecutionDuration.Observe(time.Since(start).Seconds())
	r.metrics.SandboxExecutionsTotal.WithLabelValues(result).Inc()
	if result == "timeout" {
		r.metrics.SandboxTimeoutsTotal.Inc()
	}
}

// dispatch is the single goroutine per invocation that owns the registry
// and calls into real host functions, so within one invocation host calls
// run one at a time. Each Run starts its own dispatcher, so host functions
// shared by concurrent invocations are called from several goroutines.
func dispatch(ctx context.Context, registry map[string]HostFunc, calls <-chan hostCall, done <-chan struct{}) {
	for {
		select {
		case c := <-calls:
			fn, ok := registry[c.fnID]
			if !ok {
				c.reply <- hostCallReply{err: fmt.Errorf("sandbox: unknown host function %q", c.fnID)}
				continue
			}
			result, err := fn(ctx, c.args)
			select {
			case c.reply <- hostCallReply{result: result, err: err}:
			case <-done:
			case <-ctx.Done():
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

var safeLibs = []struct {
	name string
	fn   lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// maskedGlobals are base-library names that reach the filesystem or the
// loaded-code cache; masking them keeps sandboxed code from escaping
// through anything but the host-call bridge (spec.md §4.5 "a frozen
// context whose top-level names mask common host escape hatches").
var maskedGlobals = []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage"}

func openSafeLibs(L *lua.LState) {
	for _, lib := range safeLibs {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range maskedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
}
