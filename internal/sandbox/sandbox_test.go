package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRun_EmptyCodeRejected(t *testing.T) {
	r := New(testLogger())
	_, err := r.Run(context.Background(), Request{Code: "   ", TimeoutMs: 100})
	if !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("Run error = %v, want ErrEmptyCode", err)
	}
}

func TestRun_CodeTooLongRejected(t *testing.T) {
	r := New(testLogger())
	_, err := r.Run(context.Background(), Request{
		Code:          "function() return 1 end",
		TimeoutMs:     100,
		MaxCodeLength: 5,
	})
	if !errors.Is(err, ErrCodeTooLong) {
		t.Fatalf("Run error = %v, want ErrCodeTooLong", err)
	}
}

func TestRun_EvaluatesFunctionLiteralAndReturnsValue(t *testing.T) {
	r := New(testLogger())
	result, err := r.Run(context.Background(), Request{
		Code:      `function() return { count = 2 } end`,
		TimeoutMs: 1000,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m, ok := result.Value.(map[string]any)
	if !ok {
		t.Fatalf("result.Value = %T, want map[string]any", result.Value)
	}
	if m["count"] != float64(2) {
		t.Errorf("count = %v, want 2", m["count"])
	}
}

func TestRun_HostCallBridge(t *testing.T) {
	listServers := HostFunc(func(ctx context.Context, args []any) (any, error) {
		return []any{
			map[string]any{"id": "a"},
			map[string]any{"id": "b"},
		}, nil
	})

	r := New(testLogger())
	result, err := r.Run(context.Background(), Request{
		Code:      `function() local s = catalog.listServers() return { count = #s } end`,
		TimeoutMs: 1000,
		Globals: map[string]any{
			"catalog": map[string]any{
				"listServers": listServers,
			},
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m, ok := result.Value.(map[string]any)
	if !ok {
		t.Fatalf("result.Value = %T, want map[string]any", result.Value)
	}
	if m["count"] != float64(2) {
		t.Errorf("count = %v, want 2", m["count"])
	}
}

func TestRun_HostCallPropagatesError(t *testing.T) {
	failing := HostFunc(func(ctx context.Context, args []any) (any, error) {
		return nil, errors.New("upstream unreachable")
	})

	r := New(testLogger())
	_, err := r.Run(context.Background(), Request{
		Code:      `function() return tools.call() end`,
		TimeoutMs: 1000,
		Globals: map[string]any{
			"tools": map[string]any{"call": failing},
		},
	})
	if err == nil {
		t.Fatal("Run with failing host call: expected error, got nil")
	}
	if !strings.Contains(err.Error(), "upstream unreachable") {
		t.Errorf("error = %v, want it to mention the host error", err)
	}
}

func TestRun_TimeoutProducesUserVisibleMessage(t *testing.T) {
	r := New(testLogger())
	_, err := r.Run(context.Background(), Request{
		Code:      `function() while true do end end`,
		TimeoutMs: 50,
	})
	if err == nil {
		t.Fatal("Run with infinite loop: expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out after 50ms") {
		t.Errorf("error = %q, want it to match /timed out after 50ms/", err.Error())
	}
}

func TestRun_NonCallableCodeErrors(t *testing.T) {
	r := New(testLogger())
	_, err := r.Run(context.Background(), Request{
		Code:      `42`,
		TimeoutMs: 1000,
	})
	if err == nil {
		t.Fatal("Run with a non-callable expression: expected error, got nil")
	}
}

func TestSerializeWithLimit_PassesThroughSmallPayload(t *testing.T) {
	out, err := SerializeWithLimit(map[string]any{"a": 1}, 1000)
	if err != nil {
		t.Fatalf("SerializeWithLimit: %v", err)
	}
	if !strings.Contains(out, `"a"`) {
		t.Errorf("output = %q, missing expected field", out)
	}
}

func TestSerializeWithLimit_TruncatesOversizedPayload(t *testing.T) {
	out, err := SerializeWithLimit(strings.Repeat("x", 10000), 100)
	if err != nil {
		t.Fatalf("SerializeWithLimit: %v", err)
	}
	if len(out) > 100 {
		t.Errorf("output length = %d, want <= 100", len(out))
	}
	if !strings.Contains(out, "truncated to 100 chars") {
		t.Errorf("output = %q, missing truncation marker", out)
	}
}

func TestFromLuaValue_StringifiesBeyondDepthCap(t *testing.T) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	// Build a table nested past maxConvertDepth; the innermost values must
	// be stringified rather than recursed into further.
	innermost := L.NewTable()
	innermost.RawSetString("leaf", lua.LString("deep"))
	current := innermost
	for i := 0; i < maxConvertDepth+2; i++ {
		next := L.NewTable()
		next.RawSetString("child", current)
		current = next
	}

	v := fromLuaValue(current, 0)
	// At some level the conversion should have given up and produced a
	// string rather than continuing to recurse.
	found := false
	var walk func(any, int)
	walk = func(val any, depth int) {
		if depth > maxConvertDepth+5 {
			return
		}
		switch x := val.(type) {
		case string:
			found = true
		case map[string]any:
			for _, child := range x {
				walk(child, depth+1)
			}
		}
	}
	walk(v, 0)
	if !found {
		t.Error("expected a stringified value somewhere beyond the depth cap")
	}
}
