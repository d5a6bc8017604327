package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/toolmesh/gateway/internal/domain/catalog"
)

// scannerMaxBufSize bounds a single newline-delimited JSON-RPC message read
// from a stdio upstream's stdout.
const scannerMaxBufSize = 1024 * 1024 // 1MB

// StdioTransport speaks newline-delimited JSON-RPC over a subprocess's
// stdin/stdout. One StdioTransport owns one live subprocess; requests are
// serialized by callMu since the underlying pipe is a single byte stream.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Scanner

	callMu sync.Mutex
	nextID atomic.Int64
}

// DialStdio launches cfg's command as a subprocess and wires its stdio as a
// newline-delimited JSON-RPC channel.
func DialStdio(ctx context.Context, cfg catalog.ServerConfig) (*StdioTransport, error) {
	if cfg.Transport.Kind != catalog.TransportStdio || cfg.Transport.Stdio == nil {
		return nil, fmt.Errorf("server %s: not a stdio transport", cfg.ID)
	}
	st := cfg.Transport.Stdio

	cmd := exec.CommandContext(ctx, st.Command, st.Args...)
	if st.Dir != "" {
		cmd.Dir = st.Dir
	}
	if len(st.Env) > 0 {
		env := os.Environ()
		for k, v := range st.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	switch st.StderrMode {
	case "inherit":
		cmd.Stderr = os.Stderr
	case "capture":
		cmd.Stderr = os.Stderr // captured stderr is out of scope; forwarded for operator visibility
	default:
		// "ignore" (and unset): leave cmd.Stderr nil, discarding output.
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", st.Command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerMaxBufSize)

	return &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		reader: scanner,
	}, nil
}

func (t *StdioTransport) ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error) {
	var result listToolsResult
	if err := t.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	descriptors := make([]catalog.ToolDescriptor, 0, len(result.Tools))
	for _, w := range result.Tools {
		descriptors = append(descriptors, catalog.ToolDescriptor{
			Name:         w.Name,
			Title:        w.Title,
			Description:  w.Description,
			InputSchema:  w.InputSchema,
			OutputSchema: w.OutputSchema,
			Annotations:  w.Annotations,
		})
	}
	return descriptors, nil
}

func (t *StdioTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	var result any
	params := callToolParams{Name: name, Arguments: arguments}
	if err := t.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return result, nil
}

// call writes one JSON-RPC request and blocks for its matching response.
// Concurrent calls are serialized by callMu: a single subprocess's stdio
// pipe has no framing beyond newlines, so interleaved writers would corrupt
// the stream.
func (t *StdioTransport) call(ctx context.Context, method string, params, out any) error {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	id := t.nextID.Add(1)
	reqBody, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	reqBody = append(reqBody, '\n')

	type result struct {
		envelope jsonrpcResponse
		err      error
	}
	done := make(chan result, 1)

	go func() {
		if _, err := t.stdin.Write(reqBody); err != nil {
			done <- result{err: fmt.Errorf("write request: %w", err)}
			return
		}
		if !t.reader.Scan() {
			if err := t.reader.Err(); err != nil {
				done <- result{err: fmt.Errorf("read response: %w", err)}
				return
			}
			done <- result{err: fmt.Errorf("read response: upstream closed stdout")}
			return
		}

		var envelope jsonrpcResponse
		if err := json.Unmarshal(t.reader.Bytes(), &envelope); err != nil {
			done <- result{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		done <- result{envelope: envelope}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if r.envelope.Error != nil {
			return r.envelope.Error
		}
		if out != nil && r.envelope.Result != nil {
			if err := json.Unmarshal(r.envelope.Result, out); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
		}
		return nil
	}
}

// Close terminates the subprocess and releases its pipes. Safe to call more
// than once.
func (t *StdioTransport) Close() error {
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return nil
}
