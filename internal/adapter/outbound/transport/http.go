// Package transport implements the outbound.Transport port for each
// upstream kind the catalog's Transport tagged union describes.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/toolmesh/gateway/internal/domain/catalog"
)

// maxResponseBodySize bounds how much of an upstream's HTTP response body
// is read, guarding against an unbounded or malicious response.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// HTTPTransport speaks JSON-RPC over a single stream-HTTP endpoint. Every
// call is a standalone POST; the upstream is treated as stateless per
// request (spec.md §4.2: HTTP transports get maxAttempts = 1).
type HTTPTransport struct {
	endpoint string
	bearer   string
	client   *http.Client
	nextID   atomic.Int64
}

// NewHTTPTransport builds an HTTPTransport for cfg. cfg.Transport.Kind must
// be catalog.TransportStreamHTTP. If BearerEnvVar is set, the credential is
// resolved from the process environment now and held only in memory.
func NewHTTPTransport(cfg catalog.ServerConfig) (*HTTPTransport, error) {
	if cfg.Transport.Kind != catalog.TransportStreamHTTP || cfg.Transport.HTTP == nil {
		return nil, fmt.Errorf("server %s: not a stream-http transport", cfg.ID)
	}

	var bearer string
	if env := cfg.Transport.HTTP.BearerEnvVar; env != "" {
		bearer = os.Getenv(env)
	}

	return &HTTPTransport{
		endpoint: cfg.Transport.HTTP.URL,
		bearer:   bearer,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (t *HTTPTransport) ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error) {
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

func (t *HTTPTransport) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	var result any
	params := callToolParams{Name: name, Arguments: arguments}
	if err := t.call(ctx, "tools/call", params, &result); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return result, nil
}

// Close is a no-op: each call is a standalone request and the underlying
// http.Client's idle connections are reclaimed by its own timeout.
func (t *HTTPTransport) Close() error {
	return nil
}

func (t *HTTPTransport) call(ctx context.Context, method string, params, out any) error {
	reqBody, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	var envelope jsonrpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out != nil && envelope.Result != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}
