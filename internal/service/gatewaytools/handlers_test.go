package gatewaytools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/toolmesh/gateway/internal/domain/catalog"
	"github.com/toolmesh/gateway/internal/sandbox"
	"github.com/toolmesh/gateway/internal/service/toolproxy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCatalog struct {
	servers []catalog.ServerConfig
	tools   []catalog.ToolRecord
	getErr  error
}

func (f *fakeCatalog) ListServers(ctx context.Context) ([]catalog.ServerConfig, error) {
	return f.servers, nil
}

func (f *fakeCatalog) SearchTools(ctx context.Context, q catalog.SearchQuery) ([]catalog.ToolRecord, error) {
	return f.tools, nil
}

func (f *fakeCatalog) GetTool(ctx context.Context, serverID, toolName string) (*catalog.ToolRecord, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, t := range f.tools {
		if t.ServerID == serverID && t.Name == toolName {
			return &t, nil
		}
	}
	return nil, catalog.ErrToolNotFound
}

type fakeToolCaller struct {
	result any
	err    error
	gotReq toolproxy.CallRequest
}

func (f *fakeToolCaller) Call(ctx context.Context, req toolproxy.CallRequest) (any, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newHandlers(cat Catalog, caller ToolCaller) *Handlers {
	return New(sandbox.New(testLogger()), cat, caller, testLogger(), Options{})
}

func TestSearch_ListsServersViaSandbox(t *testing.T) {
	cat := &fakeCatalog{servers: []catalog.ServerConfig{
		{ID: "weather", Name: "Weather", Enabled: true},
	}}
	h := newHandlers(cat, &fakeToolCaller{})

	result, err := h.Search(context.Background(), `function() local s = catalog.listServers() return { count = #s, firstId = s[1].id } end`)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.IsError {
		t.Fatalf("Search returned isError, content=%v", result.Content)
	}
	structured := result.StructuredContent["result"].(map[string]any)
	if structured["count"] != float64(1) {
		t.Errorf("count = %v, want 1", structured["count"])
	}
	if structured["firstId"] != "weather" {
		t.Errorf("firstId = %v, want weather", structured["firstId"])
	}
}

func TestSearch_FindToolsAndGetTool(t *testing.T) {
	cat := &fakeCatalog{
		tools: []catalog.ToolRecord{
			{ServerID: "weather", Name: "get_forecast", Title: "Get Forecast"},
		},
	}
	h := newHandlers(cat, &fakeToolCaller{})

	result, err := h.Search(context.Background(), `
		function()
			local found = catalog.findTools({ query = "forecast" })
			local detail = catalog.getTool("weather", "get_forecast")
			return { foundCount = #found, detailTitle = detail.title }
		end
	`)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	structured := result.StructuredContent["result"].(map[string]any)
	if structured["foundCount"] != float64(1) {
		t.Errorf("foundCount = %v, want 1", structured["foundCount"])
	}
	if structured["detailTitle"] != "Get Forecast" {
		t.Errorf("detailTitle = %v, want %q", structured["detailTitle"], "Get Forecast")
	}
}

func TestSearch_SandboxErrorReturnsIsError(t *testing.T) {
	h := newHandlers(&fakeCatalog{}, &fakeToolCaller{})

	result, err := h.Search(context.Background(), "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !result.IsError {
		t.Fatal("Search with empty code: expected isError=true")
	}
	text := result.Content[0].(map[string]any)["text"].(string)
	if !strings.HasPrefix(text, "search() failed:") {
		t.Errorf("error text = %q, want prefix %q", text, "search() failed:")
	}
}

func TestExecute_ForwardsCallAndTruncatesLargeText(t *testing.T) {
	caller := &fakeToolCaller{
		result: map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": strings.Repeat("x", 10000)},
			},
		},
	}
	h := newHandlers(&fakeCatalog{}, caller)

	result, err := h.Execute(context.Background(), `
		function()
			return tool.call({ serverId = "weather", name = "get_forecast", arguments = { city = "nyc" } })
		end
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("Execute returned isError, content=%v", result.Content)
	}
	if caller.gotReq.ServerID != "weather" || caller.gotReq.Name != "get_forecast" {
		t.Fatalf("forwarded request = %+v, want serverId=weather name=get_forecast", caller.gotReq)
	}
	if caller.gotReq.Arguments["city"] != "nyc" {
		t.Errorf("forwarded arguments = %v, want city=nyc", caller.gotReq.Arguments)
	}

	structured := result.StructuredContent["result"].(map[string]any)
	content := structured["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	if len(text) >= 10000 {
		t.Errorf("text length = %d, want < 10000", len(text))
	}
	if !strings.Contains(text, "truncated") {
		t.Errorf("text = %q, want it to contain 'truncated'", text)
	}
}

func TestExecute_ToolCallErrorReturnsIsError(t *testing.T) {
	caller := &fakeToolCaller{err: fmt.Errorf("server disabled")}
	h := newHandlers(&fakeCatalog{}, caller)

	result, err := h.Execute(context.Background(), `function() return tool.call({ serverId = "weather", name = "x" }) end`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("Execute with failing call: expected isError=true")
	}
	text := result.Content[0].(map[string]any)["text"].(string)
	if !strings.HasPrefix(text, "execute() failed:") {
		t.Errorf("error text = %q, want prefix %q", text, "execute() failed:")
	}
}

func TestNormalizeExecuteResult_CapsContentItemsAtForty(t *testing.T) {
	content := make([]any, 50)
	for i := range content {
		content[i] = map[string]any{"type": "text", "text": "x"}
	}
	v := normalizeExecuteResult(map[string]any{"content": content})

	m := v.(map[string]any)
	items := m["content"].([]any)
	if len(items) != 40 {
		t.Fatalf("content length = %d, want 40", len(items))
	}
	if m["contentTruncated"] != true {
		t.Error("contentTruncated = false, want true")
	}
	if m["contentOriginalLength"] != 50 {
		t.Errorf("contentOriginalLength = %v, want 50", m["contentOriginalLength"])
	}
}

func TestNormalizeExecuteResult_ImageItem(t *testing.T) {
	data := "QUJD" // "ABC" base64, no padding
	v := normalizeExecuteResult(map[string]any{
		"content": []any{
			map[string]any{"type": "image", "mimeType": "image/png", "data": data},
		},
	})
	m := v.(map[string]any)
	item := m["content"].([]any)[0].(map[string]any)
	if item["mimeType"] != "image/png" {
		t.Errorf("mimeType = %v, want image/png", item["mimeType"])
	}
	if item["dataTruncated"] != false {
		t.Errorf("dataTruncated = %v, want false", item["dataTruncated"])
	}
	if item["estimatedBytes"] != base64Size(data) {
		t.Errorf("estimatedBytes = %v, want %d", item["estimatedBytes"], base64Size(data))
	}
}

func TestBase64Size(t *testing.T) {
	cases := []struct {
		data string
		want int
	}{
		{"", 0},
		{"QUJD", 3},    // "ABC", no padding
		{"QQ==", 1},    // "A", two padding chars
		{"QUI=", 2},    // "AB", one padding char
	}
	for _, c := range cases {
		if got := base64Size(c.data); got != c.want {
			t.Errorf("base64Size(%q) = %d, want %d", c.data, got, c.want)
		}
	}
}

func TestTruncateString_LeavesShortStringsUntouched(t *testing.T) {
	if got := truncateString("short", maxTextLen); got != "short" {
		t.Errorf("truncateString = %q, want unchanged", got)
	}
}

func TestNormalizeGeneric_ArrayAndObjectCaps(t *testing.T) {
	arr := make([]any, 50)
	for i := range arr {
		arr[i] = i
	}
	out := normalizeGeneric(arr, 0).([]any)
	if len(out) != maxArrayItems+1 {
		t.Fatalf("array length = %d, want %d", len(out), maxArrayItems+1)
	}
	last, ok := out[len(out)-1].(string)
	if !ok || !strings.Contains(last, "items truncated") {
		t.Errorf("last element = %v, want a truncation sentinel", out[len(out)-1])
	}

	obj := make(map[string]any, 70)
	for i := 0; i < 70; i++ {
		obj[fmt.Sprintf("k%02d", i)] = i
	}
	outObj := normalizeGeneric(obj, 0).(map[string]any)
	if outObj["__truncatedKeys"] != 10 {
		t.Errorf("__truncatedKeys = %v, want 10", outObj["__truncatedKeys"])
	}
}
