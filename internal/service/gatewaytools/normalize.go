package gatewaytools

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxContentItems   = 40
	maxTextLen        = 4000
	maxArrayItems     = 40
	maxObjectKeys     = 60
	maxDepth          = 7
	maxDataPreviewLen = 96
)

// normalizeExecuteResult applies spec.md §6's execute output normalization:
// an upstream-envelope-shaped value (a "content" array) is rewritten
// item-by-item by content type; anything else falls through to the generic
// string/array/object/depth caps.
func normalizeExecuteResult(v any) any {
	if m, ok := v.(map[string]any); ok {
		if content, ok := m["content"].([]any); ok {
			return normalizeEnvelope(m, content)
		}
	}
	return normalizeGeneric(v, 0)
}

func normalizeEnvelope(m map[string]any, content []any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, val := range m {
		if k == "content" {
			continue
		}
		out[k] = normalizeGeneric(val, 0)
	}

	original := len(content)
	truncated := original > maxContentItems
	if truncated {
		content = content[:maxContentItems]
	}
	items := make([]any, 0, len(content))
	for _, item := range content {
		items = append(items, normalizeContentItem(item))
	}
	out["content"] = items
	if truncated {
		out["contentTruncated"] = true
		out["contentOriginalLength"] = original
	}
	return out
}

func normalizeContentItem(item any) any {
	m, ok := item.(map[string]any)
	if !ok {
		return normalizeGeneric(item, 0)
	}
	switch typ, _ := m["type"].(string); typ {
	case "text":
		text, _ := m["text"].(string)
		return map[string]any{"type": "text", "text": truncateString(text, maxTextLen)}

	case "image", "audio":
		data, _ := m["data"].(string)
		mimeType, _ := m["mimeType"].(string)
		preview, truncated := truncateStringFlag(data, maxDataPreviewLen)
		return map[string]any{
			"type":           typ,
			"mimeType":       mimeType,
			"dataPreview":    preview,
			"estimatedBytes": base64Size(data),
			"dataTruncated":  truncated,
		}

	case "resource":
		resource, _ := m["resource"].(map[string]any)
		out := map[string]any{"uri": resource["uri"]}
		if mt, ok := resource["mimeType"]; ok {
			out["mimeType"] = mt
		}
		if text, ok := resource["text"].(string); ok {
			preview, truncated := truncateStringFlag(text, maxTextLen)
			out["textPreview"] = preview
			out["textLength"] = len(text)
			out["textTruncated"] = truncated
		}
		if blob, ok := resource["blob"].(string); ok {
			preview, truncated := truncateStringFlag(blob, maxDataPreviewLen)
			out["blobPreview"] = preview
			out["estimatedBytes"] = base64Size(blob)
			out["blobTruncated"] = truncated
		}
		return map[string]any{"type": "resource", "resource": out}

	case "resource_link":
		return map[string]any{
			"type":        "resource_link",
			"uri":         m["uri"],
			"name":        m["name"],
			"mimeType":    m["mimeType"],
			"description": truncateString(stringField(m, "description"), maxTextLen),
		}

	default:
		return normalizeGeneric(item, 0)
	}
}

func normalizeGeneric(v any, depth int) any {
	if depth > maxDepth {
		return "[max_depth_reached]"
	}
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return truncateString(val, maxTextLen)
	case bool, float64, int:
		return val
	case []any:
		return normalizeArray(val, depth)
	case map[string]any:
		return normalizeObject(val, depth)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func normalizeArray(arr []any, depth int) any {
	n := len(arr)
	limit := n
	truncatedCount := 0
	if n > maxArrayItems {
		limit = maxArrayItems
		truncatedCount = n - maxArrayItems
	}

	out := make([]any, 0, limit+1)
	for i := 0; i < limit; i++ {
		out = append(out, normalizeGeneric(arr[i], depth+1))
	}
	if truncatedCount > 0 {
		out = append(out, fmt.Sprintf("[%d items truncated]", truncatedCount))
	}
	return out
}

func normalizeObject(obj map[string]any, depth int) any {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	limit := len(keys)
	truncatedCount := 0
	if limit > maxObjectKeys {
		truncatedCount = limit - maxObjectKeys
		limit = maxObjectKeys
	}

	out := make(map[string]any, limit+1)
	for i := 0; i < limit; i++ {
		k := keys[i]
		out[k] = normalizeGeneric(obj[k], depth+1)
	}
	if truncatedCount > 0 {
		out["__truncatedKeys"] = truncatedCount
	}
	return out
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	suffix := fmt.Sprintf("[truncated:%d]", len(s))
	cut := max - len(suffix)
	if cut < 0 {
		cut = 0
	}
	if cut > len(s) {
		cut = len(s)
	}
	return s[:cut] + suffix
}

func truncateStringFlag(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return truncateString(s, max), true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// base64Size estimates the decoded byte length of a base64 string:
// floor(len*3/4) - padding, where padding is 2/1/0 for trailing "=="/"="/none
// (spec.md §6).
func base64Size(data string) int {
	if data == "" {
		return 0
	}
	padding := 0
	switch {
	case strings.HasSuffix(data, "=="):
		padding = 2
	case strings.HasSuffix(data, "="):
		padding = 1
	}
	return len(data)*3/4 - padding
}
