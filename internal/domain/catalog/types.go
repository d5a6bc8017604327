// Package catalog contains domain types for the gateway's tool catalog:
// upstream server configuration, discovered tool records, and the
// immutable snapshots that produced them.
package catalog

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// namePattern allows alphanumeric, spaces, hyphens, and underscores.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// nameMaxLength is the maximum allowed length for a server display name.
const nameMaxLength = 100

// TransportKind discriminates the tagged union of transport descriptors.
type TransportKind string

const (
	// TransportStreamHTTP is a stream-over-HTTP upstream (absolute URL, optional bearer).
	TransportStreamHTTP TransportKind = "stream-http"
	// TransportStdio is a subprocess upstream speaking newline-delimited JSON-RPC over stdio.
	TransportStdio TransportKind = "stdio"
)

// Transport is a tagged-union descriptor for how the gateway reaches an
// upstream. Exactly one of HTTP or Stdio is populated, selected by Kind.
// This generalizes the flat Command/URL pair of earlier, single-variant
// designs into per-kind structs so each variant only exposes fields that
// apply to it (see SPEC_FULL.md §3).
type Transport struct {
	Kind  TransportKind
	HTTP  *StreamHTTPTransport
	Stdio *StdioTransport
}

// StreamHTTPTransport describes a stream-over-HTTP upstream.
type StreamHTTPTransport struct {
	// URL is the absolute endpoint of the remote MCP server.
	URL string
	// BearerEnvVar names an environment variable holding a bearer credential.
	// Resolved at connection time; never persisted or logged.
	BearerEnvVar string
}

// StdioTransport describes a subprocess upstream.
type StdioTransport struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// StderrMode is "ignore", "inherit", or "capture".
	StderrMode string
}

// ServerConfig is the identity and transport configuration for one upstream,
// immutable for the process lifetime once loaded at bootstrap.
type ServerConfig struct {
	ID          string
	Name        string
	Enabled     bool
	AllowList   []string
	Transport   Transport
	LastSyncedAt time.Time
}

// Validate checks structural validity of a ServerConfig.
func (s *ServerConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, spaces, hyphens, underscores)")
	}

	switch s.Transport.Kind {
	case TransportStdio:
		if s.Transport.Stdio == nil || s.Transport.Stdio.Command == "" {
			return fmt.Errorf("command is required for stdio upstream")
		}
	case TransportStreamHTTP:
		if s.Transport.HTTP == nil || s.Transport.HTTP.URL == "" {
			return fmt.Errorf("url is required for stream-http upstream")
		}
		parsed, err := url.Parse(s.Transport.HTTP.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
	default:
		return fmt.Errorf("transport kind must be %q or %q", TransportStdio, TransportStreamHTTP)
	}

	return nil
}

// MatchesAllowList reports whether toolName is permitted by the server's
// AllowList, per the rule in SPEC_FULL.md §4.4 / spec.md §4.4 step 2:
// the list contains "*", or any pattern equals toolName, or any pattern
// ending in "*" is a prefix of toolName once its trailing "*" is stripped.
func (s *ServerConfig) MatchesAllowList(toolName string) bool {
	for _, pattern := range s.AllowList {
		if pattern == "*" {
			return true
		}
		if pattern == toolName {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// ToolRecord is a single catalog row: (ServerID, Name) is unique per catalog.
type ToolRecord struct {
	ServerID       string
	Name           string
	Title          string
	Description    string
	InputSchema    map[string]any
	OutputSchema   map[string]any // nil when the tool has none
	Annotations    map[string]any // nil when the tool has none
	SearchableText string
	SnapshotHash   string
}

// Snapshot is an immutable record tying a server's tool set at one moment
// to the file that persisted it.
type Snapshot struct {
	ServerID     string
	SnapshotHash string
	SnapshotPath string
	CreatedAt    time.Time
}

// SearchQuery parameterizes SearchTools. Limit is clamped to [1,100],
// defaulting to 30, by the store implementation.
type SearchQuery struct {
	Query    string
	ServerID string
	Limit    int
}

// ClampLimit returns q.Limit clamped to [1,100], defaulting to 30 when unset.
func (q SearchQuery) ClampLimit() int {
	switch {
	case q.Limit <= 0:
		return 30
	case q.Limit > 100:
		return 100
	default:
		return q.Limit
	}
}
