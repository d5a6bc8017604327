// Package sqlitecatalog implements the catalog.Store port on top of an
// embedded SQLite database (modernc.org/sqlite, pure Go, CGO-free).
package sqlitecatalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, CGO-free

	"github.com/toolmesh/gateway/internal/domain/catalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	enabled        INTEGER NOT NULL,
	allow_list     TEXT NOT NULL,
	transport_kind TEXT NOT NULL,
	transport_json TEXT NOT NULL,
	last_synced_at DATETIME
);

CREATE TABLE IF NOT EXISTS tools (
	server_id       TEXT NOT NULL,
	name            TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL,
	input_schema    TEXT NOT NULL,
	output_schema   TEXT,
	annotations     TEXT,
	searchable_text TEXT NOT NULL,
	snapshot_hash   TEXT NOT NULL,
	PRIMARY KEY (server_id, name)
);
CREATE INDEX IF NOT EXISTS idx_tools_searchable ON tools(searchable_text);

CREATE TABLE IF NOT EXISTS snapshots (
	server_id     TEXT NOT NULL,
	snapshot_hash TEXT NOT NULL,
	snapshot_path TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	PRIMARY KEY (server_id, snapshot_hash)
);
`

// Store is the SQLite-backed catalog.Store implementation.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn, enables WAL
// mode, and applies the catalog schema. dsn is a modernc.org/sqlite data
// source name, typically a filesystem path.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertServers idempotently inserts or updates server configs by id. The
// existing last_synced_at is preserved on conflict; only ReplaceServerTools
// advances it.
func (s *Store) UpsertServers(ctx context.Context, configs []catalog.ServerConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO servers (id, name, enabled, allow_list, transport_kind, transport_json, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			allow_list = excluded.allow_list,
			transport_kind = excluded.transport_kind,
			transport_json = excluded.transport_json
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, cfg := range configs {
		allowListJSON, err := json.Marshal(cfg.AllowList)
		if err != nil {
			return fmt.Errorf("marshal allow_list for %s: %w", cfg.ID, err)
		}
		transportJSON, err := json.Marshal(cfg.Transport)
		if err != nil {
			return fmt.Errorf("marshal transport for %s: %w", cfg.ID, err)
		}

		var lastSynced any
		if !cfg.LastSyncedAt.IsZero() {
			lastSynced = cfg.LastSyncedAt
		}

		if _, err := stmt.ExecContext(ctx, cfg.ID, cfg.Name, boolToInt(cfg.Enabled),
			string(allowListJSON), string(cfg.Transport.Kind), string(transportJSON), lastSynced); err != nil {
			return fmt.Errorf("upsert server %s: %w", cfg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ReplaceServerTools atomically deletes all tool rows for serverID, inserts
// tools, registers a snapshot row (ignored on a duplicate snapshotHash), and
// stamps the server's last_synced_at, all within a single transaction
// (spec.md §3 invariant 2, §4.1).
func (s *Store) ReplaceServerTools(ctx context.Context, serverID, snapshotHash, snapshotPath string, tools []catalog.ToolRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("delete existing tools for %s: %w", serverID, err)
	}

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tools (server_id, name, title, description, input_schema, output_schema, annotations, searchable_text, snapshot_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare tool insert: %w", err)
	}
	defer insertStmt.Close()

	for _, t := range tools {
		inputSchemaJSON, err := json.Marshal(t.InputSchema)
		if err != nil {
			return fmt.Errorf("marshal input schema for %s/%s: %w", serverID, t.Name, err)
		}
		outputSchemaJSON, err := marshalOptional(t.OutputSchema)
		if err != nil {
			return fmt.Errorf("marshal output schema for %s/%s: %w", serverID, t.Name, err)
		}
		annotationsJSON, err := marshalOptional(t.Annotations)
		if err != nil {
			return fmt.Errorf("marshal annotations for %s/%s: %w", serverID, t.Name, err)
		}

		if _, err := insertStmt.ExecContext(ctx, serverID, t.Name, t.Title, t.Description,
			string(inputSchemaJSON), outputSchemaJSON, annotationsJSON, t.SearchableText, snapshotHash); err != nil {
			return fmt.Errorf("insert tool %s/%s: %w", serverID, t.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (server_id, snapshot_hash, snapshot_path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(server_id, snapshot_hash) DO NOTHING
	`, serverID, snapshotHash, snapshotPath, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert snapshot for %s: %w", serverID, err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE servers SET last_synced_at = ? WHERE id = ?`, time.Now().UTC(), serverID)
	if err != nil {
		return fmt.Errorf("stamp last_synced_at for %s: %w", serverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("replace tools for %s: %w", serverID, catalog.ErrServerNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) ListServers(ctx context.Context) ([]catalog.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, allow_list, transport_kind, transport_json, last_synced_at
		FROM servers ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var out []catalog.ServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func (s *Store) GetServer(ctx context.Context, id string) (*catalog.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, allow_list, transport_kind, transport_json, last_synced_at
		FROM servers WHERE id = ?
	`, id)
	cfg, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, catalog.ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", id, err)
	}
	return cfg, nil
}

// SearchTools returns tool rows whose searchable_text contains q.Query
// (case-insensitive substring match), optionally filtered to q.ServerID,
// ordered by server_id then name, limited per q.ClampLimit (spec.md §4.1).
func (s *Store) SearchTools(ctx context.Context, q catalog.SearchQuery) ([]catalog.ToolRecord, error) {
	var (
		conditions []string
		args       []any
	)
	if q.Query != "" {
		conditions = append(conditions, "LOWER(searchable_text) LIKE ?")
		args = append(args, "%"+strings.ToLower(q.Query)+"%")
	}
	if q.ServerID != "" {
		conditions = append(conditions, "server_id = ?")
		args = append(args, q.ServerID)
	}

	query := `SELECT server_id, name, title, description, input_schema, output_schema, annotations, searchable_text, snapshot_hash FROM tools`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY server_id, name LIMIT ?"
	args = append(args, q.ClampLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search tools: %w", err)
	}
	defer rows.Close()

	var out []catalog.ToolRecord
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) GetTool(ctx context.Context, serverID, toolName string) (*catalog.ToolRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT server_id, name, title, description, input_schema, output_schema, annotations, searchable_text, snapshot_hash
		FROM tools WHERE server_id = ? AND name = ?
	`, serverID, toolName)
	t, err := scanTool(row)
	if err == sql.ErrNoRows {
		return nil, catalog.ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool %s/%s: %w", serverID, toolName, err)
	}
	return t, nil
}

// scanner abstracts over *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (*catalog.ServerConfig, error) {
	var (
		id, name, allowListJSON, transportKind, transportJSON string
		enabled                                                int
		lastSyncedAt                                            sql.NullTime
	)
	if err := row.Scan(&id, &name, &enabled, &allowListJSON, &transportKind, &transportJSON, &lastSyncedAt); err != nil {
		return nil, err
	}

	var allowList []string
	if err := json.Unmarshal([]byte(allowListJSON), &allowList); err != nil {
		return nil, fmt.Errorf("unmarshal allow_list for %s: %w", id, err)
	}
	var transport catalog.Transport
	if err := json.Unmarshal([]byte(transportJSON), &transport); err != nil {
		return nil, fmt.Errorf("unmarshal transport for %s: %w", id, err)
	}

	cfg := &catalog.ServerConfig{
		ID:        id,
		Name:      name,
		Enabled:   enabled != 0,
		AllowList: allowList,
		Transport: transport,
	}
	if lastSyncedAt.Valid {
		cfg.LastSyncedAt = lastSyncedAt.Time
	}
	return cfg, nil
}

func scanTool(row scanner) (*catalog.ToolRecord, error) {
	var (
		serverID, name, title, description, inputSchemaJSON, searchableText, snapshotHash string
		outputSchemaJSON, annotationsJSON                                                  sql.NullString
	)
	if err := row.Scan(&serverID, &name, &title, &description, &inputSchemaJSON,
		&outputSchemaJSON, &annotationsJSON, &searchableText, &snapshotHash); err != nil {
		return nil, err
	}

	t := &catalog.ToolRecord{
		ServerID:       serverID,
		Name:           name,
		Title:          title,
		Description:    description,
		SearchableText: searchableText,
		SnapshotHash:   snapshotHash,
	}
	// Malformed JSON in any of these three columns falls back to the zero
	// value rather than failing the whole query (spec.md "catalog
	// corruption (per-row JSON parse): row-level fallback to {}/null" —
	// bounds corruption blast radius to the one row).
	if err := json.Unmarshal([]byte(inputSchemaJSON), &t.InputSchema); err != nil {
		slog.Warn("catalog: malformed input schema, falling back to {}",
			"server_id", serverID, "tool", name, "error", err)
		t.InputSchema = map[string]any{}
	}
	if outputSchemaJSON.Valid {
		if err := json.Unmarshal([]byte(outputSchemaJSON.String), &t.OutputSchema); err != nil {
			slog.Warn("catalog: malformed output schema, falling back to null",
				"server_id", serverID, "tool", name, "error", err)
			t.OutputSchema = nil
		}
	}
	if annotationsJSON.Valid {
		if err := json.Unmarshal([]byte(annotationsJSON.String), &t.Annotations); err != nil {
			slog.Warn("catalog: malformed annotations, falling back to null",
				"server_id", serverID, "tool", name, "error", err)
			t.Annotations = nil
		}
	}
	return t, nil
}

func marshalOptional(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
