package capture

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	// DriverCGO is github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPure is modernc.org/sqlite, for builds without cgo.
	DriverPure = "sqlite"
)

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore is an append-only interaction store. All public methods
// are safe for concurrent use (SQLite serializes writes).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the database at path using the
// named driver. The schema is created automatically.
func NewSQLiteStore(driver, path string) (*SQLiteStore, error) {
	var dsn string
	switch driver {
	case DriverCGO, "":
		driver = DriverCGO
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPure:
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open capture database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate capture schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		listener      TEXT NOT NULL,
		protocol      TEXT NOT NULL,
		remote_addr   TEXT NOT NULL,
		remote_host   TEXT NOT NULL,
		conn_id       TEXT NOT NULL,
		session_id    TEXT,
		turn          INTEGER NOT NULL,
		message       TEXT NOT NULL,
		raw_hex       TEXT,
		response      TEXT NOT NULL,
		provider      TEXT,
		model         TEXT,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		stub          INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_interactions_listener ON interactions(listener);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Capture persists an interaction. If i.ID is empty, a UUIDv7 is
// generated.
func (s *SQLiteStore) Capture(ctx context.Context, i Interaction) (string, error) {
	if i.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate interaction ID: %w", err)
		}
		i.ID = id.String()
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions
			(id, timestamp, listener, protocol, remote_addr, remote_host, conn_id, session_id,
			 turn, message, raw_hex, response, provider, model, input_tokens, output_tokens, stub)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID,
		i.Timestamp.UTC().Format(tsLayout),
		i.Listener,
		i.Protocol,
		i.RemoteAddr,
		remoteHost(i.RemoteAddr),
		i.ConnID,
		i.SessionID,
		i.Turn,
		i.Message,
		i.RawHex,
		i.Response,
		i.Provider,
		i.Model,
		i.InputTokens,
		i.OutputTokens,
		i.Stub,
	)
	if err != nil {
		return "", fmt.Errorf("insert interaction: %w", err)
	}
	return i.ID, nil
}

const selectColumns = `id, timestamp, listener, protocol, remote_addr, conn_id, COALESCE(session_id, ''),
	turn, message, COALESCE(raw_hex, ''), response, COALESCE(provider, ''), COALESCE(model, ''),
	input_tokens, output_tokens, stub`

// Recent returns up to limit interactions, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM interactions ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent interactions: %w", err)
	}
	return scanInteractions(rows)
}

// Session returns every interaction of one session in turn order.
func (s *SQLiteStore) Session(ctx context.Context, sessionID string) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM interactions WHERE session_id = ? ORDER BY turn, timestamp`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session interactions: %w", err)
	}
	return scanInteractions(rows)
}

func scanInteractions(rows *sql.Rows) ([]Interaction, error) {
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var i Interaction
		var ts string
		if err := rows.Scan(&i.ID, &ts, &i.Listener, &i.Protocol, &i.RemoteAddr, &i.ConnID, &i.SessionID,
			&i.Turn, &i.Message, &i.RawHex, &i.Response, &i.Provider, &i.Model,
			&i.InputTokens, &i.OutputTokens, &i.Stub); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		i.Timestamp, _ = time.Parse(tsLayout, ts)
		out = append(out, i)
	}
	return out, rows.Err()
}

const summaryColumns = `COUNT(*), COALESCE(SUM(stub), 0), COUNT(DISTINCT conn_id), COUNT(DISTINCT remote_host),
	COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)`

// Summary returns aggregated totals for interactions within [start, end).
func (s *SQLiteStore) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM interactions WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.Interactions, &sum.Stubs, &sum.Connections, &sum.UniqueRemotes,
		&sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query interaction summary: %w", err)
	}
	return &sum, nil
}

// SummaryByListener returns per-listener totals for interactions
// within [start, end).
func (s *SQLiteStore) SummaryByListener(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT listener, `+summaryColumns+`
		 FROM interactions
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY listener`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query summary by listener: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Interactions, &sum.Stubs, &sum.Connections, &sum.UniqueRemotes,
			&sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan summary by listener: %w", err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// remoteHost strips the port so summaries count attackers, not
// source ports.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
