package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/tributary-ai/health-router/internal/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_history (
		query_id         TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		session_id       TEXT NOT NULL,
		query            TEXT NOT NULL,
		department       TEXT NOT NULL,
		response         TEXT NOT NULL,
		timestamp        INTEGER NOT NULL,
		success          INTEGER NOT NULL,
		response_time_ms INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_user ON chat_history(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_timestamp ON chat_history(timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_user_timestamp ON chat_history(user_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_department ON chat_history(department)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id)`,
}

// SQLiteStore keeps history in a sqlite database file
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLite opens or creates the database at dsn and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one writer keeps ":memory:" databases on a single connection and
	// avoids SQLITE_BUSY on files
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply history schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, e types.HistoryEntry) error {
	if s.closed.Load() {
		return ErrClosed
	}

	var rt sql.NullInt64
	if e.ResponseTimeMs != nil {
		rt = sql.NullInt64{Int64: *e.ResponseTimeMs, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_history
			(query_id, user_id, session_id, query, department, response, timestamp, success, response_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.RequesterID, e.SessionID, e.Text, string(e.Destination),
		e.ResponseText, e.Timestamp.UnixNano(), boolInt(e.Success), rt,
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.RequestID)
		}
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, f types.HistoryFilter) ([]types.HistoryEntry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	where := []string{"user_id = ?"}
	args := []any{f.RequesterID}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Destination != "" {
		where = append(where, "department = ?")
		args = append(args, string(f.Destination))
	}
	args = append(args, normalizeLimit(f.Limit))

	q := `SELECT query_id, user_id, session_id, query, department, response, timestamp, success, response_time_ms
		FROM chat_history WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]types.HistoryEntry, 0)
	for rows.Next() {
		var (
			e       types.HistoryEntry
			dest    string
			ts      int64
			success int
			rt      sql.NullInt64
		)
		if err := rows.Scan(&e.RequestID, &e.RequesterID, &e.SessionID, &e.Text,
			&dest, &e.ResponseText, &ts, &success, &rt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Destination = types.Destination(dest)
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Success = success != 0
		if rt.Valid {
			v := rt.Int64
			e.ResponseTimeMs = &v
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Analytics(ctx context.Context, f types.AnalyticsFilter) (types.AnalyticsSnapshot, error) {
	if s.closed.Load() {
		return types.AnalyticsSnapshot{}, ErrClosed
	}

	where, args := analyticsWhere(f)

	var (
		snap types.AnalyticsSnapshot
		avg  sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0), AVG(response_time_ms)
		 FROM chat_history`+where, args...,
	).Scan(&snap.TotalCount, &snap.SuccessCount, &avg)
	if err != nil {
		return types.AnalyticsSnapshot{}, fmt.Errorf("aggregate history: %w", err)
	}
	if avg.Valid {
		snap.AvgResponseTimeMs = avg.Float64
	}

	if f.RequesterID == "" {
		top, err := s.topOf(ctx, "user_id", where, args)
		if err != nil {
			return types.AnalyticsSnapshot{}, err
		}
		snap.TopRequester = &top
	}

	snap.TopDestination, err = s.topOf(ctx, "department", where, args)
	if err != nil {
		return types.AnalyticsSnapshot{}, err
	}
	snap.Success = true
	return snap, nil
}

func (s *SQLiteStore) topOf(ctx context.Context, column, where string, args []any) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM chat_history`+where+
			` GROUP BY `+column+` ORDER BY COUNT(*) DESC, `+column+` ASC LIMIT 1`, args...,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NoneLabel, nil
	}
	if err != nil {
		return "", fmt.Errorf("top %s: %w", column, err)
	}
	return key, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func analyticsWhere(f types.AnalyticsFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.RequesterID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.RequesterID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, f.To.UnixNano())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
