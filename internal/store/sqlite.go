package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/local/renewalcal/internal/contract"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contracts (
	id          TEXT PRIMARY KEY,
	file_name   TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contracts_created ON contracts(created_at, id);
`

// SQLite stores each record as a JSON document next to a few indexed columns.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests; it is pinned to one connection so every query sees the same database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Str("path", path).Msg("sqlite store ready")
	return &SQLite{db: db}, nil
}

func (s *SQLite) CreatePending(ctx context.Context, r *contract.Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contracts (id, file_name, status, created_at, updated_at, body) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.FileName, string(r.Status), stamp(r.CreatedAt), stamp(r.UpdatedAt), string(body))
	if err != nil {
		return fmt.Errorf("insert contract %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*contract.Record, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM contracts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select contract %s: %w", id, err)
	}
	return decodeRecord(body)
}

func (s *SQLite) List(ctx context.Context) ([]*contract.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM contracts ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var out []*contract.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Update(ctx context.Context, r *contract.Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contracts SET file_name = ?, status = ?, updated_at = ?, body = ? WHERE id = ?`,
		r.FileName, string(r.Status), stamp(r.UpdatedAt), string(body), r.ID)
	if err != nil {
		return fmt.Errorf("update contract %s: %w", r.ID, err)
	}
	return requireRow(res)
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contracts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete contract %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLite) DeleteAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contracts`)
	if err != nil {
		return 0, fmt.Errorf("delete contracts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// stamp is fixed width so created_at sorts correctly as text.
func stamp(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000000000Z") }

func decodeRecord(body string) (*contract.Record, error) {
	var r contract.Record
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}
