package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wxpush_gateway/internal/shared/logger"
	"wxpush_gateway/proxypool/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS proxies (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ip         TEXT    NOT NULL,
	port       INTEGER NOT NULL,
	protocol   TEXT    NOT NULL DEFAULT 'http',
	"user"     TEXT    NOT NULL DEFAULT '',
	pw         TEXT    NOT NULL DEFAULT '',
	status     INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL DEFAULT 0
)`

const sqliteSelect = `SELECT id, ip, port, protocol, "user", pw, status, created_at FROM proxies`

// SQLite 是基于 modernc.org/sqlite 的单机 Storage 实现, created_at 以毫秒时间戳存储。
type SQLite struct {
	db *sql.DB
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, wrap("open", errors.New("sqlite path is required"))
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, wrap("open", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", err)
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Str("driver", "sqlite").Str("path", path).Msg("Proxy storage ready.")
	return &SQLite{db: db}, nil
}

func (s *SQLite) FetchAvailable(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, "fetch available", sqliteSelect+` WHERE status = ? ORDER BY id`, int(model.StatusAvailable))
}

func (s *SQLite) FetchAll(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, "fetch all", sqliteSelect+` ORDER BY id`)
}

func (s *SQLite) query(ctx context.Context, op, query string, args ...any) ([]*model.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		var (
			r         model.Record
			protocol  string
			status    int
			updatedMs int64
		)
		if err := rows.Scan(&r.ID, &r.Host, &r.Port, &protocol, &r.Username, &r.Password, &status, &updatedMs); err != nil {
			return nil, wrap(op, err)
		}
		r.Protocol = model.Protocol(protocol)
		r.Status = model.Status(status)
		if updatedMs > 0 {
			r.UpdatedAt = time.UnixMilli(updatedMs)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return records, nil
}

func (s *SQLite) BulkInsert(ctx context.Context, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return s.inTx(ctx, "bulk insert",
		`INSERT INTO proxies (ip, port, protocol, "user", pw, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		func(stmt *sql.Stmt) error {
			for _, r := range records {
				if _, err := stmt.ExecContext(ctx, r.Host, r.Port, string(r.Protocol), r.Username, r.Password, int(r.Status), now); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *SQLite) BulkUpdateStatus(ctx context.Context, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, "bulk update status",
		`UPDATE proxies SET status = ?, created_at = ? WHERE id = ?`,
		func(stmt *sql.Stmt) error {
			for _, r := range records {
				if _, err := stmt.ExecContext(ctx, int(r.Status), r.UpdatedAt.UnixMilli(), r.ID); err != nil {
					return err
				}
			}
			return nil
		})
}

// inTx prepares query once inside a transaction and commits only if fn succeeds.
func (s *SQLite) inTx(ctx context.Context, op, query string, fn func(*sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return wrap(op, err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		_ = tx.Rollback()
		return wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrap(op, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
