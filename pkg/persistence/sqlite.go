package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLiteService 基于 SQLite 的 KV 存储（单表 kv）
type SQLiteService struct {
	db *sql.DB
}

// OpenSQLite 打开 SQLite 文件（或 ":memory:"）并建表
func OpenSQLite(path string) (*SQLiteService, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("persistence: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接，事务天然串行

	s := &SQLiteService{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteService) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS kv (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate: %s", strings.TrimSpace(stmt))
		}
	}
	return nil
}

func (s *SQLiteService) View(ctx context.Context, fn func(Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin sqlite tx")
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&sqliteTxn{ctx: ctx, tx: tx, readOnly: true})
}

func (s *SQLiteService) Update(ctx context.Context, fn func(Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin sqlite tx")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTxn{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit sqlite tx")
	}
	return nil
}

func (s *SQLiteService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTxn struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func (t *sqliteTxn) Get(key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotExists
		}
		return nil, errors.Wrapf(err, "sqlite get %s", key)
	}
	return value, nil
}

func (t *sqliteTxn) Set(key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return errors.Wrapf(err, "sqlite set %s", key)
}

func (t *sqliteTxn) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrapf(err, "sqlite delete %s", key)
}

func (t *sqliteTxn) Keys(prefix string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite keys")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
