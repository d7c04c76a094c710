package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// documentRow is one stored document in the sqlite backend
type documentRow struct {
	Path      string `db:"path"`
	Body      string `db:"body"`
	UpdatedAt int64  `db:"updated_at"`
}

// sqliteStore keeps documents in a single sqlite table
type sqliteStore struct {
	notifier
	db *sqlx.DB
}

// openSQLiteStore connects to dsn and creates the schema if needed.
// _txlock=immediate makes Transact take the write lock up front so concurrent
// read-modify-write cycles serialize instead of failing on upgrade.
func openSQLiteStore(dsn string) (*sqliteStore, error) {
	db, err := sqlx.Connect("sqlite3", withSQLiteParams(dsn))
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	s := &sqliteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// withSQLiteParams adds the transaction lock mode and a busy timeout unless
// the connection string already sets them
func withSQLiteParams(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_busy_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func (s *sqliteStore) initDB() error {
	schema := `
	PRAGMA journal_mode=WAL;

	CREATE TABLE IF NOT EXISTS document (
		path TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_document_updated ON document(updated_at);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		log.Printf("initDB error: %v", err)
		return err
	}
	log.Printf("Database initialized successfully")
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, path string) ([]byte, error) {
	var body string
	err := s.db.GetContext(ctx, &body, "SELECT body FROM document WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (s *sqliteStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	// substr instead of LIKE: ids contain '_' which LIKE treats as a wildcard
	like := prefix + "/"
	var rows []documentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT path, body, updated_at FROM document
		WHERE substr(path, 1, ?) = ?`, len(like), like)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(rows))
	for _, r := range rows {
		if key, ok := childKey(prefix, r.Path); ok {
			out[key] = []byte(r.Body)
		}
	}
	return out, nil
}

func (s *sqliteStore) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document (path, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		path, string(value), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "set", Value: value})
	return nil
}

func (s *sqliteStore) Update(ctx context.Context, path string, fields map[string]any) error {
	var merged []byte
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.getTx(ctx, tx, path)
		if err != nil {
			return err
		}
		merged, err = mergeFields(current, fields)
		if err != nil {
			return err
		}
		return s.putTx(ctx, tx, path, merged)
	})
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "update", Value: merged})
	return nil
}

func (s *sqliteStore) Remove(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM document WHERE path = ?", path)
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "remove"})
	return nil
}

func (s *sqliteStore) Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error {
	var next []byte
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.getTx(ctx, tx, path)
		if err != nil {
			return err
		}
		next, err = fn(current)
		if err != nil {
			return err
		}
		return s.putTx(ctx, tx, path, next)
	})
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "set", Value: next})
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) getTx(ctx context.Context, tx *sqlx.Tx, path string) ([]byte, error) {
	var body string
	err := tx.GetContext(ctx, &body, "SELECT body FROM document WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (s *sqliteStore) putTx(ctx context.Context, tx *sqlx.Tx, path string, body []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO document (path, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		path, string(body), time.Now().UnixMilli())
	return err
}

// dump returns every document ordered by path, used by LogStoreState
func (s *sqliteStore) dump() ([]documentRow, error) {
	var rows []documentRow
	err := s.db.Select(&rows, "SELECT path, body, updated_at FROM document ORDER BY path")
	return rows, err
}
