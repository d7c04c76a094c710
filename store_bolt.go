package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const documentBucket = "documents"

// boltStore keeps documents in a single BoltDB bucket keyed by path
type boltStore struct {
	notifier
	db *bbolt.DB
}

func openBoltStore(path string) (*boltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bolt path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(documentBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(documentBucket)).Get([]byte(path)); v != nil {
			// bolt values are only valid inside the transaction
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *boltStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	seek := []byte(prefix + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(documentBucket)).Cursor()
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, seek); k, v = c.Next() {
			if key, ok := childKey(prefix, string(k)); ok {
				out[key] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return out, err
}

func (s *boltStore) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(documentBucket)).Put([]byte(path), value)
	})
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "set", Value: value})
	return nil
}

func (s *boltStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var merged []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(documentBucket))
		var err error
		merged, err = mergeFields(b.Get([]byte(path)), fields)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), merged)
	})
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "update", Value: merged})
	return nil
}

func (s *boltStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(documentBucket)).Delete([]byte(path))
	})
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "remove"})
	return nil
}

func (s *boltStore) Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var next []byte
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(documentBucket))
		var current []byte
		if v := b.Get([]byte(path)); v != nil {
			current = append([]byte(nil), v...)
		}
		var err error
		next, err = fn(current)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), next)
	})
	if err != nil {
		return err
	}
	s.publish(Change{Path: path, Op: "set", Value: next})
	return nil
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dump returns every document ordered by path, used by LogStoreState
func (s *boltStore) dump() ([]documentRow, error) {
	var rows []documentRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(documentBucket)).ForEach(func(k, v []byte) error {
			rows = append(rows, documentRow{Path: string(k), Body: string(v)})
			return nil
		})
	})
	return rows, err
}
