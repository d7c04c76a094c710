package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Document paths used by the game engine
const (
	pathPlayers        = "players"
	pathGameState      = "gameState"
	pathActiveSabotage = "sabotages/active"
	pathActivities     = "activities"
	pathSessions       = "sessions"
)

func playerPath(id string) string   { return pathPlayers + "/" + id }
func activityPath(id string) string { return pathActivities + "/" + id }
func sessionPath(token string) string {
	return pathSessions + "/" + token
}

// ErrStoreClosed is returned by a backend after Close.
var ErrStoreClosed = errors.New("store is closed")

// Change describes a committed write. Value is nil for removals.
type Change struct {
	Path  string          `json:"path"`
	Op    string          `json:"op"` // set, update, remove
	Value json.RawMessage `json:"-"`
}

// Store is the key-value document store every engine talks to.
// Documents are JSON objects addressed by slash-separated paths.
type Store interface {
	// Get returns the document at path, or nil when nothing is stored there.
	Get(ctx context.Context, path string) ([]byte, error)
	// List returns the direct children of a collection keyed by their last path segment.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Set(ctx context.Context, path string, value []byte) error
	// Update merges fields into the document at path in one atomic step.
	// A field name may address a nested key with "a/b"; a nil value deletes the key.
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	// Transact runs fn against the current document and stores its result atomically.
	// If fn returns an error nothing is written and the error is returned unchanged.
	Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error
	// Subscribe calls fn for every committed change under prefix ("" matches everything).
	Subscribe(prefix string, fn func(Change)) (cancel func())
	Close() error
}

// mergeFields applies an Update field map to a JSON document.
func mergeFields(doc []byte, fields map[string]any) ([]byte, error) {
	obj := map[string]any{}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &obj); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}

	for key, value := range fields {
		parts := strings.Split(key, "/")
		node := obj
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		if value == nil {
			delete(node, last)
			continue
		}
		node[last] = value
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// childKey reports whether path is a direct child of prefix and returns its key.
func childKey(prefix, path string) (string, bool) {
	if !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	key := path[len(prefix)+1:]
	if key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

func matchesPrefix(prefix, path string) bool {
	return prefix == "" || path == prefix || strings.HasPrefix(path, prefix+"/")
}

// notifier fans committed changes out to subscribers. Backends embed it.
type notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	prefix string
	fn     func(Change)
}

func (n *notifier) Subscribe(prefix string, fn func(Change)) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]subscription)
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = subscription{prefix: prefix, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// publish must be called after the write is committed and without holding backend locks.
func (n *notifier) publish(c Change) {
	n.mu.RLock()
	var fns []func(Change)
	for _, s := range n.subs {
		if matchesPrefix(s.prefix, c.Path) {
			fns = append(fns, s.fn)
		}
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// memoryStore keeps documents in a map. Used by tests and as the default backend.
type memoryStore struct {
	notifier
	mu     sync.RWMutex
	docs   map[string][]byte
	closed bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: make(map[string][]byte)}
}

func (s *memoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	doc, ok := s.docs[path]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), doc...), nil
}

func (s *memoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[string][]byte)
	for path, doc := range s.docs {
		if key, ok := childKey(prefix, path); ok {
			out[key] = append([]byte(nil), doc...)
		}
	}
	return out, nil
}

func (s *memoryStore) Set(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.docs[path] = append([]byte(nil), value...)
	s.mu.Unlock()

	s.publish(Change{Path: path, Op: "set", Value: value})
	return nil
}

func (s *memoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	merged, err := mergeFields(s.docs[path], fields)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[path] = merged
	s.mu.Unlock()

	s.publish(Change{Path: path, Op: "update", Value: merged})
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	delete(s.docs, path)
	s.mu.Unlock()

	s.publish(Change{Path: path, Op: "remove"})
	return nil
}

func (s *memoryStore) Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	var current []byte
	if doc, ok := s.docs[path]; ok {
		current = append([]byte(nil), doc...)
	}
	next, err := fn(current)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[path] = append([]byte(nil), next...)
	s.mu.Unlock()

	s.publish(Change{Path: path, Op: "set", Value: next})
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// dump returns every document ordered by path, used by LogStoreState
func (s *memoryStore) dump() ([]documentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]documentRow, 0, len(s.docs))
	for p, doc := range s.docs {
		rows = append(rows, documentRow{Path: p, Body: string(doc)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows, nil
}

// getJSON loads the document at path into v. It reports false when nothing is stored.
func getJSON(ctx context.Context, s Store, path string, v any) (bool, error) {
	doc, err := s.Get(ctx, path)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", path, err)
	}
	if doc == nil {
		return false, nil
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func setJSON(ctx context.Context, s Store, path string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := s.Set(ctx, path, doc); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// transactJSON runs fn on the decoded document at path inside Store.Transact.
// exists is false when the document was empty.
func transactJSON[T any](ctx context.Context, s Store, path string, fn func(v *T, exists bool) error) error {
	return s.Transact(ctx, path, func(current []byte) ([]byte, error) {
		var v T
		exists := current != nil
		if exists {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		if err := fn(&v, exists); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
}
