package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ActivityLog is the append-only audit trail with bounded retention
type ActivityLog struct {
	store     Store
	retention int
	now       func() time.Time
}

func newActivityLog(store Store, retention int, now func() time.Time) *ActivityLog {
	return &ActivityLog{store: store, retention: retention, now: now}
}

// Append stores a new entry and prunes the oldest entries beyond the retention size
func (l *ActivityLog) Append(ctx context.Context, message, activityType string) (Activity, error) {
	if activityType == "" {
		activityType = ActivityInfo
	}
	// v7 ids sort by creation time, which breaks timestamp ties in insertion order
	id, err := uuid.NewV7()
	if err != nil {
		return Activity{}, fmt.Errorf("activity id: %w", err)
	}
	a := Activity{
		ID:        id.String(),
		Message:   message,
		Type:      activityType,
		Timestamp: l.now().UnixMilli(),
	}
	if err := setJSON(ctx, l.store, activityPath(a.ID), a); err != nil {
		return Activity{}, err
	}
	DebugLog("ActivityLog.Append", "[%s] %s", a.Type, a.Message)

	if err := l.prune(ctx); err != nil {
		return a, err
	}
	return a, nil
}

func (l *ActivityLog) prune(ctx context.Context) error {
	all, err := l.all(ctx)
	if err != nil {
		return err
	}
	if len(all) <= l.retention {
		return nil
	}
	// all is newest first; everything past the retention size goes
	for _, a := range all[l.retention:] {
		if err := l.store.Remove(ctx, activityPath(a.ID)); err != nil {
			return fmt.Errorf("prune activity %s: %w", a.ID, err)
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (l *ActivityLog) Recent(ctx context.Context, limit int) ([]Activity, error) {
	all, err := l.all(ctx)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (l *ActivityLog) all(ctx context.Context) ([]Activity, error) {
	docs, err := l.store.List(ctx, pathActivities)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	out := make([]Activity, 0, len(docs))
	for id, doc := range docs {
		var a Activity
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("decode activity %s: %w", id, err)
		}
		if a.ID == "" {
			a.ID = id
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
