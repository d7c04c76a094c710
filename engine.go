package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Engine owns the game rules. All state lives in the injected Store; the engine
// itself holds no game data, so several engines may share one store.
type Engine struct {
	store       Store
	cfg         GameConfig
	activities  *ActivityLog
	verifier    CredentialVerifier
	now         func() time.Time
	shuffle     func(ids []string)
	atomic      bool
	events      chan<- LobbyEvent
	storyteller Storyteller
	stories     sync.WaitGroup
	tracer      trace.Tracer
}

type EngineOption func(*Engine)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithShuffle replaces the impostor shuffle
func WithShuffle(shuffle func(ids []string)) EngineOption {
	return func(e *Engine) { e.shuffle = shuffle }
}

// WithAtomicWrites switches read-modify-write sequences to Store.Transact.
// Without it concurrent writers to the same field race and the last write wins.
func WithAtomicWrites(enabled bool) EngineOption {
	return func(e *Engine) { e.atomic = enabled }
}

func WithVerifier(v CredentialVerifier) EngineOption {
	return func(e *Engine) { e.verifier = v }
}

// WithLobbyEvents makes Register announce the player threshold on ch
func WithLobbyEvents(ch chan<- LobbyEvent) EngineOption {
	return func(e *Engine) { e.events = ch }
}

func WithStoryteller(s Storyteller) EngineOption {
	return func(e *Engine) { e.storyteller = s }
}

func NewEngine(store Store, cfg GameConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		cfg:      cfg,
		verifier: plainVerifier{},
		now:      time.Now,
		shuffle:  shufflePlayerIDs,
		tracer:   otel.Tracer("impostor/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.activities = newActivityLog(store, cfg.ActivityRetention, e.now)
	return e
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

// Activities exposes the activity log
func (e *Engine) Activities() *ActivityLog {
	return e.activities
}

// logActivity appends to the activity log. Failures are logged, not returned:
// the audit trail never blocks a game action that already committed.
func (e *Engine) logActivity(ctx context.Context, message, activityType string) {
	if _, err := e.activities.Append(ctx, message, activityType); err != nil {
		logError("logActivity", err)
	}
}

func (e *Engine) getPlayer(ctx context.Context, id string) (Player, bool, error) {
	var p Player
	if id == "" {
		return p, false, nil
	}
	found, err := getJSON(ctx, e.store, playerPath(id), &p)
	return p, found, err
}

// GetPlayer returns the player or ErrPlayerNotFound
func (e *Engine) GetPlayer(ctx context.Context, id string) (Player, error) {
	p, found, err := e.getPlayer(ctx, id)
	if err != nil {
		return Player{}, err
	}
	if !found {
		return Player{}, ErrPlayerNotFound
	}
	return p, nil
}

// GetPlayers returns every registered player ordered by join time
func (e *Engine) GetPlayers(ctx context.Context) ([]Player, error) {
	docs, err := e.store.List(ctx, pathPlayers)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	players := make([]Player, 0, len(docs))
	for id, doc := range docs {
		var p Player
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode player %s: %w", id, err)
		}
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt != players[j].JoinedAt {
			return players[i].JoinedAt < players[j].JoinedAt
		}
		return players[i].ID < players[j].ID
	})
	return players, nil
}

// GetGameState returns the current game state; found is false before the first assignment
func (e *Engine) GetGameState(ctx context.Context) (state GameState, found bool, err error) {
	found, err = getJSON(ctx, e.store, pathGameState, &state)
	return state, found, err
}

func (e *Engine) updatePlayer(ctx context.Context, id string, fields map[string]any) error {
	if err := e.store.Update(ctx, playerPath(id), fields); err != nil {
		return fmt.Errorf("update player %s: %w", id, err)
	}
	return nil
}

func (e *Engine) updateGameState(ctx context.Context, fields map[string]any) error {
	if err := e.store.Update(ctx, pathGameState, fields); err != nil {
		return fmt.Errorf("update game state: %w", err)
	}
	return nil
}

// ruleError carries a refusal out of a Transact callback
type ruleError struct {
	result Result
}

func (r *ruleError) Error() string { return r.result.Reason }

// errUnchanged aborts a mutation without writing anything
var errUnchanged = errors.New("document unchanged")

// mutatePlayer applies fn to the stored player and returns the result.
// With atomic writes the read and the write share one Transact. Otherwise the
// player is read, changed in memory and only the fields returned by changed are
// written, so concurrent callers race on those fields and the last write wins.
// When fn returns an error nothing is written and the player as seen by fn is
// returned with it.
func (e *Engine) mutatePlayer(ctx context.Context, id string, fn func(p *Player) error, changed func(p Player) map[string]any) (Player, error) {
	if e.atomic {
		var after Player
		err := transactJSON(ctx, e.store, playerPath(id), func(p *Player, exists bool) error {
			if !exists {
				return ErrPlayerNotFound
			}
			err := fn(p)
			after = *p
			return err
		})
		return after, err
	}

	p, found, err := e.getPlayer(ctx, id)
	if err != nil {
		return Player{}, err
	}
	if !found {
		return Player{}, ErrPlayerNotFound
	}
	if err := fn(&p); err != nil {
		return p, err
	}
	if err := e.updatePlayer(ctx, id, changed(p)); err != nil {
		return Player{}, err
	}
	return p, nil
}
