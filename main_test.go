package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testPassword = "hunter2"

// testEpoch is the fake clock's starting point, in epoch milliseconds
const testEpoch = 1_700_000_000_000

// fakeClock is a settable clock shared by the engine and the test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(testEpoch)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestLogger wraps AppLogger for test use with testing.T integration
type TestLogger struct {
	*AppLogger
	t      *testing.T
	source storeDumper
}

// NewTestLogger creates a test logger from environment variables
func NewTestLogger(t *testing.T) *TestLogger {
	al, err := NewAppLogger(LogConfig{
		OutputDir:   os.Getenv("TEST_OUTPUT_DIR"),
		LogRequests: os.Getenv("TEST_LOG_REQUESTS") == "1",
		LogStore:    os.Getenv("TEST_LOG_STORE") == "1",
		LogWS:       os.Getenv("TEST_LOG_WS") == "1",
		Debug:       os.Getenv("TEST_DEBUG") == "1",
	})
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return &TestLogger{AppLogger: al, t: t}
}

// Debug logs a debug message using testing.T.Logf
func (tl *TestLogger) Debug(format string, args ...any) {
	if !tl.debug {
		return
	}
	tl.t.Logf("[DEBUG] "+format, args...)
}

// LogStore dumps the test store through testing.T.Logf
func (tl *TestLogger) LogStore(context string) {
	if !tl.logStore || tl.source == nil {
		return
	}
	tl.t.Logf("%s", formatStoreDump(context, tl.source))
}

// TestContext holds test infrastructure including logger
type TestContext struct {
	t       *testing.T
	ctx     context.Context
	logger  *TestLogger
	store   *memoryStore
	engine  *Engine
	clock   *fakeClock
	cleanup func()
}

// newTestContext creates an engine over a fresh memory store with a fake clock
// and an identity shuffle, so the first registered players become impostors.
func newTestContext(t *testing.T, opts ...EngineOption) *TestContext {
	return newTestContextWithConfig(t, defaultGameConfig(), opts...)
}

func newTestContextWithConfig(t *testing.T, cfg GameConfig, opts ...EngineOption) *TestContext {
	logger := NewTestLogger(t)
	store := newMemoryStore()
	logger.source = store
	clock := newFakeClock()

	base := []EngineOption{WithClock(clock.Now), WithShuffle(func([]string) {})}
	engine := NewEngine(store, cfg, append(base, opts...)...)

	cleanup := func() {
		logger.LogStore("before cleanup")
		logger.Debug("Cleaning up test engine")
		engine.WaitForStories()
		store.Close()
		logger.Close()
	}

	return &TestContext{
		t:       t,
		ctx:     context.Background(),
		logger:  logger,
		store:   store,
		engine:  engine,
		clock:   clock,
		cleanup: cleanup,
	}
}

// registerPlayers registers each name one millisecond apart so join order is stable
func (tc *TestContext) registerPlayers(names ...string) []Player {
	tc.t.Helper()
	players := make([]Player, 0, len(names))
	for _, name := range names {
		p, err := tc.engine.Register(tc.ctx, name, testPassword)
		if err != nil {
			tc.t.Fatalf("Register %s: %v", name, err)
		}
		players = append(players, p)
		tc.clock.Advance(time.Millisecond)
	}
	return players
}

// startGame registers names and assigns roles. With the identity shuffle the
// first impostorCount names are the impostors.
func (tc *TestContext) startGame(names ...string) (impostors, crewmates []Player) {
	tc.t.Helper()
	tc.registerPlayers(names...)
	if _, err := tc.engine.AssignRoles(tc.ctx); err != nil {
		tc.t.Fatalf("AssignRoles: %v", err)
	}
	players, err := tc.engine.GetPlayers(tc.ctx)
	if err != nil {
		tc.t.Fatalf("GetPlayers: %v", err)
	}
	for _, p := range players {
		if p.Role == RoleImpostor {
			impostors = append(impostors, p)
		} else {
			crewmates = append(crewmates, p)
		}
	}
	tc.logger.LogStore("after startGame")
	return impostors, crewmates
}

func (tc *TestContext) player(id string) Player {
	tc.t.Helper()
	p, err := tc.engine.GetPlayer(tc.ctx, id)
	if err != nil {
		tc.t.Fatalf("GetPlayer %s: %v", id, err)
	}
	return p
}

func (tc *TestContext) state() GameState {
	tc.t.Helper()
	s, found, err := tc.engine.GetGameState(tc.ctx)
	if err != nil {
		tc.t.Fatalf("GetGameState: %v", err)
	}
	if !found {
		tc.t.Fatalf("GetGameState: no game state")
	}
	return s
}

// update writes fields straight to the store, bypassing the rules
func (tc *TestContext) update(path string, fields map[string]any) {
	tc.t.Helper()
	if err := tc.store.Update(tc.ctx, path, fields); err != nil {
		tc.t.Fatalf("Update %s: %v", path, err)
	}
}

func (tc *TestContext) activitiesOfType(activityType string) []Activity {
	tc.t.Helper()
	all, err := tc.engine.Activities().Recent(tc.ctx, -1)
	if err != nil {
		tc.t.Fatalf("Recent: %v", err)
	}
	var out []Activity
	for _, a := range all {
		if a.Type == activityType {
			out = append(out, a)
		}
	}
	return out
}

func generateTestName(base string, n uint8) string {
	suffix := fmt.Sprintf("%d", n)
	if len(base) > 10 {
		base = base[:10]
	}
	return base + suffix
}

func tempPath(t *testing.T, name string) string {
	return filepath.Join(t.TempDir(), name)
}

// writeModes runs fn once per write mode
func writeModes(t *testing.T, fn func(t *testing.T, atomic bool)) {
	for _, atomic := range []bool{false, true} {
		name := "compat"
		if atomic {
			name = "atomic"
		}
		t.Run(name, func(t *testing.T) { fn(t, atomic) })
	}
}
