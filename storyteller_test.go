package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// mockStoryteller streams a fixed story and records the histories it was given
type mockStoryteller struct {
	mu        sync.Mutex
	story     string
	err       error
	histories [][]string
}

func (m *mockStoryteller) Tell(ctx context.Context, history []string, onChunk func(string)) (string, error) {
	m.mu.Lock()
	m.histories = append(m.histories, history)
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	for _, word := range strings.Fields(m.story) {
		onChunk(word + " ")
	}
	return m.story, nil
}

func (m *mockStoryteller) calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histories
}

func TestKillIsNarrated(t *testing.T) {
	teller := &mockStoryteller{story: "The lights flickered as Bob fell silent."}
	ctx := newTestContext(t, WithStoryteller(teller))
	defer ctx.cleanup()

	impostors, crewmates := ctx.startGame("Alice", "Bob", "Carol", "Dave")
	if res, _ := ctx.engine.PerformKill(ctx.ctx, impostors[0].ID, crewmates[0].ID); !res.Success {
		t.Fatalf("Kill: %+v", res)
	}
	ctx.engine.WaitForStories()

	calls := teller.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected one story request, got %d", len(calls))
	}
	history := calls[0]
	if history[len(history)-1] != "Bob was found eliminated." {
		t.Errorf("The event should close the history, got %q", history[len(history)-1])
	}
	if !strings.HasPrefix(history[0], "Roles assigned!") {
		t.Errorf("History should run oldest first, got %v", history)
	}

	stories := ctx.activitiesOfType(ActivityStory)
	if len(stories) != 1 || stories[0].Message != teller.story {
		t.Errorf("Expected the story in the activity log, got %+v", stories)
	}
}

func TestStoriesAreLeftOutOfHistory(t *testing.T) {
	teller := &mockStoryteller{story: "Silence on the bridge."}
	ctx := newTestContext(t, WithStoryteller(teller))
	defer ctx.cleanup()

	ctx.engine.Activities().Append(ctx.ctx, "An old tale", ActivityStory)
	ctx.engine.narrate("Something happened.")
	ctx.engine.WaitForStories()

	for _, line := range teller.calls()[0] {
		if line == "An old tale" {
			t.Errorf("Earlier stories should not be fed back to the storyteller")
		}
	}
}

func TestStorytellerErrorWritesNothing(t *testing.T) {
	teller := &mockStoryteller{err: errors.New("model unavailable")}
	ctx := newTestContext(t, WithStoryteller(teller))
	defer ctx.cleanup()

	impostors, crewmates := ctx.startGame("Alice", "Bob", "Carol")
	res, err := ctx.engine.PerformKill(ctx.ctx, impostors[0].ID, crewmates[0].ID)
	if err != nil || !res.Success {
		t.Fatalf("A failing storyteller must not affect the kill: %+v %v", res, err)
	}
	ctx.engine.WaitForStories()

	if got := len(ctx.activitiesOfType(ActivityStory)); got != 0 {
		t.Errorf("Expected no stories, got %d", got)
	}
}

func TestNoStorytellerIsSilent(t *testing.T) {
	ctx := newTestContext(t)
	defer ctx.cleanup()

	ctx.engine.narrate("Nobody listens.")
	ctx.engine.WaitForStories()
	if got := len(ctx.activitiesOfType(ActivityStory)); got != 0 {
		t.Errorf("Expected no stories, got %d", got)
	}
}

func TestStorytellerModel(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AppConfig
		wantLLM bool
		wantErr bool
	}{
		{"disabled", AppConfig{}, false, false},
		{"unknown provider", AppConfig{StorytellerProvider: "eliza"}, false, true},
		{"openai-compatible without url", AppConfig{StorytellerProvider: "openai-compatible"}, false, true},
		{"ollama", AppConfig{StorytellerProvider: "ollama", StorytellerModel: "llama3", StorytellerOllamaURL: "http://localhost:11434"}, true, false},
	}
	for _, tt := range tests {
		llm, _, err := storytellerModel(tt.cfg)
		if (err != nil) != tt.wantErr || (llm != nil) != tt.wantLLM {
			t.Errorf("%s: got llm=%v err=%v", tt.name, llm != nil, err)
		}
	}

	if s := initStoryteller(AppConfig{}); s != nil {
		t.Errorf("No provider should mean no storyteller")
	}
	if s := initStoryteller(AppConfig{StorytellerProvider: "eliza"}); s != nil {
		t.Errorf("A failing provider should mean no storyteller")
	}
}

func TestBuildCallOpts(t *testing.T) {
	tests := []struct {
		temperature, thinking string
		want                  int
	}{
		{"", "", 0},
		{"0.7", "", 1},
		{"warm", "", 0},
		{"", "high", 1},
		{"", "extreme", 0},
		{"0.2", "auto", 2},
	}
	for _, tt := range tests {
		cfg := AppConfig{StorytellerTemperature: tt.temperature, StorytellerThinking: tt.thinking}
		if got := len(buildCallOpts(cfg)); got != tt.want {
			t.Errorf("buildCallOpts(%q, %q): %d options, want %d", tt.temperature, tt.thinking, got, tt.want)
		}
	}
}
