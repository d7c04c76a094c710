package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
)

type LobbyEventKind string

const EventPlayerThresholdReached LobbyEventKind = "player_threshold_reached"

// LobbyEvent is announced by the registry and consumed by the lobby orchestrator
type LobbyEvent struct {
	Kind        LobbyEventKind
	PlayerCount int
}

// announce never blocks registration; a full channel drops the event
func (e *Engine) announce(ev LobbyEvent) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- ev:
		DebugLog("announce", "Lobby event %s (%d players)", ev.Kind, ev.PlayerCount)
	default:
		log.Printf("Lobby event %s dropped: orchestrator is not keeping up", ev.Kind)
	}
}

// runLobbyOrchestrator assigns roles each time the player threshold is reached
func runLobbyOrchestrator(ctx context.Context, e *Engine, events <-chan LobbyEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			handleLobbyEvent(ctx, e, ev)
		}
	}
}

func handleLobbyEvent(ctx context.Context, e *Engine, ev LobbyEvent) {
	switch ev.Kind {
	case EventPlayerThresholdReached:
		log.Printf("Player threshold reached (%d players), assigning roles", ev.PlayerCount)
		if _, err := e.AssignRoles(ctx); err != nil {
			logError("handleLobbyEvent: AssignRoles", err)
		}
	default:
		log.Printf("Unknown lobby event: %s", ev.Kind)
	}
}

// impostorCount is min(max impostors, max(1, n/4))
func impostorCount(cfg GameConfig, players int) int {
	return min(cfg.MaxImpostors, max(1, players/4))
}

// AssignRoles resets every player to crewmate, picks impostors uniformly at
// random and starts a fresh game state. Re-running reshuffles; it must not run
// during a game that was not reset first.
func (e *Engine) AssignRoles(ctx context.Context) (RoleAssignment, error) {
	ctx, span := e.tracer.Start(ctx, "AssignRoles")
	defer span.End()

	players, err := e.GetPlayers(ctx)
	if err != nil {
		return RoleAssignment{}, err
	}
	if len(players) < 2 {
		return RoleAssignment{}, ErrInsufficientPlayers
	}

	for _, p := range players {
		err := e.updatePlayer(ctx, p.ID, map[string]any{
			"role":             RoleCrewmate,
			"isVulnerable":     false,
			"completedTasks":   []string{},
			"failedChallenges": []string{},
		})
		if err != nil {
			return RoleAssignment{}, err
		}
	}

	count := impostorCount(e.cfg, len(players))
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	e.shuffle(ids)

	impostors := make(map[string]bool, count)
	for _, id := range ids[:count] {
		if err := e.updatePlayer(ctx, id, map[string]any{"role": RoleImpostor}); err != nil {
			return RoleAssignment{}, err
		}
		impostors[id] = true
	}

	if _, err := e.InitializeGameState(ctx); err != nil {
		return RoleAssignment{}, err
	}

	var result RoleAssignment
	byID := make(map[string]Player, len(players))
	for _, p := range players {
		byID[p.ID] = p
	}
	for _, id := range ids[:count] {
		result.Impostors = append(result.Impostors, byID[id].Username)
	}
	for _, p := range players {
		if !impostors[p.ID] {
			result.Crewmates = append(result.Crewmates, p.Username)
		}
	}

	log.Printf("Roles assigned: %d impostor(s) among %d players", count, len(players))
	LogStoreState("after role assignment")
	e.logActivity(ctx, fmt.Sprintf("Roles assigned! %d impostor(s) among %d players", count, len(players)), ActivityRoleAssignment)
	return result, nil
}

// InitializeGameState writes a fresh playing state for round 1
func (e *Engine) InitializeGameState(ctx context.Context) (GameState, error) {
	players, err := e.GetPlayers(ctx)
	if err != nil {
		return GameState{}, err
	}
	state := GameState{
		CurrentRound:      1,
		KillsThisRound:    0,
		GameStatus:        GamePlaying,
		SabotageCooldowns: map[string]int64{},
		RolesAssigned:     true,
		GameStartTime:     e.nowMillis(),
		TotalPlayers:      len(players),
	}
	if err := setJSON(ctx, e.store, pathGameState, state); err != nil {
		return GameState{}, err
	}
	DebugLog("InitializeGameState", "Game state initialized with %d players", len(players))
	return state, nil
}

// shufflePlayerIDs is a Fisher-Yates shuffle driven by crypto/rand
func shufflePlayerIDs(ids []string) {
	for i := len(ids) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			// Fallback: just swap with previous element
			ids[i], ids[i-1] = ids[i-1], ids[i]
			continue
		}
		j := int(jBig.Int64())
		ids[i], ids[j] = ids[j], ids[i]
	}
}
