package main

import (
	"context"
	"errors"
	"fmt"
	"log"
)

const (
	reasonImpostorsEliminated = "All impostors have been eliminated!"
	reasonTasksCompleted      = "All tasks completed successfully!"
	reasonCrewmatesEliminated = "All crewmates have been eliminated!"
	reasonTasksFailed         = "Crewmates failed to complete their tasks!"
)

// WinOutcome reports the game status after a win check. Ended is true only for
// the call that moved the game out of playing.
type WinOutcome struct {
	Ended      bool   `json:"ended"`
	GameStatus string `json:"gameStatus"`
	WinReason  string `json:"winReason,omitempty"`
}

// evaluateWin decides the winner from the players alone. The checks run in a
// fixed order and the first match wins.
func evaluateWin(players []Player, cfg GameConfig) (status, reason string, ended bool) {
	var crewmates, impostors []Player
	for _, p := range players {
		if p.Status == StatusEliminated {
			continue
		}
		switch p.Role {
		case RoleCrewmate:
			crewmates = append(crewmates, p)
		case RoleImpostor:
			impostors = append(impostors, p)
		}
	}

	if len(impostors) == 0 && len(crewmates) > 0 {
		return GameCrewmateWin, reasonImpostorsEliminated, true
	}

	allTasksDone := len(crewmates) > 0
	for _, c := range crewmates {
		if len(c.CompletedTasks) < cfg.RequiredTasksToWin {
			allTasksDone = false
			break
		}
	}
	if allTasksDone {
		return GameCrewmateWin, reasonTasksCompleted, true
	}

	if len(crewmates) == 0 && len(impostors) > 0 {
		return GameImpostorWin, reasonCrewmatesEliminated, true
	}

	canCrewmatesWin := false
	for _, c := range crewmates {
		if len(c.FailedChallenges) < cfg.MaxFailedAttempts {
			canCrewmatesWin = true
			break
		}
	}
	if !canCrewmatesWin && len(crewmates) > 0 {
		return GameImpostorWin, reasonTasksFailed, true
	}

	return GamePlaying, "", false
}

// CheckWinConditions ends the game when a side has won. It does nothing once
// the game is over, so repeated calls never settle scores twice.
func (e *Engine) CheckWinConditions(ctx context.Context) (WinOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "CheckWinConditions")
	defer span.End()

	state, found, err := e.GetGameState(ctx)
	if err != nil {
		return WinOutcome{}, err
	}
	if !found || state.GameStatus != GamePlaying {
		return WinOutcome{GameStatus: state.GameStatus, WinReason: state.WinReason}, nil
	}

	players, err := e.GetPlayers(ctx)
	if err != nil {
		return WinOutcome{}, err
	}
	status, reason, ended := evaluateWin(players, e.cfg)
	DebugLog("CheckWinConditions", "Win check over %d players: ended=%v %s", len(players), ended, reason)
	if !ended {
		return WinOutcome{GameStatus: GamePlaying}, nil
	}
	return e.endGame(ctx, status, reason)
}

// endGame moves the game from playing to status with a compare-and-swap.
// Only the caller that wins the swap logs the end and settles scores.
func (e *Engine) endGame(ctx context.Context, status, reason string) (WinOutcome, error) {
	now := e.nowMillis()
	err := transactJSON(ctx, e.store, pathGameState, func(s *GameState, exists bool) error {
		if !exists || s.GameStatus != GamePlaying {
			return errUnchanged
		}
		s.GameStatus = status
		s.WinReason = reason
		s.GameEndTime = now
		return nil
	})
	if errors.Is(err, errUnchanged) {
		state, _, err := e.GetGameState(ctx)
		DebugLog("endGame", "Game already ended as %s", state.GameStatus)
		return WinOutcome{GameStatus: state.GameStatus, WinReason: state.WinReason}, err
	}
	if err != nil {
		return WinOutcome{}, fmt.Errorf("end game: %w", err)
	}

	log.Printf("Game over: %s (%s)", status, reason)
	LogStoreState("after game end")
	e.logActivity(ctx, "GAME OVER: "+reason, ActivityGameEnd)
	e.narrate("The game is over. " + reason)

	outcome := WinOutcome{Ended: true, GameStatus: status, WinReason: reason}
	if err := e.settleScores(ctx, status); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// scoreFor is the score a player earns for the given final status
func scoreFor(p Player, status string) int {
	switch {
	case status == GameCrewmateWin && p.Role == RoleCrewmate:
		return 100 + 50*len(p.CompletedTasks)
	case status == GameImpostorWin && p.Role == RoleImpostor:
		return 150
	}
	return 0
}

func (e *Engine) settleScores(ctx context.Context, status string) error {
	players, err := e.GetPlayers(ctx)
	if err != nil {
		return err
	}
	for _, player := range players {
		if scoreFor(player, status) == 0 {
			continue
		}
		after, err := e.mutatePlayer(ctx, player.ID, func(p *Player) error {
			p.Score += scoreFor(*p, status)
			return nil
		}, func(p Player) map[string]any {
			return map[string]any{"score": p.Score}
		})
		if err != nil {
			return fmt.Errorf("settle score for %s: %w", player.ID, err)
		}
		DebugLog("settleScores", "Player %s score is now %d", after.Username, after.Score)
	}
	return nil
}

// ResetGame clears the transient per-game fields of every player, keeps their
// scores and deals new roles.
func (e *Engine) ResetGame(ctx context.Context) (RoleAssignment, error) {
	ctx, span := e.tracer.Start(ctx, "ResetGame")
	defer span.End()

	players, err := e.GetPlayers(ctx)
	if err != nil {
		return RoleAssignment{}, err
	}
	for _, p := range players {
		err := e.updatePlayer(ctx, p.ID, map[string]any{
			"status":           StatusOnline,
			"completedTasks":   []string{},
			"failedChallenges": []string{},
			"isVulnerable":     false,
			"eliminatedBy":     nil,
			"eliminatedAt":     nil,
			"lastKillTime":     nil,
		})
		if err != nil {
			return RoleAssignment{}, err
		}
	}
	if err := e.store.Remove(ctx, pathActiveSabotage); err != nil {
		return RoleAssignment{}, fmt.Errorf("clear active sabotage: %w", err)
	}

	assignment, err := e.AssignRoles(ctx)
	if err != nil {
		return RoleAssignment{}, err
	}

	log.Printf("Game reset with %d players", len(players))
	e.logActivity(ctx, "Game has been reset - new round starting!", ActivityGameReset)
	return assignment, nil
}

// AdvanceRound starts the next round: the kill budget is refilled and any
// meeting is closed. Kills never reset on their own.
func (e *Engine) AdvanceRound(ctx context.Context) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "AdvanceRound")
	defer span.End()

	var round int
	err := transactJSON(ctx, e.store, pathGameState, func(s *GameState, exists bool) error {
		if !exists || s.GameStatus != GamePlaying {
			return &ruleError{ruleViolation("Game is not in progress")}
		}
		s.CurrentRound++
		s.KillsThisRound = 0
		s.MeetingCalled = false
		s.VoteInProgress = false
		s.MeetingStartTime = 0
		s.MeetingCalledBy = ""
		round = s.CurrentRound
		return nil
	})
	var refused *ruleError
	if errors.As(err, &refused) {
		return refused.result, nil
	}
	if err != nil {
		return Result{}, err
	}

	log.Printf("Round %d started", round)
	e.logActivity(ctx, fmt.Sprintf("Round %d begins", round), ActivityRound)
	return ok(fmt.Sprintf("Round %d started", round)), nil
}
