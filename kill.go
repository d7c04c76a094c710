package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

func (e *Engine) killCooldownSeconds() int64 {
	return int64(e.cfg.KillCooldown / time.Second)
}

// cooldownRemaining is max(0, cooldown - whole seconds since the last kill)
func (e *Engine) cooldownRemaining(lastKillTime int64) int64 {
	if lastKillTime == 0 {
		return 0
	}
	elapsed := (e.nowMillis() - lastKillTime) / 1000
	return max(0, e.killCooldownSeconds()-elapsed)
}

// GetKillCooldown returns the seconds until the impostor may kill again
func (e *Engine) GetKillCooldown(ctx context.Context, impostorID string) (int64, error) {
	p, err := e.GetPlayer(ctx, impostorID)
	if err != nil {
		return 0, err
	}
	return e.cooldownRemaining(p.LastKillTime), nil
}

// PerformKill eliminates target on behalf of impostor. Checks run in a fixed
// order and the first failing one is reported.
func (e *Engine) PerformKill(ctx context.Context, impostorID, targetID string) (KillResult, error) {
	ctx, span := e.tracer.Start(ctx, "PerformKill")
	defer span.End()

	state, found, err := e.GetGameState(ctx)
	if err != nil {
		return KillResult{}, err
	}
	if !found || state.GameStatus != GamePlaying {
		return KillResult{Result: ruleViolation("Game is not in progress")}, nil
	}
	if state.KillsThisRound >= e.cfg.MaxKillsPerRound {
		return KillResult{Result: ruleViolation(fmt.Sprintf("Maximum kills (%d) reached this round", e.cfg.MaxKillsPerRound))}, nil
	}

	impostor, impostorFound, err := e.getPlayer(ctx, impostorID)
	if err != nil {
		return KillResult{}, err
	}
	target, targetFound, err := e.getPlayer(ctx, targetID)
	if err != nil {
		return KillResult{}, err
	}
	if !impostorFound || !targetFound || impostorID == targetID {
		return KillResult{Result: validationFailure("Invalid player")}, nil
	}
	if impostor.Role != RoleImpostor {
		return KillResult{Result: ruleViolation("Only impostors can kill")}, nil
	}
	if impostor.Status == StatusEliminated {
		return KillResult{Result: ruleViolation("Eliminated players cannot kill")}, nil
	}
	if target.Role == RoleImpostor {
		return KillResult{Result: ruleViolation("Cannot eliminate fellow impostor")}, nil
	}
	if target.Status == StatusEliminated {
		return KillResult{Result: ruleViolation("Target already eliminated")}, nil
	}
	if remaining := e.cooldownRemaining(impostor.LastKillTime); remaining > 0 {
		return KillResult{Result: ruleViolation(fmt.Sprintf("Kill cooldown: %ds remaining", remaining))}, nil
	}

	now := e.nowMillis()
	var kills int
	if e.atomic {
		kills, err = e.commitKillAtomic(ctx, impostor, target, now)
		var refused *ruleError
		if errors.As(err, &refused) {
			return KillResult{Result: refused.result}, nil
		}
	} else {
		kills, err = e.commitKill(ctx, state, impostor, target, now)
	}
	if err != nil {
		return KillResult{}, err
	}

	log.Printf("Player %s eliminated %s (kill %d/%d this round)", impostor.Username, target.Username, kills, e.cfg.MaxKillsPerRound)
	LogStoreState("after kill: " + target.Username)
	e.logActivity(ctx, fmt.Sprintf("%s eliminated %s", impostor.Username, target.Username), ActivityKill)
	e.narrate(fmt.Sprintf("%s was found eliminated.", target.Username))

	res := KillResult{
		Result:         ok(fmt.Sprintf("Successfully eliminated %s", target.Username)),
		KillsRemaining: e.cfg.MaxKillsPerRound - kills,
	}
	if _, err := e.CheckWinConditions(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// commitKill writes the kill as three independent updates. Two impostors
// racing may both pass validation and the kill counter keeps the last write.
func (e *Engine) commitKill(ctx context.Context, state GameState, impostor, target Player, now int64) (int, error) {
	if err := e.updatePlayer(ctx, target.ID, map[string]any{
		"status":       StatusEliminated,
		"eliminatedBy": impostor.ID,
		"eliminatedAt": now,
	}); err != nil {
		return 0, err
	}
	kills := state.KillsThisRound + 1
	if err := e.updateGameState(ctx, map[string]any{"killsThisRound": kills}); err != nil {
		return 0, err
	}
	if err := e.updatePlayer(ctx, impostor.ID, map[string]any{"lastKillTime": now}); err != nil {
		return 0, err
	}
	return kills, nil
}

// commitKillAtomic claims the kill budget, then the impostor's cooldown, then
// the target, each with a compare-and-swap. A later refusal undoes the earlier
// claims so the kill either happens completely or not at all.
func (e *Engine) commitKillAtomic(ctx context.Context, impostor, target Player, now int64) (int, error) {
	var kills int
	err := transactJSON(ctx, e.store, pathGameState, func(s *GameState, exists bool) error {
		if !exists || s.GameStatus != GamePlaying {
			return &ruleError{ruleViolation("Game is not in progress")}
		}
		if s.KillsThisRound >= e.cfg.MaxKillsPerRound {
			return &ruleError{ruleViolation(fmt.Sprintf("Maximum kills (%d) reached this round", e.cfg.MaxKillsPerRound))}
		}
		s.KillsThisRound++
		kills = s.KillsThisRound
		return nil
	})
	if err != nil {
		return 0, err
	}

	var previousKillTime int64
	err = transactJSON(ctx, e.store, playerPath(impostor.ID), func(p *Player, exists bool) error {
		if !exists {
			return &ruleError{validationFailure("Invalid player")}
		}
		if p.Status == StatusEliminated {
			return &ruleError{ruleViolation("Eliminated players cannot kill")}
		}
		if remaining := e.cooldownRemaining(p.LastKillTime); remaining > 0 {
			return &ruleError{ruleViolation(fmt.Sprintf("Kill cooldown: %ds remaining", remaining))}
		}
		previousKillTime = p.LastKillTime
		p.LastKillTime = now
		return nil
	})
	if err != nil {
		e.releaseKill(ctx)
		return 0, err
	}

	err = transactJSON(ctx, e.store, playerPath(target.ID), func(p *Player, exists bool) error {
		if !exists {
			return &ruleError{validationFailure("Invalid player")}
		}
		if p.Role == RoleImpostor {
			return &ruleError{ruleViolation("Cannot eliminate fellow impostor")}
		}
		if p.Status == StatusEliminated {
			return &ruleError{ruleViolation("Target already eliminated")}
		}
		p.Status = StatusEliminated
		p.EliminatedBy = impostor.ID
		p.EliminatedAt = now
		return nil
	})
	if err != nil {
		e.releaseKill(ctx)
		restore := map[string]any{"lastKillTime": previousKillTime}
		if previousKillTime == 0 {
			restore["lastKillTime"] = nil
		}
		if uerr := e.updatePlayer(ctx, impostor.ID, restore); uerr != nil {
			logError("commitKillAtomic: restore lastKillTime", uerr)
		}
		return 0, err
	}
	return kills, nil
}

// releaseKill gives back a kill claimed by commitKillAtomic
func (e *Engine) releaseKill(ctx context.Context) {
	err := transactJSON(ctx, e.store, pathGameState, func(s *GameState, exists bool) error {
		if !exists {
			return errUnchanged
		}
		if s.KillsThisRound > 0 {
			s.KillsThisRound--
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		logError("releaseKill", err)
	}
}
