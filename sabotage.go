package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

// sabotageRemaining is ceil((cooldownEnd - now) / 1000), or 0 when expired
func sabotageRemaining(cooldownEnd, now int64) int64 {
	if now >= cooldownEnd {
		return 0
	}
	return (cooldownEnd - now + 999) / 1000
}

func sabotageCooldownMessage(remaining int64) string {
	return fmt.Sprintf("Sabotage on cooldown: %ds remaining", remaining)
}

// TriggerSabotage starts a sabotage of the given type and publishes it at
// sabotages/active. Each type has its own cooldown.
func (e *Engine) TriggerSabotage(ctx context.Context, impostorID, sabotageType string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "TriggerSabotage")
	defer span.End()

	player, found, err := e.getPlayer(ctx, impostorID)
	if err != nil {
		return Result{}, err
	}
	if !found || player.Role != RoleImpostor {
		return ruleViolation("Only impostors can sabotage"), nil
	}
	duration, known := e.cfg.SabotageCooldowns[sabotageType]
	if !known {
		return validationFailure(fmt.Sprintf("Unknown sabotage type %q", sabotageType)), nil
	}

	now := e.nowMillis()
	cooldownEnd := now + duration.Milliseconds()
	if e.atomic {
		err := transactJSON(ctx, e.store, pathGameState, func(s *GameState, exists bool) error {
			if remaining := sabotageRemaining(s.SabotageCooldowns[sabotageType], now); remaining > 0 {
				return &ruleError{ruleViolation(sabotageCooldownMessage(remaining))}
			}
			if s.SabotageCooldowns == nil {
				s.SabotageCooldowns = map[string]int64{}
			}
			s.SabotageCooldowns[sabotageType] = cooldownEnd
			return nil
		})
		var refused *ruleError
		if errors.As(err, &refused) {
			return refused.result, nil
		}
		if err != nil {
			return Result{}, err
		}
	} else {
		state, _, err := e.GetGameState(ctx)
		if err != nil {
			return Result{}, err
		}
		if remaining := sabotageRemaining(state.SabotageCooldowns[sabotageType], now); remaining > 0 {
			return ruleViolation(sabotageCooldownMessage(remaining)), nil
		}
		if err := e.updateGameState(ctx, map[string]any{"sabotageCooldowns/" + sabotageType: cooldownEnd}); err != nil {
			return Result{}, err
		}
	}

	active := ActiveSabotage{
		Type:        sabotageType,
		TriggeredBy: player.Username,
		StartTime:   now,
		Duration:    duration.Milliseconds(),
	}
	if err := setJSON(ctx, e.store, pathActiveSabotage, active); err != nil {
		return Result{}, err
	}

	log.Printf("Player %s triggered %s sabotage", player.Username, sabotageType)
	e.logActivity(ctx, fmt.Sprintf("%s triggered %s sabotage", player.Username, sabotageType), ActivitySabotage)
	return ok(fmt.Sprintf("%s sabotage activated!", strings.ToUpper(sabotageType))), nil
}

// GetActiveSabotage returns the most recently triggered sabotage, if any
func (e *Engine) GetActiveSabotage(ctx context.Context) (ActiveSabotage, bool, error) {
	var active ActiveSabotage
	found, err := getJSON(ctx, e.store, pathActiveSabotage, &active)
	return active, found, err
}
