package main

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// CanCallMeeting refuses while a meeting is running or when the caller is eliminated
func (e *Engine) CanCallMeeting(ctx context.Context, playerID string) (MeetingCheck, error) {
	state, _, err := e.GetGameState(ctx)
	if err != nil {
		return MeetingCheck{}, err
	}
	if state.MeetingCalled {
		return MeetingCheck{Reason: "Meeting already in progress"}, nil
	}

	player, found, err := e.getPlayer(ctx, playerID)
	if err != nil {
		return MeetingCheck{}, err
	}
	if !found {
		return MeetingCheck{Reason: "Invalid player"}, nil
	}
	if player.Status == StatusEliminated {
		return MeetingCheck{Reason: "Eliminated players cannot call meetings"}, nil
	}
	return MeetingCheck{CanCall: true}, nil
}

// CallMeeting opens an emergency meeting on behalf of playerID
func (e *Engine) CallMeeting(ctx context.Context, playerID string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "CallMeeting")
	defer span.End()

	check, err := e.CanCallMeeting(ctx, playerID)
	if err != nil {
		return Result{}, err
	}
	if !check.CanCall {
		if check.Reason == "Invalid player" {
			return validationFailure(check.Reason), nil
		}
		return ruleViolation(check.Reason), nil
	}

	now := e.nowMillis()
	if e.atomic {
		err := transactJSON(ctx, e.store, pathGameState, func(s *GameState, exists bool) error {
			if s.MeetingCalled {
				return &ruleError{ruleViolation("Meeting already in progress")}
			}
			s.MeetingCalled = true
			s.MeetingStartTime = now
			s.MeetingCalledBy = playerID
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
		if err := e.updateGameState(ctx, map[string]any{
			"meetingCalled":    true,
			"meetingStartTime": now,
			"meetingCalledBy":  playerID,
		}); err != nil {
			return Result{}, err
		}
	}

	player, err := e.GetPlayer(ctx, playerID)
	if err != nil {
		return Result{}, err
	}
	log.Printf("Player %s called an emergency meeting", player.Username)
	e.logActivity(ctx, fmt.Sprintf("%s called an emergency meeting!", player.Username), ActivityMeeting)
	return ok("Emergency meeting called!"), nil
}

// EndMeeting closes the current meeting without advancing the round
func (e *Engine) EndMeeting(ctx context.Context) error {
	_, found, err := e.GetGameState(ctx)
	if err != nil || !found {
		return err
	}
	return e.updateGameState(ctx, map[string]any{
		"meetingCalled":    false,
		"voteInProgress":   false,
		"meetingStartTime": nil,
		"meetingCalledBy":  nil,
	})
}
