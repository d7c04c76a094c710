package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
)

func taskResult(r Result, p Player) TaskResult {
	return TaskResult{
		Result:         r,
		CompletedCount: len(p.CompletedTasks),
		FailedCount:    len(p.FailedChallenges),
		IsVulnerable:   p.IsVulnerable,
	}
}

// RecordTaskOutcome records a completed task or a failed challenge for a player.
// A repeated completion is a no-op. Failures always trigger the win check;
// completions only once the player reaches the required task count.
func (e *Engine) RecordTaskOutcome(ctx context.Context, playerID, taskID string, completed bool) (TaskResult, error) {
	ctx, span := e.tracer.Start(ctx, "RecordTaskOutcome")
	defer span.End()

	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return TaskResult{Result: validationFailure("Task id is required")}, nil
	}

	state, found, err := e.GetGameState(ctx)
	if err != nil {
		return TaskResult{}, err
	}
	if found && state.GameStatus != GamePlaying {
		return TaskResult{Result: ruleViolation("Game is over")}, nil
	}

	player, found, err := e.getPlayer(ctx, playerID)
	if err != nil {
		return TaskResult{}, err
	}
	if !found {
		return TaskResult{Result: validationFailure("Invalid player")}, nil
	}

	if completed {
		return e.completeTask(ctx, player, taskID)
	}
	return e.failChallenge(ctx, player, taskID)
}

// MarkChallengeCompleted is RecordTaskOutcome with completed set
func (e *Engine) MarkChallengeCompleted(ctx context.Context, playerID, challengeID string) (TaskResult, error) {
	return e.RecordTaskOutcome(ctx, playerID, challengeID, true)
}

func (e *Engine) completeTask(ctx context.Context, player Player, taskID string) (TaskResult, error) {
	if player.hasCompleted(taskID) {
		return taskResult(ok("Task already completed"), player), nil
	}

	after, err := e.mutatePlayer(ctx, player.ID, func(p *Player) error {
		if p.hasCompleted(taskID) {
			return errUnchanged
		}
		p.CompletedTasks = append(p.CompletedTasks, taskID)
		return nil
	}, func(p Player) map[string]any {
		return map[string]any{"completedTasks": p.CompletedTasks}
	})
	if errors.Is(err, errUnchanged) {
		return taskResult(ok("Task already completed"), after), nil
	}
	if err != nil {
		return TaskResult{}, err
	}

	log.Printf("Player %s completed task %s (%d/%d)", after.Username, taskID, len(after.CompletedTasks), e.cfg.RequiredTasksToWin)
	e.logActivity(ctx, fmt.Sprintf("%s completed task %s", after.Username, taskID), ActivityTaskComplete)

	if len(after.CompletedTasks) >= e.cfg.RequiredTasksToWin {
		e.logActivity(ctx, fmt.Sprintf("%s has completed all required tasks!", after.Username), ActivityMilestone)
		if _, err := e.CheckWinConditions(ctx); err != nil {
			return taskResult(ok("Task completed"), after), err
		}
	}
	return taskResult(ok("Task completed"), after), nil
}

func (e *Engine) failChallenge(ctx context.Context, player Player, challengeID string) (TaskResult, error) {
	wasVulnerable := false
	after, err := e.mutatePlayer(ctx, player.ID, func(p *Player) error {
		wasVulnerable = p.IsVulnerable
		p.FailedChallenges = append(p.FailedChallenges, challengeID)
		if len(p.FailedChallenges) >= e.cfg.MaxFailedAttempts {
			p.IsVulnerable = true
		}
		return nil
	}, func(p Player) map[string]any {
		fields := map[string]any{"failedChallenges": p.FailedChallenges}
		if p.IsVulnerable {
			fields["isVulnerable"] = true
		}
		return fields
	})
	if err != nil {
		return TaskResult{}, err
	}

	DebugLog("failChallenge", "Player %s failed %s (%d failures)", after.Username, challengeID, len(after.FailedChallenges))
	if after.IsVulnerable && !wasVulnerable {
		log.Printf("Player %s is now vulnerable", after.Username)
		e.logActivity(ctx, fmt.Sprintf("%s is now VULNERABLE after failing %d challenges", after.Username, e.cfg.MaxFailedAttempts), ActivityVulnerable)
	}

	if _, err := e.CheckWinConditions(ctx); err != nil {
		return taskResult(ok("Failure recorded"), after), err
	}
	return taskResult(ok("Failure recorded"), after), nil
}

// GetAttemptStatus counts the failures recorded for one challenge. Remaining is
// not clamped and goes negative once the limit is exceeded.
func (e *Engine) GetAttemptStatus(ctx context.Context, playerID, challengeID string) (AttemptStatus, error) {
	p, err := e.GetPlayer(ctx, playerID)
	if err != nil {
		return AttemptStatus{}, err
	}
	count := p.failedCount(challengeID)
	return AttemptStatus{
		Count:     count,
		Remaining: e.cfg.MaxFailedAttempts - count,
		Completed: p.hasCompleted(challengeID),
	}, nil
}

// IncrementAttempts records a failure unless the challenge is already completed
// and returns the player's total failure count. It never runs the win check.
func (e *Engine) IncrementAttempts(ctx context.Context, playerID, challengeID string) (int, error) {
	after, err := e.mutatePlayer(ctx, playerID, func(p *Player) error {
		if p.hasCompleted(challengeID) {
			return errUnchanged
		}
		p.FailedChallenges = append(p.FailedChallenges, challengeID)
		if len(p.FailedChallenges) >= e.cfg.MaxFailedAttempts {
			p.IsVulnerable = true
		}
		return nil
	}, func(p Player) map[string]any {
		fields := map[string]any{"failedChallenges": p.FailedChallenges}
		if p.IsVulnerable {
			fields["isVulnerable"] = true
		}
		return fields
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return 0, err
	}
	return len(after.FailedChallenges), nil
}
