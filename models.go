package main

import (
	"errors"
	"time"
)

type Role string

const (
	RoleCrewmate Role = "crewmate"
	RoleImpostor Role = "impostor"
)

type Status string

const (
	StatusOnline     Status = "online"
	StatusOffline    Status = "offline"
	StatusEliminated Status = "eliminated"
)

// Game statuses
const (
	GamePlaying     = "playing"
	GameCrewmateWin = "crewmate_win"
	GameImpostorWin = "impostor_win"
)

// Activity types
const (
	ActivityRoleAssignment = "role_assignment"
	ActivityKill           = "kill"
	ActivityTaskComplete   = "task_complete"
	ActivityMilestone      = "milestone"
	ActivityVulnerable     = "vulnerable"
	ActivitySabotage       = "sabotage"
	ActivityMeeting        = "meeting"
	ActivityGameEnd        = "game_end"
	ActivityGameReset      = "game_reset"
	ActivityRound          = "round"
	ActivityStory          = "story"
	ActivityInfo           = "info"
)

// Player is stored at players/<id>. Timestamps are epoch milliseconds.
type Player struct {
	ID               string   `json:"id"`
	Username         string   `json:"username"`
	Credential       string   `json:"password,omitempty"`
	Role             Role     `json:"role"`
	Status           Status   `json:"status"`
	Score            int      `json:"score"`
	CompletedTasks   []string `json:"completedTasks"`
	FailedChallenges []string `json:"failedChallenges"` // duplicates count
	IsVulnerable     bool     `json:"isVulnerable"`
	LastKillTime     int64    `json:"lastKillTime,omitempty"`
	EliminatedBy     string   `json:"eliminatedBy,omitempty"`
	EliminatedAt     int64    `json:"eliminatedAt,omitempty"`
	JoinedAt         int64    `json:"joinedAt"`
	LastActive       int64    `json:"lastActive"`
}

// Public returns a copy without the credential, safe to hand to clients.
func (p Player) Public() Player {
	p.Credential = ""
	return p
}

func (p Player) hasCompleted(taskID string) bool {
	for _, t := range p.CompletedTasks {
		if t == taskID {
			return true
		}
	}
	return false
}

func (p Player) failedCount(challengeID string) int {
	n := 0
	for _, c := range p.FailedChallenges {
		if c == challengeID {
			n++
		}
	}
	return n
}

// GameState is the singleton document at gameState
type GameState struct {
	CurrentRound      int              `json:"currentRound"`
	KillsThisRound    int              `json:"killsThisRound"`
	GameStatus        string           `json:"gameStatus"`
	WinReason         string           `json:"winReason"`
	SabotageCooldowns map[string]int64 `json:"sabotageCooldowns"` // type -> expiry, epoch ms
	MeetingCalled     bool             `json:"meetingCalled"`
	MeetingStartTime  int64            `json:"meetingStartTime,omitempty"`
	MeetingCalledBy   string           `json:"meetingCalledBy,omitempty"`
	VoteInProgress    bool             `json:"voteInProgress"`
	RolesAssigned     bool             `json:"rolesAssigned"`
	GameStartTime     int64            `json:"gameStartTime"`
	GameEndTime       int64            `json:"gameEndTime,omitempty"`
	TotalPlayers      int              `json:"totalPlayers"`
}

// Activity is one audit-trail entry at activities/<id>
type Activity struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ActiveSabotage is published at sabotages/active for countdown consumers
type ActiveSabotage struct {
	Type        string `json:"type"`
	TriggeredBy string `json:"triggeredBy"`
	StartTime   int64  `json:"startTime"`
	Duration    int64  `json:"duration"` // milliseconds
}

// FailureKind separates bad input from game-rule refusals
type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureRule       FailureKind = "rule"
)

// Result is the outcome of a gameplay action. Failures are values, never errors.
type Result struct {
	Success bool        `json:"success"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`
	Failure FailureKind `json:"failure,omitempty"`
}

func ok(message string) Result { return Result{Success: true, Message: message} }

func ruleViolation(reason string) Result {
	return Result{Reason: reason, Failure: FailureRule}
}

func validationFailure(reason string) Result {
	return Result{Reason: reason, Failure: FailureValidation}
}

// KillResult adds the remaining kill budget to a Result
type KillResult struct {
	Result
	KillsRemaining int `json:"killsRemaining"`
}

// TaskResult reports the player's counters after a task outcome
type TaskResult struct {
	Result
	CompletedCount int  `json:"completedCount"`
	FailedCount    int  `json:"failedCount"`
	IsVulnerable   bool `json:"isVulnerable"`
}

// AttemptStatus is the per-challenge failure summary. Remaining may go negative.
type AttemptStatus struct {
	Count     int  `json:"count"`
	Remaining int  `json:"remaining"`
	Completed bool `json:"completed"`
}

// MeetingCheck answers canCallMeeting
type MeetingCheck struct {
	CanCall bool   `json:"canCall"`
	Reason  string `json:"reason"`
}

// RoleAssignment lists usernames per side
type RoleAssignment struct {
	Impostors []string `json:"impostors"`
	Crewmates []string `json:"crewmates"`
}

var (
	ErrInsufficientPlayers = errors.New("need at least 2 players to assign roles")
	ErrPlayerNotFound      = errors.New("player not found")
	ErrPlayerEliminated    = errors.New("player is eliminated")
	ErrInvalidStatus       = errors.New("status must be online or offline")
	ErrUsernameTaken       = errors.New("username already taken")
	ErrInvalidUsername     = errors.New("username and credential are required")
)

// GameConfig holds the deploy-time game rules
type GameConfig struct {
	TotalPlayers       int
	MaxImpostors       int
	MaxKillsPerRound   int
	RequiredTasksToWin int
	MaxFailedAttempts  int
	KillCooldown       time.Duration
	SabotageCooldowns  map[string]time.Duration
	ActivityRetention  int
}

func defaultGameConfig() GameConfig {
	return GameConfig{
		TotalPlayers:       8,
		MaxImpostors:       2,
		MaxKillsPerRound:   3,
		RequiredTasksToWin: 3,
		MaxFailedAttempts:  3,
		KillCooldown:       30 * time.Second,
		SabotageCooldowns: map[string]time.Duration{
			"comms":   60 * time.Second,
			"lights":  45 * time.Second,
			"oxygen":  90 * time.Second,
			"reactor": 120 * time.Second,
		},
		ActivityRetention: 50,
	}
}
