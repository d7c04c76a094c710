package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier decides how credentials are stored and compared.
// plainVerifier keeps the legacy plain-text behaviour; bcryptVerifier hashes.
type CredentialVerifier interface {
	Prepare(credential string) (string, error)
	Verify(stored, given string) bool
}

type plainVerifier struct{}

func (plainVerifier) Prepare(credential string) (string, error) { return credential, nil }

func (plainVerifier) Verify(stored, given string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

type bcryptVerifier struct {
	cost int
}

func (v bcryptVerifier) Prepare(credential string) (string, error) {
	cost := v.cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), cost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hash), nil
}

func (bcryptVerifier) Verify(stored, given string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
}

func verifierFor(name string) (CredentialVerifier, error) {
	switch name {
	case "", "plain":
		return plainVerifier{}, nil
	case "bcrypt":
		return bcryptVerifier{}, nil
	default:
		return nil, fmt.Errorf("unknown credential scheme %q (valid: plain, bcrypt)", name)
	}
}

func generatePlayerID() string {
	return "player_" + uuid.NewString()
}

// Register creates a player. When the registration brings the player count to
// the configured threshold a LobbyEvent is announced for the orchestrator.
func (e *Engine) Register(ctx context.Context, username, credential string) (Player, error) {
	username = strings.TrimSpace(username)
	if username == "" || credential == "" {
		return Player{}, ErrInvalidUsername
	}

	players, err := e.GetPlayers(ctx)
	if err != nil {
		return Player{}, err
	}
	for _, p := range players {
		if p.Username == username {
			return Player{}, ErrUsernameTaken
		}
	}

	stored, err := e.verifier.Prepare(credential)
	if err != nil {
		return Player{}, err
	}

	now := e.nowMillis()
	player := Player{
		ID:               generatePlayerID(),
		Username:         username,
		Credential:       stored,
		Role:             RoleCrewmate,
		Status:           StatusOnline,
		CompletedTasks:   []string{},
		FailedChallenges: []string{},
		JoinedAt:         now,
		LastActive:       now,
	}
	if err := setJSON(ctx, e.store, playerPath(player.ID), player); err != nil {
		return Player{}, err
	}

	total := len(players) + 1
	log.Printf("New player registered: username='%s', id=%s (%d players)", username, player.ID, total)
	DebugLog("Register", "Player '%s' registered with ID %s", username, player.ID)
	LogStoreState("after register: " + username)

	if total == e.cfg.TotalPlayers {
		e.announce(LobbyEvent{Kind: EventPlayerThresholdReached, PlayerCount: total})
	}
	return player, nil
}

// Authenticate finds the player by username and credential. On success the
// player is marked online, unless eliminated, and lastActive is refreshed.
func (e *Engine) Authenticate(ctx context.Context, username, credential string) (Player, bool, error) {
	players, err := e.GetPlayers(ctx)
	if err != nil {
		return Player{}, false, err
	}

	for _, p := range players {
		if p.Username != username || !e.verifier.Verify(p.Credential, credential) {
			continue
		}
		fields := map[string]any{"lastActive": e.nowMillis()}
		if p.Status != StatusEliminated {
			fields["status"] = StatusOnline
		}
		if err := e.updatePlayer(ctx, p.ID, fields); err != nil {
			return Player{}, false, err
		}
		refreshed, err := e.GetPlayer(ctx, p.ID)
		if err != nil {
			return Player{}, false, err
		}
		log.Printf("Player logged in: username='%s', id=%s", username, p.ID)
		return refreshed, true, nil
	}

	DebugLog("Authenticate", "No player matches username '%s'", username)
	return Player{}, false, nil
}

// SetStatus moves a player between online and offline. Elimination is one-way:
// an eliminated player stays eliminated until the game is reset.
func (e *Engine) SetStatus(ctx context.Context, id string, status Status) error {
	if status != StatusOnline && status != StatusOffline {
		return ErrInvalidStatus
	}

	apply := func(p *Player, exists bool) error {
		if !exists {
			return ErrPlayerNotFound
		}
		if p.Status == StatusEliminated {
			return ErrPlayerEliminated
		}
		p.Status = status
		p.LastActive = e.nowMillis()
		return nil
	}

	if e.atomic {
		if err := transactJSON(ctx, e.store, playerPath(id), apply); err != nil {
			return err
		}
	} else {
		p, found, err := e.getPlayer(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(&p, found); err != nil {
			return err
		}
		if err := e.updatePlayer(ctx, id, map[string]any{
			"status":     p.Status,
			"lastActive": p.LastActive,
		}); err != nil {
			return err
		}
	}

	DebugLog("SetStatus", "Player %s is now %s", id, status)
	return nil
}

type session struct {
	PlayerID  string `json:"playerId"`
	CreatedAt int64  `json:"createdAt"`
}

// createSession stores a new session token for playerID
func (e *Engine) createSession(ctx context.Context, playerID string) (string, error) {
	token := uuid.NewString()
	err := setJSON(ctx, e.store, sessionPath(token), session{PlayerID: playerID, CreatedAt: e.nowMillis()})
	if err != nil {
		return "", err
	}
	return token, nil
}

// sessionPlayerID resolves a session token; ok is false for unknown tokens
func (e *Engine) sessionPlayerID(ctx context.Context, token string) (string, bool, error) {
	if token == "" || strings.Contains(token, "/") {
		return "", false, nil
	}
	var s session
	found, err := getJSON(ctx, e.store, sessionPath(token), &s)
	if err != nil || !found {
		return "", false, err
	}
	return s.PlayerID, true, nil
}

func (e *Engine) deleteSession(ctx context.Context, token string) error {
	if token == "" || strings.Contains(token, "/") {
		return nil
	}
	return e.store.Remove(ctx, sessionPath(token))
}
