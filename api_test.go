package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type apiFixture struct {
	*TestContext
	router *gin.Engine
}

type apiResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

func newAPIFixture(t *testing.T) *apiFixture {
	gin.SetMode(gin.TestMode)
	tc := newTestContext(t)
	hub := newHub(tc.engine, rate.Inf, 1)
	base := tc.cleanup
	tc.cleanup = func() {
		hub.shutdown()
		base()
	}
	return &apiFixture{TestContext: tc, router: newRouter(tc.engine, hub)}
}

// do sends a JSON request, with the session cookie when token is set
func (f *apiFixture) do(method, path string, body any, token string) (*httptest.ResponseRecorder, apiResponse) {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			f.t.Fatalf("Marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		f.t.Fatalf("%s %s: invalid response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, resp
}

func (f *apiFixture) session(playerID string) string {
	f.t.Helper()
	token, err := f.engine.createSession(f.ctx, playerID)
	if err != nil {
		f.t.Fatalf("createSession: %v", err)
	}
	return token
}

func sessionCookie(rec *httptest.ResponseRecorder) string {
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c.Value
		}
	}
	return ""
}

func TestAPIRegisterAndLogin(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	creds := map[string]string{"username": "Alice", "password": testPassword}
	rec, resp := f.do("POST", "/api/register", creds, "")
	if rec.Code != http.StatusCreated || resp.Status != "created" {
		t.Fatalf("Register: %d %+v", rec.Code, resp)
	}
	if strings.Contains(string(resp.Data), "password") {
		t.Errorf("Register response leaked the credential: %s", resp.Data)
	}
	token := sessionCookie(rec)
	if token == "" {
		t.Fatalf("Register should set the session cookie")
	}

	rec, resp = f.do("GET", "/api/me", nil, token)
	var me Player
	json.Unmarshal(resp.Data, &me)
	if rec.Code != http.StatusOK || me.Username != "Alice" {
		t.Errorf("Me: %d %+v", rec.Code, resp)
	}

	if rec, _ := f.do("POST", "/api/register", creds, ""); rec.Code != http.StatusConflict {
		t.Errorf("Duplicate register: expected 409, got %d", rec.Code)
	}
	if rec, _ := f.do("POST", "/api/register", map[string]string{"username": "Bob"}, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Register without credential: expected 400, got %d", rec.Code)
	}

	wrong := map[string]string{"username": "Alice", "password": "nope"}
	if rec, _ := f.do("POST", "/api/login", wrong, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("Wrong credential: expected 401, got %d", rec.Code)
	}
	rec, _ = f.do("POST", "/api/login", creds, "")
	if rec.Code != http.StatusOK || sessionCookie(rec) == "" {
		t.Errorf("Login: %d", rec.Code)
	}

	rec, _ = f.do("POST", "/api/logout", nil, token)
	if rec.Code != http.StatusOK {
		t.Errorf("Logout: %d", rec.Code)
	}
	if rec, _ := f.do("GET", "/api/me", nil, token); rec.Code != http.StatusUnauthorized {
		t.Errorf("Logged out session should be rejected, got %d", rec.Code)
	}
}

func TestAPIRequiresSession(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	for _, path := range []string{"/api/me", "/api/kill/cooldown", "/api/meeting", "/api/dashboard"} {
		if rec, _ := f.do("GET", path, nil, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without a session: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestAPIGameLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	f.registerPlayers("Alice")
	if rec, _ := f.do("POST", "/api/game/assign", nil, ""); rec.Code != http.StatusPreconditionFailed {
		t.Errorf("Assign with one player: expected 412, got %d", rec.Code)
	}
	if rec, _ := f.do("GET", "/api/state", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("State before a game: expected 404, got %d", rec.Code)
	}

	f.registerPlayers("Bob", "Carol")
	rec, resp := f.do("POST", "/api/game/assign", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Assign: %d %+v", rec.Code, resp)
	}
	if strings.Contains(string(resp.Data), "Alice") {
		t.Errorf("Assignment response should not name the impostors: %s", resp.Data)
	}

	rec, resp = f.do("GET", "/api/state", nil, "")
	var state GameState
	json.Unmarshal(resp.Data, &state)
	if rec.Code != http.StatusOK || state.GameStatus != GamePlaying || state.CurrentRound != 1 {
		t.Errorf("State: %d %+v", rec.Code, state)
	}

	rec, resp = f.do("POST", "/api/game/round", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("Advance round: %d %+v", rec.Code, resp)
	}
	rec, resp = f.do("POST", "/api/game/check", nil, "")
	var outcome WinOutcome
	json.Unmarshal(resp.Data, &outcome)
	if rec.Code != http.StatusOK || outcome.Ended {
		t.Errorf("Check: %d %+v", rec.Code, outcome)
	}
	if rec, _ := f.do("POST", "/api/game/reset", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("Reset: %d", rec.Code)
	}
}

func TestAPIKill(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	impostors, crewmates := f.startGame("Alice", "Bob", "Carol")
	alice, bob, carol := impostors[0], crewmates[0], crewmates[1]
	aliceToken, bobToken := f.session(alice.ID), f.session(bob.ID)

	rec, resp := f.do("POST", "/api/kill", map[string]string{"targetId": carol.ID}, bobToken)
	if rec.Code != http.StatusConflict || resp.Error != "Only impostors can kill" {
		t.Errorf("Crewmate kill: %d %+v", rec.Code, resp)
	}
	rec, resp = f.do("POST", "/api/kill", map[string]string{"targetId": "player_missing"}, aliceToken)
	if rec.Code != http.StatusBadRequest || resp.Error != "Invalid player" {
		t.Errorf("Unknown target: %d %+v", rec.Code, resp)
	}
	if rec, _ := f.do("POST", "/api/kill", map[string]string{}, aliceToken); rec.Code != http.StatusBadRequest {
		t.Errorf("Missing target: expected 400, got %d", rec.Code)
	}

	rec, resp = f.do("POST", "/api/kill", map[string]string{"targetId": bob.ID}, aliceToken)
	var result KillResult
	json.Unmarshal(resp.Data, &result)
	if rec.Code != http.StatusOK || !result.Success || result.KillsRemaining != 2 {
		t.Errorf("Kill: %d %+v", rec.Code, result)
	}

	rec, resp = f.do("GET", "/api/kill/cooldown", nil, aliceToken)
	var cooldown struct {
		Remaining int64 `json:"remaining"`
	}
	json.Unmarshal(resp.Data, &cooldown)
	if rec.Code != http.StatusOK || cooldown.Remaining != 30 {
		t.Errorf("Cooldown right after a kill: %d %+v", rec.Code, cooldown)
	}
}

func TestAPITasksAndMeetings(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	_, crewmates := f.startGame("Alice", "Bob", "Carol")
	bobToken := f.session(crewmates[0].ID)

	rec, resp := f.do("POST", "/api/tasks", map[string]any{"taskId": "wires", "completed": true}, bobToken)
	var task TaskResult
	json.Unmarshal(resp.Data, &task)
	if rec.Code != http.StatusOK || task.CompletedCount != 1 {
		t.Errorf("Task: %d %+v", rec.Code, task)
	}

	rec, resp = f.do("POST", "/api/attempts", map[string]string{"challengeId": "fuel"}, bobToken)
	if rec.Code != http.StatusOK || !strings.Contains(string(resp.Data), `"failures":1`) {
		t.Errorf("Attempts: %d %s", rec.Code, resp.Data)
	}
	rec, resp = f.do("GET", "/api/attempts/fuel", nil, bobToken)
	var status AttemptStatus
	json.Unmarshal(resp.Data, &status)
	if rec.Code != http.StatusOK || status.Count != 1 || status.Remaining != 2 {
		t.Errorf("Attempt status: %d %+v", rec.Code, status)
	}

	if rec, _ := f.do("POST", "/api/meeting", nil, bobToken); rec.Code != http.StatusOK {
		t.Errorf("Call meeting: %d", rec.Code)
	}
	rec, resp = f.do("POST", "/api/meeting", nil, bobToken)
	if rec.Code != http.StatusConflict || resp.Error != "Meeting already in progress" {
		t.Errorf("Second meeting: %d %+v", rec.Code, resp)
	}
	if rec, _ := f.do("POST", "/api/game/meeting/end", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("End meeting: %d", rec.Code)
	}
	rec, resp = f.do("GET", "/api/meeting", nil, bobToken)
	var check MeetingCheck
	json.Unmarshal(resp.Data, &check)
	if rec.Code != http.StatusOK || !check.CanCall {
		t.Errorf("Meeting check after end: %d %+v", rec.Code, check)
	}
}

func TestAPISabotage(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	impostors, _ := f.startGame("Alice", "Bob")
	token := f.session(impostors[0].ID)

	if rec, _ := f.do("GET", "/api/sabotage", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("No sabotage yet: expected 404, got %d", rec.Code)
	}
	if rec, _ := f.do("POST", "/api/sabotage", map[string]string{"type": "lights"}, token); rec.Code != http.StatusOK {
		t.Errorf("Sabotage: %d", rec.Code)
	}
	rec, resp := f.do("POST", "/api/sabotage", map[string]string{"type": "lights"}, token)
	if rec.Code != http.StatusConflict || resp.Error != "Sabotage on cooldown: 45s remaining" {
		t.Errorf("Sabotage on cooldown: %d %+v", rec.Code, resp)
	}
	if rec, _ := f.do("POST", "/api/sabotage", map[string]string{"type": "doors"}, token); rec.Code != http.StatusBadRequest {
		t.Errorf("Unknown sabotage type: expected 400, got %d", rec.Code)
	}

	rec, resp = f.do("GET", "/api/sabotage", nil, "")
	var active ActiveSabotage
	json.Unmarshal(resp.Data, &active)
	if rec.Code != http.StatusOK || active.Type != "lights" {
		t.Errorf("Active sabotage: %d %+v", rec.Code, active)
	}
}

func TestAPIRoleVisibility(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	impostors, crewmates := f.startGame("Alice", "Bob", "Carol")
	aliceToken, bobToken := f.session(impostors[0].ID), f.session(crewmates[0].ID)

	roles := func(token string) map[string]Role {
		rec, resp := f.do("GET", "/api/players", nil, token)
		if rec.Code != http.StatusOK {
			t.Fatalf("Players: %d", rec.Code)
		}
		if strings.Contains(string(resp.Data), "password") || strings.Contains(string(resp.Data), testPassword) {
			t.Errorf("Players response leaked credentials: %s", resp.Data)
		}
		var players []Player
		json.Unmarshal(resp.Data, &players)
		out := map[string]Role{}
		for _, p := range players {
			out[p.Username] = p.Role
		}
		return out
	}

	if got := roles(""); got["Alice"] != "" || got["Bob"] != "" || len(got) != 3 {
		t.Errorf("Anonymous viewers should not see roles: %v", got)
	}
	if got := roles(bobToken); got["Alice"] != "" {
		t.Errorf("Crewmates should not see roles: %v", got)
	}
	if got := roles(aliceToken); got["Alice"] != RoleImpostor || got["Bob"] != RoleCrewmate {
		t.Errorf("Impostors should see roles: %v", got)
	}

	rec, resp := f.do("GET", "/api/players/"+impostors[0].ID, nil, bobToken)
	var p Player
	json.Unmarshal(resp.Data, &p)
	if rec.Code != http.StatusOK || p.Role != "" {
		t.Errorf("Single player lookup should hide the role: %d %+v", rec.Code, p)
	}
	if rec, _ := f.do("GET", "/api/players/player_missing", nil, bobToken); rec.Code != http.StatusNotFound {
		t.Errorf("Unknown player: expected 404, got %d", rec.Code)
	}
}

func TestAPIDashboard(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	impostors, crewmates := f.startGame("Alice", "Bob", "Carol")

	if rec, _ := f.do("GET", "/api/dashboard", nil, f.session(crewmates[0].ID)); rec.Code != http.StatusForbidden {
		t.Errorf("Crewmate dashboard: expected 403, got %d", rec.Code)
	}
	rec, resp := f.do("GET", "/api/dashboard", nil, f.session(impostors[0].ID))
	var d ImpostorDashboard
	json.Unmarshal(resp.Data, &d)
	if rec.Code != http.StatusOK || d.TotalPlayers != 3 || d.ImpostorCount != 1 {
		t.Errorf("Impostor dashboard: %d %+v", rec.Code, d)
	}
}

func TestAPISetStatus(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	bob := f.registerPlayers("Bob")[0]
	token := f.session(bob.ID)

	if rec, _ := f.do("PUT", "/api/me/status", map[string]string{"status": "offline"}, token); rec.Code != http.StatusOK {
		t.Errorf("Set offline: %d", rec.Code)
	}
	if got := f.player(bob.ID).Status; got != StatusOffline {
		t.Errorf("Expected offline, got %s", got)
	}
	if rec, _ := f.do("PUT", "/api/me/status", map[string]string{"status": "eliminated"}, token); rec.Code != http.StatusBadRequest {
		t.Errorf("Setting eliminated through the API: expected 400, got %d", rec.Code)
	}
}

func TestAPIStoreUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	defer f.cleanup()

	f.registerPlayers("Alice")
	f.store.Close()

	rec, resp := f.do("GET", "/api/players", nil, "")
	if rec.Code != http.StatusServiceUnavailable || resp.Error != "store unavailable" {
		t.Errorf("Closed store: expected 503, got %d %+v", rec.Code, resp)
	}
}
