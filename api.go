package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const sessionCookieName = "impostor_session"

// API exposes the engine over JSON
type API struct {
	engine *Engine
}

// standardResponse sends a consistent JSON response
func standardResponse(c *gin.Context, code int, status string, data any, err string) {
	response := gin.H{"status": status}
	if data != nil {
		response["data"] = data
	}
	if err != "" {
		response["error"] = err
	}
	c.JSON(code, response)
}

// respondResult maps a gameplay Result onto a status code: refusals are 409,
// bad input 400.
func respondResult(c *gin.Context, r Result, data any) {
	if data == nil {
		data = r
	}
	switch {
	case r.Success:
		standardResponse(c, http.StatusOK, "ok", data, "")
	case r.Failure == FailureValidation:
		standardResponse(c, http.StatusBadRequest, "invalid", data, r.Reason)
	default:
		standardResponse(c, http.StatusConflict, "refused", data, r.Reason)
	}
}

// respondError maps engine errors; anything unknown is a store failure
func respondError(c *gin.Context, where string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientPlayers):
		standardResponse(c, http.StatusPreconditionFailed, "error", nil, err.Error())
	case errors.Is(err, ErrPlayerNotFound):
		standardResponse(c, http.StatusNotFound, "error", nil, err.Error())
	case errors.Is(err, ErrInvalidUsername), errors.Is(err, ErrInvalidStatus):
		standardResponse(c, http.StatusBadRequest, "error", nil, err.Error())
	case errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrPlayerEliminated):
		standardResponse(c, http.StatusConflict, "error", nil, err.Error())
	default:
		logError(where, err)
		standardResponse(c, http.StatusServiceUnavailable, "error", nil, "store unavailable")
	}
}

func newRouter(engine *Engine, hub *Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := &API{engine: engine}
	router.GET("/ws", gin.WrapF(hub.handleWebSocket))

	g := router.Group("/api")
	{
		g.POST("/register", api.Register)
		g.POST("/login", api.Login)
		g.POST("/logout", api.Logout)

		g.GET("/players", api.Players)
		g.GET("/state", api.GameState)
		g.GET("/activities", api.Activities)
		g.GET("/sabotage", api.ActiveSabotage)

		game := g.Group("/game")
		{
			game.POST("/assign", api.AssignRoles)
			game.POST("/init", api.InitializeGameState)
			game.POST("/reset", api.ResetGame)
			game.POST("/round", api.AdvanceRound)
			game.POST("/check", api.CheckWinConditions)
			game.POST("/meeting/end", api.EndMeeting)
		}

		me := g.Group("", api.requireSession)
		{
			me.GET("/me", api.Me)
			me.PUT("/me/status", api.SetStatus)
			me.GET("/players/:id", api.Player)
			me.POST("/kill", api.Kill)
			me.GET("/kill/cooldown", api.KillCooldown)
			me.POST("/tasks", api.RecordTask)
			me.POST("/attempts", api.IncrementAttempts)
			me.GET("/attempts/:challenge", api.AttemptStatus)
			me.POST("/sabotage", api.Sabotage)
			me.GET("/meeting", api.CanCallMeeting)
			me.POST("/meeting", api.CallMeeting)
			me.GET("/dashboard", api.requireImpostor, api.Dashboard)
		}
	}
	return router
}

// sessionFromRequest resolves the session cookie to a player id
func sessionFromRequest(ctx context.Context, engine *Engine, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	playerID, found, err := engine.sessionPlayerID(ctx, cookie.Value)
	if err != nil {
		logError("sessionFromRequest", err)
		return "", false
	}
	return playerID, found
}

func (a *API) requireSession(c *gin.Context) {
	playerID, ok := sessionFromRequest(c.Request.Context(), a.engine, c.Request)
	if !ok {
		standardResponse(c, http.StatusUnauthorized, "error", nil, "not logged in")
		c.Abort()
		return
	}
	c.Set("playerID", playerID)
	c.Next()
}

func (a *API) requireImpostor(c *gin.Context) {
	p, err := a.engine.GetPlayer(c.Request.Context(), c.GetString("playerID"))
	if err != nil {
		respondError(c, "requireImpostor", err)
		c.Abort()
		return
	}
	if p.Role != RoleImpostor {
		standardResponse(c, http.StatusForbidden, "error", nil, "impostors only")
		c.Abort()
		return
	}
	c.Next()
}

func (a *API) setSession(c *gin.Context, playerID string) bool {
	token, err := a.engine.createSession(c.Request.Context(), playerID)
	if err != nil {
		respondError(c, "setSession", err)
		return false
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, token, 86400*30, "/", "", false, true)
	return true
}

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (a *API) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		standardResponse(c, http.StatusBadRequest, "error", nil, ErrInvalidUsername.Error())
		return
	}
	player, err := a.engine.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, "Register", err)
		return
	}
	if !a.setSession(c, player.ID) {
		return
	}
	standardResponse(c, http.StatusCreated, "created", player.Public(), "")
}

func (a *API) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		standardResponse(c, http.StatusBadRequest, "error", nil, ErrInvalidUsername.Error())
		return
	}
	player, found, err := a.engine.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		respondError(c, "Login", err)
		return
	}
	if !found {
		standardResponse(c, http.StatusUnauthorized, "error", nil, "invalid username or password")
		return
	}
	if !a.setSession(c, player.ID) {
		return
	}
	standardResponse(c, http.StatusOK, "ok", player.Public(), "")
}

func (a *API) Logout(c *gin.Context) {
	if token, err := c.Cookie(sessionCookieName); err == nil {
		if err := a.engine.deleteSession(c.Request.Context(), token); err != nil {
			logError("Logout", err)
		}
	}
	c.SetCookie(sessionCookieName, "", -1, "/", "", false, true)
	standardResponse(c, http.StatusOK, "ok", nil, "")
}

// Players lists everyone without credentials. Roles are only shown to impostors.
func (a *API) Players(c *gin.Context) {
	ctx := c.Request.Context()
	players, err := a.engine.GetPlayers(ctx)
	if err != nil {
		respondError(c, "Players", err)
		return
	}

	showRoles := false
	if viewerID, ok := sessionFromRequest(ctx, a.engine, c.Request); ok {
		for _, p := range players {
			if p.ID == viewerID && p.Role == RoleImpostor {
				showRoles = true
			}
		}
	}

	out := make([]Player, 0, len(players))
	for _, p := range players {
		p = p.Public()
		if !showRoles {
			p.Role = ""
		}
		out = append(out, p)
	}
	standardResponse(c, http.StatusOK, "ok", out, "")
}

func (a *API) Player(c *gin.Context) {
	p, err := a.engine.GetPlayer(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Player", err)
		return
	}
	p = p.Public()
	if p.ID != c.GetString("playerID") {
		p.Role = ""
	}
	standardResponse(c, http.StatusOK, "ok", p, "")
}

func (a *API) Me(c *gin.Context) {
	p, err := a.engine.GetPlayer(c.Request.Context(), c.GetString("playerID"))
	if err != nil {
		respondError(c, "Me", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", p.Public(), "")
}

func (a *API) SetStatus(c *gin.Context) {
	var req struct {
		Status Status `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		standardResponse(c, http.StatusBadRequest, "error", nil, ErrInvalidStatus.Error())
		return
	}
	if err := a.engine.SetStatus(c.Request.Context(), c.GetString("playerID"), req.Status); err != nil {
		respondError(c, "SetStatus", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", nil, "")
}

func (a *API) GameState(c *gin.Context) {
	state, found, err := a.engine.GetGameState(c.Request.Context())
	if err != nil {
		respondError(c, "GameState", err)
		return
	}
	if !found {
		standardResponse(c, http.StatusNotFound, "error", nil, "no game in progress")
		return
	}
	standardResponse(c, http.StatusOK, "ok", state, "")
}

func (a *API) Activities(c *gin.Context) {
	var q struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&q); err != nil || q.Limit <= 0 {
		q.Limit = dashboardActivityLimit
	}
	recent, err := a.engine.Activities().Recent(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, "Activities", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", recent, "")
}

func (a *API) ActiveSabotage(c *gin.Context) {
	active, found, err := a.engine.GetActiveSabotage(c.Request.Context())
	if err != nil {
		respondError(c, "ActiveSabotage", err)
		return
	}
	if !found {
		standardResponse(c, http.StatusNotFound, "error", nil, "no sabotage triggered")
		return
	}
	standardResponse(c, http.StatusOK, "ok", active, "")
}

func (a *API) AssignRoles(c *gin.Context) {
	assignment, err := a.engine.AssignRoles(c.Request.Context())
	if err != nil {
		respondError(c, "AssignRoles", err)
		return
	}
	// Usernames per side stay on the server; clients learn their own role via /me
	standardResponse(c, http.StatusOK, "ok", gin.H{
		"impostors": len(assignment.Impostors),
		"crewmates": len(assignment.Crewmates),
	}, "")
}

func (a *API) InitializeGameState(c *gin.Context) {
	state, err := a.engine.InitializeGameState(c.Request.Context())
	if err != nil {
		respondError(c, "InitializeGameState", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", state, "")
}

func (a *API) ResetGame(c *gin.Context) {
	assignment, err := a.engine.ResetGame(c.Request.Context())
	if err != nil {
		respondError(c, "ResetGame", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", gin.H{
		"impostors": len(assignment.Impostors),
		"crewmates": len(assignment.Crewmates),
	}, "")
}

func (a *API) AdvanceRound(c *gin.Context) {
	r, err := a.engine.AdvanceRound(c.Request.Context())
	if err != nil {
		respondError(c, "AdvanceRound", err)
		return
	}
	respondResult(c, r, nil)
}

func (a *API) CheckWinConditions(c *gin.Context) {
	outcome, err := a.engine.CheckWinConditions(c.Request.Context())
	if err != nil {
		respondError(c, "CheckWinConditions", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", outcome, "")
}

func (a *API) EndMeeting(c *gin.Context) {
	if err := a.engine.EndMeeting(c.Request.Context()); err != nil {
		respondError(c, "EndMeeting", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", nil, "")
}

func (a *API) Kill(c *gin.Context) {
	var req struct {
		TargetID string `json:"targetId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondResult(c, validationFailure("targetId is required"), nil)
		return
	}
	r, err := a.engine.PerformKill(c.Request.Context(), c.GetString("playerID"), req.TargetID)
	if err != nil {
		respondError(c, "Kill", err)
		return
	}
	respondResult(c, r.Result, r)
}

func (a *API) KillCooldown(c *gin.Context) {
	remaining, err := a.engine.GetKillCooldown(c.Request.Context(), c.GetString("playerID"))
	if err != nil {
		respondError(c, "KillCooldown", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", gin.H{"remaining": remaining}, "")
}

func (a *API) RecordTask(c *gin.Context) {
	var req struct {
		TaskID    string `json:"taskId" binding:"required"`
		Completed bool   `json:"completed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondResult(c, validationFailure("taskId is required"), nil)
		return
	}
	r, err := a.engine.RecordTaskOutcome(c.Request.Context(), c.GetString("playerID"), req.TaskID, req.Completed)
	if err != nil {
		respondError(c, "RecordTask", err)
		return
	}
	respondResult(c, r.Result, r)
}

func (a *API) IncrementAttempts(c *gin.Context) {
	var req struct {
		ChallengeID string `json:"challengeId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondResult(c, validationFailure("challengeId is required"), nil)
		return
	}
	count, err := a.engine.IncrementAttempts(c.Request.Context(), c.GetString("playerID"), req.ChallengeID)
	if err != nil {
		respondError(c, "IncrementAttempts", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", gin.H{"failures": count}, "")
}

func (a *API) AttemptStatus(c *gin.Context) {
	status, err := a.engine.GetAttemptStatus(c.Request.Context(), c.GetString("playerID"), c.Param("challenge"))
	if err != nil {
		respondError(c, "AttemptStatus", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", status, "")
}

func (a *API) Sabotage(c *gin.Context) {
	var req struct {
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondResult(c, validationFailure("type is required"), nil)
		return
	}
	r, err := a.engine.TriggerSabotage(c.Request.Context(), c.GetString("playerID"), req.Type)
	if err != nil {
		respondError(c, "Sabotage", err)
		return
	}
	respondResult(c, r, nil)
}

func (a *API) CanCallMeeting(c *gin.Context) {
	check, err := a.engine.CanCallMeeting(c.Request.Context(), c.GetString("playerID"))
	if err != nil {
		respondError(c, "CanCallMeeting", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", check, "")
}

func (a *API) CallMeeting(c *gin.Context) {
	r, err := a.engine.CallMeeting(c.Request.Context(), c.GetString("playerID"))
	if err != nil {
		respondError(c, "CallMeeting", err)
		return
	}
	respondResult(c, r, nil)
}

func (a *API) Dashboard(c *gin.Context) {
	d, err := a.engine.GetImpostorDashboardData(c.Request.Context())
	if err != nil {
		respondError(c, "Dashboard", err)
		return
	}
	standardResponse(c, http.StatusOK, "ok", d, "")
}
