package main

import "context"

// ImpostorDashboard aggregates what the impostor dashboard renders
type ImpostorDashboard struct {
	Players          []Player   `json:"players"`
	GameState        GameState  `json:"gameState"`
	OnlineCount      int        `json:"onlineCount"`
	TotalPlayers     int        `json:"totalPlayers"`
	ImpostorCount    int        `json:"impostorCount"`
	VulnerableCount  int        `json:"vulnerableCount"`
	CrewmateProgress float64    `json:"crewmateProgress"` // percent, capped at 100
	RecentActivities []Activity `json:"recentActivities"`
	KillsRemaining   int        `json:"killsRemaining"`
}

const dashboardActivityLimit = 10

func (e *Engine) GetImpostorDashboardData(ctx context.Context) (ImpostorDashboard, error) {
	players, err := e.GetPlayers(ctx)
	if err != nil {
		return ImpostorDashboard{}, err
	}
	state, _, err := e.GetGameState(ctx)
	if err != nil {
		return ImpostorDashboard{}, err
	}
	recent, err := e.activities.Recent(ctx, dashboardActivityLimit)
	if err != nil {
		return ImpostorDashboard{}, err
	}

	d := ImpostorDashboard{
		Players:          make([]Player, 0, len(players)),
		GameState:        state,
		TotalPlayers:     len(players),
		RecentActivities: recent,
		KillsRemaining:   e.cfg.MaxKillsPerRound - state.KillsThisRound,
	}
	var crewmates, tasksDone int
	for _, p := range players {
		d.Players = append(d.Players, p.Public())
		if p.Status == StatusOnline {
			d.OnlineCount++
		}
		switch p.Role {
		case RoleImpostor:
			d.ImpostorCount++
		case RoleCrewmate:
			crewmates++
			tasksDone += len(p.CompletedTasks)
			if p.IsVulnerable && p.Status != StatusEliminated {
				d.VulnerableCount++
			}
		}
	}
	if maxTasks := crewmates * e.cfg.RequiredTasksToWin; maxTasks > 0 {
		d.CrewmateProgress = min(100, float64(tasksDone)/float64(maxTasks)*100)
	}
	return d, nil
}
