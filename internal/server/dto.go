package server

import (
	"time"

	"proxim8/internal/catalog"
	"proxim8/internal/domain"
)

// Request payloads

type CreateAgentRequest struct {
	Name string `json:"name" minLength:"1"`
}

type CreateUnitRequest struct {
	Name        string `json:"name" minLength:"1"`
	Personality string `json:"personality" enum:"analytical,aggressive,diplomatic,unpredictable"`
	Level       int    `json:"level,omitempty" minimum:"1"`
	Experience  int    `json:"experience,omitempty" minimum:"0"`
}

type DeployRequest struct {
	AgentID   string `json:"agent_id"`
	UnitID    string `json:"unit_id"`
	MissionID string `json:"mission_id"`
	Approach  string `json:"approach" enum:"low,medium,high"`
}

type AbandonRequest struct {
	AgentID string `json:"agent_id"`
}

// Response payloads

type AgentResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	TimelinePoints    int    `json:"timeline_points"`
	Rank              string `json:"rank" enum:"initiate,operative,specialist,architect"`
	MissionsCompleted int    `json:"missions_completed"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

type UnitResponse struct {
	ID                string `json:"id"`
	AgentID           string `json:"agent_id"`
	Name              string `json:"name"`
	Personality       string `json:"personality" enum:"analytical,aggressive,diplomatic,unpredictable"`
	Level             int    `json:"level"`
	Experience        int    `json:"experience"`
	IsDeployed        bool   `json:"is_deployed"`
	MissionsCompleted int    `json:"missions_completed"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type AgentMissionResponse struct {
	MissionID        string `json:"mission_id"`
	Completions      int    `json:"completions"`
	Successes        int    `json:"successes"`
	FirstCompletedAt string `json:"first_completed_at" format:"date-time"`
	LastCompletedAt  string `json:"last_completed_at" format:"date-time"`
}

type PhaseResponse struct {
	ID              int    `json:"id"`
	Name            string `json:"name"`
	DurationPercent int    `json:"duration_percent"`
}

type ApproachResponse struct {
	SuccessRate   [2]float64 `json:"success_rate"`
	TimelineShift [2]float64 `json:"timeline_shift"`
}

type MissionResponse struct {
	ID                     string                      `json:"id"`
	Sequence               int                         `json:"sequence"`
	Title                  string                      `json:"title"`
	Description            string                      `json:"description,omitempty"`
	DurationSeconds        int64                       `json:"duration_seconds"`
	PreferredPersonalities []string                    `json:"preferred_personalities"`
	Approaches             map[string]ApproachResponse `json:"approaches"`
	Phases                 []PhaseResponse             `json:"phases"`
}

// DeploymentResponse never carries phase outcomes; those are only exposed
// through the state view once revealed.
type DeploymentResponse struct {
	ID               string               `json:"id"`
	MissionID        string               `json:"mission_id"`
	AgentID          string               `json:"agent_id"`
	UnitID           string               `json:"unit_id"`
	Approach         string               `json:"approach" enum:"low,medium,high"`
	Status           string               `json:"status" enum:"active,completed,abandoned"`
	DeployedAt       string               `json:"deployed_at" format:"date-time"`
	CompletesAt      string               `json:"completes_at" format:"date-time"`
	CompletedAt      string               `json:"completed_at,omitempty" format:"date-time"`
	FinalSuccessRate float64              `json:"final_success_rate"`
	Compatibility    domain.Compatibility `json:"compatibility"`
	CurrentPhase     int                  `json:"current_phase"`
	Result           *domain.Result       `json:"result,omitempty"`
}

type CompleteResponse struct {
	Applied    bool               `json:"applied"`
	Deployment DeploymentResponse `json:"deployment"`
}

type RankResponse struct {
	Points int    `json:"points"`
	Rank   string `json:"rank" enum:"initiate,operative,specialist,architect"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AgentID    string         `json:"agent_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:                a.ID,
		Name:              a.Name,
		TimelinePoints:    a.TimelinePoints,
		Rank:              string(a.Rank),
		MissionsCompleted: a.MissionsCompleted,
		CreatedAt:         ts(a.CreatedAt),
		UpdatedAt:         ts(a.UpdatedAt),
	}
}

func unitResponse(u domain.Unit) UnitResponse {
	return UnitResponse{
		ID:                u.ID,
		AgentID:           u.AgentID,
		Name:              u.Name,
		Personality:       string(u.Personality),
		Level:             u.Level,
		Experience:        u.Experience,
		IsDeployed:        u.IsDeployed,
		MissionsCompleted: u.MissionsCompleted,
		CreatedAt:         ts(u.CreatedAt),
	}
}

func agentMissionResponse(am domain.AgentMission) AgentMissionResponse {
	return AgentMissionResponse{
		MissionID:        am.MissionID,
		Completions:      am.Completions,
		Successes:        am.Successes,
		FirstCompletedAt: ts(am.FirstCompletedAt),
		LastCompletedAt:  ts(am.LastCompletedAt),
	}
}

func missionResponse(m catalog.MissionTemplate) MissionResponse {
	resp := MissionResponse{
		ID:                     m.ID,
		Sequence:               m.Sequence,
		Title:                  m.Title,
		Description:            m.Description,
		DurationSeconds:        int64(m.Duration / time.Second),
		PreferredPersonalities: []string{},
		Approaches:             map[string]ApproachResponse{},
		Phases:                 []PhaseResponse{},
	}
	for _, p := range m.Compatibility.Preferred {
		resp.PreferredPersonalities = append(resp.PreferredPersonalities, string(p))
	}
	for a, ap := range m.Approaches {
		resp.Approaches[string(a)] = ApproachResponse{
			SuccessRate:   [2]float64{ap.SuccessRate.Min, ap.SuccessRate.Max},
			TimelineShift: [2]float64{ap.TimelineShift.Min, ap.TimelineShift.Max},
		}
	}
	for _, p := range m.Phases {
		resp.Phases = append(resp.Phases, PhaseResponse{ID: p.ID, Name: p.Name, DurationPercent: p.DurationPercent})
	}
	return resp
}

func deploymentResponse(d domain.Deployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:               d.ID,
		MissionID:        d.MissionID,
		AgentID:          d.AgentID,
		UnitID:           d.UnitID,
		Approach:         string(d.Approach),
		Status:           string(d.Status),
		DeployedAt:       ts(d.DeployedAt),
		CompletesAt:      ts(d.CompletesAt),
		FinalSuccessRate: d.FinalSuccessRate,
		Compatibility:    d.Compatibility,
		CurrentPhase:     d.CurrentPhase,
	}
	if d.CompletedAt != nil {
		resp.CompletedAt = ts(*d.CompletedAt)
	}
	if d.Status == domain.StatusCompleted {
		resp.Result = d.Result
	}
	return resp
}

func mapDeployments(items []domain.Deployment) []DeploymentResponse {
	out := make([]DeploymentResponse, 0, len(items))
	for _, d := range items {
		out = append(out, deploymentResponse(d))
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         ts(evt.TS),
		Type:       evt.Type,
		AgentID:    evt.AgentID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Payload:    evt.Payload,
	}
}

type HealthResponse struct {
	Status              string `json:"status" enum:"ok,migration_pending"`
	SchemaVersion       int    `json:"schema_version"`
	LatestSchemaVersion int    `json:"latest_schema_version"`
}
