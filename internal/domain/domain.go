package domain

import "time"

// Personality is the categorical trait of a unit.
type Personality string

const (
	PersonalityAnalytical    Personality = "analytical"
	PersonalityAggressive    Personality = "aggressive"
	PersonalityDiplomatic    Personality = "diplomatic"
	PersonalityUnpredictable Personality = "unpredictable"
)

// Personalities lists every valid personality in display order.
var Personalities = []Personality{
	PersonalityAnalytical,
	PersonalityAggressive,
	PersonalityDiplomatic,
	PersonalityUnpredictable,
}

func (p Personality) Valid() bool {
	for _, v := range Personalities {
		if p == v {
			return true
		}
	}
	return false
}

// Approach is the risk tier chosen at deploy time.
type Approach string

const (
	ApproachLow    Approach = "low"
	ApproachMedium Approach = "medium"
	ApproachHigh   Approach = "high"
)

var Approaches = []Approach{ApproachLow, ApproachMedium, ApproachHigh}

func (a Approach) Valid() bool {
	return a == ApproachLow || a == ApproachMedium || a == ApproachHigh
}

// Status of a deployment.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Rank is derived from an agent's timeline points.
type Rank string

const (
	RankInitiate   Rank = "initiate"
	RankOperative  Rank = "operative"
	RankSpecialist Rank = "specialist"
	RankArchitect  Rank = "architect"
)

// PhaseCount is the fixed number of phases in every mission.
const PhaseCount = 5

type Agent struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	TimelinePoints    int       `json:"timeline_points"`
	Rank              Rank      `json:"rank" enum:"initiate,operative,specialist,architect"`
	MissionsCompleted int       `json:"missions_completed"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Unit struct {
	ID                string      `json:"id"`
	AgentID           string      `json:"agent_id"`
	Name              string      `json:"name"`
	Personality       Personality `json:"personality" enum:"analytical,aggressive,diplomatic,unpredictable"`
	Level             int         `json:"level"`
	Experience        int         `json:"experience"`
	IsDeployed        bool        `json:"is_deployed"`
	MissionsCompleted int         `json:"missions_completed"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Compatibility is the structured score frozen on a deployment.
type Compatibility struct {
	Overall          float64 `json:"overall"`
	PersonalityBonus float64 `json:"personality_bonus"`
	ExperienceBonus  float64 `json:"experience_bonus"`
	LevelBonus       float64 `json:"level_bonus"`
}

// PhaseOutcome is precomputed at deploy time and revealed over time.
type PhaseOutcome struct {
	PhaseID     int        `json:"phase_id"`
	Success     bool       `json:"success"`
	Narrative   string     `json:"narrative,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Rewards struct {
	TimelinePoints int      `json:"timeline_points"`
	Experience     int      `json:"experience"`
	LoreFragments  []string `json:"lore_fragments"`
}

// Result is written exactly once, when a deployment completes.
type Result struct {
	OverallSuccess  bool    `json:"overall_success"`
	SuccessCount    int     `json:"success_count"`
	TimelineShift   int     `json:"timeline_shift"`
	Rewards         Rewards `json:"rewards"`
	Narrative       string  `json:"narrative,omitempty"`
	UnitLevelBefore int     `json:"unit_level_before"`
	UnitLevelAfter  int     `json:"unit_level_after"`
	AgentRankBefore Rank    `json:"agent_rank_before"`
	AgentRankAfter  Rank    `json:"agent_rank_after"`
}

type Deployment struct {
	ID               string         `json:"id"`
	MissionID        string         `json:"mission_id"`
	AgentID          string         `json:"agent_id"`
	UnitID           string         `json:"unit_id"`
	Approach         Approach       `json:"approach" enum:"low,medium,high"`
	DeployedAt       time.Time      `json:"deployed_at"`
	CompletesAt      time.Time      `json:"completes_at"`
	Duration         time.Duration  `json:"duration"`
	FinalSuccessRate float64        `json:"final_success_rate"`
	Compatibility    Compatibility  `json:"compatibility"`
	PhaseOutcomes    []PhaseOutcome `json:"phase_outcomes"`
	Status           Status         `json:"status" enum:"active,completed,abandoned"`
	CurrentPhase     int            `json:"current_phase"`
	Result           *Result        `json:"result,omitempty"`
	Version          int            `json:"version"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts"`
	Type       string         `json:"type"`
	AgentID    string         `json:"agent_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// AgentMission tracks which catalog missions an agent has finished.
// It outlives purged deployments so sequence gating stays correct.
type AgentMission struct {
	AgentID          string    `json:"agent_id"`
	MissionID        string    `json:"mission_id"`
	Completions      int       `json:"completions"`
	Successes        int       `json:"successes"`
	FirstCompletedAt time.Time `json:"first_completed_at"`
	LastCompletedAt  time.Time `json:"last_completed_at"`
}
