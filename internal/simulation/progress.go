package simulation

import (
	"math"
	"time"

	"proxim8/internal/domain"
)

// RevealThresholds is the elapsed fraction at which each phase's result
// becomes visible. Fixed schedule, independent of per-phase duration_percent.
var RevealThresholds = [domain.PhaseCount]float64{0.20, 0.45, 0.70, 0.90, 1.00}

type Progress struct {
	Progress     float64       `json:"progress"`
	CurrentPhase int           `json:"current_phase"`
	IsComplete   bool          `json:"is_complete"`
	Elapsed      time.Duration `json:"elapsed"`
	Remaining    time.Duration `json:"remaining"`
}

func duration(d domain.Deployment) time.Duration {
	if d.Duration > 0 {
		return d.Duration
	}
	return d.CompletesAt.Sub(d.DeployedAt)
}

func fraction(d domain.Deployment, now time.Time) float64 {
	total := duration(d)
	if total <= 0 {
		return 1
	}
	return clamp(float64(now.Sub(d.DeployedAt))/float64(total), 0, 1)
}

// GetProgress derives progress from elapsed time only.
func GetProgress(d domain.Deployment, now time.Time) Progress {
	p := fraction(d, now)
	phase := int(math.Floor(p*domain.PhaseCount)) + 1
	if phase > domain.PhaseCount {
		phase = domain.PhaseCount
	}
	elapsed := now.Sub(d.DeployedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := d.CompletesAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Progress{
		Progress:     p,
		CurrentPhase: phase,
		IsComplete:   p >= 1,
		Elapsed:      elapsed,
		Remaining:    remaining,
	}
}

// ShouldRevealPhase reports whether phaseID's result may be shown at now.
// Terminal deployments reveal everything.
func ShouldRevealPhase(d domain.Deployment, phaseID int, now time.Time) bool {
	if phaseID < 1 || phaseID > domain.PhaseCount {
		return false
	}
	if d.Status != domain.StatusActive {
		return true
	}
	return fraction(d, now) >= RevealThresholds[phaseID-1]
}

// RevealAt returns the wall-clock instant a phase of an active deployment is revealed.
func RevealAt(d domain.Deployment, phaseID int) time.Time {
	if phaseID < 1 || phaseID > domain.PhaseCount {
		return d.CompletesAt
	}
	offset := time.Duration(float64(duration(d)) * RevealThresholds[phaseID-1])
	return d.DeployedAt.Add(offset)
}

type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseActive  PhaseStatus = "active"
	PhaseSuccess PhaseStatus = "success"
	PhaseFailure PhaseStatus = "failure"
)

type PhaseView struct {
	PhaseID   int         `json:"phase_id"`
	Status    PhaseStatus `json:"status" enum:"pending,active,success,failure"`
	Narrative string      `json:"narrative,omitempty"`
	RevealAt  time.Time   `json:"reveal_at"`
}

// ClientView is safe to hand to a player: unrevealed outcomes are hidden.
type ClientView struct {
	DeploymentID string          `json:"deployment_id"`
	MissionID    string          `json:"mission_id"`
	UnitID       string          `json:"unit_id"`
	Approach     domain.Approach `json:"approach"`
	Status       domain.Status   `json:"status"`
	Progress     Progress        `json:"progress"`
	Phases       []PhaseView     `json:"phases"`
	Result       *domain.Result  `json:"result,omitempty"`
}

// ClientState builds the player-facing view. Of an active deployment, the
// phase numbered Progress.CurrentPhase is reported as active until its result
// is revealed. Every other unrevealed phase is pending, including an earlier
// one whose reveal threshold lies past its time slice.
func ClientState(d domain.Deployment, now time.Time) ClientView {
	progress := GetProgress(d, now)
	view := ClientView{
		DeploymentID: d.ID,
		MissionID:    d.MissionID,
		UnitID:       d.UnitID,
		Approach:     d.Approach,
		Status:       d.Status,
		Progress:     progress,
		Phases:       make([]PhaseView, 0, len(d.PhaseOutcomes)),
	}
	for _, o := range d.PhaseOutcomes {
		pv := PhaseView{PhaseID: o.PhaseID, Status: PhasePending, RevealAt: RevealAt(d, o.PhaseID)}
		switch {
		case ShouldRevealPhase(d, o.PhaseID, now):
			pv.Status = PhaseFailure
			if o.Success {
				pv.Status = PhaseSuccess
			}
			pv.Narrative = o.Narrative
		case d.Status == domain.StatusActive && o.PhaseID == progress.CurrentPhase:
			pv.Status = PhaseActive
		}
		view.Phases = append(view.Phases, pv)
	}
	if d.Status == domain.StatusCompleted {
		view.Result = d.Result
	}
	return view
}
