package simulation

import (
	"proxim8/internal/catalog"
	"proxim8/internal/domain"
)

const (
	MinPhaseRate   = 0.10
	MaxPhaseRate   = 0.90
	CascadePenalty = 0.10
	PhaseVariation = 0.075
)

// Plan is the frozen outcome of a deployment plus the rates that produced it.
type Plan struct {
	ApproachRate float64
	FinalRate    float64
	PhaseRates   []float64
	Outcomes     []domain.PhaseOutcome
}

// PhaseBaseRate is the per-phase rate before random variation and clamping.
// A failure anywhere earlier in the chain costs every later phase.
func PhaseBaseRate(finalRate float64, cumulativeSuccess bool) float64 {
	if cumulativeSuccess {
		return finalRate
	}
	return finalRate - CascadePenalty
}

// GenerateOutcomes draws the five phase results for a deployment. Draw order
// is fixed: one draw for the approach rate, then per phase one draw for the
// variation followed by one for the success roll.
func GenerateOutcomes(m catalog.MissionTemplate, overall float64, approach domain.Approach, src Source) (Plan, error) {
	ap, err := m.Approach(approach)
	if err != nil {
		return Plan{}, err
	}
	approachRate := uniform(src, ap.SuccessRate.Min, ap.SuccessRate.Max)
	plan := Plan{
		ApproachRate: approachRate,
		FinalRate:    (overall + approachRate) / 2,
		PhaseRates:   make([]float64, 0, domain.PhaseCount),
		Outcomes:     make([]domain.PhaseOutcome, 0, domain.PhaseCount),
	}
	cumulative := true
	for id := 1; id <= domain.PhaseCount; id++ {
		variation := uniform(src, -PhaseVariation, PhaseVariation)
		rate := clamp(PhaseBaseRate(plan.FinalRate, cumulative)+variation, MinPhaseRate, MaxPhaseRate)
		success := src.Float64() < rate
		if !success {
			cumulative = false
		}
		plan.PhaseRates = append(plan.PhaseRates, rate)
		plan.Outcomes = append(plan.Outcomes, domain.PhaseOutcome{PhaseID: id, Success: success})
	}
	return plan, nil
}

// OverallSuccess applies the majority rule over phase outcomes.
func OverallSuccess(outcomes []domain.PhaseOutcome) (successCount int, ok bool) {
	for _, o := range outcomes {
		if o.Success {
			successCount++
		}
	}
	return successCount, successCount >= 3
}
