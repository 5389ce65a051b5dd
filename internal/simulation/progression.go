package simulation

import (
	"math"

	"proxim8/internal/catalog"
	"proxim8/internal/domain"
)

// Rank thresholds in timeline points, ascending.
var rankThresholds = []struct {
	points int
	rank   domain.Rank
}{
	{1000, domain.RankArchitect},
	{500, domain.RankSpecialist},
	{100, domain.RankOperative},
	{0, domain.RankInitiate},
}

// CalculateRank maps timeline points to a rank tier.
func CalculateRank(points int) domain.Rank {
	for _, t := range rankThresholds {
		if points >= t.points {
			return t.rank
		}
	}
	return domain.RankInitiate
}

// ExperienceForLevel is the experience needed to advance past level.
func ExperienceForLevel(level int) int {
	if level < 1 {
		level = 1
	}
	return int(math.Floor(100 * math.Pow(1.5, float64(level-1))))
}

// ApplyExperience adds gained experience and consumes it into levels.
func ApplyExperience(level, experience, gained int) (newLevel, newExperience int) {
	if level < 1 {
		level = 1
	}
	experience += gained
	for experience >= ExperienceForLevel(level) {
		experience -= ExperienceForLevel(level)
		level++
	}
	return level, experience
}

const (
	BaseExperience    = 50
	FailureMultiplier = 0.5
)

// Reward computes the result of a finished deployment. It draws once from
// src for the timeline shift.
func Reward(m catalog.MissionTemplate, approach domain.Approach, outcomes []domain.PhaseOutcome, src Source) (domain.Result, error) {
	ap, err := m.Approach(approach)
	if err != nil {
		return domain.Result{}, err
	}
	count, ok := OverallSuccess(outcomes)
	multiplier := 1.0
	if !ok {
		multiplier = FailureMultiplier
	}
	base := uniform(src, ap.TimelineShift.Min, ap.TimelineShift.Max)
	shift := int(math.Round(base * multiplier))
	xp := int(math.Round(BaseExperience * float64(m.Sequence) * multiplier))
	fragments := []string{}
	if ok {
		fragments = append(fragments, m.LoreFragment)
	}
	return domain.Result{
		OverallSuccess: ok,
		SuccessCount:   count,
		TimelineShift:  shift,
		Rewards: domain.Rewards{
			TimelinePoints: shift,
			Experience:     xp,
			LoreFragments:  fragments,
		},
	}, nil
}
