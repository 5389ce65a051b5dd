// Package simulation holds the pure game-balance math: compatibility
// scoring, outcome generation, time-based reveal, and progression.
// Nothing here touches storage or the wall clock.
package simulation

import (
	"math"

	"proxim8/internal/catalog"
	"proxim8/internal/domain"
)

const (
	BaseSuccessRate    = 0.70
	MinCompatibility   = 0.10
	MaxCompatibility   = 0.95
	MaxExperienceBonus = 0.15
	MaxLevelBonus      = 0.10
)

// CalculateCompatibility scores how well a unit fits a mission.
func CalculateCompatibility(u domain.Unit, rule catalog.Compatibility) (domain.Compatibility, error) {
	if !u.Personality.Valid() {
		return domain.Compatibility{}, domain.Validationf("invalid personality %q", u.Personality)
	}
	if u.Level < 1 {
		return domain.Compatibility{}, domain.Validationf("unit level must be >= 1")
	}
	if u.Experience < 0 {
		return domain.Compatibility{}, domain.Validationf("unit experience must be >= 0")
	}
	personality := rule.Penalty
	if rule.Prefers(u.Personality) {
		personality = rule.Bonus
	}
	experience := math.Min(MaxExperienceBonus, float64(u.Experience)/1000*0.1)
	level := math.Min(MaxLevelBonus, float64(u.Level-1)*0.02)
	return domain.Compatibility{
		Overall:          clamp(BaseSuccessRate+personality+experience+level, MinCompatibility, MaxCompatibility),
		PersonalityBonus: personality,
		ExperienceBonus:  experience,
		LevelBonus:       level,
	}, nil
}
