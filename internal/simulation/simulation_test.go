package simulation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxim8/internal/catalog"
	"proxim8/internal/domain"
)

func trainingMission(t *testing.T, id string) catalog.MissionTemplate {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	m, err := c.Get(id)
	require.NoError(t, err)
	return m
}

func TestCalculateCompatibility(t *testing.T) {
	m := trainingMission(t, "training-001")

	score, err := CalculateCompatibility(domain.Unit{Personality: domain.PersonalityAnalytical, Level: 5, Experience: 300}, m.Compatibility)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, score.PersonalityBonus, 1e-9)
	assert.InDelta(t, 0.03, score.ExperienceBonus, 1e-9)
	assert.InDelta(t, 0.08, score.LevelBonus, 1e-9)
	assert.InDelta(t, 0.91, score.Overall, 1e-9)
	assert.GreaterOrEqual(t, score.Overall, 0.80)
	assert.LessOrEqual(t, score.Overall, 0.93)

	score, err = CalculateCompatibility(domain.Unit{Personality: domain.PersonalityAggressive, Level: 5, Experience: 300}, m.Compatibility)
	require.NoError(t, err)
	assert.InDelta(t, -0.05, score.PersonalityBonus, 1e-9)
	assert.InDelta(t, 0.76, score.Overall, 1e-9)

	score, err = CalculateCompatibility(domain.Unit{Personality: domain.PersonalityDiplomatic, Level: 40, Experience: 50000}, m.Compatibility)
	require.NoError(t, err)
	assert.InDelta(t, MaxExperienceBonus, score.ExperienceBonus, 1e-9)
	assert.InDelta(t, MaxLevelBonus, score.LevelBonus, 1e-9)
	assert.Equal(t, MaxCompatibility, score.Overall)
}

func TestCalculateCompatibilityRejectsInvalidInput(t *testing.T) {
	rule := catalog.Compatibility{Bonus: 0.1, Penalty: -0.1}
	_, err := CalculateCompatibility(domain.Unit{Personality: "sneaky", Level: 1}, rule)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = CalculateCompatibility(domain.Unit{Personality: domain.PersonalityAnalytical, Level: 0}, rule)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = CalculateCompatibility(domain.Unit{Personality: domain.PersonalityAnalytical, Level: 1, Experience: -1}, rule)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCompatibilityBounds(t *testing.T) {
	rules := []catalog.Compatibility{
		{Preferred: []domain.Personality{domain.PersonalityAnalytical}, Bonus: 0.5, Penalty: -0.9},
		{Preferred: nil, Bonus: 0, Penalty: -0.9},
		{Preferred: domain.Personalities, Bonus: 0.9, Penalty: 0},
	}
	for _, rule := range rules {
		for _, p := range domain.Personalities {
			for level := 1; level <= 30; level += 3 {
				for xp := 0; xp <= 5000; xp += 250 {
					score, err := CalculateCompatibility(domain.Unit{Personality: p, Level: level, Experience: xp}, rule)
					require.NoError(t, err)
					assert.GreaterOrEqual(t, score.Overall, MinCompatibility)
					assert.LessOrEqual(t, score.Overall, MaxCompatibility)
				}
			}
		}
	}
}

func TestGenerateOutcomesFixedSequence(t *testing.T) {
	m := trainingMission(t, "training-001")
	values := []float64{
		0.5,      // approach rate: 0.70
		0.5, 0.1, // phase 1: rate 0.805, success
		0.5, 0.95, // phase 2: rate 0.805, failure
		0.5, 0.5, // phase 3: rate 0.705, success
		0.5, 0.8, // phase 4: rate 0.705, failure
		0.5, 0.6, // phase 5: rate 0.705, success
	}
	run := func() Plan {
		plan, err := GenerateOutcomes(m, 0.91, domain.ApproachMedium, NewFixed(values...))
		require.NoError(t, err)
		return plan
	}
	first := run()
	assert.InDelta(t, 0.70, first.ApproachRate, 1e-9)
	assert.InDelta(t, 0.805, first.FinalRate, 1e-9)
	want := []bool{true, false, true, false, true}
	require.Len(t, first.Outcomes, domain.PhaseCount)
	for i, o := range first.Outcomes {
		assert.Equal(t, i+1, o.PhaseID)
		assert.Equal(t, want[i], o.Success, "phase %d", i+1)
		assert.Empty(t, o.Narrative)
		assert.Nil(t, o.CompletedAt)
	}
	wantRates := []float64{0.805, 0.805, 0.705, 0.705, 0.705}
	for i, r := range first.PhaseRates {
		assert.InDelta(t, wantRates[i], r, 1e-9, "phase %d rate", i+1)
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, run())
	}
}

func TestGenerateOutcomesDrawCount(t *testing.T) {
	m := trainingMission(t, "training-001")
	src := NewFixed(0.3)
	_, err := GenerateOutcomes(m, 0.8, domain.ApproachLow, src)
	require.NoError(t, err)
	assert.Equal(t, 1+2*domain.PhaseCount, src.Draws())
}

func TestGenerateOutcomesRejectsUnknownApproach(t *testing.T) {
	m := trainingMission(t, "training-001")
	_, err := GenerateOutcomes(m, 0.8, "reckless", NewFixed(0.5))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPhaseRateBounds(t *testing.T) {
	m := trainingMission(t, "training-004")
	for seed := uint64(0); seed < 200; seed++ {
		src := NewSource(seed)
		for _, approach := range domain.Approaches {
			for _, overall := range []float64{MinCompatibility, 0.5, MaxCompatibility} {
				plan, err := GenerateOutcomes(m, overall, approach, src)
				require.NoError(t, err)
				for _, r := range plan.PhaseRates {
					assert.GreaterOrEqual(t, r, MinPhaseRate)
					assert.LessOrEqual(t, r, MaxPhaseRate)
				}
			}
		}
	}
}

func TestCascadePenalty(t *testing.T) {
	assert.InDelta(t, CascadePenalty, PhaseBaseRate(0.6, true)-PhaseBaseRate(0.6, false), 1e-12)

	m := trainingMission(t, "training-001")
	// overall 0.35 with a medium rate of 0.70 keeps every phase well clear of the clamps.
	for k := 1; k < domain.PhaseCount; k++ {
		build := func(failAtK bool) []float64 {
			values := []float64{0.5}
			for phase := 1; phase <= domain.PhaseCount; phase++ {
				roll := 0.0
				if phase == k && failAtK {
					roll = 0.999
				}
				values = append(values, 0.5, roll)
			}
			return values
		}
		ok, err := GenerateOutcomes(m, 0.35, domain.ApproachMedium, NewFixed(build(false)...))
		require.NoError(t, err)
		failed, err := GenerateOutcomes(m, 0.35, domain.ApproachMedium, NewFixed(build(true)...))
		require.NoError(t, err)

		require.True(t, ok.Outcomes[k-1].Success)
		require.False(t, failed.Outcomes[k-1].Success)
		assert.InDelta(t, CascadePenalty, ok.PhaseRates[k]-failed.PhaseRates[k], 1e-9, "phase %d", k+1)
	}
}

func TestMajorityRuleExhaustive(t *testing.T) {
	for mask := 0; mask < 1<<domain.PhaseCount; mask++ {
		outcomes := make([]domain.PhaseOutcome, domain.PhaseCount)
		bits := 0
		for i := range outcomes {
			outcomes[i] = domain.PhaseOutcome{PhaseID: i + 1, Success: mask&(1<<i) != 0}
			if outcomes[i].Success {
				bits++
			}
		}
		count, ok := OverallSuccess(outcomes)
		assert.Equal(t, bits, count, "mask %05b", mask)
		assert.Equal(t, bits >= 3, ok, "mask %05b", mask)
	}
}

func TestCalculateRank(t *testing.T) {
	cases := map[int]domain.Rank{
		0:    domain.RankInitiate,
		99:   domain.RankInitiate,
		100:  domain.RankOperative,
		499:  domain.RankOperative,
		500:  domain.RankSpecialist,
		999:  domain.RankSpecialist,
		1000: domain.RankArchitect,
		5000: domain.RankArchitect,
	}
	for points, want := range cases {
		assert.Equal(t, want, CalculateRank(points), "points %d", points)
	}

	order := map[domain.Rank]int{domain.RankInitiate: 0, domain.RankOperative: 1, domain.RankSpecialist: 2, domain.RankArchitect: 3}
	prev := order[CalculateRank(0)]
	for points := 1; points <= 1200; points++ {
		cur := order[CalculateRank(points)]
		require.GreaterOrEqual(t, cur, prev, "rank decreased at %d points", points)
		prev = cur
	}
}

func TestExperienceCurve(t *testing.T) {
	assert.Equal(t, 100, ExperienceForLevel(1))
	assert.Equal(t, 150, ExperienceForLevel(2))
	assert.Equal(t, 225, ExperienceForLevel(3))
	assert.Equal(t, 506, ExperienceForLevel(5))

	level, xp := ApplyExperience(1, 0, 100)
	assert.Equal(t, 2, level)
	assert.Equal(t, 0, xp)

	level, xp = ApplyExperience(1, 90, 200)
	assert.Equal(t, 3, level)
	assert.Equal(t, 40, xp)

	level, xp = ApplyExperience(5, 300, 50)
	assert.Equal(t, 5, level)
	assert.Equal(t, 350, xp)
}

func TestReward(t *testing.T) {
	m := trainingMission(t, "training-001")
	win := []domain.PhaseOutcome{{PhaseID: 1, Success: true}, {PhaseID: 2, Success: true}, {PhaseID: 3, Success: true}, {PhaseID: 4}, {PhaseID: 5}}
	res, err := Reward(m, domain.ApproachMedium, win, NewFixed(0.5))
	require.NoError(t, err)
	assert.True(t, res.OverallSuccess)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Equal(t, 25, res.TimelineShift)
	assert.Equal(t, res.TimelineShift, res.Rewards.TimelinePoints)
	assert.Equal(t, 50, res.Rewards.Experience)
	assert.Equal(t, []string{"fragment-signal-static"}, res.Rewards.LoreFragments)

	lose := []domain.PhaseOutcome{{PhaseID: 1, Success: true}, {PhaseID: 2, Success: true}, {PhaseID: 3}, {PhaseID: 4}, {PhaseID: 5}}
	res, err = Reward(m, domain.ApproachMedium, lose, NewFixed(0.5))
	require.NoError(t, err)
	assert.False(t, res.OverallSuccess)
	assert.Equal(t, 13, res.TimelineShift)
	assert.Equal(t, 25, res.Rewards.Experience)
	assert.Empty(t, res.Rewards.LoreFragments)

	hard := trainingMission(t, "training-003")
	res, err = Reward(hard, domain.ApproachLow, win, NewFixed(0))
	require.NoError(t, err)
	assert.Equal(t, 150, res.Rewards.Experience)
	assert.Equal(t, 15, res.TimelineShift)
}

func testDeployment(status domain.Status) (domain.Deployment, time.Time) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := domain.Deployment{
		ID:          "dep-1",
		Status:      status,
		DeployedAt:  start,
		Duration:    100 * time.Minute,
		CompletesAt: start.Add(100 * time.Minute),
		PhaseOutcomes: []domain.PhaseOutcome{
			{PhaseID: 1, Success: true, Narrative: "one"},
			{PhaseID: 2, Success: false, Narrative: "two"},
			{PhaseID: 3, Success: true},
			{PhaseID: 4, Success: true},
			{PhaseID: 5, Success: false},
		},
	}
	return d, start
}

func TestGetProgress(t *testing.T) {
	d, start := testDeployment(domain.StatusActive)

	p := GetProgress(d, start.Add(-time.Minute))
	assert.Equal(t, 0.0, p.Progress)
	assert.Equal(t, 1, p.CurrentPhase)
	assert.Equal(t, time.Duration(0), p.Elapsed)

	p = GetProgress(d, start.Add(50*time.Minute))
	assert.InDelta(t, 0.5, p.Progress, 1e-9)
	assert.Equal(t, 3, p.CurrentPhase)
	assert.False(t, p.IsComplete)
	assert.Equal(t, 50*time.Minute, p.Remaining)

	p = GetProgress(d, start.Add(100*time.Minute))
	assert.Equal(t, 1.0, p.Progress)
	assert.Equal(t, 5, p.CurrentPhase)
	assert.True(t, p.IsComplete)

	p = GetProgress(d, start.Add(300*time.Minute))
	assert.Equal(t, 1.0, p.Progress)
	assert.Equal(t, time.Duration(0), p.Remaining)
}

func TestShouldRevealPhaseThresholds(t *testing.T) {
	d, start := testDeployment(domain.StatusActive)
	assert.False(t, ShouldRevealPhase(d, 1, start.Add(19*time.Minute)))
	assert.True(t, ShouldRevealPhase(d, 1, start.Add(20*time.Minute)))
	assert.False(t, ShouldRevealPhase(d, 2, start.Add(44*time.Minute)))
	assert.True(t, ShouldRevealPhase(d, 2, start.Add(45*time.Minute)))
	assert.False(t, ShouldRevealPhase(d, 5, start.Add(99*time.Minute)))
	assert.True(t, ShouldRevealPhase(d, 5, start.Add(100*time.Minute)))
	assert.False(t, ShouldRevealPhase(d, 6, start.Add(200*time.Minute)))

	done, _ := testDeployment(domain.StatusCompleted)
	abandoned, _ := testDeployment(domain.StatusAbandoned)
	for id := 1; id <= domain.PhaseCount; id++ {
		assert.True(t, ShouldRevealPhase(done, id, start))
		assert.True(t, ShouldRevealPhase(abandoned, id, start))
	}
	assert.Equal(t, start.Add(45*time.Minute), RevealAt(d, 2))
}

func TestRevealMonotonic(t *testing.T) {
	d, start := testDeployment(domain.StatusActive)
	for id := 1; id <= domain.PhaseCount; id++ {
		revealed := false
		for step := -5; step <= 130; step++ {
			now := start.Add(time.Duration(step) * time.Minute)
			cur := ShouldRevealPhase(d, id, now)
			if revealed {
				require.True(t, cur, "phase %d un-revealed at minute %d", id, step)
			}
			revealed = cur
		}
		assert.True(t, revealed)
	}
}

func TestClientStateHidesFutureOutcomes(t *testing.T) {
	d, start := testDeployment(domain.StatusActive)
	view := ClientState(d, start.Add(50*time.Minute))
	require.Len(t, view.Phases, domain.PhaseCount)
	assert.Equal(t, PhaseSuccess, view.Phases[0].Status)
	assert.Equal(t, "one", view.Phases[0].Narrative)
	assert.Equal(t, PhaseFailure, view.Phases[1].Status)
	assert.Equal(t, PhaseActive, view.Phases[2].Status)
	assert.Equal(t, PhasePending, view.Phases[3].Status)
	assert.Equal(t, PhasePending, view.Phases[4].Status)
	assert.Nil(t, view.Result)

	view = ClientState(d, start)
	assert.Equal(t, PhaseActive, view.Phases[0].Status)
	assert.Empty(t, view.Phases[0].Narrative)

	d.Status = domain.StatusCompleted
	d.Result = &domain.Result{OverallSuccess: true, SuccessCount: 3}
	view = ClientState(d, start)
	want := []PhaseStatus{PhaseSuccess, PhaseFailure, PhaseSuccess, PhaseSuccess, PhaseFailure}
	for i, pv := range view.Phases {
		assert.Equal(t, want[i], pv.Status)
	}
	require.NotNil(t, view.Result)
	assert.True(t, view.Result.OverallSuccess)
}

func TestClientStateActiveFollowsCurrentPhase(t *testing.T) {
	d, start := testDeployment(domain.StatusActive)

	// phase 2 reveals at 45% but the clock is already in slice 3
	view := ClientState(d, start.Add(42*time.Minute))
	assert.Equal(t, 3, view.Progress.CurrentPhase)
	assert.Equal(t, PhaseSuccess, view.Phases[0].Status)
	assert.Equal(t, PhasePending, view.Phases[1].Status)
	assert.Empty(t, view.Phases[1].Narrative)
	assert.Equal(t, PhaseActive, view.Phases[2].Status)

	for step := 0; step < 100; step++ {
		view := ClientState(d, start.Add(time.Duration(step)*time.Minute))
		active := 0
		for _, pv := range view.Phases {
			if pv.Status == PhaseActive {
				active++
				assert.Equal(t, view.Progress.CurrentPhase, pv.PhaseID, "minute %d", step)
			}
		}
		assert.LessOrEqual(t, active, 1, "minute %d", step)
	}

	d.Status = domain.StatusAbandoned
	for _, pv := range ClientState(d, start.Add(42*time.Minute)).Phases {
		assert.NotEqual(t, PhaseActive, pv.Status)
	}
}
