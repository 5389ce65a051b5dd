package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxim8/internal/catalog"
	"proxim8/internal/db"
	"proxim8/internal/domain"
	"proxim8/internal/engine"
	"proxim8/internal/events"
	"proxim8/internal/migrate"
	"proxim8/internal/narrative"
	"proxim8/internal/simulation"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn), "migrate")
	cat, err := catalog.Default()
	require.NoError(t, err)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cat)
	eng.Now = clk.Now
	// 0.5 everywhere: mid-range approach rate, zero variation, and a success
	// roll that passes any phase rate above one half.
	eng.Rand = simulation.NewFixed(0.5)
	return testEnv{Engine: eng, Clock: clk, Ctx: ctx}
}

func (env testEnv) seed(t *testing.T, personality domain.Personality, level, xp int) (domain.Agent, domain.Unit) {
	t.Helper()
	agent, err := env.Engine.CreateAgent(env.Ctx, "Ada")
	require.NoError(t, err)
	unit, err := env.Engine.CreateUnit(env.Ctx, engine.UnitCreateOptions{
		AgentID: agent.ID, Name: "Echo", Personality: personality, Level: level, Experience: xp,
	})
	require.NoError(t, err)
	return agent, unit
}

func (env testEnv) deploy(t *testing.T, agent domain.Agent, unit domain.Unit, mission string) domain.Deployment {
	t.Helper()
	d, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{
		AgentID: agent.ID, UnitID: unit.ID, MissionID: mission, Approach: domain.ApproachMedium,
	})
	require.NoError(t, err)
	return d
}

func TestEndToEndDeployAndComplete(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 5, 300)

	score, err := env.Engine.Compatibility(env.Ctx, unit.ID, "training-001")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score.Overall, 0.80)
	assert.LessOrEqual(t, score.Overall, 0.93)

	d := env.deploy(t, agent, unit, "training-001")
	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Equal(t, env.Clock.Now().Add(10*time.Minute), d.CompletesAt)
	assert.Len(t, d.PhaseOutcomes, domain.PhaseCount)
	assert.InDelta(t, score.Overall, d.Compatibility.Overall, 1e-9)
	assert.Nil(t, d.Result)

	u, err := env.Engine.GetUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, u.IsDeployed)

	env.Clock.Advance(11 * time.Minute)
	done, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.Result)

	stored, err := env.Engine.GetDeployment(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.True(t, stored.Result.OverallSuccess)
	assert.Equal(t, 5, stored.Result.SuccessCount)
	assert.Equal(t, []string{"fragment-signal-static"}, stored.Result.Rewards.LoreFragments)
	assert.NotEmpty(t, stored.Result.Narrative)
	for i, o := range stored.PhaseOutcomes {
		assert.Equal(t, d.PhaseOutcomes[i].Success, o.Success, "outcome %d changed", o.PhaseID)
		assert.Contains(t, o.Narrative, "Echo")
		assert.NotNil(t, o.CompletedAt)
	}

	u, err = env.Engine.GetUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.False(t, u.IsDeployed)
	assert.Equal(t, 350, u.Experience)
	assert.Equal(t, 1, u.MissionsCompleted)

	a, err := env.Engine.GetAgent(env.Ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.TimelinePoints+stored.Result.Rewards.TimelinePoints, a.TimelinePoints)
	assert.Equal(t, 1, a.MissionsCompleted)

	evts, err := env.Engine.ListEvents(env.Ctx, "deployment", d.ID)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.DeploymentCreated, evts[0].Type)
	assert.Equal(t, events.DeploymentCompleted, evts[1].Type)
}

func TestPrerequisiteGating(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityDiplomatic, 1, 0)

	_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{
		AgentID: agent.ID, UnitID: unit.ID, MissionID: "training-002", Approach: domain.ApproachLow,
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "prerequisite mission incomplete")

	u, err := env.Engine.GetUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.False(t, u.IsDeployed, "failed deploy must not leave the unit deployed")

	d := env.deploy(t, agent, unit, "training-001")
	env.Clock.Advance(d.Duration)
	_, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.NoError(t, err)
	require.True(t, applied)

	second := env.deploy(t, agent, unit, "training-002")
	assert.Equal(t, "training-002", second.MissionID)
}

func TestDeployRejectsDeployedUnit(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAggressive, 1, 0)
	env.deploy(t, agent, unit, "training-001")

	_, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{
		AgentID: agent.ID, UnitID: unit.ID, MissionID: "training-001", Approach: domain.ApproachHigh,
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, "unit already deployed", err.Error())

	active, err := env.Engine.ListDeployments(env.Ctx, repoFilters(agent.ID, domain.StatusActive))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestConcurrentDeploySameUnit(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAggressive, 1, 0)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []string
		errs      []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := env.Engine.Deploy(env.Ctx, engine.DeployOptions{
				AgentID: agent.ID, UnitID: unit.ID, MissionID: "training-001", Approach: domain.ApproachLow,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			succeeded = append(succeeded, d.ID)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, succeeded, 1)
	require.Len(t, errs, workers-1)
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrConflict)
	}

	active, err := env.Engine.ListDeployments(env.Ctx, repoFilters(agent.ID, domain.StatusActive))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, succeeded[0], active[0].ID)
	u, err := env.Engine.GetUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.True(t, u.IsDeployed)
}

func TestDeployValidation(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	other, err := env.Engine.CreateAgent(env.Ctx, "Grace")
	require.NoError(t, err)

	cases := []struct {
		name string
		opts engine.DeployOptions
		kind error
	}{
		{"bad approach", engine.DeployOptions{AgentID: agent.ID, UnitID: unit.ID, MissionID: "training-001", Approach: "reckless"}, domain.ErrValidation},
		{"missing unit", engine.DeployOptions{AgentID: agent.ID, MissionID: "training-001", Approach: domain.ApproachLow}, domain.ErrValidation},
		{"unknown mission", engine.DeployOptions{AgentID: agent.ID, UnitID: unit.ID, MissionID: "training-999", Approach: domain.ApproachLow}, domain.ErrNotFound},
		{"unknown agent", engine.DeployOptions{AgentID: "nobody", UnitID: unit.ID, MissionID: "training-001", Approach: domain.ApproachLow}, domain.ErrNotFound},
		{"unknown unit", engine.DeployOptions{AgentID: agent.ID, UnitID: "ghost", MissionID: "training-001", Approach: domain.ApproachLow}, domain.ErrNotFound},
		{"foreign unit", engine.DeployOptions{AgentID: other.ID, UnitID: unit.ID, MissionID: "training-001", Approach: domain.ApproachLow}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.Deploy(env.Ctx, tc.opts)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestCompleteIsExactlyOnceSequential(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")
	env.Clock.Advance(time.Hour)

	first, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.NoError(t, err)
	require.True(t, applied)

	again, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.StatusCompleted, again.Status)
	assert.Equal(t, first.Result, again.Result)

	a, err := env.Engine.GetAgent(env.Ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Result.Rewards.TimelinePoints, a.TimelinePoints)
	assert.Equal(t, 1, a.MissionsCompleted)
}

func TestCompleteIsExactlyOnceConcurrent(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")
	env.Clock.Advance(time.Hour)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := env.Engine.Complete(env.Ctx, d.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				applied++
			}
		}()
	}
	wg.Wait()
	require.Empty(t, errs)
	assert.Equal(t, 1, applied)

	stored, err := env.Engine.GetDeployment(env.Ctx, d.ID)
	require.NoError(t, err)
	a, err := env.Engine.GetAgent(env.Ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.Result.Rewards.TimelinePoints, a.TimelinePoints)
	u, err := env.Engine.GetUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, u.MissionsCompleted)

	evts, err := env.Engine.ListEvents(env.Ctx, "deployment", d.ID)
	require.NoError(t, err)
	completed := 0
	for _, e := range evts {
		if e.Type == events.DeploymentCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestCompleteBeforeDueIsConflict(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")
	env.Clock.Advance(5 * time.Minute)
	_, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, applied)

	_, _, err = env.Engine.Complete(env.Ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLevelUpAndRankUp(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 60)
	_, err := env.Engine.DB.Exec(`UPDATE agents SET timeline_points=90 WHERE id=?`, agent.ID)
	require.NoError(t, err)

	d := env.deploy(t, agent, unit, "training-001")
	env.Clock.Advance(d.Duration)
	done, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, 1, done.Result.UnitLevelBefore)
	assert.Equal(t, 2, done.Result.UnitLevelAfter)
	assert.Equal(t, domain.RankInitiate, done.Result.AgentRankBefore)
	assert.Equal(t, domain.RankOperative, done.Result.AgentRankAfter)

	u, err := env.Engine.GetUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Level)
	assert.Equal(t, 10, u.Experience)

	a, err := env.Engine.GetAgent(env.Ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 115, a.TimelinePoints)
	assert.Equal(t, domain.RankOperative, a.Rank)

	unitEvents, err := env.Engine.ListEvents(env.Ctx, "unit", unit.ID)
	require.NoError(t, err)
	require.Len(t, unitEvents, 1)
	assert.Equal(t, events.UnitLevelUp, unitEvents[0].Type)
	assert.EqualValues(t, 2, unitEvents[0].Payload["to"])

	agentEvents, err := env.Engine.ListEvents(env.Ctx, "agent", agent.ID)
	require.NoError(t, err)
	require.Len(t, agentEvents, 1)
	assert.Equal(t, events.AgentRankUp, agentEvents[0].Type)
	assert.Equal(t, "operative", agentEvents[0].Payload["to"])
}

func TestAbandon(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityUnpredictable, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")

	_, err := env.Engine.Abandon(env.Ctx, d.ID, "someone-else")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ab, err := env.Engine.Abandon(env.Ctx, d.ID, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAbandoned, ab.Status)

	u, err := env.Engine.GetUnit(env.Ctx, unit.ID)
	require.NoError(t, err)
	assert.False(t, u.IsDeployed)
	assert.Equal(t, 0, u.Experience)

	_, err = env.Engine.Abandon(env.Ctx, d.ID, agent.ID)
	require.ErrorIs(t, err, domain.ErrConflict)

	env.Clock.Advance(time.Hour)
	_, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, applied)

	a, err := env.Engine.GetAgent(env.Ctx, agent.ID)
	require.NoError(t, err)
	assert.Zero(t, a.TimelinePoints)

	// the unit is free again
	env.deploy(t, agent, unit, "training-001")
}

func TestStateRevealsProgressively(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")

	view, err := env.Engine.State(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, simulation.PhaseActive, view.Phases[0].Status)
	for _, p := range view.Phases {
		assert.Empty(t, p.Narrative)
	}

	env.Clock.Advance(5 * time.Minute)
	view, err = env.Engine.State(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.Progress.CurrentPhase)
	assert.Equal(t, simulation.PhaseSuccess, view.Phases[0].Status)
	assert.Equal(t, "Echo maps the relay's sync windows without tripping a single sensor.", view.Phases[0].Narrative)
	assert.NotEmpty(t, view.Phases[1].Narrative)
	assert.Equal(t, simulation.PhaseActive, view.Phases[2].Status)
	assert.Empty(t, view.Phases[2].Narrative)
	assert.Nil(t, view.Result)

	stored, err := env.Engine.GetDeployment(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentPhase)
	assert.NotEmpty(t, stored.PhaseOutcomes[1].Narrative)
	assert.Empty(t, stored.PhaseOutcomes[2].Narrative)
	for i, o := range stored.PhaseOutcomes {
		assert.Equal(t, d.PhaseOutcomes[i].Success, o.Success)
	}
}

func TestAdvancePhases(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")

	n, err := env.Engine.AdvancePhases(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Advance(2 * time.Minute)
	n, err = env.Engine.AdvancePhases(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.Engine.AdvancePhases(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := env.Engine.GetDeployment(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentPhase)
	assert.NotEmpty(t, stored.PhaseOutcomes[0].Narrative)
}

type failingNarrator struct{}

func (failingNarrator) Generate(context.Context, narrative.Context) (string, error) {
	return "", errors.New("model offline")
}

func TestNarrativeFailureFallsBackToTemplate(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Narrator = failingNarrator{}
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")
	env.Clock.Advance(d.Duration)

	done, applied, err := env.Engine.Complete(env.Ctx, d.ID)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, "Echo returns from the relay. The timeline bends, slightly, toward resistance.", done.Result.Narrative)
	assert.Equal(t, "Echo pulls the first packet capture clean.", done.PhaseOutcomes[3].Narrative)
}

func TestPurgeKeepsProgression(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 1, 0)
	d := env.deploy(t, agent, unit, "training-001")
	env.Clock.Advance(d.Duration)
	_, _, err := env.Engine.Complete(env.Ctx, d.ID)
	require.NoError(t, err)

	n, err := env.Engine.Purge(env.Ctx, 720*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Advance(721 * time.Hour)
	n, err = env.Engine.Purge(env.Ctx, 720*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = env.Engine.GetDeployment(env.Ctx, d.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	evts, err := env.Engine.ListEvents(env.Ctx, "deployment", d.ID)
	require.NoError(t, err)
	assert.Empty(t, evts)

	// sequence gating survives the purge
	env.deploy(t, agent, unit, "training-002")

	_, err = env.Engine.Purge(env.Ctx, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAgentMissionsTracksCompletions(t *testing.T) {
	env := newTestEnv(t)
	agent, unit := env.seed(t, domain.PersonalityAnalytical, 5, 300)

	items, err := env.Engine.AgentMissions(env.Ctx, agent.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	for i := 0; i < 2; i++ {
		d := env.deploy(t, agent, unit, "training-001")
		env.Clock.Advance(d.Duration)
		_, applied, err := env.Engine.Complete(env.Ctx, d.ID)
		require.NoError(t, err)
		require.True(t, applied)
	}

	items, err = env.Engine.AgentMissions(env.Ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "training-001", items[0].MissionID)
	assert.Equal(t, 2, items[0].Completions)
	assert.False(t, items[0].LastCompletedAt.Before(items[0].FirstCompletedAt))

	_, err = env.Engine.AgentMissions(env.Ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
