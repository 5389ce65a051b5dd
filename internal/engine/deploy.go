package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"proxim8/internal/domain"
	"proxim8/internal/events"
	"proxim8/internal/simulation"
)

// DeployOptions are parameters for sending a unit on a mission.
type DeployOptions struct {
	AgentID   string
	UnitID    string
	MissionID string
	Approach  domain.Approach
}

func (o DeployOptions) validate() error {
	switch {
	case strings.TrimSpace(o.AgentID) == "":
		return domain.Validationf("agent_id is required")
	case strings.TrimSpace(o.UnitID) == "":
		return domain.Validationf("unit_id is required")
	case strings.TrimSpace(o.MissionID) == "":
		return domain.Validationf("mission_id is required")
	case !o.Approach.Valid():
		return domain.Validationf("invalid approach %q", o.Approach)
	}
	return nil
}

// Deploy starts a new active deployment. Outcomes for all phases are drawn
// here and never recomputed.
func (e Engine) Deploy(ctx context.Context, opts DeployOptions) (domain.Deployment, error) {
	if err := opts.validate(); err != nil {
		return domain.Deployment{}, err
	}
	m, err := e.Catalog.Get(opts.MissionID)
	if err != nil {
		return domain.Deployment{}, err
	}
	if _, err := e.GetAgent(ctx, opts.AgentID); err != nil {
		return domain.Deployment{}, err
	}
	u, err := e.GetUnit(ctx, opts.UnitID)
	if err != nil {
		return domain.Deployment{}, err
	}
	if u.AgentID != opts.AgentID {
		return domain.Deployment{}, domain.NotFoundf("unit %s not found for agent %s", opts.UnitID, opts.AgentID)
	}
	if u.IsDeployed {
		return domain.Deployment{}, domain.Conflictf("unit already deployed")
	}

	score, err := simulation.CalculateCompatibility(u, m.Compatibility)
	if err != nil {
		return domain.Deployment{}, err
	}
	plan, err := simulation.GenerateOutcomes(m, score.Overall, opts.Approach, e.Rand)
	if err != nil {
		return domain.Deployment{}, err
	}

	now := e.now()
	d := domain.Deployment{
		ID:               uuid.New().String(),
		MissionID:        m.ID,
		AgentID:          opts.AgentID,
		UnitID:           u.ID,
		Approach:         opts.Approach,
		DeployedAt:       now,
		CompletesAt:      now.Add(m.Duration),
		Duration:         m.Duration,
		FinalSuccessRate: plan.FinalRate,
		Compatibility:    score,
		PhaseOutcomes:    plan.Outcomes,
		Status:           domain.StatusActive,
		CurrentPhase:     1,
		Version:          1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deployment{}, storage("begin deploy", err)
	}
	defer tx.Rollback()

	if err := e.checkPrerequisite(ctx, tx, opts.AgentID, m.ID); err != nil {
		return domain.Deployment{}, err
	}
	ok, err := e.Repo.MarkUnitDeployedTx(ctx, tx, u.ID, opts.AgentID, now)
	if err != nil {
		return domain.Deployment{}, storage("mark unit deployed", err)
	}
	if !ok {
		return domain.Deployment{}, domain.Conflictf("unit already deployed")
	}
	if err := e.Repo.InsertDeploymentTx(ctx, tx, d); err != nil {
		return domain.Deployment{}, storage("insert deployment", err)
	}
	if err := e.events().Append(ctx, tx, events.DeploymentCreated, d.AgentID, "deployment", d.ID, events.EventPayload{
		"mission_id":         d.MissionID,
		"unit_id":            d.UnitID,
		"approach":           d.Approach,
		"final_success_rate": d.FinalSuccessRate,
		"completes_at":       d.CompletesAt,
	}); err != nil {
		return domain.Deployment{}, storage("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Deployment{}, storage("commit deploy", err)
	}
	e.Log.Info().Str("deployment_id", d.ID).Str("mission_id", d.MissionID).Str("unit_id", d.UnitID).
		Str("approach", string(d.Approach)).Float64("final_success_rate", d.FinalSuccessRate).Msg("deployment created")
	return d, nil
}

// checkPrerequisite requires the mission one step earlier in the sequence
// to have been completed by the same agent.
func (e Engine) checkPrerequisite(ctx context.Context, tx *sql.Tx, agentID, missionID string) error {
	m, err := e.Catalog.Get(missionID)
	if err != nil {
		return err
	}
	prev, ok := e.Catalog.Previous(m)
	if !ok {
		return nil
	}
	done, err := e.Repo.HasCompletedMissionTx(ctx, tx, agentID, prev.ID)
	if err != nil {
		return storage("check prerequisite", err)
	}
	if !done {
		return domain.Conflictf("prerequisite mission incomplete")
	}
	return nil
}
