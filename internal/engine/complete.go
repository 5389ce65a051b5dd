package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"proxim8/internal/catalog"
	"proxim8/internal/domain"
	"proxim8/internal/events"
	"proxim8/internal/narrative"
	"proxim8/internal/simulation"
)

// Complete finishes a due deployment and applies its rewards. It is safe to
// call concurrently: exactly one caller applies the rewards and gets
// applied=true; the others get the stored deployment and applied=false.
func (e Engine) Complete(ctx context.Context, id string) (domain.Deployment, bool, error) {
	d, err := e.GetDeployment(ctx, id)
	if err != nil {
		return domain.Deployment{}, false, err
	}
	switch d.Status {
	case domain.StatusCompleted:
		return d, false, nil
	case domain.StatusAbandoned:
		return d, false, domain.Conflictf("deployment %s was abandoned", id)
	}
	now := e.now()
	if now.Before(d.CompletesAt) {
		return d, false, domain.Conflictf("deployment %s is still in progress until %s", id, d.CompletesAt.Format(time.RFC3339))
	}
	m, err := e.Catalog.Get(d.MissionID)
	if err != nil {
		return d, false, err
	}
	u, err := e.GetUnit(ctx, d.UnitID)
	if err != nil {
		return d, false, err
	}

	// Text generation can be slow; keep it out of the transaction.
	e.fillNarratives(ctx, &d, m, u, now)
	for i := range d.PhaseOutcomes {
		if d.PhaseOutcomes[i].CompletedAt == nil {
			at := simulation.RevealAt(d, d.PhaseOutcomes[i].PhaseID)
			d.PhaseOutcomes[i].CompletedAt = &at
		}
	}
	result, err := simulation.Reward(m, d.Approach, d.PhaseOutcomes, e.Rand)
	if err != nil {
		return d, false, err
	}
	result.Narrative = e.completionNarrative(ctx, d, m, u, result.OverallSuccess)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, false, storage("begin complete", err)
	}
	defer tx.Rollback()

	agent, err := e.Repo.GetAgentTx(ctx, tx, d.AgentID)
	if err != nil {
		return d, false, lookup(err, "agent", d.AgentID)
	}
	unit, err := e.Repo.GetUnitTx(ctx, tx, d.UnitID)
	if err != nil {
		return d, false, lookup(err, "unit", d.UnitID)
	}

	result.UnitLevelBefore = unit.Level
	result.AgentRankBefore = agent.Rank
	unit.Level, unit.Experience = simulation.ApplyExperience(unit.Level, unit.Experience, result.Rewards.Experience)
	unit.MissionsCompleted++
	agent.TimelinePoints += result.Rewards.TimelinePoints
	agent.Rank = simulation.CalculateRank(agent.TimelinePoints)
	agent.MissionsCompleted++
	result.UnitLevelAfter = unit.Level
	result.AgentRankAfter = agent.Rank

	d.Result = &result
	d.CompletedAt = &now
	applied, err := e.Repo.CompleteDeploymentTx(ctx, tx, d, domain.StatusActive)
	if err != nil {
		return d, false, storage("complete deployment", err)
	}
	if !applied {
		_ = tx.Rollback()
		current, err := e.GetDeployment(ctx, id)
		if err != nil {
			return domain.Deployment{}, false, err
		}
		if current.Status == domain.StatusAbandoned {
			return current, false, domain.Conflictf("deployment %s was abandoned", id)
		}
		return current, false, nil
	}
	if err := e.Repo.UpdateUnitProgressTx(ctx, tx, unit, now); err != nil {
		return d, false, storage("update unit", err)
	}
	if err := e.Repo.UpdateAgentProgressTx(ctx, tx, agent, now); err != nil {
		return d, false, storage("update agent", err)
	}
	if err := e.Repo.RecordMissionCompletionTx(ctx, tx, d.AgentID, d.MissionID, result.OverallSuccess, now); err != nil {
		return d, false, storage("record mission", err)
	}
	if err := e.appendCompletionEvents(ctx, tx, d, result); err != nil {
		return d, false, storage("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return d, false, storage("commit complete", err)
	}

	d.Status = domain.StatusCompleted
	d.CurrentPhase = domain.PhaseCount
	d.Version++
	e.Log.Info().Str("deployment_id", d.ID).Bool("overall_success", result.OverallSuccess).
		Int("success_count", result.SuccessCount).Int("timeline_shift", result.TimelineShift).Msg("deployment completed")
	return d, true, nil
}

func (e Engine) appendCompletionEvents(ctx context.Context, tx *sql.Tx, d domain.Deployment, result domain.Result) error {
	w := e.events()
	if err := w.Append(ctx, tx, events.DeploymentCompleted, d.AgentID, "deployment", d.ID, events.EventPayload{
		"overall_success": result.OverallSuccess,
		"success_count":   result.SuccessCount,
		"timeline_shift":  result.TimelineShift,
		"experience":      result.Rewards.Experience,
		"lore_fragments":  result.Rewards.LoreFragments,
	}); err != nil {
		return err
	}
	if result.UnitLevelAfter != result.UnitLevelBefore {
		if err := w.Append(ctx, tx, events.UnitLevelUp, d.AgentID, "unit", d.UnitID, events.EventPayload{
			"from": result.UnitLevelBefore,
			"to":   result.UnitLevelAfter,
		}); err != nil {
			return err
		}
	}
	if result.AgentRankAfter != result.AgentRankBefore {
		if err := w.Append(ctx, tx, events.AgentRankUp, d.AgentID, "agent", d.AgentID, events.EventPayload{
			"from": result.AgentRankBefore,
			"to":   result.AgentRankAfter,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Abandon ends an active deployment without rewards and frees the unit.
func (e Engine) Abandon(ctx context.Context, id, agentID string) (domain.Deployment, error) {
	d, err := e.GetDeployment(ctx, id)
	if err != nil {
		return domain.Deployment{}, err
	}
	if agentID == "" {
		return domain.Deployment{}, domain.Validationf("agent_id is required")
	}
	if d.AgentID != agentID {
		return domain.Deployment{}, domain.NotFoundf("deployment %s not found for agent %s", id, agentID)
	}
	if d.Status != domain.StatusActive {
		return d, domain.Conflictf("deployment %s is %s", id, d.Status)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, storage("begin abandon", err)
	}
	defer tx.Rollback()
	ok, err := e.Repo.AbandonDeploymentTx(ctx, tx, id, agentID, now)
	if err != nil {
		return d, storage("abandon deployment", err)
	}
	if !ok {
		return d, domain.Conflictf("deployment %s is no longer active", id)
	}
	if err := e.Repo.ReleaseUnitTx(ctx, tx, d.UnitID, now); err != nil {
		return d, storage("release unit", err)
	}
	if err := e.events().Append(ctx, tx, events.DeploymentAbandoned, agentID, "deployment", id, events.EventPayload{
		"unit_id": d.UnitID,
	}); err != nil {
		return d, storage("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return d, storage("commit abandon", err)
	}
	d.Status = domain.StatusAbandoned
	d.CompletedAt = &now
	d.Version++
	e.Log.Info().Str("deployment_id", id).Msg("deployment abandoned")
	return d, nil
}

func (e Engine) completionNarrative(ctx context.Context, d domain.Deployment, m catalog.MissionTemplate, u domain.Unit, success bool) string {
	tmpl := m.Completion.Failure
	if success {
		tmpl = m.Completion.Success
	}
	c := narrative.Context{
		Kind:          narrative.KindCompletion,
		MissionID:     m.ID,
		MissionTitle:  m.Title,
		UnitName:      u.Name,
		Personality:   u.Personality,
		Approach:      d.Approach,
		Success:       success,
		PriorOutcomes: priorOutcomes(d.PhaseOutcomes, len(d.PhaseOutcomes)),
		Template:      tmpl,
	}
	return e.generate(ctx, c)
}

// generate never fails: any generator error degrades to the template.
func (e Engine) generate(ctx context.Context, c narrative.Context) string {
	text, err := e.narrator().Generate(ctx, c)
	if err != nil || text == "" {
		if err != nil && !errors.Is(err, context.Canceled) {
			e.Log.Warn().Err(err).Str("mission_id", c.MissionID).Int("phase_id", c.PhaseID).Msg("narrative generation failed")
		}
		return narrative.Render(c.Template, c.UnitName)
	}
	return text
}
