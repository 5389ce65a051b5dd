package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxim8/internal/catalog"
	"proxim8/internal/domain"
	"proxim8/internal/narrative"
	"proxim8/internal/repo"
	"proxim8/internal/simulation"
)

func (e Engine) GetDeployment(ctx context.Context, id string) (domain.Deployment, error) {
	d, err := e.Repo.GetDeployment(ctx, id)
	return d, lookup(err, "deployment", id)
}

func (e Engine) ListDeployments(ctx context.Context, f repo.DeploymentFilters) ([]domain.Deployment, error) {
	if f.Status != "" && f.Status != domain.StatusActive && f.Status != domain.StatusCompleted && f.Status != domain.StatusAbandoned {
		return nil, domain.Validationf("invalid status %q", f.Status)
	}
	res, err := e.Repo.ListDeployments(ctx, f)
	if err != nil {
		return nil, storage("list deployments", err)
	}
	return res, nil
}

// State returns the player-facing view of a deployment, generating text for
// any phase revealed since the last look.
func (e Engine) State(ctx context.Context, id string) (simulation.ClientView, error) {
	d, err := e.GetDeployment(ctx, id)
	if err != nil {
		return simulation.ClientView{}, err
	}
	now := e.now()
	if d.Status == domain.StatusActive {
		if _, err := e.refreshPhases(ctx, &d, now); err != nil {
			e.Log.Warn().Err(err).Str("deployment_id", d.ID).Msg("phase refresh failed")
		}
	}
	return simulation.ClientState(d, now), nil
}

// refreshPhases fills revealed narratives and the current phase cache and
// persists them when something changed. The stored outcomes themselves are
// never altered.
func (e Engine) refreshPhases(ctx context.Context, d *domain.Deployment, now time.Time) (bool, error) {
	m, err := e.Catalog.Get(d.MissionID)
	if err != nil {
		return false, err
	}
	u, err := e.GetUnit(ctx, d.UnitID)
	if err != nil {
		return false, err
	}
	changed := e.fillNarratives(ctx, d, m, u, now)
	if phase := simulation.GetProgress(*d, now).CurrentPhase; phase != d.CurrentPhase {
		d.CurrentPhase = phase
		changed = true
	}
	if !changed {
		return false, nil
	}
	ok, err := e.Repo.UpdatePhaseCache(ctx, *d, now)
	if err != nil {
		return false, storage("update phase cache", err)
	}
	if ok {
		d.Version++
	}
	return ok, nil
}

func (e Engine) fillNarratives(ctx context.Context, d *domain.Deployment, m catalog.MissionTemplate, u domain.Unit, now time.Time) bool {
	changed := false
	for i := range d.PhaseOutcomes {
		o := &d.PhaseOutcomes[i]
		if o.Narrative != "" || !simulation.ShouldRevealPhase(*d, o.PhaseID, now) {
			continue
		}
		phase, ok := m.Phase(o.PhaseID)
		if !ok {
			continue
		}
		tmpl := phase.FailureNarrative
		if o.Success {
			tmpl = phase.SuccessNarrative
		}
		o.Narrative = e.generate(ctx, narrative.Context{
			Kind:          narrative.KindPhase,
			MissionID:     m.ID,
			MissionTitle:  m.Title,
			PhaseID:       o.PhaseID,
			PhaseName:     phase.Name,
			UnitName:      u.Name,
			Personality:   u.Personality,
			Approach:      d.Approach,
			Success:       o.Success,
			PriorOutcomes: priorOutcomes(d.PhaseOutcomes, i),
			Template:      tmpl,
		})
		at := simulation.RevealAt(*d, o.PhaseID)
		o.CompletedAt = &at
		changed = true
	}
	return changed
}

func priorOutcomes(outcomes []domain.PhaseOutcome, n int) []bool {
	res := make([]bool, 0, n)
	for _, o := range outcomes[:n] {
		res = append(res, o.Success)
	}
	return res
}

// AdvancePhases refreshes the phase cache of every active deployment. It
// returns how many deployments were updated.
func (e Engine) AdvancePhases(ctx context.Context) (int, error) {
	active, err := e.Repo.ListActiveDeployments(ctx)
	if err != nil {
		return 0, storage("list active deployments", err)
	}
	now := e.now()
	var (
		updated int
		errs    []error
	)
	for i := range active {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		ok, err := e.refreshPhases(ctx, &active[i], now)
		if err != nil {
			errs = append(errs, fmt.Errorf("deployment %s: %w", active[i].ID, err))
			continue
		}
		if ok {
			updated++
		}
	}
	return updated, errors.Join(errs...)
}

// Purge removes terminal deployments that finished more than olderThan ago.
func (e Engine) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, domain.Validationf("retention must be positive")
	}
	n, err := e.Repo.PurgeDeployments(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, storage("purge deployments", err)
	}
	if n > 0 {
		e.Log.Info().Int64("purged", n).Msg("terminal deployments purged")
	}
	return n, nil
}
