package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"proxim8/internal/domain"
)

const deploymentColumns = `id,mission_id,agent_id,unit_id,approach,deployed_at,completes_at,duration_ms,final_success_rate,compatibility_json,outcomes_json,status,current_phase,result_json,version,completed_at`

func scanDeployment(row rowScanner) (domain.Deployment, error) {
	var (
		d                     domain.Deployment
		deployedAt, completes int64
		durationMS            int64
		compat, outcomes      string
		result                sql.NullString
		completedAt           sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.MissionID, &d.AgentID, &d.UnitID, &d.Approach, &deployedAt, &completes, &durationMS,
		&d.FinalSuccessRate, &compat, &outcomes, &d.Status, &d.CurrentPhase, &result, &d.Version, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.DeployedAt = fromMS(deployedAt)
	d.CompletesAt = fromMS(completes)
	d.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(compat), &d.Compatibility); err != nil {
		return d, fmt.Errorf("decode compatibility for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(outcomes), &d.PhaseOutcomes); err != nil {
		return d, fmt.Errorf("decode outcomes for %s: %w", d.ID, err)
	}
	if result.Valid {
		var res domain.Result
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return d, fmt.Errorf("decode result for %s: %w", d.ID, err)
		}
		d.Result = &res
	}
	if completedAt.Valid {
		t := fromMS(completedAt.Int64)
		d.CompletedAt = &t
	}
	return d, nil
}

func encodeOutcomes(outcomes []domain.PhaseOutcome) (string, error) {
	if len(outcomes) != domain.PhaseCount {
		return "", fmt.Errorf("expected %d phase outcomes, got %d", domain.PhaseCount, len(outcomes))
	}
	data, err := json.Marshal(outcomes)
	return string(data), err
}

func (r Repo) InsertDeploymentTx(ctx context.Context, tx *sql.Tx, d domain.Deployment) error {
	outcomes, err := encodeOutcomes(d.PhaseOutcomes)
	if err != nil {
		return err
	}
	compat, err := json.Marshal(d.Compatibility)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deployments(`+deploymentColumns+`,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.MissionID, d.AgentID, d.UnitID, d.Approach, ms(d.DeployedAt), ms(d.CompletesAt), d.Duration.Milliseconds(),
		d.FinalSuccessRate, string(compat), outcomes, d.Status, d.CurrentPhase, nil, d.Version, nil, ms(d.DeployedAt))
	return err
}

func (r Repo) GetDeployment(ctx context.Context, id string) (domain.Deployment, error) {
	return scanDeployment(r.DB.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id=?`, id))
}

type DeploymentFilters struct {
	AgentID   string
	UnitID    string
	MissionID string
	Status    domain.Status
	Limit     int
}

func (r Repo) ListDeployments(ctx context.Context, f DeploymentFilters) ([]domain.Deployment, error) {
	var (
		clauses []string
		args    []any
	)
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.UnitID != "" {
		clauses = append(clauses, "unit_id=?")
		args = append(args, f.UnitID)
	}
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY deployed_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryDeployments(ctx, query, args...)
}

// DueCursor is the (completes_at, id) position of the last due row seen.
type DueCursor struct {
	CompletesAt time.Time
	ID          string
}

// FindDueDeployments returns active deployments whose end time has passed,
// oldest first, starting strictly after the cursor when one is given.
func (r Repo) FindDueDeployments(ctx context.Context, now time.Time, after *DueCursor, limit int) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status='active' AND completes_at<=?`
	args := []any{ms(now)}
	if after != nil {
		query += ` AND (completes_at>? OR (completes_at=? AND id>?))`
		args = append(args, ms(after.CompletesAt), ms(after.CompletesAt), after.ID)
	}
	query += ` ORDER BY completes_at, id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryDeployments(ctx, query, args...)
}

func (r Repo) ListActiveDeployments(ctx context.Context) ([]domain.Deployment, error) {
	return r.queryDeployments(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE status='active' ORDER BY completes_at, id`)
}

func (r Repo) queryDeployments(ctx context.Context, query string, args ...any) ([]domain.Deployment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CompleteDeploymentTx moves d to completed if it is still in the expected
// status. It reports false when another writer got there first.
func (r Repo) CompleteDeploymentTx(ctx context.Context, tx *sql.Tx, d domain.Deployment, expected domain.Status) (bool, error) {
	if d.Result == nil || d.CompletedAt == nil {
		return false, fmt.Errorf("complete %s: result and completed_at required", d.ID)
	}
	outcomes, err := encodeOutcomes(d.PhaseOutcomes)
	if err != nil {
		return false, err
	}
	result, err := json.Marshal(d.Result)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE deployments SET status=?, result_json=?, outcomes_json=?, current_phase=?, version=version+1, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusCompleted, string(result), outcomes, domain.PhaseCount, ms(*d.CompletedAt), ms(*d.CompletedAt), d.ID, expected)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// AbandonDeploymentTx moves an active deployment owned by agentID to abandoned.
func (r Repo) AbandonDeploymentTx(ctx context.Context, tx *sql.Tx, id, agentID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE deployments SET status=?, version=version+1, completed_at=?, updated_at=? WHERE id=? AND agent_id=? AND status=?`,
		domain.StatusAbandoned, ms(now), ms(now), id, agentID, domain.StatusActive)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// UpdatePhaseCache stores revealed narratives and the current phase index
// for an active deployment, guarded by version.
func (r Repo) UpdatePhaseCache(ctx context.Context, d domain.Deployment, now time.Time) (bool, error) {
	outcomes, err := encodeOutcomes(d.PhaseOutcomes)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE deployments SET outcomes_json=?, current_phase=?, version=version+1, updated_at=? WHERE id=? AND version=? AND status='active'`,
		outcomes, d.CurrentPhase, ms(now), d.ID, d.Version)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// PurgeDeployments deletes terminal deployments finished before cutoff along
// with their events.
func (r Repo) PurgeDeployments(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE entity_kind='deployment' AND entity_id IN (
  SELECT id FROM deployments WHERE status IN ('completed','abandoned') AND completed_at < ?)`, ms(cutoff)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE status IN ('completed','abandoned') AND completed_at < ?`, ms(cutoff))
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}
