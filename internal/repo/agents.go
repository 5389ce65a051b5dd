package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"proxim8/internal/domain"
)

const agentColumns = `id,name,timeline_points,rank,missions_completed,created_at,updated_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var (
		a                domain.Agent
		created, updated int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.TimelinePoints, &a.Rank, &a.MissionsCompleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.CreatedAt = fromMS(created)
	a.UpdatedAt = fromMS(updated)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.TimelinePoints, a.Rank, a.MissionsCompleted, ms(a.CreatedAt), ms(a.UpdatedAt))
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return getAgent(ctx, r.DB, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return getAgent(ctx, tx, id)
}

func getAgent(ctx context.Context, q querier, id string) (domain.Agent, error) {
	return scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

// UpdateAgentProgressTx writes the reward-derived fields of an agent.
func (r Repo) UpdateAgentProgressTx(ctx context.Context, tx *sql.Tx, a domain.Agent, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET timeline_points=?, rank=?, missions_completed=?, updated_at=? WHERE id=?`,
		a.TimelinePoints, a.Rank, a.MissionsCompleted, ms(now), a.ID)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
