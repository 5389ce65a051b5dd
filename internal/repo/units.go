package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"proxim8/internal/domain"
)

const unitColumns = `id,agent_id,name,personality,level,experience,is_deployed,missions_completed,created_at,updated_at`

func scanUnit(row rowScanner) (domain.Unit, error) {
	var (
		u                domain.Unit
		created, updated int64
	)
	err := row.Scan(&u.ID, &u.AgentID, &u.Name, &u.Personality, &u.Level, &u.Experience, &u.IsDeployed, &u.MissionsCompleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	return u, nil
}

func (r Repo) InsertUnit(ctx context.Context, u domain.Unit) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO units(`+unitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.AgentID, u.Name, u.Personality, u.Level, u.Experience, u.IsDeployed, u.MissionsCompleted, ms(u.CreatedAt), ms(u.UpdatedAt))
	return err
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.Unit, error) {
	return scanUnit(r.DB.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id=?`, id))
}

func (r Repo) GetUnitTx(ctx context.Context, tx *sql.Tx, id string) (domain.Unit, error) {
	return scanUnit(tx.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id=?`, id))
}

func (r Repo) ListUnits(ctx context.Context, agentID string) ([]domain.Unit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM units WHERE agent_id=? ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// MarkUnitDeployedTx flips is_deployed on an idle unit owned by agentID.
// It reports false when the unit is already deployed or not owned.
func (r Repo) MarkUnitDeployedTx(ctx context.Context, tx *sql.Tx, unitID, agentID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE units SET is_deployed=1, updated_at=? WHERE id=? AND agent_id=? AND is_deployed=0`,
		ms(now), unitID, agentID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ReleaseUnitTx clears is_deployed without touching progression.
func (r Repo) ReleaseUnitTx(ctx context.Context, tx *sql.Tx, unitID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE units SET is_deployed=0, updated_at=? WHERE id=?`, ms(now), unitID)
	return err
}

// UpdateUnitProgressTx writes level, experience and mission count and
// releases the unit.
func (r Repo) UpdateUnitProgressTx(ctx context.Context, tx *sql.Tx, u domain.Unit, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE units SET level=?, experience=?, missions_completed=?, is_deployed=0, updated_at=? WHERE id=?`,
		u.Level, u.Experience, u.MissionsCompleted, ms(now), u.ID)
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
