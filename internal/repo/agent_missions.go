package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"proxim8/internal/domain"
)

// RecordMissionCompletionTx upserts the agent's record for missionID.
func (r Repo) RecordMissionCompletionTx(ctx context.Context, tx *sql.Tx, agentID, missionID string, success bool, now time.Time) error {
	won := 0
	if success {
		won = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_missions(agent_id, mission_id, completions, successes, first_completed_at, last_completed_at)
VALUES (?,?,1,?,?,?)
ON CONFLICT(agent_id, mission_id) DO UPDATE SET completions=completions+1, successes=successes+excluded.successes, last_completed_at=excluded.last_completed_at`,
		agentID, missionID, won, ms(now), ms(now))
	return err
}

func (r Repo) GetAgentMission(ctx context.Context, agentID, missionID string) (domain.AgentMission, error) {
	return getAgentMission(ctx, r.DB, agentID, missionID)
}

func getAgentMission(ctx context.Context, q querier, agentID, missionID string) (domain.AgentMission, error) {
	var (
		am          domain.AgentMission
		first, last int64
	)
	err := q.QueryRowContext(ctx, `SELECT agent_id, mission_id, completions, successes, first_completed_at, last_completed_at FROM agent_missions WHERE agent_id=? AND mission_id=?`,
		agentID, missionID).Scan(&am.AgentID, &am.MissionID, &am.Completions, &am.Successes, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return am, ErrNotFound
	}
	if err != nil {
		return am, err
	}
	am.FirstCompletedAt = fromMS(first)
	am.LastCompletedAt = fromMS(last)
	return am, nil
}

// HasCompletedMissionTx reports whether the agent has completed missionID at
// least once, regardless of outcome.
func (r Repo) HasCompletedMissionTx(ctx context.Context, tx *sql.Tx, agentID, missionID string) (bool, error) {
	_, err := getAgentMission(ctx, tx, agentID, missionID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) ListAgentMissions(ctx context.Context, agentID string) ([]domain.AgentMission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id, mission_id, completions, successes, first_completed_at, last_completed_at FROM agent_missions WHERE agent_id=? ORDER BY first_completed_at, mission_id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentMission
	for rows.Next() {
		var (
			am          domain.AgentMission
			first, last int64
		)
		if err := rows.Scan(&am.AgentID, &am.MissionID, &am.Completions, &am.Successes, &first, &last); err != nil {
			return nil, err
		}
		am.FirstCompletedAt = fromMS(first)
		am.LastCompletedAt = fromMS(last)
		res = append(res, am)
	}
	return res, rows.Err()
}
