package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"proxim8/internal/domain"
)

const (
	DeploymentCreated   = "deployment.created"
	DeploymentCompleted = "deployment.completed"
	DeploymentAbandoned = "deployment.abandoned"
	UnitLevelUp         = "unit.level_up"
	AgentRankUp         = "agent.rank_up"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so it commits or
// rolls back together with the state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, agentID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,agent_id,entity_kind,entity_id,payload) VALUES (?,?,?,?,?,?)`,
		w.Now().UTC().UnixMilli(), evtType, nullable(agentID), entityKind, entityID, string(data))
	return err
}

// List returns events for one entity, oldest first.
func (w Writer) List(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(agent_id,''),entity_kind,entity_id,payload FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			ts      int64
			payload string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.AgentID, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		e.TS = time.UnixMilli(ts).UTC()
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
