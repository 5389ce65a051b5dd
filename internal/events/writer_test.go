package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proxim8/internal/db"
	"proxim8/internal/events"
	"proxim8/internal/migrate"
)

func TestAppendCommitsWithTransaction(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(ctx, conn))

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w := events.Writer{DB: conn, Now: func() time.Time { return at }}

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, events.DeploymentAbandoned, "agent-1", "deployment", "dep-1", events.EventPayload{"reason": "stuck"}))
	require.NoError(t, tx.Rollback())

	list, err := w.List(ctx, "deployment", "dep-1")
	require.NoError(t, err)
	require.Empty(t, list)

	tx, err = conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, events.DeploymentCreated, "agent-1", "deployment", "dep-1", nil))
	require.NoError(t, w.Append(ctx, tx, events.DeploymentCompleted, "", "deployment", "dep-1", events.EventPayload{"success_count": 4}))
	require.NoError(t, tx.Commit())

	list, err = w.List(ctx, "deployment", "dep-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, events.DeploymentCreated, list[0].Type)
	require.Equal(t, "agent-1", list[0].AgentID)
	require.Equal(t, at, list[0].TS)
	require.Empty(t, list[0].Payload)
	require.Equal(t, events.DeploymentCompleted, list[1].Type)
	require.Empty(t, list[1].AgentID)
	require.Equal(t, float64(4), list[1].Payload["success_count"])
}
