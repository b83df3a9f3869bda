package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
)

func newTestHistory(t *testing.T) *SQLiteDispatchHistory {
	t.Helper()

	history, err := NewSQLiteDispatchHistory(zap.NewNop(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	return history
}

func TestSQLiteDispatchHistory(t *testing.T) {
	history := newTestHistory(t)
	ctx := context.Background()

	t.Run("Store And Get", func(t *testing.T) {
		record := &DispatchRecord{
			ID:           uuid.New().String(),
			TaskID:       "task-1",
			TaskName:     "example",
			CommandType:  string(model.CommandTaskDispatch),
			Host:         "10.0.0.1:1234",
			WorkerGroup:  "default",
			Outcome:      OutcomeDispatched,
			DispatchedAt: time.Now(),
		}
		require.NoError(t, history.Store(ctx, record))

		stored, err := history.Get(ctx, record.ID)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, record.TaskID, stored.TaskID)
		assert.Equal(t, record.Host, stored.Host)
		assert.Equal(t, record.WorkerGroup, stored.WorkerGroup)
		assert.Equal(t, OutcomeDispatched, stored.Outcome)
	})

	t.Run("Get Missing", func(t *testing.T) {
		stored, err := history.Get(ctx, "nonexistent")
		require.NoError(t, err)
		assert.Nil(t, stored)
	})

	t.Run("Record Assigned Host", func(t *testing.T) {
		task := &model.Task{
			ID:          "task-2",
			Name:        "example",
			WorkerGroup: "batch",
		}
		err := history.RecordAssignedHost(ctx, task, model.NewHost("10.0.0.2", 1234))
		require.NoError(t, err)

		records, err := history.List(ctx, map[string]interface{}{"task_id": "task-2"}, 0, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "10.0.0.2:1234", records[0].Host)
		assert.Equal(t, "batch", records[0].WorkerGroup)
		assert.Equal(t, OutcomeDispatched, records[0].Outcome)
	})

	t.Run("List With Filters And Count", func(t *testing.T) {
		count, err := history.Count(ctx, map[string]interface{}{"outcome": OutcomeDispatched})
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		records, err := history.List(ctx, map[string]interface{}{"host": "10.0.0.1:1234"}, 0, 10)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "task-1", records[0].TaskID)
	})

	t.Run("Delete Before", func(t *testing.T) {
		old := &DispatchRecord{
			ID:           uuid.New().String(),
			TaskID:       "task-old",
			TaskName:     "example",
			CommandType:  string(model.CommandTaskDispatch),
			Host:         "10.0.0.3:1234",
			Outcome:      OutcomeFailed,
			Error:        "exhausted all candidate nodes",
			DispatchedAt: time.Now().Add(-48 * time.Hour),
		}
		require.NoError(t, history.Store(ctx, old))

		require.NoError(t, history.DeleteBefore(ctx, time.Now().Add(-24*time.Hour)))

		stored, err := history.Get(ctx, old.ID)
		require.NoError(t, err)
		assert.Nil(t, stored)

		count, err := history.Count(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}
