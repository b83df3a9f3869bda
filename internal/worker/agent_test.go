package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
	"github.com/t77yq/nats-dispatch/internal/remote"
	"github.com/t77yq/nats-dispatch/internal/testutil"
)

type recordingHandler struct {
	started chan string
	block   bool
	stopped atomic.Int64
}

func (h *recordingHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	h.started <- task.ID
	if h.block {
		<-ctx.Done()
		h.stopped.Add(1)
		return nil, ctx.Err()
	}
	return &model.TaskResult{TaskID: task.ID, Status: model.TaskStatusCompleted}, nil
}

func dispatchCommand(t *testing.T, task *model.Task) *model.Command {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return model.NewCommand(model.CommandTaskDispatch, body)
}

func TestAgent(t *testing.T) {
	masterConn, workerConn, cleanup := testutil.ConnectTwo(t)
	defer cleanup()

	host := model.NewHost("10.0.0.1", 1234)
	handler := &recordingHandler{started: make(chan string, 10), block: true}

	agent := NewAgent(workerConn, Config{
		ID:                "w1",
		Name:              "test-worker",
		Group:             "default",
		Host:              host,
		MaxTasks:          1,
		HeartbeatInterval: 50 * time.Millisecond,
	}, zap.NewNop())
	agent.RegisterHandler("example", handler)

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()
	require.NoError(t, workerConn.Flush())

	client := remote.NewClient(masterConn, zap.NewNop())
	defer client.Close()

	rejects := make(chan model.RejectNotice, 10)
	require.NoError(t, client.RegisterHandler(model.CommandTaskReject, remote.ResponseHandlerFunc(func(cmd *model.Command) {
		var notice model.RejectNotice
		if err := json.Unmarshal(cmd.Body, &notice); err == nil {
			rejects <- notice
		}
	})))

	kills := make(chan model.KillResponse, 10)
	require.NoError(t, client.RegisterHandler(model.CommandTaskKillResponse, remote.ResponseHandlerFunc(func(cmd *model.Command) {
		var resp model.KillResponse
		if err := json.Unmarshal(cmd.Body, &resp); err == nil {
			kills <- resp
		}
	})))
	require.NoError(t, masterConn.Flush())

	t.Run("Accepts Dispatch", func(t *testing.T) {
		task := &model.Task{ID: "task-1", Name: "example", WorkerGroup: "default"}
		err := client.Send(context.Background(), host, dispatchCommand(t, task))
		require.NoError(t, err)

		select {
		case id := <-handler.started:
			assert.Equal(t, "task-1", id)
		case <-time.After(5 * time.Second):
			t.Fatal("handler was not invoked")
		}
	})

	t.Run("Rejects When At Capacity", func(t *testing.T) {
		// task-1 is still running and MaxTasks is 1.
		task := &model.Task{ID: "task-2", Name: "example", WorkerGroup: "default"}
		err := client.Send(context.Background(), host, dispatchCommand(t, task))
		require.ErrorIs(t, err, remote.ErrSendRejected)

		select {
		case notice := <-rejects:
			assert.Equal(t, "task-2", notice.TaskID)
			assert.Equal(t, "w1", notice.WorkerID)
		case <-time.After(5 * time.Second):
			t.Fatal("no reject notice received")
		}
	})

	t.Run("Kill Running Task", func(t *testing.T) {
		body, err := json.Marshal(model.KillRequest{TaskID: "task-1"})
		require.NoError(t, err)

		err = client.Send(context.Background(), host, model.NewCommand(model.CommandTaskKill, body))
		require.NoError(t, err)

		select {
		case resp := <-kills:
			assert.Equal(t, "task-1", resp.TaskID)
			assert.True(t, resp.Killed)
		case <-time.After(5 * time.Second):
			t.Fatal("no kill response received")
		}

		require.Eventually(t, func() bool {
			return handler.stopped.Load() == 1 && agent.RunningTaskCount() == 0
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Kill Unknown Task", func(t *testing.T) {
		body, err := json.Marshal(model.KillRequest{TaskID: "ghost"})
		require.NoError(t, err)

		err = client.Send(context.Background(), host, model.NewCommand(model.CommandTaskKill, body))
		require.NoError(t, err)

		select {
		case resp := <-kills:
			assert.Equal(t, "ghost", resp.TaskID)
			assert.False(t, resp.Killed)
		case <-time.After(5 * time.Second):
			t.Fatal("no kill response received")
		}
	})

	t.Run("Rejects Unknown Task Name", func(t *testing.T) {
		task := &model.Task{ID: "task-3", Name: "unknown", WorkerGroup: "default"}
		err := client.Send(context.Background(), host, dispatchCommand(t, task))
		require.ErrorIs(t, err, remote.ErrSendRejected)
	})
}

func TestAgentHeartbeats(t *testing.T) {
	masterConn, workerConn, cleanup := testutil.ConnectTwo(t)
	defer cleanup()

	heartbeats := make(chan model.WorkerHeartbeat, 10)
	_, err := masterConn.Subscribe("worker.heartbeat", func(msg *nats.Msg) {
		var hb model.WorkerHeartbeat
		if err := json.Unmarshal(msg.Data, &hb); err == nil {
			heartbeats <- hb
		}
	})
	require.NoError(t, err)
	require.NoError(t, masterConn.Flush())

	agent := NewAgent(workerConn, Config{
		ID:                "w2",
		Name:              "hb-worker",
		Group:             "default",
		Host:              model.NewHost("10.0.0.2", 1234),
		HeartbeatInterval: 20 * time.Millisecond,
	}, zap.NewNop())

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	select {
	case hb := <-heartbeats:
		assert.Equal(t, "w2", hb.WorkerID)
		assert.Equal(t, "default", hb.Group)
		assert.Equal(t, "10.0.0.2:1234", hb.Host.Address())
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}
}
