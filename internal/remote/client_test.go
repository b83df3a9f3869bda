package remote

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
	"github.com/t77yq/nats-dispatch/internal/testutil"
)

// respond simulates a worker on the given host's command subject.
func respond(t *testing.T, nc *nats.Conn, host model.Host, ack Ack) *nats.Subscription {
	t.Helper()

	data, err := json.Marshal(ack)
	require.NoError(t, err)

	sub, err := nc.Subscribe(CommandSubject(host), func(msg *nats.Msg) {
		require.NoError(t, msg.Respond(data))
	})
	require.NoError(t, err)
	return sub
}

func TestClientSend(t *testing.T) {
	master, peer, cleanup := testutil.ConnectTwo(t)
	defer cleanup()

	client := NewClient(master, zap.NewNop())
	defer client.Close()

	host := model.NewHost("10.0.0.1", 1234)

	t.Run("Acknowledged", func(t *testing.T) {
		sub := respond(t, peer, host, Ack{Ok: true, WorkerID: "w1"})
		defer sub.Unsubscribe()

		cmd := model.NewCommand(model.CommandTaskDispatch, []byte(`{}`))
		require.NoError(t, client.Send(context.Background(), host, cmd))
	})

	t.Run("Rejected", func(t *testing.T) {
		sub := respond(t, peer, host, Ack{Ok: false, WorkerID: "w1", Error: "at capacity"})
		defer sub.Unsubscribe()

		cmd := model.NewCommand(model.CommandTaskDispatch, []byte(`{}`))
		err := client.Send(context.Background(), host, cmd)
		require.ErrorIs(t, err, ErrSendRejected)
	})

	t.Run("Unreachable", func(t *testing.T) {
		cmd := model.NewCommand(model.CommandTaskDispatch, []byte(`{}`))
		err := client.Send(context.Background(), model.NewHost("10.9.9.9", 9), cmd)
		require.ErrorIs(t, err, ErrHostUnreachable)
	})
}

func TestClientResponseHandlers(t *testing.T) {
	master, peer, cleanup := testutil.ConnectTwo(t)
	defer cleanup()

	client := NewClient(master, zap.NewNop())
	defer client.Close()

	var received atomic.Int64
	var lastOpaque atomic.Value

	err := client.RegisterHandler(model.CommandTaskKillResponse, ResponseHandlerFunc(func(cmd *model.Command) {
		lastOpaque.Store(cmd.Opaque)
		received.Add(1)
	}))
	require.NoError(t, err)
	require.NoError(t, master.Flush())

	// Worker side publishes an async kill response.
	body, err := json.Marshal(model.KillResponse{TaskID: "task-1", WorkerID: "w1", Killed: true})
	require.NoError(t, err)
	resp := model.NewCommand(model.CommandTaskKillResponse, body)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NoError(t, peer.Publish(ResponseSubject(model.CommandTaskKillResponse), data))

	require.Eventually(t, func() bool {
		return received.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, resp.Opaque, lastOpaque.Load())
}
