package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
	"github.com/t77yq/nats-dispatch/internal/registry"
	"github.com/t77yq/nats-dispatch/internal/remote"
)

// Config defines configuration for the worker agent
type Config struct {
	ID                string
	Name              string
	Group             string
	Host              model.Host
	MaxTasks          int
	HeartbeatInterval time.Duration
	Tags              []string
}

// TaskHandler executes the payload of a dispatched task.
type TaskHandler interface {
	Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error)
}

// Agent is the worker-side counterpart of the dispatch layer: it
// announces itself to a group, heartbeats with load statistics, accepts
// commands on its point-to-point subject and emits asynchronous
// kill/reject responses.
type Agent struct {
	logger   *zap.Logger
	nc       *nats.Conn
	config   Config
	handlers map[string]TaskHandler

	runningTasks sync.Map // task id -> context.CancelFunc
	taskCount    atomic.Int64

	sub  *nats.Subscription
	stop chan struct{}
}

// NewAgent creates a worker agent on an established NATS connection.
func NewAgent(nc *nats.Conn, config Config, logger *zap.Logger) *Agent {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}

	return &Agent{
		logger:   logger.Named("worker-agent"),
		nc:       nc,
		config:   config,
		handlers: make(map[string]TaskHandler),
		stop:     make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a task name.
func (a *Agent) RegisterHandler(taskName string, handler TaskHandler) {
	a.handlers[taskName] = handler
}

// Start announces the worker, subscribes to its command subject and
// starts the heartbeat loop.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting worker agent",
		zap.String("worker_id", a.config.ID),
		zap.String("group", a.config.Group),
		zap.String("host", a.config.Host.Address()))

	sub, err := a.nc.Subscribe(remote.CommandSubject(a.config.Host), a.handleCommand)
	if err != nil {
		return fmt.Errorf("failed to subscribe to command subject: %w", err)
	}
	a.sub = sub

	if err := a.announce(); err != nil {
		return err
	}

	go a.heartbeatLoop(ctx)

	return nil
}

// Stop publishes an offline notice and tears down the subscription.
func (a *Agent) Stop() {
	a.logger.Info("Stopping worker agent", zap.String("worker_id", a.config.ID))

	close(a.stop)
	if a.sub != nil {
		_ = a.sub.Unsubscribe()
	}

	offline := model.WorkerHeartbeat{
		WorkerID: a.config.ID,
		Group:    a.config.Group,
		Host:     a.config.Host,
	}
	if data, err := json.Marshal(offline); err == nil {
		_ = a.nc.Publish(registry.OfflineSubject, data)
	}
}

// RunningTaskCount returns the number of tasks currently executing.
func (a *Agent) RunningTaskCount() int {
	return int(a.taskCount.Load())
}

func (a *Agent) announce() error {
	worker := model.Worker{
		ID:    a.config.ID,
		Name:  a.config.Name,
		Host:  a.config.Host,
		Group: a.config.Group,
		Tags:  a.config.Tags,
	}

	data, err := json.Marshal(worker)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}
	if err := a.nc.Publish(registry.AnnounceSubject, data); err != nil {
		return fmt.Errorf("failed to announce worker: %w", err)
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.publishHeartbeat()
		}
	}
}

func (a *Agent) publishHeartbeat() {
	stats := a.collectStats()

	hb := model.WorkerHeartbeat{
		WorkerID: a.config.ID,
		Group:    a.config.Group,
		Host:     a.config.Host,
		Stats:    stats,
	}

	data, err := json.Marshal(hb)
	if err != nil {
		a.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}
	if err := a.nc.Publish(registry.HeartbeatSubject, data); err != nil {
		a.logger.Warn("Failed to publish heartbeat", zap.Error(err))
	}
}

// handleCommand processes one command from the point-to-point subject and
// replies synchronously with an ack or a refusal.
func (a *Agent) handleCommand(msg *nats.Msg) {
	var cmd model.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		a.logger.Error("Failed to unmarshal command", zap.Error(err))
		a.reply(msg, remote.Ack{Ok: false, WorkerID: a.config.ID, Error: "malformed command"})
		return
	}

	switch cmd.Type {
	case model.CommandTaskDispatch:
		a.handleDispatch(msg, &cmd)
	case model.CommandTaskKill:
		a.handleKill(msg, &cmd)
	default:
		a.logger.Warn("Received command of unknown type",
			zap.String("command_type", string(cmd.Type)))
		a.reply(msg, remote.Ack{Ok: false, WorkerID: a.config.ID,
			Error: fmt.Sprintf("unsupported command type %q", cmd.Type)})
	}
}

func (a *Agent) handleDispatch(msg *nats.Msg, cmd *model.Command) {
	var task model.Task
	if err := json.Unmarshal(cmd.Body, &task); err != nil {
		a.logger.Error("Failed to unmarshal task payload", zap.Error(err))
		a.reply(msg, remote.Ack{Ok: false, WorkerID: a.config.ID, Error: "malformed task payload"})
		return
	}

	if a.config.MaxTasks > 0 && int(a.taskCount.Load()) >= a.config.MaxTasks {
		a.logger.Warn("Rejecting task, at capacity",
			zap.String("task_id", task.ID),
			zap.Int("max_tasks", a.config.MaxTasks))
		a.reply(msg, remote.Ack{Ok: false, WorkerID: a.config.ID, Error: "worker at capacity"})
		a.publishReject(task.ID, "worker at capacity")
		return
	}

	handler, ok := a.handlers[task.Name]
	if !ok {
		a.logger.Warn("No handler for task",
			zap.String("task_id", task.ID),
			zap.String("task_name", task.Name))
		a.reply(msg, remote.Ack{Ok: false, WorkerID: a.config.ID,
			Error: fmt.Sprintf("no handler for task %q", task.Name)})
		a.publishReject(task.ID, fmt.Sprintf("no handler for task %q", task.Name))
		return
	}

	// Accept before executing; the dispatcher only needs delivery.
	a.reply(msg, remote.Ack{Ok: true, WorkerID: a.config.ID})

	taskCtx, cancel := context.WithCancel(context.Background())
	a.runningTasks.Store(task.ID, cancel)
	a.taskCount.Add(1)

	go func() {
		defer func() {
			cancel()
			a.runningTasks.Delete(task.ID)
			a.taskCount.Add(-1)
		}()

		a.logger.Info("Executing task",
			zap.String("task_id", task.ID),
			zap.String("task_name", task.Name))

		if _, err := handler.Execute(taskCtx, &task); err != nil {
			a.logger.Error("Task execution failed",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}()
}

func (a *Agent) handleKill(msg *nats.Msg, cmd *model.Command) {
	var req model.KillRequest
	if err := json.Unmarshal(cmd.Body, &req); err != nil {
		a.logger.Error("Failed to unmarshal kill request", zap.Error(err))
		a.reply(msg, remote.Ack{Ok: false, WorkerID: a.config.ID, Error: "malformed kill request"})
		return
	}

	a.reply(msg, remote.Ack{Ok: true, WorkerID: a.config.ID})

	resp := model.KillResponse{
		TaskID:   req.TaskID,
		WorkerID: a.config.ID,
	}
	if cancel, ok := a.runningTasks.Load(req.TaskID); ok {
		cancel.(context.CancelFunc)()
		resp.Killed = true
		a.logger.Info("Task killed", zap.String("task_id", req.TaskID))
	} else {
		resp.Error = "task not running"
		a.logger.Warn("Kill requested for unknown task",
			zap.String("task_id", req.TaskID))
	}

	a.publishResponse(model.CommandTaskKillResponse, resp)
}

func (a *Agent) publishReject(taskID, reason string) {
	a.publishResponse(model.CommandTaskReject, model.RejectNotice{
		TaskID:   taskID,
		WorkerID: a.config.ID,
		Reason:   reason,
	})
}

func (a *Agent) publishResponse(cmdType model.CommandType, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		a.logger.Error("Failed to marshal response body", zap.Error(err))
		return
	}

	cmd := model.NewCommand(cmdType, data)
	payload, err := json.Marshal(cmd)
	if err != nil {
		a.logger.Error("Failed to marshal response command", zap.Error(err))
		return
	}
	if err := a.nc.Publish(remote.ResponseSubject(cmdType), payload); err != nil {
		a.logger.Warn("Failed to publish response",
			zap.String("command_type", string(cmdType)),
			zap.Error(err))
	}
}

func (a *Agent) reply(msg *nats.Msg, ack remote.Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		a.logger.Error("Failed to marshal ack", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Warn("Failed to respond to command", zap.Error(err))
	}
}
