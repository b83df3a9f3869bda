package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
	"github.com/t77yq/nats-dispatch/internal/registry"
)

const (
	defaultRetryCount = 3
	defaultRetryDelay = time.Second
)

// Transport performs a single blocking send of a command to one host. It
// must be safe for concurrent use by many in-flight dispatch calls.
type Transport interface {
	Send(ctx context.Context, host model.Host, cmd *model.Command) error
}

// NodeRegistry resolves a worker group to its current live hosts. An
// unknown group yields an empty slice, not an error.
type NodeRegistry interface {
	WorkerGroupNodes(group string) []model.Host
}

// TaskAssignmentRecorder is the side channel through which a successful
// dispatch publishes the node that actually accepted the task.
type TaskAssignmentRecorder interface {
	RecordAssignedHost(ctx context.Context, task *model.Task, host model.Host) error
}

// Config holds the reliable-send tuning parameters.
type Config struct {
	// RetryCount is the fixed per-host attempt budget.
	RetryCount int

	// RetryDelay is the fixed pause between attempts on the same host.
	RetryDelay time.Duration
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		RetryCount: defaultRetryCount,
		RetryDelay: defaultRetryDelay,
	}
}

// ExecutorManager orchestrates command delivery: a bounded same-host
// retry nested inside a cross-host failover loop. Each call is
// self-contained, so concurrent calls only share the transport.
type ExecutorManager struct {
	logger     *zap.Logger
	transport  Transport
	registry   NodeRegistry
	recorder   TaskAssignmentRecorder
	strategy   registry.SelectionStrategy
	retryCount int
	retryDelay time.Duration
}

// NewExecutorManager creates an executor manager. The recorder may be nil
// when assignment persistence is handled elsewhere.
func NewExecutorManager(transport Transport, nodes NodeRegistry, recorder TaskAssignmentRecorder,
	strategy registry.SelectionStrategy, config Config, logger *zap.Logger) *ExecutorManager {

	if config.RetryCount <= 0 {
		config.RetryCount = defaultRetryCount
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if strategy == nil {
		strategy = &registry.SortedFirstStrategy{}
	}

	return &ExecutorManager{
		logger:     logger.Named("executor-manager"),
		transport:  transport,
		registry:   nodes,
		recorder:   recorder,
		strategy:   strategy,
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
	}
}

// Execute delivers the context's command to exactly one live node of its
// candidate set, failing over to alternate nodes until one accepts it or
// all candidates are exhausted. On success the delivering host is
// recorded on the context and on the task record.
func (em *ExecutorManager) Execute(ctx context.Context, ec *ExecutionContext) error {
	allNodes, err := em.allNodes(ec)
	if err != nil {
		return err
	}
	if len(allNodes) == 0 {
		em.logger.Error("No candidate nodes for dispatch",
			zap.String("worker_group", ec.WorkerGroup),
			zap.String("command_type", string(ec.Command.Type)))
		return fmt.Errorf("%w: worker group %q has no live nodes", ErrAllNodesFailed, ec.WorkerGroup)
	}

	failed := make(map[model.Host]struct{})
	host := ec.Host
	for {
		sendErr := em.doExecute(ctx, host, ec.Command)
		if sendErr == nil {
			em.recordAssignment(ctx, ec, host)
			return nil
		}

		em.logger.Error("Dispatch to node failed",
			zap.String("host", host.Address()),
			zap.String("command_type", string(ec.Command.Type)),
			zap.Error(sendErr))

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("dispatch aborted: %w", ctxErr)
		}

		failed[host] = struct{}{}
		next, pickErr := em.nextCandidate(allNodes, failed)
		if pickErr != nil {
			if !errors.Is(pickErr, registry.ErrNoCandidates) {
				em.logger.Error("Failed to compute remaining candidates", zap.Error(pickErr))
			}
			return fmt.Errorf("%w: %d nodes tried, last error: %v", ErrAllNodesFailed, len(failed), sendErr)
		}

		em.logger.Warn("Failing over to alternate node",
			zap.String("failed_host", host.Address()),
			zap.String("next_host", next.Address()),
			zap.String("command_type", string(ec.Command.Type)))
		host = next
	}
}

// ExecuteDirectly delivers the command to the context's host with no
// candidate resolution, no failover and no task record mutation. Used
// when the command must reach the exact node holding prior state.
func (em *ExecutorManager) ExecuteDirectly(ctx context.Context, ec *ExecutionContext) error {
	return em.doExecute(ctx, ec.Host, ec.Command)
}

// doExecute is the reliable send: a fixed attempt budget against one
// fixed host with a fixed pause between attempts. It never substitutes
// hosts; that is exclusively Execute's job.
func (em *ExecutorManager) doExecute(ctx context.Context, host model.Host, cmd *model.Command) error {
	var lastErr error
	for attempt := 1; attempt <= em.retryCount; attempt++ {
		lastErr = em.transport.Send(ctx, host, cmd)
		if lastErr == nil {
			return nil
		}

		em.logger.Warn("Send attempt failed",
			zap.String("host", host.Address()),
			zap.String("command_type", string(cmd.Type)),
			zap.Int("attempt", attempt),
			zap.Int("budget", em.retryCount),
			zap.Error(lastErr))

		if attempt < em.retryCount {
			select {
			case <-ctx.Done():
				return &SendError{Host: host, CommandType: cmd.Type, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(em.retryDelay):
			}
		}
	}

	return &SendError{Host: host, CommandType: cmd.Type, Attempts: em.retryCount, Err: lastErr}
}

// allNodes resolves the candidate set for the context's executor type.
func (em *ExecutorManager) allNodes(ec *ExecutionContext) ([]model.Host, error) {
	switch ec.ExecutorType {
	case model.ExecutorTypeWorker:
		return em.registry.WorkerGroupNodes(ec.WorkerGroup), nil
	case model.ExecutorTypeClient:
		return []model.Host{ec.Host}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidExecutorType, ec.ExecutorType)
	}
}

// nextCandidate picks one host from candidates minus failed via the
// selection strategy.
func (em *ExecutorManager) nextCandidate(candidates []model.Host, failed map[model.Host]struct{}) (model.Host, error) {
	remaining := make([]model.Host, 0, len(candidates))
	for _, h := range candidates {
		if _, excluded := failed[h]; !excluded {
			remaining = append(remaining, h)
		}
	}
	return em.strategy.Select(remaining)
}

// recordAssignment publishes the delivering host on the execution context
// and the task record. The task's host must reflect the node that truly
// holds the work, otherwise failover scans for a downed worker miss it.
func (em *ExecutorManager) recordAssignment(ctx context.Context, ec *ExecutionContext, host model.Host) {
	ec.Host = host
	if ec.Task == nil {
		return
	}

	ec.Task.Host = host.Address()
	now := time.Now()
	ec.Task.DispatchedAt = &now

	if em.recorder != nil {
		if err := em.recorder.RecordAssignedHost(ctx, ec.Task, host); err != nil {
			em.logger.Warn("Failed to persist assigned host",
				zap.String("task_id", ec.Task.ID),
				zap.String("host", host.Address()),
				zap.Error(err))
		}
	}

	em.logger.Info("Command dispatched",
		zap.String("task_id", ec.Task.ID),
		zap.String("host", host.Address()),
		zap.String("command_type", string(ec.Command.Type)))
}
