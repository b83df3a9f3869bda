package dispatch

import (
	"github.com/t77yq/nats-dispatch/internal/model"
)

// ExecutionContext carries one dispatch call's inputs and records its
// outcome. It is built by the caller per call and discarded afterwards.
//
// Host is the initially selected node; on success the executor manager
// overwrites it with the node that actually accepted the command, so the
// caller always sees the truly responsible node.
type ExecutionContext struct {
	Command      *model.Command
	Host         model.Host
	ExecutorType model.ExecutorType
	WorkerGroup  string
	Task         *model.Task
}

// NewWorkerContext builds a context for a pool-based dispatch with
// failover across the task's worker group.
func NewWorkerContext(cmd *model.Command, host model.Host, task *model.Task) *ExecutionContext {
	return &ExecutionContext{
		Command:      cmd,
		Host:         host,
		ExecutorType: model.ExecutorTypeWorker,
		WorkerGroup:  task.WorkerGroup,
		Task:         task,
	}
}

// NewClientContext builds a context targeting a single pre-selected host
// with no pool lookup and no failover.
func NewClientContext(cmd *model.Command, host model.Host, task *model.Task) *ExecutionContext {
	return &ExecutionContext{
		Command:      cmd,
		Host:         host,
		ExecutorType: model.ExecutorTypeClient,
		Task:         task,
	}
}
