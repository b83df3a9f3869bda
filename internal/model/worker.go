package model

import "time"

// WorkerStatus represents the status of a worker node
type WorkerStatus string

const (
	WorkerStatusHealthy   WorkerStatus = "healthy"
	WorkerStatusUnhealthy WorkerStatus = "unhealthy"
	WorkerStatusOffline   WorkerStatus = "offline"
)

// Worker represents a worker node known to the registry
type Worker struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Host          Host         `json:"host"`
	Group         string       `json:"group"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	TaskCount     int          `json:"task_count"`
	CPU           float64      `json:"cpu"`
	Memory        float64      `json:"memory"`
	Tags          []string     `json:"tags,omitempty"`
}

// WorkerStats represents worker load statistics carried by heartbeats
type WorkerStats struct {
	TaskCount   int       `json:"task_count"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// WorkerHeartbeat is the payload published on the heartbeat subject
type WorkerHeartbeat struct {
	WorkerID string      `json:"worker_id"`
	Group    string      `json:"group"`
	Host     Host        `json:"host"`
	Stats    WorkerStats `json:"stats"`
}

// ExecutorType selects how the dispatch target is resolved: WORKER targets
// a pool resolved by worker-group name, CLIENT targets a single
// pre-selected host with no failover.
type ExecutorType string

const (
	ExecutorTypeWorker ExecutorType = "worker"
	ExecutorTypeClient ExecutorType = "client"
)
