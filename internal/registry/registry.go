package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
)

// Worker presence subjects, shared with the worker agent.
const (
	AnnounceSubject  = "worker.announce"
	HeartbeatSubject = "worker.heartbeat"
	OfflineSubject   = "worker.offline"
)

// Config holds registry tuning parameters.
type Config struct {
	// HeartbeatTimeout is how long a worker may go silent before being
	// marked unhealthy.
	HeartbeatTimeout time.Duration

	// PurgeAfter is how long an offline worker is kept before the
	// scheduled purge removes it.
	PurgeAfter time.Duration

	// PurgeSchedule is the cron expression (with seconds) for the purge.
	PurgeSchedule string
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 15 * time.Second,
		PurgeAfter:       10 * time.Minute,
		PurgeSchedule:    "0 * * * * *",
	}
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Registry tracks live worker nodes per worker group from announce and
// heartbeat messages and answers candidate-set lookups for dispatch.
type Registry struct {
	logger *zap.Logger
	nc     *nats.Conn
	config Config
	cron   *cron.Cron

	mu      sync.RWMutex
	workers map[string]*model.Worker

	subs []*nats.Subscription
	stop chan struct{}
}

// New creates a registry on an established NATS connection.
func New(nc *nats.Conn, config Config, logger *zap.Logger) *Registry {
	named := logger.Named("registry")
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(&cronLogger{logger: named})),
	}

	return &Registry{
		logger:  named,
		nc:      nc,
		config:  config,
		cron:    cron.New(cronOptions...),
		workers: make(map[string]*model.Worker),
		stop:    make(chan struct{}),
	}
}

// Start subscribes to worker presence subjects and starts the health
// sweep and the scheduled purge.
func (r *Registry) Start(ctx context.Context) error {
	r.logger.Info("Starting worker registry")

	subjects := map[string]nats.MsgHandler{
		AnnounceSubject:  r.handleAnnounce,
		HeartbeatSubject: r.handleHeartbeat,
		OfflineSubject:   r.handleOffline,
	}
	for subject, handler := range subjects {
		sub, err := r.nc.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if _, err := r.cron.AddFunc(r.config.PurgeSchedule, r.purgeOffline); err != nil {
		return fmt.Errorf("failed to schedule worker purge: %w", err)
	}
	r.cron.Start()

	go r.healthCheckLoop(ctx)

	return nil
}

// Stop stops the registry
func (r *Registry) Stop() {
	r.logger.Info("Stopping worker registry")

	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.cron.Stop()
	close(r.stop)
}

// RegisterWorker registers a new worker node.
func (r *Registry) RegisterWorker(worker *model.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[worker.ID]; exists {
		return fmt.Errorf("%w: %s", ErrWorkerExists, worker.ID)
	}

	worker.Status = model.WorkerStatusHealthy
	worker.LastHeartbeat = time.Now()
	r.workers[worker.ID] = worker

	r.logger.Info("Worker registered",
		zap.String("worker_id", worker.ID),
		zap.String("group", worker.Group),
		zap.String("host", worker.Host.Address()))

	return nil
}

// UnregisterWorker removes a worker node.
func (r *Registry) UnregisterWorker(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if worker, exists := r.workers[workerID]; exists {
		worker.Status = model.WorkerStatusOffline
		delete(r.workers, workerID)

		r.logger.Info("Worker unregistered",
			zap.String("worker_id", workerID),
			zap.String("group", worker.Group))
	}
}

// UpdateWorkerStats records a heartbeat's load statistics.
func (r *Registry) UpdateWorkerStats(workerID string, stats *model.WorkerStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	worker, exists := r.workers[workerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	worker.TaskCount = stats.TaskCount
	worker.CPU = stats.CPUUsage
	worker.Memory = stats.MemoryUsage
	worker.LastHeartbeat = time.Now()

	return nil
}

// WorkerGroupNodes returns the hosts of the group's healthy workers. An
// unknown or empty group yields an empty slice, never an error.
func (r *Registry) WorkerGroupNodes(group string) []model.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes []model.Host
	for _, w := range r.workers {
		if w.Group == group && w.Status == model.WorkerStatusHealthy {
			nodes = append(nodes, w.Host)
		}
	}
	return nodes
}

// WorkerLoad returns a load score for the worker at the given host. The
// second return is false when no healthy worker is known there.
func (r *Registry) WorkerLoad(host model.Host) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if w.Host == host && w.Status == model.WorkerStatusHealthy {
			return float64(w.TaskCount) + w.CPU/100 + w.Memory/100, true
		}
	}
	return 0, false
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var worker model.Worker
	if err := json.Unmarshal(msg.Data, &worker); err != nil {
		r.logger.Error("Failed to unmarshal worker announcement", zap.Error(err))
		return
	}

	if err := r.RegisterWorker(&worker); err != nil {
		// A re-announce after reconnect is treated as a heartbeat.
		r.mu.Lock()
		if existing, ok := r.workers[worker.ID]; ok {
			existing.Host = worker.Host
			existing.Group = worker.Group
			existing.Status = model.WorkerStatusHealthy
			existing.LastHeartbeat = time.Now()
		}
		r.mu.Unlock()
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb model.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.logger.Error("Failed to unmarshal worker heartbeat", zap.Error(err))
		return
	}

	if err := r.UpdateWorkerStats(hb.WorkerID, &hb.Stats); err != nil {
		// First contact from a worker we missed the announcement of.
		_ = r.RegisterWorker(&model.Worker{
			ID:        hb.WorkerID,
			Host:      hb.Host,
			Group:     hb.Group,
			TaskCount: hb.Stats.TaskCount,
			CPU:       hb.Stats.CPUUsage,
			Memory:    hb.Stats.MemoryUsage,
		})
	}
}

func (r *Registry) handleOffline(msg *nats.Msg) {
	var hb model.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.logger.Error("Failed to unmarshal worker offline notice", zap.Error(err))
		return
	}
	r.UnregisterWorker(hb.WorkerID)
}

// healthCheckLoop runs periodic health checks on workers
func (r *Registry) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.checkWorkerHealth()
		}
	}
}

// checkWorkerHealth marks silent workers unhealthy and recovers them when
// heartbeats resume.
func (r *Registry) checkWorkerHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, worker := range r.workers {
		if now.Sub(worker.LastHeartbeat) > r.config.HeartbeatTimeout {
			if worker.Status == model.WorkerStatusHealthy {
				worker.Status = model.WorkerStatusUnhealthy
				r.logger.Warn("Worker marked as unhealthy",
					zap.String("worker_id", id),
					zap.Time("last_heartbeat", worker.LastHeartbeat))
			}
		} else if worker.Status == model.WorkerStatusUnhealthy {
			worker.Status = model.WorkerStatusHealthy
			r.logger.Info("Worker marked as healthy",
				zap.String("worker_id", id))
		}
	}
}

// purgeOffline drops workers that have been silent longer than PurgeAfter.
func (r *Registry) purgeOffline() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.config.PurgeAfter)
	for id, worker := range r.workers {
		if worker.LastHeartbeat.Before(cutoff) {
			delete(r.workers, id)
			r.logger.Info("Purged stale worker",
				zap.String("worker_id", id),
				zap.String("group", worker.Group),
				zap.Time("last_heartbeat", worker.LastHeartbeat))
		}
	}
}
