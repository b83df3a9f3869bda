package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/dispatch"
	"github.com/t77yq/nats-dispatch/internal/model"
	"github.com/t77yq/nats-dispatch/internal/registry"
	"github.com/t77yq/nats-dispatch/internal/remote"
	"github.com/t77yq/nats-dispatch/internal/storage"
)

func loadConfig() {
	viper.SetConfigName("master")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")

	viper.SetDefault("app.name", "dispatch-master")
	viper.SetDefault("nats.url", nats.DefaultURL)
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.connect_timeout", 5*time.Second)
	viper.SetDefault("registry.heartbeat_timeout", 15*time.Second)
	viper.SetDefault("registry.purge_after", 10*time.Minute)
	viper.SetDefault("registry.purge_schedule", "0 * * * * *")
	viper.SetDefault("dispatch.retry_count", 3)
	viper.SetDefault("dispatch.retry_delay", time.Second)
	viper.SetDefault("dispatch.strategy", "sorted_first")
	viper.SetDefault("history.path", "dispatch_history.db")
	viper.SetDefault("history.retention", 30*24*time.Hour)
}

func connectNATS(logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.url"), opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	loadConfig()
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("No config file found, using defaults", zap.Error(err))
	}

	nc, err := connectNATS(logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Worker registry
	nodeRegistry := registry.New(nc, registry.Config{
		HeartbeatTimeout: viper.GetDuration("registry.heartbeat_timeout"),
		PurgeAfter:       viper.GetDuration("registry.purge_after"),
		PurgeSchedule:    viper.GetString("registry.purge_schedule"),
	}, logger)
	if err := nodeRegistry.Start(ctx); err != nil {
		logger.Fatal("Failed to start registry", zap.Error(err))
	}
	defer nodeRegistry.Stop()

	// Dispatch history
	history, err := storage.NewSQLiteDispatchHistory(logger, viper.GetString("history.path"))
	if err != nil {
		logger.Fatal("Failed to create dispatch history storage", zap.Error(err))
	}
	defer history.Close()

	// Network client with async response handlers, registered once at startup
	client := remote.NewClient(nc, logger)
	defer client.Close()

	err = client.RegisterHandler(model.CommandTaskKillResponse, remote.ResponseHandlerFunc(func(cmd *model.Command) {
		var resp model.KillResponse
		if err := json.Unmarshal(cmd.Body, &resp); err != nil {
			logger.Error("Malformed kill response", zap.Error(err))
			return
		}
		logger.Info("Task kill acknowledged",
			zap.String("task_id", resp.TaskID),
			zap.String("worker_id", resp.WorkerID),
			zap.Bool("killed", resp.Killed))
	}))
	if err != nil {
		logger.Fatal("Failed to register kill response handler", zap.Error(err))
	}

	err = client.RegisterHandler(model.CommandTaskReject, remote.ResponseHandlerFunc(func(cmd *model.Command) {
		var notice model.RejectNotice
		if err := json.Unmarshal(cmd.Body, &notice); err != nil {
			logger.Error("Malformed reject notice", zap.Error(err))
			return
		}
		logger.Warn("Task rejected by worker",
			zap.String("task_id", notice.TaskID),
			zap.String("worker_id", notice.WorkerID),
			zap.String("reason", notice.Reason))
	}))
	if err != nil {
		logger.Fatal("Failed to register reject handler", zap.Error(err))
	}

	// Selection strategy
	var strategy registry.SelectionStrategy
	switch name := viper.GetString("dispatch.strategy"); name {
	case "least_loaded":
		strategy = &registry.LeastLoadedStrategy{Loads: nodeRegistry}
	default:
		strategy = &registry.SortedFirstStrategy{}
	}

	manager := dispatch.NewExecutorManager(client, nodeRegistry, history, strategy, dispatch.Config{
		RetryCount: viper.GetInt("dispatch.retry_count"),
		RetryDelay: viper.GetDuration("dispatch.retry_delay"),
	}, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Demo loop: dispatch an example task to the default group every 15s.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				dispatchExampleTask(ctx, manager, nodeRegistry, strategy, logger)
			}
		}
	}()

	// History retention sweep
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-viper.GetDuration("history.retention"))
				if err := history.DeleteBefore(ctx, cutoff); err != nil {
					logger.Error("Failed to clean up dispatch history", zap.Error(err))
				}
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Master shutting down gracefully")
}

func dispatchExampleTask(ctx context.Context, manager *dispatch.ExecutorManager,
	nodeRegistry *registry.Registry, strategy registry.SelectionStrategy, logger *zap.Logger) {

	const group = "default"

	nodes := nodeRegistry.WorkerGroupNodes(group)
	host, err := strategy.Select(nodes)
	if err != nil {
		logger.Warn("No workers available for example task", zap.String("group", group))
		return
	}

	task := &model.Task{
		ID:          uuid.New().String(),
		Name:        "example",
		Description: "Example dispatched task",
		Status:      model.TaskStatusPending,
		Priority:    model.TaskPriorityNormal,
		WorkerGroup: group,
		CreatedAt:   time.Now(),
	}

	body, err := json.Marshal(task)
	if err != nil {
		logger.Error("Failed to marshal example task", zap.Error(err))
		return
	}

	ec := dispatch.NewWorkerContext(model.NewCommand(model.CommandTaskDispatch, body), host, task)
	if err := manager.Execute(ctx, ec); err != nil {
		logger.Error("Example task dispatch failed", zap.Error(err))
		return
	}

	logger.Info("Example task dispatched",
		zap.String("task_id", task.ID),
		zap.String("assigned_host", task.Host))
}
