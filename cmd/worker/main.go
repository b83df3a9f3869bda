package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/nats-dispatch/internal/model"
	"github.com/t77yq/nats-dispatch/internal/worker"
)

// ExampleTaskHandler implements a simple task handler
type ExampleTaskHandler struct {
	logger *zap.Logger
}

func (h *ExampleTaskHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	h.logger.Info("Executing task",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name))

	// Simulate some work
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Second):
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      []byte("Task completed successfully"),
		CompletedAt: time.Now(),
	}, nil
}

func loadConfig() {
	viper.SetConfigName("worker")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")

	viper.SetDefault("app.name", "dispatch-worker")
	viper.SetDefault("nats.url", nats.DefaultURL)
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", 2*time.Second)
	viper.SetDefault("nats.connect_timeout", 5*time.Second)
	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.name", "worker")
	viper.SetDefault("worker.group", "default")
	viper.SetDefault("worker.ip", "127.0.0.1")
	viper.SetDefault("worker.port", 15678)
	viper.SetDefault("worker.max_tasks", 10)
	viper.SetDefault("worker.heartbeat_interval", 5*time.Second)
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

	nc, err := nats.Connect(viper.GetString("nats.url"),
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
	)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))

	workerID := viper.GetString("worker.id")
	if workerID == "" {
		workerID = uuid.New().String()
	}

	agent := worker.NewAgent(nc, worker.Config{
		ID:                workerID,
		Name:              viper.GetString("worker.name"),
		Group:             viper.GetString("worker.group"),
		Host:              model.NewHost(viper.GetString("worker.ip"), viper.GetInt("worker.port")),
		MaxTasks:          viper.GetInt("worker.max_tasks"),
		HeartbeatInterval: viper.GetDuration("worker.heartbeat_interval"),
	}, logger)

	agent.RegisterHandler("example", &ExampleTaskHandler{logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker agent", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	agent.Stop()
	logger.Info("Worker shutting down gracefully")
}
