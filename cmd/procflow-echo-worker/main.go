package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/procflow/internal/infra/buildinfo"
	"github.com/cordum/procflow/internal/infra/bus"
	"github.com/cordum/procflow/internal/infra/config"
	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/cordum/procflow/internal/worker"
)

const workerID = "procflow-echo-worker"

func main() {
	defer logging.Sync()
	buildinfo.Log(workerID)
	cfg := config.Load()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer natsBus.Close()

	prefix := os.Getenv("PROCFLOW_ECHO_TOPIC_PREFIX")
	if prefix == "" {
		prefix = "task.echo"
	}
	w, err := worker.New(worker.Config{WorkerID: workerID, QueueGroup: "procflow-echo", TopicPrefix: prefix}, natsBus, worker.Echo(workerID))
	if err != nil {
		log.Fatalf("init worker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := w.Start(ctx); err != nil {
		log.Fatalf("start worker: %v", err)
	}
	logging.Info(workerID, "started", "topic_prefix", prefix)
	<-ctx.Done()
	logging.Info(workerID, "stopped")
}
