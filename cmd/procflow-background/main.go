package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/cordum/procflow/internal/bootstrap"
	"github.com/cordum/procflow/internal/infra/buildinfo"
	"github.com/cordum/procflow/internal/infra/logging"
)

func main() {
	defer logging.Sync()
	buildinfo.Log("procflow-background")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := bootstrap.RunBackgroundOnly(ctx, bootstrap.Options{}); err != nil {
		stop()
		log.Fatalf("procflow background error: %v", err)
	}
}
