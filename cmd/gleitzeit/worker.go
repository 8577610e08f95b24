package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/gleitzeit/gleitzeit/pkg/providers/script"
	"github.com/gleitzeit/gleitzeit/pkg/workerclient"
)

// providerDispatcher adapts a single in-process provider to
// workerclient.Dispatcher, so a worker process can execute claimed work
// the same way the server's provider.Registry would.
type providerDispatcher struct {
	handle func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

func (d providerDispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return d.handle(ctx, method, params)
}

func runWorker() {
	serverURL := viper.GetString("worker.server")
	workerID := viper.GetString("worker.id")
	concurrency := viper.GetInt("worker.concurrency")
	protocolID := viper.GetString("worker.protocol")

	var dispatcher providerDispatcher
	switch protocolID {
	case "script/v1":
		p := script.New(workerID)
		dispatcher = providerDispatcher{handle: p.HandleRequest}
	default:
		log.Fatalf("worker: unsupported protocol %q (only script/v1 is wired to a local provider)", protocolID)
	}

	client := workerclient.New(serverURL, workerID, concurrency, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("worker shutting down...")
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}
