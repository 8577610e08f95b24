package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"

	"github.com/gleitzeit/gleitzeit/internal/db"
	"github.com/gleitzeit/gleitzeit/internal/httpapi"
	"github.com/gleitzeit/gleitzeit/pkg/engine"
	"github.com/gleitzeit/gleitzeit/pkg/protocol"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/providers/httpclient"
	"github.com/gleitzeit/gleitzeit/pkg/providers/llm"
	"github.com/gleitzeit/gleitzeit/pkg/providers/script"
	"github.com/gleitzeit/gleitzeit/pkg/queue"
	"github.com/gleitzeit/gleitzeit/pkg/remoteworker"
	"github.com/gleitzeit/gleitzeit/pkg/scheduler"
	"github.com/gleitzeit/gleitzeit/pkg/store"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

func runServer() {
	port := viper.GetString("server.port")
	queueName := viper.GetString("server.queue")
	maxWorkers := viper.GetInt("server.max_workers")

	conn, err := db.Connect(viper.GetString("database.url"))
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer conn.Close()

	s := store.NewPostgres(conn)
	q := queue.New(s, queueName)
	reg := provider.NewRegistry(100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Initialize(ctx); err != nil {
		log.Fatalf("initialize queue: %v", err)
	}

	broker := registerProviders(ctx, reg)

	eng := engine.New(s, q, reg, engine.Config{
		PollInterval:   200 * time.Millisecond,
		RetryInterval:  500 * time.Millisecond,
		MaxWorkers:     maxWorkers,
		DefaultTimeout: 60 * time.Second,
	})
	mgr := workflow.New(s, eng)
	eng.SetNotifier(mgr)

	// Rebuild in-memory workflow aggregation and resolver/queue state from
	// whatever was persisted before this process last stopped, so a crash
	// mid-dispatch re-enqueues every non-terminal task exactly once
	// instead of leaving it stranded (§1, §8 seed scenario 6).
	if err := mgr.Recover(ctx); err != nil {
		log.Fatalf("recover workflows: %v", err)
	}
	if err := eng.Recover(ctx); err != nil {
		log.Fatalf("recover engine: %v", err)
	}

	go func() {
		if err := eng.Run(ctx, engine.ModeEventDriven); err != nil {
			log.Printf("engine stopped: %v", err)
		}
	}()

	schedStore := scheduler.NewPostgres(conn)
	sched := scheduler.New(schedStore, mgr, log.Default())
	go sched.Start(ctx)

	h := httpapi.NewHandler(mgr, reg, broker, schedStore, conn)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      httpapi.NewRouter(h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("gleitzeit server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}
	reg.Shutdown(shutdownCtx)
}

// registerProviders wires the in-process script/llm/http providers plus a
// remote-worker broker under script/v1, and returns the broker so the
// HTTP API can serve the claim/complete-work routes against it directly
// (provider.Registry only sees it through the Provider interface).
func registerProviders(ctx context.Context, reg *provider.Registry) *remoteworker.Broker {
	mustRegister := func(spec protocol.Spec) {
		if err := reg.RegisterProtocol(spec); err != nil {
			log.Fatalf("register protocol %s: %v", spec.ProtocolID, err)
		}
	}

	mustRegister(script.Spec())
	if err := reg.RegisterProvider(ctx, "script/v1", "local", script.New("local")); err != nil {
		log.Fatalf("register script provider: %v", err)
	}

	mustRegister(llm.Spec())
	if apiKey := viper.GetString("llm.api_key"); apiKey != "" {
		if err := reg.RegisterProvider(ctx, "llm/v1", "local", llm.New("local", apiKey)); err != nil {
			log.Fatalf("register llm provider: %v", err)
		}
	} else {
		log.Printf("llm.api_key not set; llm/v1 provider not registered")
	}

	mustRegister(httpclient.Spec())
	if err := reg.RegisterProvider(ctx, "http/v1", "local", httpclient.New("local")); err != nil {
		log.Fatalf("register http provider: %v", err)
	}

	broker := remoteworker.New("remote", []string{"execute"})
	if err := reg.RegisterProvider(ctx, "script/v1", "remote-worker", broker); err != nil {
		log.Fatalf("register remote-worker broker: %v", err)
	}
	return broker
}

func runMigrate() {
	conn, err := db.Connect(viper.GetString("database.url"))
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer conn.Close()
	log.Println("migrations applied")
}
