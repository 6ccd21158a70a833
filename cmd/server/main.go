// Command server is the inference server's entry point: load the model
// once, start the scheduler loop, and serve the HTTP API. Bootstrap order
// is parse flags, load the model, start the scheduler goroutine, then
// listen.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"llm-infer-server/internal/api"
	"llm-infer-server/internal/chatstore"
	"llm-infer-server/internal/config"
	"llm-infer-server/internal/logging"
	"llm-infer-server/internal/modelhost"
	"llm-infer-server/internal/scheduler"
)

func main() {
	fs := pflag.NewFlagSet("llm-infer-server", pflag.ExitOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting", "model_id", cfg.ModelID, "addr", cfg.Addr)

	host, err := modelhost.Load(cfg.ModelID, cfg.ModelPath, cfg.GPULayers, cfg.KVSize)
	if err != nil {
		logger.Error("failed to load model", "error", err)
		os.Exit(1)
	}

	store, err := chatstore.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open chat store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sched := scheduler.New(cfg.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)

	router := api.NewRouter(api.Deps{Host: host, Sched: sched, Store: store, DefaultMaxTokens: cfg.DefaultMaxTok})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
