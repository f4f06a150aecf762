// Package commands implements the bindery CLI subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfware/bindery/blob"
	"github.com/shelfware/bindery/config"
	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/internal/httpclient"
	"github.com/shelfware/bindery/logger"
	"github.com/shelfware/bindery/pipeline"
	"github.com/shelfware/bindery/pool"
	"github.com/shelfware/bindery/server"
	"github.com/shelfware/bindery/state"
	"github.com/shelfware/bindery/version"
)

// NewServeCommand starts the gateway and the worker pool in one process
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
				return errors.Wrap(err, "failed to initialize logger")
			}
			defer logger.Cleanup()

			logger.Infow("Bindery starting", "version", version.Get().Version)
			return serve(cmd.Context(), cfg, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to bindery.toml")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Both backing stores are startup requirements: a gateway that cannot
	// record jobs has nothing useful to serve.
	store, err := state.NewStore(ctx, state.Options{
		Addr:      cfg.Store.Addr,
		DB:        cfg.Store.DB,
		Password:  cfg.Store.Password,
		KeyPrefix: cfg.Store.KeyPrefix,
		Retention: cfg.Store.Retention(),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := blob.NewMinioStore(ctx, blob.MinioOptions{
		Endpoint:  cfg.Blob.Endpoint,
		Region:    cfg.Blob.Region,
		Bucket:    cfg.Blob.Bucket,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		UseSSL:    cfg.Blob.UseSSL,
	})
	if err != nil {
		return err
	}

	env := &pipeline.Env{
		Blobs: blobs,
		Keys:  blob.Keys{Prefix: cfg.Blob.Prefix},
		Fetcher: httpclient.New(60*time.Second, httpclient.Options{
			MaxBodyBytes: cfg.Server.MaxUploadBytes,
		}),
		ImageBase: cfg.Pipeline.ImageBase,
	}

	engine := pipeline.NewEngine(store, env, pipeline.DefaultStages(), pipeline.Config{
		StageTimeout: cfg.Pipeline.StageTimeout(),
		RetryLimit:   cfg.Pipeline.RetryLimit,
		BackoffBase:  cfg.Pipeline.BackoffBase(),
		BackoffMax:   cfg.Pipeline.BackoffMax(),
	})

	workers := pool.New(store, engine, pool.Config{
		Workers:            cfg.Pool.Workers,
		PollInterval:       cfg.Pool.PollInterval(),
		DispatchPerSecond:  cfg.Pool.DispatchPerSecond,
		LeaseTTL:           cfg.Store.LeaseTTL(),
		ReaperInterval:     cfg.Pool.ReaperInterval(),
		RetryLimit:         cfg.Pipeline.RetryLimit,
		MemoryThresholdPct: cfg.Pool.MemoryThresholdPct,
	})

	gateway := server.New(cfg, store, blobs, engine)

	// Log level can change at runtime through the config file; anything
	// else requires a restart.
	if configPath != "" {
		if watcher, err := config.NewWatcher(configPath); err == nil {
			watcher.OnReload(func(next *config.Config) error {
				return logger.SetLevel(next.Log.Level)
			})
			watcher.Start()
			defer watcher.Stop()
		} else {
			logger.Warnw("Config watcher unavailable", "error", err)
		}
	}

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		workers.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- gateway.Start()
	}()

	select {
	case err := <-serverErr:
		stop()
		<-poolDone
		return err
	case <-ctx.Done():
		logger.Infow("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("Gateway shutdown incomplete", "error", err)
	}
	<-poolDone

	logger.Infow("Bindery stopped")
	return nil
}
