package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/forgebuild/cachet/internal/compiler"
	"github.com/forgebuild/cachet/internal/config"
	"github.com/forgebuild/cachet/internal/server"
	"github.com/forgebuild/cachet/internal/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the compile coordinator in the foreground",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	local, err := storage.NewDiskCache(cfg.CacheDir, cfg.CacheSize, cfg.ReadOnly)
	if err != nil {
		return fmt.Errorf("failed to open local cache at %s: %w", cfg.CacheDir, err)
	}
	defer local.Close()

	remote, err := buildRemote(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	coord := server.NewCoordinator(cfg, compiler.NewExecDriver(), local, remote)
	srv, err := server.New(cfg, coord)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig)
		srv.Shutdown()
	}()

	log.Info("coordinator starting",
		"cache_dir", cfg.CacheDir,
		"backend", cfg.Backend,
		"store_mode", cfg.StoreMode)

	return srv.Serve()
}

// buildRemote constructs the remote backend the configuration selects,
// or nil for a disk-only setup.
func buildRemote(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	retry := storage.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     storage.DefaultRetryPolicy().MaxInterval,
	}

	switch cfg.Backend {
	case config.BackendDisk:
		return nil, nil
	case config.BackendS3:
		return storage.NewS3Cache(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			KeyPrefix:       cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, retry)
	case config.BackendRedis:
		return storage.NewRedisCache(storage.RedisConfig{
			URL: cfg.Redis.URL,
			TTL: cfg.Redis.TTL,
		}, retry)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
