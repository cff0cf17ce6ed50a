// Command thorium-api serves the §6 HTTP interface: multipart
// submission create, multipart result create, and the cursor list
// endpoint, plus the C10 event bus and C6 reaction engine that
// submissions/results publish into.
//
// Grounded on the teacher's cmd/control-plane main (zap.NewProduction
// logger, signal.NotifyContext shutdown, config-then-serve shape),
// with a spf13/cobra root command in place of the teacher's hand-rolled
// os.Args switch since §6 names an explicit "--config"/"--auth" flag
// surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/api"
	"github.com/thorium-go/thorium/internal/auth"
	"github.com/thorium-go/thorium/internal/blobstore"
	"github.com/thorium-go/thorium/internal/catalog"
	"github.com/thorium-go/thorium/internal/config"
	"github.com/thorium-go/thorium/internal/events"
	"github.com/thorium-go/thorium/internal/jobqueue"
	"github.com/thorium-go/thorium/internal/kvstore"
	"github.com/thorium-go/thorium/internal/reactions"
	"github.com/thorium-go/thorium/internal/rowstore"
	"github.com/thorium-go/thorium/internal/store/groups"
	"github.com/thorium-go/thorium/internal/store/results"
	"github.com/thorium-go/thorium/internal/store/submissions"
	"github.com/thorium-go/thorium/internal/store/tags"
	"github.com/thorium-go/thorium/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string
	var authPath string
	var otlpEndpoint string

	root := &cobra.Command{
		Use:           "thorium-api",
		Short:         "Serves the Thorium submission, result, and list HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, authPath, otlpEndpoint)
		},
	}
	root.Flags().StringVar(&configPath, "config", "thorium.yml", "path to the process config file")
	root.Flags().StringVar(&authPath, "auth", "keys.yml", "path to the keys.yml credential file")
	root.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for trace export (disabled when empty)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "thorium-api: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, authPath, otlpEndpoint string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	authKeys, err := config.LoadAuthKeys(authPath)
	if err != nil {
		return fmt.Errorf("load auth keys: %w", err)
	}

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, otlpEndpoint, "thorium-api", version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	kv := kvstore.New(rdb)

	rows, err := rowstore.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open row store: %w", err)
	}
	defer rows.Close()

	blobs := blobstore.New()
	tagIndex := tags.New(rows)
	cat := catalog.New(kv)
	grp := groups.New(kv)
	jobs := jobqueue.New(kv, logger)

	// reactions.Engine has no dependency on the event bus; build it
	// first so events.New can take it directly as its ReactionCreator.
	engine := reactions.New(kv, cat, jobs, jobs, blobs, cfg.Scheduler.MaxTriggerDepth, logger)
	bus := events.New(cat, engine, tagIndex, cfg.Scheduler.MaxTriggerDepth, logger)

	subs := submissions.New(rows, blobs, tagIndex, bus)
	res := results.New(rows, tagIndex, bus)

	keys := auth.NewKeys(authKeys)
	srv := api.New(cfg.ListenAddr, keys, subs, res, blobs, grp, rows, logger)

	logger.Info("starting api",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api: graceful shutdown failed", zap.Error(err))
		}
		<-errCh
		logger.Info("api: shut down")
		return nil
	case err := <-errCh:
		return err
	}
}
