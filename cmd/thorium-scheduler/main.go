// Command thorium-scheduler runs the C9 reconciler loop for one scaler
// backend, chosen with --scaler (§6 CLI surface: "--config <path>
// (default thorium.yml)").
//
// Grounded on the teacher's cmd/control-plane main (zap.NewProduction
// logger, signal.NotifyContext shutdown, config-then-serve shape),
// generalised from an HTTP-only process into one that also drives the
// scheduler's Start/Stop loop for one scaler, with a spf13/cobra root
// command replacing the teacher's hand-rolled os.Args switch since §6
// names an explicit flag surface rather than a probe-fleet subcommand
// tree.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/thorium-go/thorium/internal/catalog"
	"github.com/thorium-go/thorium/internal/config"
	"github.com/thorium-go/thorium/internal/domain"
	"github.com/thorium-go/thorium/internal/jobqueue"
	"github.com/thorium-go/thorium/internal/kvstore"
	"github.com/thorium-go/thorium/internal/rowstore"
	"github.com/thorium-go/thorium/internal/scheduler"
	"github.com/thorium-go/thorium/internal/scheduler/backend/external"
	"github.com/thorium-go/thorium/internal/scheduler/backend/k8s"
	"github.com/thorium-go/thorium/internal/store/groups"
	"github.com/thorium-go/thorium/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var configPath string
	var otlpEndpoint string
	var scalerFlag string

	root := &cobra.Command{
		Use:           "thorium-scheduler",
		Short:         "Runs the Thorium reconciliation loop for one scaler backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, otlpEndpoint, scalerFlag)
		},
	}
	root.Flags().StringVar(&configPath, "config", "thorium.yml", "path to the process config file")
	root.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for trace export (disabled when empty)")
	root.Flags().StringVar(&scalerFlag, "scaler", "k8s", "scaler backend to drive: k8s or external")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "thorium-scheduler: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, otlpEndpoint, scalerFlag string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, otlpEndpoint, "thorium-scheduler", version)
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

	cat := catalog.New(kv)
	jobs := jobqueue.New(kv, logger)
	grp := groups.New(kv)

	backend, scalerName, err := buildBackend(scalerFlag, logger)
	if err != nil {
		return fmt.Errorf("build %s backend: %w", scalerFlag, err)
	}

	settings := scheduler.Settings{
		FairShareDecay: halfLifeDecayFactor(cfg.Scheduler.FairShareHalfLife, backend.TaskDelay(scheduler.TaskDecreaseFairShare)),
		MaxConcurrent:  100,
	}
	sched := scheduler.New(scalerName, backend, jobs, jobs, cat, settings, logger)

	if err := refreshGroupsCache(ctx, grp, sched.Cache()); err != nil {
		logger.Warn("scheduler: initial groups cache load failed", zap.Error(err))
	}
	partitions, err := discoverPartitions(ctx, kv)
	if err != nil {
		logger.Warn("scheduler: initial partition discovery failed", zap.Error(err))
	}
	sched.WithPartitions(partitions)

	logger.Info("starting scheduler",
		zap.String("scaler", string(scalerName)),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Duration("tick_interval", cfg.Scheduler.TickInterval),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- sched.Start(ctx) }()

	refresh := time.NewTicker(cfg.Scheduler.TickInterval)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			sched.Stop()
			<-errCh
			logger.Info("scheduler: shut down")
			return nil
		case err := <-errCh:
			return err
		case <-refresh.C:
			if next, err := discoverPartitions(ctx, kv); err != nil {
				logger.Warn("scheduler: partition refresh failed", zap.Error(err))
			} else {
				sched.WithPartitions(next)
			}
			if err := refreshGroupsCache(ctx, grp, sched.Cache()); err != nil {
				logger.Warn("scheduler: groups cache refresh failed", zap.Error(err))
			}
		}
	}
}

// halfLifeDecayFactor converts a half-life duration into the decay
// factor fairShare.decay applies on each DecreaseFairShare run, spaced
// tick apart, so "usage halves every FairShareHalfLife" holds: solving
// (1-d)^n = 0.5 for d where n is runs per half-life.
func halfLifeDecayFactor(halfLife, tick time.Duration) float64 {
	if halfLife <= 0 || tick <= 0 {
		return 0
	}
	ticksPerHalfLife := float64(halfLife) / float64(tick)
	if ticksPerHalfLife <= 0 {
		return 0
	}
	return 1 - math.Pow(0.5, 1/ticksPerHalfLife)
}

// discoverPartitions scans the kv store for every Created job queue
// ("<group>:<pipeline>:<stage>:<creator>:Created:queue", per
// kvstore.QueueKey) so this scheduler instance polls every partition
// currently holding work, rather than requiring static configuration.
func discoverPartitions(ctx context.Context, kv *kvstore.Store) ([]scheduler.Partition, error) {
	var partitions []scheduler.Partition
	iter := kv.Client().Scan(ctx, 0, "*:*:*:*:Created:queue", 200).Iterator()
	for iter.Next(ctx) {
		if p, ok := parseQueueKey(iter.Val()); ok {
			partitions = append(partitions, p)
		}
	}
	return partitions, iter.Err()
}

func parseQueueKey(key string) (scheduler.Partition, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 6 || parts[4] != "Created" || parts[5] != "queue" {
		return scheduler.Partition{}, false
	}
	stage, err := strconv.Atoi(parts[2])
	if err != nil {
		return scheduler.Partition{}, false
	}
	return scheduler.Partition{Group: parts[0], Pipeline: parts[1], Stage: stage, Creator: parts[3]}, true
}

func refreshGroupsCache(ctx context.Context, grp *groups.Store, cache *scheduler.Cache) error {
	names, err := grp.List(ctx)
	if err != nil {
		return err
	}
	cache.Set("groups", k8s.GroupsCache(names))
	return nil
}

func buildBackend(name string, logger *zap.Logger) (scheduler.Backend, domain.Scaler, error) {
	switch name {
	case "external":
		return external.New(), domain.ScalerExternal, nil
	case "k8s", "":
		cfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, "", fmt.Errorf("resolve kubeconfig (set KUBECONFIG or run in-cluster): %w", err)
		}
		scheme := runtime.NewScheme()
		if err := corev1.AddToScheme(scheme); err != nil {
			return nil, "", err
		}
		if err := networkingv1.AddToScheme(scheme); err != nil {
			return nil, "", err
		}
		c, err := client.New(cfg, client.Options{Scheme: scheme})
		if err != nil {
			return nil, "", fmt.Errorf("build k8s client: %w", err)
		}
		return k8s.New(c, zapr.NewLogger(logger)), domain.ScalerK8s, nil
	default:
		return nil, "", fmt.Errorf("unknown scaler %q (want k8s or external)", name)
	}
}
