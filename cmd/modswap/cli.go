package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/freitascorp/modswap/pkg/api"
	"github.com/freitascorp/modswap/pkg/audit"
	"github.com/freitascorp/modswap/pkg/broker"
	"github.com/freitascorp/modswap/pkg/cluster"
	"github.com/freitascorp/modswap/pkg/config"
	"github.com/freitascorp/modswap/pkg/deploy"
	"github.com/freitascorp/modswap/pkg/observability"
	"github.com/freitascorp/modswap/pkg/schema"
	"github.com/freitascorp/modswap/pkg/stabilize"
)

var flagConfig string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "modswap",
		Short: "modswap — hot-swap module orchestrator",
		Long: `modswap orchestrates hot-swapping of software modules across
multi-environment clusters. It bundles a deployment pipeline with
blue-green, rolling, canary and direct strategies, an in-cluster
message broker with exactly-once delivery and dead-lettering, and a
schema registry with compatibility-gated approvals.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to YAML config file")
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the modswap version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("modswap %s\n", formatVersion())
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the modswap orchestrator and broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := observability.NewLogger(cfg.Logging.Format, cfg.Logging.Level)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable message store.
	store, err := broker.NewPersistenceStore(broker.StoreConfig{
		Backend:    cfg.Store.Backend,
		DataDir:    cfg.Store.DataDir,
		SQLitePath: cfg.Store.SQLitePath,
		Postgres:   &cfg.Store.Postgres,
	}, logger)
	if err != nil {
		return fmt.Errorf("create persistence store: %w", err)
	}

	// Queue, lock and idempotency store: Redis when configured,
	// in-memory otherwise.
	var (
		queue broker.Queue
		lock  broker.DistributedLock
		idem  broker.IdempotencyStore
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		queue = broker.NewRedisQueue(rdb, "")
		lock = broker.NewRedisLock(rdb, cfg.Broker.LockTimeout)
		idem = broker.NewRedisIdempotency(rdb, cfg.Redis.IdemTTL)
		logger.Info("redis backends enabled", "addr", cfg.Redis.Addr)
	} else {
		queue = broker.NewMemoryQueue(cfg.Broker.QueueCapacity)
		lock = broker.NewMemoryLock(cfg.Broker.LockTimeout)
		idem = broker.NewMemoryIdempotency()
	}

	dispatcher := broker.NewHTTPDispatcher(nil, logger)
	b := broker.New(queue, store, lock, idem, dispatcher, metrics, broker.Options{
		Delivery: broker.DeliveryOptions{
			MaxRetries:     cfg.Broker.MaxRetries,
			InitialBackoff: cfg.Broker.InitialBackoff,
			MaxBackoff:     cfg.Broker.MaxBackoff,
			Multiplier:     cfg.Broker.BackoffMult,
		},
		LockTimeout:      cfg.Broker.LockTimeout,
		AckTimeout:       cfg.Broker.AckTimeout,
		DispatchInterval: cfg.Broker.DispatchInterval,
	}, logger)

	// Coordination topic for deployment lifecycle events.
	if err := b.CreateTopic(&broker.Topic{
		Name:              api.CoordinationTopic,
		Type:              broker.TopicTypePubSub,
		DeliveryGuarantee: broker.AtLeastOnce,
	}); err != nil {
		return fmt.Errorf("create coordination topic: %w", err)
	}

	healthMon := broker.NewHealthMonitor(queue, cfg.Broker.MonitorInterval, logger)
	healthMon.OnStatusChange(func(_, newStatus broker.HealthStatus) {
		metrics.BrokerHealth.Set(observability.HealthGaugeValue(string(newStatus)))
	})
	ackMon := broker.NewAckTimeoutMonitor(queue, cfg.Broker.MonitorInterval, cfg.Broker.AckTimeout, 100, logger)

	go b.RunDispatcher(ctx)
	go healthMon.Run(ctx)
	go ackMon.Run(ctx)

	// Simulated environment clusters.
	clusters := buildClusters(cfg, logger)
	provider := cluster.NewSimulatedMetricsProvider()
	for _, c := range clusters {
		provider.RegisterCluster(c)
	}

	var tracker deploy.Tracker
	if cfg.Pipeline.TrackerPath != "" {
		st, err := deploy.NewSQLiteTracker(cfg.Pipeline.TrackerPath)
		if err != nil {
			return fmt.Errorf("create tracker: %w", err)
		}
		defer st.Close()
		tracker = st
	} else {
		tracker = deploy.NewMemoryTracker()
	}

	stabilizer := stabilize.NewService(provider, logger)
	orchestrator := deploy.NewOrchestrator(clusters, stabilizer, provider, tracker, metrics, logger, deploy.OrchestratorOptions{
		ApprovalTimeout:    cfg.Pipeline.ApprovalTimeout,
		MinHealthyFraction: cfg.Pipeline.MinHealthyFraction,
	})

	registry := schema.NewRegistry(metrics, logger)
	approval := schema.NewApprovalService(registry, schema.NewChecker(), metrics, logger)

	hub := api.NewEventHub(b, logger)
	orchestrator.SetEventSink(hub)

	server := api.NewServer(b, orchestrator, tracker, registry, approval, healthMon, hub, metrics, logger, api.ServerOptions{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})

	if cfg.Audit.Dir != "" {
		server.SetAudit(audit.NewRecorder(audit.NewFileStore(cfg.Audit.Dir)))
		logger.Info("audit trail enabled", "dir", cfg.Audit.Dir)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildClusters creates the simulated environment clusters sized by
// configuration.
func buildClusters(cfg *config.Config, logger *slog.Logger) map[cluster.Environment]*cluster.EnvironmentCluster {
	sizes := map[cluster.Environment]int{
		cluster.Development: cfg.Simulator.DevNodes,
		cluster.Staging:     cfg.Simulator.StagingNodes,
		cluster.Production:  cfg.Simulator.ProdNodes,
	}
	out := make(map[cluster.Environment]*cluster.EnvironmentCluster, len(sizes))
	for env, n := range sizes {
		c := cluster.NewEnvironmentCluster(env, logger)
		for i := 0; i < n; i++ {
			node := cluster.NewKernelNode(fmt.Sprintf("%s-node-%d", env, i+1), "localhost", 9000+i, env, logger)
			if err := c.AddNode(node); err != nil {
				logger.Error("node registration failed", "error", err)
			}
		}
		out[env] = c
	}
	return out
}
