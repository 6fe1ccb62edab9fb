package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Thunderblok/thunderline-sub015/pkg/bridge"
	"github.com/Thunderblok/thunderline-sub015/pkg/cachestore"
	"github.com/Thunderblok/thunderline-sub015/pkg/config"
	"github.com/Thunderblok/thunderline-sub015/pkg/controlplane"
	"github.com/Thunderblok/thunderline-sub015/pkg/engine"
	"github.com/Thunderblok/thunderline-sub015/pkg/supervisor"
	"github.com/Thunderblok/thunderline-sub015/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compute node",
	Long: `Start the node: bring up telemetry, the cluster supervisor, the
optimization engine and the control plane, connect to the orchestrator
when one is reachable, and run the clusters from the config file until
interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("grpc-port", 0, "Control plane gRPC port (0 picks a free port)")
	serveCmd.Flags().IntP("metrics-port", "m", 9464, "Prometheus metrics HTTP port")
	serveCmd.Flags().String("orchestrator", "", "Orchestrator NATS URL (overrides config)")

	viper.BindPFlag("node.grpc_port", serveCmd.Flags().Lookup("grpc-port"))
	viper.BindPFlag("node.metrics_port", serveCmd.Flags().Lookup("metrics-port"))
	viper.BindPFlag("bridge.url", serveCmd.Flags().Lookup("orchestrator"))

	rootCmd.AddCommand(serveCmd)
}

// supervisorHealth reports serving while at least one cluster is alive,
// or while the node idles with no clusters configured.
type supervisorHealth struct {
	sup *supervisor.Supervisor
}

func (h supervisorHealth) Healthy() bool {
	infos := h.sup.AllClusterStatus()
	if len(infos) == 0 {
		return true
	}
	for _, info := range infos {
		if info.Status != supervisor.StatusFailed {
			return true
		}
	}
	return false
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port := viper.GetInt("node.grpc_port"); port != 0 {
		cfg.Node.GRPCPort = port
	}
	if port := viper.GetInt("node.metrics_port"); port != 0 {
		cfg.Node.MetricsPort = port
	}
	if url := viper.GetString("bridge.url"); url != "" {
		cfg.Bridge.URL = url
	}
	log = log.With("node", cfg.Node.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every other component can record into it.
	promMetrics := telemetry.NewPrometheusMetrics()
	collector := telemetry.NewCollector(
		telemetry.WithMetrics(promMetrics),
		telemetry.WithSampleInterval(cfg.Node.SampleInterval),
		telemetry.WithLogger(log),
	)
	defer collector.Close()

	sup := supervisor.New(cfg.Supervisor,
		supervisor.WithRecorder(collector),
		supervisor.WithLogger(log),
	)
	defer sup.Shutdown()

	cache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer cache.Close()

	engineOpts := []engine.Option{engine.WithCache(cache), engine.WithLogger(log)}
	if cfg.Archive.Path != "" {
		archive, err := engine.OpenArchive(ctx, cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("open benchmark archive: %w", err)
		}
		defer archive.Close()
		engineOpts = append(engineOpts, engine.WithArchive(archive))
	}
	mgr := engine.NewManager(engine.NewSupervisorControl(sup), engineOpts...)

	br := bridge.New(cfg.Bridge,
		bridge.WithMetricsSource(collector),
		bridge.WithLogger(log),
	)
	if err := br.InitConnection(ctx); err != nil {
		// The node is useful standalone; the orchestrator link can be
		// re-established later through the bridge API.
		log.Warn("orchestrator unreachable, running standalone", "error", err)
	} else {
		sup.SetNotifier(br)
		if err := br.Register(ctx); err != nil {
			log.Warn("orchestrator registration failed", "error", err)
		}
	}
	defer br.Disconnect()

	cp := controlplane.New(
		cfg.Node.GRPCPort,
		cfg.Node.MetricsPort,
		supervisorHealth{sup: sup},
		promMetrics.Registry(),
		log,
	)
	if err := cp.Start(ctx); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cp.Stop(shutdownCtx)
	}()

	for _, clusterCfg := range cfg.Clusters {
		if br.Connected() {
			if rules, err := br.ReceiveRules(ctx); err == nil && len(rules.Birth)+len(rules.Survival) > 0 {
				clusterCfg.Rules = rules
				log.Info("using orchestrator rules", "cluster", clusterCfg.Name, "rules", rules.Key())
			}
		}
		id, err := sup.StartCluster(clusterCfg)
		if err != nil {
			return fmt.Errorf("start cluster %q: %w", clusterCfg.Name, err)
		}
		log.Info("cluster running", "cluster_id", id, "name", clusterCfg.Name)
	}
	collector.SetClusterCount(sup.ClusterCount())

	log.Info("node ready",
		"clusters", sup.ClusterCount(),
		"algorithms", len(mgr.AvailableAlgorithms()),
		"grpc_port", cp.GRPCPort(),
		"metrics_port", cp.MetricsPort(),
		"orchestrator", br.Connected(),
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cachestore.Store, error) {
	switch cfg.Backend {
	case "redis":
		store, err := cachestore.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect optimization cache: %w", err)
		}
		return store, nil
	default:
		return cachestore.NewMemory(), nil
	}
}
