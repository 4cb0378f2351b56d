package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/typevps/engine/internal/events"
	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/install"
	"github.com/typevps/engine/internal/livelog"
	"github.com/typevps/engine/internal/poller"
	"github.com/typevps/engine/internal/record"
	"github.com/typevps/engine/internal/snippets"
	"github.com/typevps/engine/internal/statecache"
)

var (
	version = "dev"
	commit  = "unknown"
)

var flags struct {
	redisURL    string
	metricsAddr string
	adminAddr   string

	hypervisorURL      string
	hypervisorUser     string
	hypervisorInsecure bool

	recordsFile string
	node        string
	snippetDir  string

	imageStorage   string
	vmStorage      string
	snippetStorage string
	networkBridge  string
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "statemachine",
	Short: "VM lifecycle and state synchronization daemon",
	Long: `statemachine keeps the fast cache in sync with hypervisor reality and
drives VM install and delete pipelines.

It polls the cluster for VM state and tasks, mirrors them into redis
with short TTLs, publishes change events for waiters, and exposes
prometheus metrics.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.redisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379"), "redis connection URL")
	f.StringVar(&flags.metricsAddr, "metrics-addr", ":9090", "prometheus metrics listen address")
	f.StringVar(&flags.adminAddr, "admin-addr", ":8080", "admin API listen address")
	f.StringVar(&flags.hypervisorURL, "hypervisor-url", os.Getenv("HYPERVISOR_URL"), "hypervisor API base URL")
	f.StringVar(&flags.hypervisorUser, "hypervisor-user", os.Getenv("HYPERVISOR_USER"), "hypervisor API user")
	f.BoolVar(&flags.hypervisorInsecure, "hypervisor-insecure", false, "skip hypervisor TLS verification")
	f.StringVar(&flags.recordsFile, "records", "", "YAML record seed file (local development store)")
	f.StringVar(&flags.node, "node", "", "placement node for new VMs")
	f.StringVar(&flags.snippetDir, "snippet-dir", "/var/lib/vz/snippets", "local mount of the cloud-init snippet storage")
	f.StringVar(&flags.imageStorage, "image-storage", "local", "storage holding cached base images")
	f.StringVar(&flags.vmStorage, "vm-storage", "local", "storage backing VM disks")
	f.StringVar(&flags.snippetStorage, "snippet-storage", "cloudinit", "storage name for cloud-init snippet references")
	f.StringVar(&flags.networkBridge, "network-bridge", "vmbr0", "bridge tenant NICs attach to")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting statemachine",
		zap.String("version", version),
		zap.String("commit", commit))

	if flags.hypervisorURL == "" || flags.hypervisorUser == "" {
		return fmt.Errorf("--hypervisor-url and --hypervisor-user are required")
	}
	hvPassword := os.Getenv("HYPERVISOR_PASSWORD")
	if hvPassword == "" {
		return fmt.Errorf("HYPERVISOR_PASSWORD must be set")
	}
	if flags.recordsFile == "" {
		return fmt.Errorf("--records is required")
	}
	if flags.node == "" {
		return fmt.Errorf("--node is required")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(flags.redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", redisOpts.Addr))

	store, err := record.LoadFromFile(flags.recordsFile)
	if err != nil {
		return fmt.Errorf("failed to load records: %w", err)
	}

	snipStore, err := snippets.NewDirStore(flags.snippetDir)
	if err != nil {
		return err
	}

	hv := hypervisor.NewRESTClient(hypervisor.RESTConfig{
		BaseURL:            flags.hypervisorURL,
		Username:           flags.hypervisorUser,
		Password:           hvPassword,
		InsecureSkipVerify: flags.hypervisorInsecure,
	}, logger.Named("hypervisor"))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cache := statecache.New(rdb)
	bridge := events.NewBridge(rdb, logger.Named("events"))
	logs := livelog.NewStore(logger.Named("livelog"))

	p := poller.New(hv, cache, store, logger.Named("poller"),
		poller.NewMetrics(registry), poller.DefaultConfig())

	installCfg := install.DefaultConfig()
	installCfg.ImageStorage = flags.imageStorage
	installCfg.VMStorage = flags.vmStorage
	installCfg.SnippetStorage = flags.snippetStorage
	installCfg.NetworkBridge = flags.networkBridge

	installer := install.New(hv, cache, bridge, store, snipStore, logs,
		install.StaticSelector{Node: flags.node},
		logger.Named("install"), installCfg)

	metricsSrv := &http.Server{
		Addr:    flags.metricsAddr,
		Handler: metricsHandler(registry),
	}
	adminSrv := &http.Server{
		Addr:    flags.adminAddr,
		Handler: newAdminAPI(installer, logger.Named("admin")).handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		return bridge.Run(ctx)
	})
	g.Go(func() error {
		logs.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", flags.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("admin API listening", zap.String("addr", flags.adminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errMetrics := metricsSrv.Shutdown(shutdownCtx)
		errAdmin := adminSrv.Shutdown(shutdownCtx)
		if errMetrics != nil {
			return errMetrics
		}
		return errAdmin
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
