package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/marmos91/dittofs/pkg/coordinator"
	"github.com/marmos91/dittofs/pkg/coordinator/changelog"
	s3log "github.com/marmos91/dittofs/pkg/coordinator/changelog/s3"
	"github.com/marmos91/dittofs/pkg/coordinator/sidechannel"
	"github.com/marmos91/dittofs/pkg/coordinator/statusapi"
	"github.com/marmos91/dittofs/pkg/coordinator/store"
	"github.com/marmos91/dittofs/pkg/coordinator/store/badger"
	"github.com/marmos91/dittofs/pkg/coordinator/store/memory"
	"github.com/marmos91/dittofs/pkg/coordinator/store/postgres"
)

// serveFlags mirrors the teacher's flag-holding package vars in
// cmd/dfs/commands/start.go: deployment-level knobs (which backend,
// where it lives) live on the command, not on coordinator.Config, which
// only carries the spec's domain tunables.
var (
	backendKind    string
	badgerDir      string
	postgresDSN    string
	changeLogKind  string
	s3Bucket       string
	s3Prefix       string
	awsRegion      string
	sideChannelDir string
	listenAddr     string
	corsOrigins    []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one coordinator client process",
	Long: `serve runs one coordinator "client": it opens the selected transactional
store backend, starts the lease state machine and metadata refresher,
and exposes a read-only status API plus Prometheus metrics over HTTP.

Run several instances against the same postgres DSN to simulate
several browser tabs racing for the primary lease. A badger directory
can be opened by only one process at a time, and the memory backend is
private to its process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&backendKind, "backend", "memory", "transactional store backend: memory, badger, or postgres")
	serveCmd.Flags().StringVar(&badgerDir, "badger-dir", "./leasecoord-data", "BadgerDB data directory (backend=badger)")
	serveCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string (backend=postgres)")
	serveCmd.Flags().StringVar(&changeLogKind, "changelog", "memory", "document change-log collaborator: memory or s3")
	serveCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for the change log (changelog=s3)")
	serveCmd.Flags().StringVar(&s3Prefix, "s3-prefix", "leasecoord/changelog", "S3 key prefix for the change log (changelog=s3)")
	serveCmd.Flags().StringVar(&awsRegion, "aws-region", "us-east-1", "AWS region for the S3 change log (changelog=s3)")
	serveCmd.Flags().StringVar(&sideChannelDir, "side-channel-dir", "./leasecoord-data/sidechannel", "directory for the zombie-marker side channel")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:8089", "address to serve the status API and /metrics on")
	serveCmd.Flags().StringSliceVar(&corsOrigins, "cors-origin", nil, "allowed CORS origin for the status API (repeatable; empty disables CORS)")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := coordinator.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sc, err := sidechannel.NewFileStore(sideChannelDir)
	if err != nil {
		return fmt.Errorf("open side channel: %w", err)
	}

	changeLog, err := buildChangeLog(ctx)
	if err != nil {
		return fmt.Errorf("build change log: %w", err)
	}

	st, err := buildStore(ctx, changeLog)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := coordinator.NewMetrics(registry)

	c := coordinator.New(coordinator.Options{
		Config:      cfg,
		Store:       st,
		SideChannel: sc,
		Logger:      logger,
		Metrics:     metrics,
		Collaborators: coordinator.Collaborators{
			ChangeLog: changeLog,
		},
	})

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	logger.Info("coordinator started", "clientId", c.ClientID(), "backend", backendKind)

	mux := http.NewServeMux()
	mux.Handle("/", statusapi.NewRouter(c, logger, corsOrigins))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("status api listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		logger.Error("status api server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status api shutdown error", "error", err)
	}
	return c.Shutdown(shutdownCtx, false)
}

func buildChangeLog(ctx context.Context) (changelog.Log, error) {
	switch changeLogKind {
	case "memory", "":
		return changelog.NewMemoryLog(), nil
	case "s3":
		if s3Bucket == "" {
			return nil, fmt.Errorf("--s3-bucket is required when --changelog=s3")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(awsRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return s3log.New(client, s3Bucket, s3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown --changelog %q (want memory or s3)", changeLogKind)
	}
}

func buildStore(ctx context.Context, changeLog changelog.Log) (store.Store, error) {
	switch backendKind {
	case "memory", "":
		return memory.New(changeLog), nil
	case "badger":
		return badger.Open(badger.Options{Dir: badgerDir, ChangeLog: changeLog})
	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("--postgres-dsn is required when --backend=postgres")
		}
		return postgres.Open(ctx, postgres.Options{DSN: postgresDSN, ChangeLog: changeLog})
	default:
		return nil, fmt.Errorf("unknown --backend %q (want memory, badger, or postgres)", backendKind)
	}
}
