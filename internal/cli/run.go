package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ChuLiYu/geostream/internal/config"
	"github.com/ChuLiYu/geostream/internal/engine/localengine"
	"github.com/ChuLiYu/geostream/internal/httpapi"
	"github.com/ChuLiYu/geostream/internal/jobs"
	"github.com/ChuLiYu/geostream/internal/license"
	"github.com/ChuLiYu/geostream/internal/logger"
	"github.com/ChuLiYu/geostream/internal/metrics"
	"github.com/ChuLiYu/geostream/internal/publishing"
	"github.com/ChuLiYu/geostream/internal/repository"
	"github.com/ChuLiYu/geostream/internal/server"
	"github.com/ChuLiYu/geostream/internal/storage/wal"
	"github.com/ChuLiYu/geostream/internal/tilecache"
	"github.com/ChuLiYu/geostream/internal/transfer"
	"github.com/ChuLiYu/geostream/pkg/types"
)

// node is everything runNode opens, in the order it is closed.
type node struct {
	log     *slog.Logger
	manager *publishing.Manager
	httpSrv *http.Server
	health  *server.Server
	closers []io.Closer
}

func runNode(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		TimeFormat:   cfg.Logging.TimeFormat,
		EnableSource: cfg.Logging.EnableSource,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg, log)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return n.shutdown(shutdownCtx)
}

// startNode wires and starts a node. On error everything opened so far is
// shut down again.
func startNode(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *node, err error) {
	if log == nil {
		log = slog.Default()
	}
	n := &node{log: log}
	defer func() {
		if err != nil {
			_ = n.shutdown(context.Background())
		}
	}()

	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
		log.Info("generated node id", "node", nodeID)
	}
	serverType := cfg.Server.ServerType()

	paths := jobs.Paths{
		Temp:          cfg.Paths.Temp,
		ProcessCache:  cfg.Paths.ProcessCache,
		DownloadCache: cfg.Paths.DownloadCache,
	}
	for _, dir := range []string{paths.Temp, paths.ProcessCache, paths.DownloadCache} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	repo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, repo)

	tiles, err := openTileCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, tiles)

	pub, err := openPublisher(cfg, nodeID, log)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, pub)

	journalLog, err := wal.NewWAL(cfg.Paths.Journal, cfg.Jobs.JournalSync)
	if err != nil {
		return nil, fmt.Errorf("open journal log: %w", err)
	}
	n.closers = append(n.closers, journalLog)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		if collector, err = metrics.NewCollector(nil); err != nil {
			return nil, fmt.Errorf("create metrics collector: %w", err)
		}
	}

	env := &jobs.Env{
		Log: log,
		Engine: localengine.New(func(ctx context.Context, ref types.PipelineRef) (string, error) {
			return repository.Definition(ctx, repo, ref)
		}, paths.DownloadCache, paths.ProcessCache),
		Repo:         repo,
		Downloader:   transfer.NewHTTPDownloader(cfg.Transfer.BaseURL, paths.DownloadCache, cfg.Transfer.Timeout, log),
		Publisher:    pub,
		License:      license.NewHTTPClient(cfg.License.BaseURL, cfg.License.Timeout, log),
		Tiles:        tiles,
		Paths:        paths,
		MinFreeBytes: cfg.Jobs.MinFreeBytes,
	}

	n.manager, err = publishing.New(publishing.Config{
		NodeID:           nodeID,
		Name:             cfg.Server.Name,
		ServerType:       serverType,
		StallTimeout:     cfg.Jobs.StallTimeout,
		PollInterval:     cfg.Jobs.PollInterval,
		ReportTimeout:    cfg.Jobs.ReportTimeout,
		ReportInterval:   cfg.Jobs.ReportInterval,
		RestartInterval:  cfg.Jobs.RestartInterval,
		CleanUpInterval:  cfg.Jobs.CleanUpInterval,
		RestartBatch:     cfg.Jobs.RestartBatch,
		JournalRetention: cfg.Jobs.JournalRetention,
		JournalMaxBytes:  cfg.Jobs.JournalMaxBytes,
	}, publishing.Deps{Logger: log, Env: env, Recorder: journalLog, Metrics: collector})
	if err != nil {
		return nil, fmt.Errorf("create publishing manager: %w", err)
	}
	if err := n.manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("start publishing manager: %w", err)
	}

	if cfg.HTTP.Enabled {
		deps := httpapi.Dependencies{Scheduler: n.manager, Logger: log}
		if collector != nil {
			deps.Metrics = collector.Handler()
		}
		n.httpSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:      httpapi.SetupRouter(deps),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
		go func() {
			log.Info("admin API listening", "addr", n.httpSrv.Addr)
			if err := n.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin API failed", "error", err)
			}
		}()
	}

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
		n.health = server.NewServer(n.manager, cfg.GRPC.Refresh, log)
		go func() {
			if err := n.health.Serve(lis); err != nil {
				log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	log.Info("node started",
		"node", nodeID,
		"name", cfg.Server.Name,
		"server_type", serverType,
		"repository", cfg.Repository.Driver,
		"tilecache", cfg.TileCache.Driver,
		"publisher", cfg.Publisher.Driver,
		"journal_seq", journalLog.GetLastSeq(),
	)
	return n, nil
}

// shutdown stops the listeners, drains the job managers, then closes the
// stores.
func (n *node) shutdown(ctx context.Context) error {
	var errs []error
	if n.httpSrv != nil {
		if err := n.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin API shutdown: %w", err))
		}
	}
	if n.manager != nil {
		if err := n.manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.health != nil {
		n.health.Stop()
	}
	if err := n.closeAll(); err != nil {
		errs = append(errs, err)
	}

	n.log.Info("node stopped")
	return errors.Join(errs...)
}

func (n *node) closeAll() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

func openRepository(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.Repository, error) {
	switch cfg.Repository.Driver {
	case config.DriverPostgres:
		pg := cfg.Repository.Postgres
		return repository.OpenPostgres(ctx, repository.PostgresConfig{
			Host:            pg.Host,
			Port:            pg.Port,
			User:            pg.User,
			Password:        pg.Password,
			Database:        pg.Database,
			SSLMode:         pg.SSLMode,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime,
		}, log)
	default:
		return repository.OpenFileStore(cfg.Paths.Repository, log)
	}
}

func openTileCache(ctx context.Context, cfg *config.Config) (tilecache.Cache, error) {
	switch cfg.TileCache.Driver {
	case config.DriverRedis:
		return tilecache.NewRedisCache(ctx, cfg.TileCache.RedisURL, cfg.TileCache.TTL)
	default:
		return tilecache.NewFileCache(cfg.Paths.Tiles)
	}
}

func openPublisher(cfg *config.Config, nodeID string, log *slog.Logger) (transfer.Publisher, error) {
	switch cfg.Publisher.Driver {
	case config.DriverAMQP:
		return transfer.DialAMQP(transfer.AMQPConfig{
			URL:            cfg.Publisher.URL,
			Exchange:       cfg.Publisher.Exchange,
			RoutingKey:     cfg.Publisher.RoutingKey,
			NodeID:         nodeID,
			Heartbeat:      cfg.Publisher.Heartbeat,
			ConfirmTimeout: cfg.Publisher.ConfirmTimeout,
		}, log)
	default:
		return transfer.NewLocalPublisher(log), nil
	}
}
