package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Layr-Labs/eigensdk-go/logging"
	sdkmetrics "github.com/Layr-Labs/eigensdk-go/metrics"
	"github.com/Layr-Labs/eigensdk-go/nodeapi"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-bundler/core/backup"
	"github.com/AvaProtocol/ap-bundler/core/bundler"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/version"
)

const (
	nodeName = "ap-bundler"

	healthSyncInterval = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
)

type ServerStatus string

const (
	initStatus     ServerStatus = "init"
	runningStatus  ServerStatus = "running"
	shutdownStatus ServerStatus = "shutdown"
)

func RunWithConfig(configPath string) error {
	nodeConfig, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("Failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err)
	}

	srv, err := NewServer(context.Background(), nodeConfig)
	if err != nil {
		return fmt.Errorf("Cannot initialize bundler from config: %w", err)
	}

	return srv.Start(context.Background())
}

// Server hosts the bundling core behind HTTP, JSON-RPC and the operator REPL.
type Server struct {
	config *config.Config
	logger logging.Logger

	ethClient *ethclient.Client
	db        storage.Storage
	bundler   *bundler.Bundler
	backup    *backup.Service

	registry *prometheus.Registry
	metrics  *metrics.BundlerMetrics
	nodeApi  *nodeapi.NodeApi

	http         *echo.Echo
	replListener net.Listener

	statusMu sync.RWMutex
	status   ServerStatus

	now func() time.Time
}

// NewServer dials the chain, opens storage and builds the bundler described by c.
func NewServer(ctx context.Context, c *config.Config) (*Server, error) {
	ethClient, err := ethclient.DialContext(ctx, c.EthHttpRpcUrl)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", c.EthHttpRpcUrl, err)
	}

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("cannot read chain id: %w", err)
	}

	entryPoint, err := aa.NewEntryPointClient(ethClient, c.EntryPointAddress, chainID, c.EcdsaPrivateKey, c.Logger,
		aa.WithSimulationAddress(c.SimulationAddress))
	if err != nil {
		ethClient.Close()
		return nil, err
	}

	db, err := storage.NewWithPath(c.DbPath)
	if err != nil {
		ethClient.Close()
		return nil, err
	}
	if err := db.Setup(); err != nil {
		ethClient.Close()
		db.Close()
		return nil, err
	}

	codeCache, err := bigcache.New(ctx, bigcache.Config{
		// number of shards (must be a power of 2)
		Shards:      64,
		LifeWindow:  30 * time.Minute,
		CleanWindow: 5 * time.Minute,
		// an entry is a one byte flag keyed by address
		MaxEntriesInWindow: 100_000,
		MaxEntrySize:       8,
		HardMaxCacheSize:   64,
	})
	if err != nil {
		ethClient.Close()
		db.Close()
		return nil, fmt.Errorf("cannot initialize code cache: %w", err)
	}

	reg := prometheus.NewRegistry()
	eigenMetrics := sdkmetrics.NewEigenMetrics(nodeName, c.EigenMetricsIpPortAddress, reg, c.Logger)
	bundlerMetrics := metrics.NewBundlerMetrics(eigenMetrics, reg)

	b, err := bundler.New(c.Bundler, entryPoint, db, c.Logger,
		bundler.WithMetrics(bundlerMetrics),
		bundler.WithCodeCache(codeCache),
	)
	if err != nil {
		ethClient.Close()
		db.Close()
		return nil, err
	}

	srv := newServer(c, b, db, reg, bundlerMetrics)
	srv.ethClient = ethClient

	c.Logger.Info("bundler configured",
		"chainId", chainID,
		"entryPoint", c.EntryPointAddress.Hex(),
		"signer", c.SignerAddress.Hex(),
		"beneficiary", c.Bundler.Beneficiary.Hex(),
		"mode", c.Bundler.BundlingMode,
	)
	return srv, nil
}

func newServer(c *config.Config, b *bundler.Bundler, db storage.Storage, reg *prometheus.Registry, m *metrics.BundlerMetrics) *Server {
	srv := &Server{
		config:   c,
		logger:   c.Logger,
		db:       db,
		bundler:  b,
		registry: reg,
		metrics:  m,
		status:   initStatus,
		now:      time.Now,
	}
	if c.BackupDir != "" {
		srv.backup = backup.NewService(c.Logger, db, c.BackupDir)
	}
	return srv
}

func (srv *Server) Status() ServerStatus {
	srv.statusMu.RLock()
	defer srv.statusMu.RUnlock()
	return srv.status
}

func (srv *Server) setStatus(s ServerStatus) {
	srv.statusMu.Lock()
	defer srv.statusMu.Unlock()
	srv.status = s
}

func (srv *Server) IsShutdown() bool {
	return srv.Status() == shutdownStatus
}

// Start runs every surface and blocks until SIGINT/SIGTERM or ctx is done.
func (srv *Server) Start(ctx context.Context) error {
	srv.logger.Infof("Starting bundler %s", version.Get())

	srv.initSentry()
	defer sentryFlushSafely(2 * time.Second)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := srv.bundler.Start(); err != nil {
		return fmt.Errorf("cannot start bundling: %w", err)
	}

	srv.startMetrics(ctx)
	srv.startNodeApi(ctx)

	if srv.backup != nil && srv.config.BackupInterval > 0 {
		if err := srv.backup.StartPeriodicBackup(srv.config.BackupInterval); err != nil {
			srv.logger.Warn("periodic backup disabled", "dir", srv.config.BackupDir, "error", err)
		}
	}

	srv.logger.Info("Starting repl")
	if err := srv.startRepl(); err != nil {
		srv.logger.Warn("repl disabled", "socket", srv.config.SocketPath, "error", err)
	}

	srv.logger.Infof("Starting http server")
	srv.startHttpServer()
	srv.setStatus(runningStatus)

	// Setup wait signal
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
	case <-ctx.Done():
	}
	srv.logger.Infof("Shutting down...")

	return srv.Shutdown()
}

// Shutdown stops the surfaces first so no admission races the final counter flush.
func (srv *Server) Shutdown() error {
	srv.setStatus(shutdownStatus)

	var errs []error
	if srv.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		cancel()
	}
	srv.stopRepl()

	if srv.backup != nil {
		srv.backup.StopPeriodicBackup()
	}
	if err := srv.bundler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("bundler stop: %w", err))
	}
	if err := srv.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	if srv.ethClient != nil {
		srv.ethClient.Close()
	}
	return errors.Join(errs...)
}

func (srv *Server) initSentry() {
	if srv.config.SentryDsn == "" {
		srv.logger.Info("sentry_dsn not set, Sentry integration is disabled.")
		return
	}

	env := "production"
	if srv.config.Environment == logging.Development {
		env = "development"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              srv.config.SentryDsn,
		ServerName:       srv.config.ServerName,
		Environment:      env,
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.Commit()),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		srv.logger.Errorf("Sentry initialization failed: %v", err)
		return
	}
	srv.logger.Infof("Sentry initialized successfully for environment: %s", env)
}

// startMetrics serves the registry on its own address when configured. /metrics
// on the http server is always available.
func (srv *Server) startMetrics(ctx context.Context) {
	if srv.config.EigenMetricsIpPortAddress == "" || srv.metrics == nil {
		return
	}

	errC := srv.metrics.Start(ctx, srv.registry)
	goSafe(func() {
		select {
		case err := <-errC:
			if err != nil {
				srv.logger.Error("metrics server stopped", "error", err)
			}
		case <-ctx.Done():
		}
	})
}

// startNodeApi exposes the eigen node api and keeps its health in sync with
// the bundler.
func (srv *Server) startNodeApi(ctx context.Context) {
	if srv.config.NodeApiIpPortAddress == "" {
		return
	}

	srv.nodeApi = nodeapi.NewNodeApi(nodeName, version.Get(), srv.config.NodeApiIpPortAddress, srv.logger)
	errC := srv.nodeApi.Start()

	goSafe(func() {
		ticker := time.NewTicker(healthSyncInterval)
		defer ticker.Stop()

		for {
			srv.nodeApi.UpdateHealth(nodeHealth(srv.bundler.Health()))
			select {
			case err := <-errC:
				if err != nil {
					srv.logger.Error("node api stopped", "error", err)
				}
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

func nodeHealth(h bundler.Health) nodeapi.NodeHealth {
	switch h.Status {
	case bundler.HealthRunning:
		return nodeapi.Healthy
	case bundler.HealthDegraded:
		return nodeapi.PartiallyHealthy
	default:
		return nodeapi.Unhealthy
	}
}
