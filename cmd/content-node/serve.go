package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/config"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/content"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/database"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/peer"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/retry"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/server"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/transcode"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/uploads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the content node HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	nodeMetrics := metrics.New(registry)

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Logger:     logging.Component(logger, "ledger"),
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.PeerSigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.PeerSigningSecret),
	})
	if err != nil {
		return err
	}

	peerClient, err := peer.NewClient(peer.Config{
		SelfEndpoint: appConfig.NodeEndpoint,
		Tokens:       tokenIssuer,
		Timeout:      appConfig.RequestTimeout,
		Logger:       logging.Component(logger, "peer"),
	})
	if err != nil {
		return err
	}

	var publicNetwork content.PublicNetwork
	if appConfig.PublicFallbackEnabled {
		publicNetwork = content.NewIPFSNetwork(appConfig.PublicGatewayAddress, appConfig.RequestTimeout)
	}
	store, err := content.NewStore(content.Config{
		StoragePath:    appConfig.StoragePath,
		ReplicaPeers:   appConfig.ReplicaPeers,
		Fetcher:        peerClient,
		Files:          ledgerService,
		Public:         publicNetwork,
		PublicFallback: appConfig.PublicFallbackEnabled,
		PeerTimeout:    appConfig.PeerTimeout,
		Metrics:        nodeMetrics,
		Logger:         logging.Component(logger, "content"),
	})
	if err != nil {
		return err
	}

	blacklistManager, err := newBlacklistManager(signalCtx, appConfig, db, ledgerService, nodeMetrics, logger)
	if err != nil {
		return err
	}

	exporter, err := export.New(export.Config{
		Ledger:        ledgerService,
		MaxClockRange: appConfig.MaxExportClockValueRange,
		Logger:        logging.Component(logger, "export"),
	})
	if err != nil {
		return err
	}

	secondary, err := replication.NewSecondary(replication.SecondaryConfig{
		Ledger:              ledgerService,
		Exports:             peerClient,
		Content:             store,
		SelfEndpoint:        appConfig.NodeEndpoint,
		ReplicaPeers:        appConfig.ReplicaPeers,
		FileSaveConcurrency: appConfig.FileSaveConcurrency,
		Retry:               retry.Policy{MaxAttempts: appConfig.SyncMaxAttempts, Backoff: appConfig.SyncBackoff},
		Logger:              logging.Component(logger, "secondary_sync"),
	})
	if err != nil {
		return err
	}
	recovery, err := replication.NewRecovery(replication.RecoveryConfig{
		Ledger:              ledgerService,
		Exports:             peerClient,
		Content:             store,
		SelfEndpoint:        appConfig.NodeEndpoint,
		ReplicaPeers:        appConfig.ReplicaPeers,
		FileSaveConcurrency: appConfig.FileSaveConcurrency,
		Logger:              logging.Component(logger, "recovery"),
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	coordinator := replication.NewCoordinator(replication.CoordinatorConfig{
		Secondary:         secondary,
		Recovery:          recovery,
		Events:            dispatcher,
		MaxConcurrentJobs: appConfig.SyncMaxConcurrentJobs,
		Metrics:           nodeMetrics,
		Logger:            logging.Component(logger, "coordinator"),
	})
	notifier := replication.NewPeerNotifier(peerClient, appConfig.NodeEndpoint, appConfig.ReplicaPeers, appConfig.PeerTimeout, logging.Component(logger, "notifier"))

	delegator := transcode.NewHTTPDelegator(transcode.Config{
		Candidates:   appConfig.TranscodeCandidates,
		SelfEndpoint: appConfig.NodeEndpoint,
		Tokens:       tokenIssuer,
		PollAttempts: appConfig.TranscodePollAttempts,
		PollMinDelay: appConfig.TranscodePollMinDelay,
		PollMaxDelay: appConfig.TranscodePollMaxDelay,
		Timeout:      appConfig.RequestTimeout,
		Logger:       logging.Component(logger, "transcode"),
	})
	uploadService, err := uploads.NewService(uploads.Config{
		Ledger:    ledgerService,
		Store:     store,
		Delegator: delegator,
		Notifier:  notifier,
		Logger:    logging.Component(logger, "uploads"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Exporter:     exporter,
		Coordinator:  coordinator,
		Content:      store,
		Blacklist:    blacklistManager,
		Uploads:      uploadService,
		Tokens:       tokenValidator,
		Realtime:     dispatcher,
		Metrics:      registry,
		NodeEndpoint: appConfig.NodeEndpoint,
		Logger:       logging.Component(logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: appConfig.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("endpoint", appConfig.NodeEndpoint),
			zap.Strings("replica_peers", appConfig.ReplicaPeers))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if err := coordinator.Close(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	notifier.Wait()
	logger.Info("server stopped")
	return shutdownErr
}

func newBlacklistManager(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, tracks blacklist.TrackContent, nodeMetrics *metrics.Collectors, logger *zap.Logger) (*blacklist.Manager, error) {
	authenticator, err := blacklist.NewAuthenticator(appConfig.BlacklistOperatorWallet, appConfig.SignatureWindow, time.Now)
	if err != nil {
		return nil, err
	}
	var existence blacklist.ExistenceIndex
	if appConfig.IndexerEndpoint != "" {
		indexer, err := blacklist.NewIndexerClient(appConfig.IndexerEndpoint, appConfig.PeerTimeout, nil)
		if err != nil {
			return nil, err
		}
		existence = indexer
	}
	manager, err := blacklist.NewManager(blacklist.Config{
		Database:      db,
		Authenticator: authenticator,
		Tracks:        tracks,
		Existence:     existence,
		CIDWhitelist:  appConfig.CIDWhitelist,
		Clock:         time.Now,
		Metrics:       nodeMetrics,
		Logger:        logging.Component(logger, "blacklist"),
	})
	if err != nil {
		return nil, err
	}
	if err := manager.Init(ctx); err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	return manager, nil
}
