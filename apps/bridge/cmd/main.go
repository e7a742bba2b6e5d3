package main

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bridge/apps/bridge/internal/api"
	"bridge/apps/bridge/internal/assets"
	"bridge/apps/bridge/internal/chaina"
	"bridge/apps/bridge/internal/chainb"
	"bridge/apps/bridge/internal/config"
	"bridge/apps/bridge/internal/engine"
	"bridge/apps/bridge/internal/event_publisher"
	"bridge/apps/bridge/internal/fallback"
	"bridge/apps/bridge/internal/ingest"
	"bridge/apps/bridge/internal/metrics"
	"bridge/apps/bridge/internal/repository"
	"bridge/apps/bridge/internal/request_intake"
	"bridge/apps/bridge/internal/retry"
	"bridge/apps/bridge/internal/rpcguard"
	"bridge/apps/bridge/internal/signature"
	"bridge/apps/bridge/internal/submitter"
	"bridge/apps/bridge/internal/validation"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting bridge with configuration",
		zap.String("chain_a_rpc_host", cfg.ChainARPCHost),
		zap.String("chain_a_network", cfg.ChainANetwork),
		zap.String("chain_b_rpc_url", cfg.ChainBRPCURL),
		zap.String("bridge_address", cfg.BridgeAddress),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.Int("quorum_min", cfg.QuorumMin),
		zap.Int("operators", len(cfg.OperatorEndpoints)+len(cfg.OperatorKeys)),
		zap.Int("workers", cfg.Workers),
		zap.Int("api_port", cfg.APIPort),
	)

	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("Database unreachable", zap.Error(err))
	}
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	transferRepository := repository.NewTransferRepository(db, logger)
	crawlerRepository := repository.NewCrawlerRepository(db, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	assetRegistry, err := assets.NewAssetRegistry(common.HexToAddress(cfg.TokenAddress), cfg.TokenDecimals)
	if err != nil {
		logger.Fatal("Failed to build asset registry", zap.Error(err))
	}

	registry := fallback.NewRegistry(fallback.Config{
		HistorySize:   cfg.FallbackHistorySize,
		Window:        cfg.FallbackWindow,
		HighWatermark: cfg.HealthHighWatermark,
		LowWatermark:  cfg.HealthLowWatermark,
	}, logger)
	registry.Observe(m.RecordOutcome)
	registry.SetFallbackMode(cfg.FallbackMode)

	// Chain-A
	netParams, err := chaina.NetParams(cfg.ChainANetwork)
	if err != nil {
		logger.Fatal("Unknown chain-A network", zap.Error(err))
	}
	chainARPC, err := chaina.Dial(chaina.ConnConfig{Host: cfg.ChainARPCHost, User: cfg.ChainARPCUser, Pass: cfg.ChainARPCPass})
	if err != nil {
		logger.Fatal("Failed to connect to chain-A", zap.Error(err))
	}
	defer chainARPC.Shutdown()
	chainAClient := chaina.NewClient("primary", chainARPC, cfg.CustodyAddress,
		rpcguard.New(rpcguard.Config{Name: "chain-a", Timeout: cfg.RPCTimeout}, logger), logger)

	var chainAFallback validation.ChainATransactions
	if cfg.ChainAFallbackRPCHost != "" {
		fallbackRPC, err := chaina.Dial(chaina.ConnConfig{Host: cfg.ChainAFallbackRPCHost, User: cfg.ChainARPCUser, Pass: cfg.ChainARPCPass})
		if err != nil {
			logger.Fatal("Failed to connect to secondary chain-A node", zap.Error(err))
		}
		defer fallbackRPC.Shutdown()
		chainAFallback = chaina.NewClient("secondary", fallbackRPC, cfg.CustodyAddress,
			rpcguard.New(rpcguard.Config{Name: "chain-a-secondary", Timeout: cfg.RPCTimeout}, logger), logger)
	}

	// Chain-B
	ethClient, err := ethclient.Dial(cfg.ChainBRPCURL)
	if err != nil {
		logger.Fatal("Failed to connect to chain-B", zap.Error(err))
	}
	defer ethClient.Close()
	chainBClient, err := chainb.NewClient(ethClient, chainb.Config{
		BridgeAddress: common.HexToAddress(cfg.BridgeAddress),
		TokenAddress:  common.HexToAddress(cfg.TokenAddress),
		PrivateKey:    cfg.ChainBPrivateKey,
	}, rpcguard.New(rpcguard.Config{Name: "chain-b", Timeout: cfg.RPCTimeout}, logger), logger)
	if err != nil {
		logger.Fatal("Failed to create chain-B client", zap.Error(err))
	}

	// Engine components
	validation.RegisterOperations(registry, validation.Dependencies{
		ChainA:         chainAClient,
		ChainAFallback: chainAFallback,
		ChainB:         chainBClient,
		Addresses:      chaina.NewAddressValidator(netParams),
		Assets:         assetRegistry,
	})
	pipeline := validation.NewPipeline(registry, validation.Config{
		MinConfirmations:    cfg.MinConfirmations,
		AmountToleranceSats: cfg.AmountToleranceSats,
	}, logger)

	chainBSubmitter := submitter.New(chainBClient, registry, assetRegistry,
		submitter.Config{InclusionTimeout: cfg.InclusionTimeout}, logger)

	operatorSigner, err := newOperatorSigner(cfg)
	if err != nil {
		logger.Fatal("Failed to configure operator signer", zap.Error(err))
	}
	coordinator := signature.NewCoordinator(chainBSubmitter, operatorSigner, registry, signature.Config{
		QuorumMin:                cfg.QuorumMin,
		Timeout:                  cfg.SignatureTimeout,
		MaxAge:                   cfg.SignatureMaxAge,
		AllowEmergencySignatures: cfg.AllowEmergencySignatures,
	}, logger)

	bridgeEngine := engine.New(transferRepository, pipeline, coordinator, chainBSubmitter, engine.Config{
		MaxAttempts:         cfg.MaxAttempts,
		ConfirmationCeiling: cfg.ConfirmationCeiling,
	}, m, logger)

	queue := ingest.New(bridgeEngine, ingest.Config{Workers: cfg.Workers}, m, logger)
	bridgeEngine.SetQueue(queue)

	scheduler := retry.New(transferRepository, queue, retry.Config{
		Interval:  cfg.RetryInterval,
		CoolDown:  cfg.RetryCoolDown,
		MaxAge:    cfg.RetryMaxAge,
		BatchSize: cfg.RetryBatchSize,
	}, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return queue.Start(gCtx) })

	if _, err := bridgeEngine.Resume(ctx); err != nil {
		logger.Fatal("Failed to resume in-flight transfers", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start retry scheduler", zap.Error(err))
	}

	watcher := chaina.NewWatcher(chainAClient, crawlerRepository, bridgeEngine,
		cfg.WatcherInterval, cfg.WatcherFinalityOffset, logger)
	g.Go(func() error { return watcher.Start(gCtx) })

	crawler := chainb.NewCrawler(chainBClient, crawlerRepository, bridgeEngine, assetRegistry, chainb.CrawlerConfig{
		ChunkSize:      cfg.ChunkSize,
		FinalityOffset: cfg.CrawlerFinalityOffset,
	}, logger)
	g.Go(func() error { return crawler.Start(gCtx) })

	if cfg.KafkaBroker != "" {
		eventPublisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaEventsTopic, crawlerRepository, m, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		defer eventPublisher.Close()
		g.Go(func() error {
			eventPublisher.StartPublishing(gCtx)
			return nil
		})

		if cfg.KafkaIntakeTopic != "" {
			intake, err := request_intake.NewRequestIntake(cfg.KafkaBroker, cfg.KafkaIntakeTopic, bridgeEngine, logger)
			if err != nil {
				logger.Fatal("Failed to create request intake", zap.Error(err))
			}
			defer intake.Close()
			g.Go(func() error { return intake.Start(gCtx) })
		}
	} else {
		logger.Warn("KAFKA_BROKER not set, outbox events stay in the database")
	}

	apiServer := api.NewServer(cfg.APIPort,
		api.NewTransferHandler(bridgeEngine, logger),
		api.NewBalanceHandler(chainBClient, assetRegistry, logger),
		api.NewHealthHandler(registry, logger),
		promRegistry, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal, starting graceful shutdown...")
	case <-gCtx.Done():
		logger.Error("Background component stopped, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}
	<-scheduler.Stop().Done()

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Background component failed", zap.Error(err))
	}

	logger.Info("Bridge shutdown complete")
}

// newOperatorSigner prefers local operator keys, meant for development
// networks, over remote operator endpoints.
func newOperatorSigner(cfg *config.Config) (signature.Signer, error) {
	if len(cfg.OperatorKeys) > 0 {
		keys := make([]*ecdsa.PrivateKey, 0, len(cfg.OperatorKeys))
		for _, hexKey := range cfg.OperatorKeys {
			key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return signature.NewKeySigner(keys...), nil
	}
	return signature.NewHTTPSigner(cfg.OperatorEndpoints, &http.Client{Timeout: cfg.SignatureTimeout}), nil
}
