package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arkrelay/gateway/config"
	"github.com/arkrelay/gateway/internal/asset"
	"github.com/arkrelay/gateway/internal/challenge"
	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/dispatch"
	"github.com/arkrelay/gateway/internal/lightning"
	"github.com/arkrelay/gateway/internal/lnd"
	"github.com/arkrelay/gateway/internal/orchestrator"
	"github.com/arkrelay/gateway/internal/relay"
	"github.com/arkrelay/gateway/internal/session"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/internal/txproc"
	"github.com/arkrelay/gateway/internal/vtxo"
	"github.com/arkrelay/gateway/pkg/cache"
	"github.com/arkrelay/gateway/pkg/logger"
	streams "github.com/arkrelay/gateway/pkg/queue"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

var Cfg config.ApiConfig

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.toml", "path to config file")
	flag.Parse()

	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if err := config.Load(config.Resolve(*configPath), &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("gateway starting")

	// Redis: cache (dedup fast path, distributed locks) and streams
	// (ceremony work queue).
	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &Cfg.Redis); err != nil {
		return fmt.Errorf("failed to copy cache config: %w", err)
	}
	if err := cache.Init(redisCfg); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cache.Close()

	var dbCfg store.Config
	if err := copier.Copy(&dbCfg, &Cfg.Database); err != nil {
		return fmt.Errorf("failed to copy database config: %w", err)
	}
	db, err := store.NewDB(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	identity, err := loadIdentity(Cfg.Relay.IdentityKeyHex)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backend daemon adapters.
	arkClient := daemon.NewArkClient(daemon.ArkConfig{
		BaseURL:            Cfg.Ark.BaseURL,
		RequestTimeout:     Cfg.Ark.RequestTimeout,
		BreakerMaxFailures: Cfg.Ark.BreakerMaxFailures,
		BreakerResetAfter:  Cfg.Ark.BreakerResetAfter,
	})
	tapdClient := daemon.NewTapdClient(daemon.TapdConfig{
		BaseURL:            Cfg.Tapd.BaseURL,
		RequestTimeout:     Cfg.Tapd.RequestTimeout,
		BreakerMaxFailures: Cfg.Tapd.BreakerMaxFailures,
		BreakerResetAfter:  Cfg.Tapd.BreakerResetAfter,
	})

	var lndCfg lnd.Config
	if err := copier.Copy(&lndCfg, &Cfg.LND); err != nil {
		return fmt.Errorf("failed to copy lnd config: %w", err)
	}
	lndClient, err := lnd.NewClient(lndCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to lightning daemon: %w", err)
	}
	defer lndClient.Close()
	lnAdapter := daemon.NewLightningAdapter(lndClient)

	// Relay connectivity and the gateway's outbound publisher.
	relayClient := relay.NewClient(relay.Config{
		RelayURLs:         Cfg.Relay.URLs,
		DedupCacheSize:    Cfg.Relay.DedupCacheSize,
		OutboundQueueSize: Cfg.Relay.OutboundQueueSize,
		DialTimeout:       Cfg.Relay.DialTimeout,
	})
	if err := relayClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect to relays: %w", err)
	}
	defer relayClient.Shutdown()
	publisher := relay.NewPublisher(relayClient, identity)

	// Core managers.
	sessionCfg := session.Config{
		DefaultLifetime:   Cfg.Session.DefaultLifetime,
		ChallengeLifetime: Cfg.Session.ChallengeLifetime,
		PublishRetryGrace: Cfg.Session.PublishRetryGrace,
		AdmissionCeiling:  Cfg.Session.AdmissionCeiling,
		SweepInterval:     Cfg.Session.SweepInterval,
	}
	sessions := session.NewManager(db, sessionCfg, func(ctx context.Context, s *store.SigningSession) {
		dmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := publisher.SendFailure(dmCtx, s.UserPubkey, orchestrator.CodeExpired, "session expired", s.ActionID); err != nil {
			logger.Error("expiry failure DM failed", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	})

	challenges := challenge.NewManager(db, sessions, Cfg.Session.ChallengeLifetime)

	vtxoCfg := vtxo.DefaultConfig()
	vtxoCfg.CriticalThreshold = Cfg.VTXO.CriticalThreshold
	vtxoCfg.WarningThreshold = Cfg.VTXO.WarningThreshold
	vtxoCfg.TargetLevel = Cfg.VTXO.TargetLevel
	vtxoCfg.BatchSize = Cfg.VTXO.BatchSize
	vtxoCfg.MonitorInterval = Cfg.VTXO.MonitorInterval
	vtxoCfg.SettlementPeriod = Cfg.VTXO.SettlementPeriod
	vtxoCfg.MaxFeeCeilingSats = Cfg.VTXO.MaxFeeCeilingSats
	vtxos := vtxo.NewManager(db, arkClient, vtxoCfg)
	vtxos.SetNotifier(publisher)

	txs := txproc.NewProcessor(db, arkClient, 1)

	assets := asset.NewService(db)
	if err := assets.SyncRegistry(ctx, tapdClient); err != nil {
		logger.Warn("asset registry sync failed, continuing with local registry", zap.Error(err))
	}

	queue := streams.NewStreamQueue(cache.Client)

	orch := orchestrator.New(db, sessions, challenges, vtxos, txs, arkClient, publisher, queue, orchestrator.Config{
		PublishGrace: Cfg.Session.PublishRetryGrace,
		Fees: orchestrator.FeePolicy{
			L2TransferFeeUnits:  Cfg.Fees.L2TransferFeeUnits,
			LightningLandFeeBps: Cfg.Fees.LightningLandFeeBps,
			NativeAssetID:       Cfg.Fees.NativeAssetID,
		},
	})

	lnCfg := lightning.DefaultConfig()
	lnCfg.LandFeeBps = Cfg.Fees.LightningLandFeeBps
	lnCfg.MaxPaymentFeeSats = Cfg.LND.MaxPaymentFeeSats
	lights := lightning.NewManager(db, sessions, vtxos, lnAdapter, publisher, lnCfg)
	orch.SetLiftDriver(lights)
	orch.Register(store.SessionLightningLand, lightning.NewLandHandler(lights, arkClient, txs, publisher.IdentityPubkeyHex()))

	dispatcher := dispatch.New(relayClient, identity, db, orch, queue)

	// Start order: workers before the dispatcher so queued work has
	// consumers the moment events arrive.
	sessions.Start(ctx)
	vtxos.Start(ctx, []string{Cfg.Fees.NativeAssetID})
	txs.Start(ctx, time.Minute)
	lights.Start(ctx)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ceremony workers: %w", err)
	}
	dispatcher.Start(ctx)

	logger.Info("gateway started",
		zap.String("identity", publisher.IdentityPubkeyHex()),
		zap.Int("relays", len(Cfg.Relay.URLs)),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	// Stop intake first, then the background managers; in-flight
	// ceremonies park their progress in the store and resume on restart.
	dispatcher.Wait()
	lights.Stop()
	txs.Stop()
	vtxos.Stop()
	sessions.Stop()

	logger.Info("gateway stopped")
	return nil
}

func loadIdentity(keyHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("relay identity key must be 32 hex-encoded bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}
