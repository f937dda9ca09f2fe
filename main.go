package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge-core/internal/api"
	"bridge-core/internal/events"
	"bridge-core/internal/hub"
	"bridge-core/internal/monitor"
	"bridge-core/internal/outcome"
	"bridge-core/internal/persistence"
	"bridge-core/internal/registry"
	"bridge-core/internal/risk"
	"bridge-core/internal/router"
	"bridge-core/internal/slots"
	"bridge-core/internal/terminals"
	"bridge-core/internal/transport"
	"bridge-core/pkg/config"
	"bridge-core/pkg/db"
	"bridge-core/pkg/instance"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var buildVersion = "dev"

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(cfg)

	instanceID := instance.ID()
	log.Info().Str("version", buildVersion).Str("instance", instanceID).
		Str("port", cfg.Port).Msg("bridge core starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database init failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("database migrations failed")
	}

	// In-memory state seeded from DB
	reg := registry.New(database, bus, instanceID)
	if err := reg.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent registry load failed")
	}

	tiers := risk.DefaultTiers()
	if cfg.TierFile != "" {
		tiers, err = risk.LoadTiers(cfg.TierFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.TierFile).Msg("tier file load failed")
		}
	}
	loc, err := time.LoadLocation(cfg.ResetTimezone)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.ResetTimezone).Msg("bad reset timezone")
	}
	riskCtl := risk.NewController(database, bus, tiers, loc)

	slotMgr := slots.NewManager(database, riskCtl, bus, instanceID)
	slotMgr.SetStaleWindow(cfg.SlotStaleWindow)
	if err := slotMgr.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("slot manager load failed")
	}

	auditWriter := persistence.NewAuditWriter(database, 50, 500*time.Millisecond)
	defer auditWriter.Close()

	termMgr := terminals.NewManager(database, auditWriter, instanceID)
	if err := termMgr.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("terminal manager load failed")
	}

	metrics := monitor.NewSystemMetrics()

	// Result path: hub frames -> reconciler -> trades, slots, risk.
	reconciler := outcome.New(database, slotMgr, riskCtl, bus, metrics, instanceID)
	agentHub := hub.New(reg, reconciler, bus, metrics)

	var tp transport.Transport = agentHub
	if cfg.Transport == "filedrop" {
		tp, err = transport.NewFileDrop(cfg.FileDropDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.FileDropDir).Msg("file drop transport init failed")
		}
	}
	log.Info().Str("transport", tp.Name()).Msg("execution transport selected")

	queue, err := router.NewPersistentQueue(cfg.FireWALPath, cfg.FireQueueSize)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.FireWALPath).Msg("fire queue init failed")
	}
	defer queue.Close()

	fires := router.New(reg, riskCtl, slotMgr, tp, database, bus, metrics, queue, cfg.AgentTTL, instanceID)
	if err := fires.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("fire dispatch start failed")
	}

	// Periodic slot reconciliation plus the daily counter rollover at the
	// configured timezone's midnight.
	slotMgr.Start(ctx, time.Hour)
	scheduler := cron.New(cron.WithLocation(loc))
	if _, err := scheduler.AddFunc("0 0 * * *", riskCtl.SweepRollover); err != nil {
		log.Fatal().Err(err).Msg("rollover schedule failed")
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(
		bus,
		database,
		reg,
		riskCtl,
		slotMgr,
		termMgr,
		fires,
		agentHub,
		metrics,
		queue,
		cfg.AgentTTL,
		cfg.JWTSecret,
		api.OperatorCredentials{Username: cfg.OperatorUser, PassHash: cfg.OperatorPassHash},
		api.SystemMeta{Transport: tp.Name(), InstanceID: instanceID, Version: buildVersion},
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("api server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutting down")
}
