package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/clients/kite"
	"github.com/karthikm/nsewatch/internal/collector"
	"github.com/karthikm/nsewatch/internal/config"
	"github.com/karthikm/nsewatch/internal/database"
	"github.com/karthikm/nsewatch/internal/detector"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/enrichment"
	"github.com/karthikm/nsewatch/internal/market"
	"github.com/karthikm/nsewatch/internal/monitors"
	"github.com/karthikm/nsewatch/internal/notify"
	"github.com/karthikm/nsewatch/internal/oi"
	"github.com/karthikm/nsewatch/internal/options"
	"github.com/karthikm/nsewatch/internal/reliability"
	"github.com/karthikm/nsewatch/internal/scheduler"
	"github.com/karthikm/nsewatch/internal/server"
	"github.com/karthikm/nsewatch/internal/universe"
	"github.com/karthikm/nsewatch/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := logger.New(logger.Config{Level: "error"})
		errLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	logger.SetGlobalLogger(log)
	log.Info().Msg("Starting NSE watch")

	calendar, err := market.NewCalendar(cfg.Market.Timezone, cfg.Market.Open, cfg.Market.Close, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build market calendar")
	}
	if cfg.HolidayFile != "" {
		if err := calendar.LoadHolidayFile(cfg.HolidayFile); err != nil {
			// Fail open: a missing list only costs wasted ticks on holidays
			log.Warn().Err(err).Str("path", cfg.HolidayFile).Msg("Holiday list unavailable, continuing without it")
		}
	}

	retry := database.RetryConfig{
		MaxAttempts:    cfg.Cache.MaxRetries,
		BaseDelay:      cfg.Cache.RetryBase,
		AttemptTimeout: cfg.Cache.LockTimeout,
	}

	cacheDB := mustOpenDB(log, cfg.DataDir, "cache", database.ProfileCache)
	defer cacheDB.Close()
	alertsDB := mustOpenDB(log, cfg.DataDir, "alerts", database.ProfileLog)
	defer alertsDB.Close()
	oiDB := mustOpenDB(log, cfg.DataDir, "oi", database.ProfileStandard)
	defer oiDB.Close()

	quotes, err := cache.NewQuoteStore(cacheDB, retry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize quote cache")
	}
	history, err := cache.NewHistoryStore(cacheDB, retry, cfg.Cache.HistoryMaxRows, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize history cache")
	}
	alertLog, err := alerts.NewLog(alertsDB, retry, calendar.Location(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize alert log")
	}
	cooldown, err := alerts.NewCooldownManager(alertsDB, retry, func(kind domain.AlertKind) time.Duration {
		return cfg.CooldownFor(string(kind))
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cooldown manager")
	}

	// Yesterday's cooldowns never suppress today's first alerts
	sessionOpen, _ := calendar.SessionBoundaries(time.Now())
	if _, err := cooldown.ClearBefore(context.Background(), sessionOpen); err != nil {
		log.Warn().Err(err).Msg("Failed to clear stale cooldown history")
	}

	oiEngine, err := oi.NewEngine(oiDB, retry, calendar.Location(), oi.Bands{
		Minimal:     cfg.OIBands.Minimal,
		Significant: cfg.OIBands.Significant,
		Strong:      cfg.OIBands.Strong,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize OI engine")
	}

	provider := kite.NewClient(kite.Config{
		APIKey:       cfg.KiteAPIKey,
		AccessToken:  cfg.KiteAccessToken,
		Timeout:      cfg.Provider.HTTPTimeout,
		MaxRetries:   cfg.Provider.MaxRetries,
		MaxReqPerSec: cfg.Provider.MaxReqPerSec,
	}, log)

	uni := universe.New(nil, log)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := uni.Refresh(ctx, provider, time.Now()); err != nil {
			log.Warn().Err(err).Msg("Initial instrument refresh failed, retrying on schedule")
		}
		cancel()
	}

	var notifier domain.Notifier = nopNotifier{}
	if cfg.TelegramToken != "" {
		notifier = notify.NewTelegram(notify.TelegramConfig{
			BotToken: cfg.TelegramToken,
			ChatID:   cfg.TelegramChatID,
			Timeout:  cfg.Provider.HTTPTimeout,
		}, log)
	} else {
		log.Warn().Msg("Telegram not configured, alerts are log-only")
	}
	health := notify.NewHealth(notifier, calendar, nil, log)

	worker := enrichment.NewWorker(alertLog, history, provider, uni, calendar,
		cfg.Enrichment.MaxSlotRetries, nil, log)
	fanout := alerts.NewFanout(alertLog, notifier, worker, log)

	col := collector.New(provider, quotes, history, uni, collector.Config{
		BatchSize:  cfg.Provider.BatchSize,
		MaxRetries: cfg.Provider.MaxRetries,
	}, health.ReportProviderError, log)

	detCfg := detector.Config{
		Th1m:             cfg.Thresholds.Change1m,
		Th5m:             cfg.Thresholds.Change5m,
		Th10m:            cfg.Thresholds.Change10m,
		Th30m:            cfg.Thresholds.Change30m,
		SpikePrice:       cfg.Thresholds.SpikePrice,
		SpikeVolMultiple: cfg.Thresholds.SpikeVolume,
		VolMult1m:        cfg.Thresholds.VolumeMult1m,
		MinPrice:         cfg.Thresholds.MinPrice,
		MinADV:           cfg.Thresholds.MinAvgDailyVol,
		AccelFactor:      cfg.Thresholds.AccelFactor,
	}
	oneMinute := monitors.NewPipeline(quotes, history, provider, uni, oiEngine, cooldown,
		fanout, calendar, detCfg, cfg.Cadences.Monitor1mTick, nil, log)
	multiHorizon := monitors.NewPipeline(quotes, history, provider, uni, oiEngine, cooldown,
		fanout, calendar, detCfg, cfg.Cadences.Monitor5mTick, nil, log)

	evaluator := options.New(quotes, history, uni, nil, notifier, calendar,
		evaluatorConfig(cfg), nil, log)

	sched := scheduler.New(calendar, nil, log)
	registerTasks(sched, cfg, col, oneMinute, multiHorizon, worker, evaluator)
	sched.Start()
	defer sched.Stop()

	// Streaming feed supplements the REST poll when enabled
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	if cfg.StreamingEnabled {
		ticker := kite.NewTicker(cfg.KiteAPIKey, cfg.KiteAccessToken, uni.Tokens(), uni.SymbolFor, log)
		ticker.Start()
		defer ticker.Stop()
		go col.IngestStream(streamCtx, ticker.Quotes())
	}

	maint := reliability.NewMaintenance(calendar.Location(), log)
	registerMaintenance(maint, cfg, log, quotes, history, oiEngine, cooldown, alertLog,
		uni, provider, cacheDB, alertsDB, oiDB)
	maint.Start()
	defer maint.Stop()

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Quotes:    quotes,
		History:   history,
		AlertLog:  alertLog,
		Cooldown:  cooldown,
		Scheduler: sched,
		Evaluator: evaluator,
		Universe:  uni,
		Calendar:  calendar,
		Log:       log,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Status server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("NSE watch started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	stopStream()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Status server forced to shutdown")
	}
	log.Info().Msg("Stopped")
}

func mustOpenDB(log zerolog.Logger, dataDir, name string, profile database.DatabaseProfile) *database.DB {
	open := func() (*database.DB, error) {
		return database.New(database.Config{
			Path:    filepath.Join(dataDir, name+".db"),
			Profile: profile,
			Name:    name,
		})
	}

	db, err := open()
	if err != nil {
		log.Fatal().Err(err).Str("database", name).Msg("Failed to open database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.HealthCheck(ctx); err != nil {
		if profile != database.ProfileCache {
			log.Fatal().Err(err).Str("database", name).Msg("Store failed integrity check")
		}
		// Cache contents are refetched on the next tick, so a corrupt
		// cache file is moved aside and recreated instead of kept
		log.Warn().Err(err).Str("database", name).Msg("Corrupt cache store, recreating")
		if err := db.MoveAside(); err != nil {
			log.Fatal().Err(err).Str("database", name).Msg("Failed to move aside corrupt store")
		}
		if db, err = open(); err != nil {
			log.Fatal().Err(err).Str("database", name).Msg("Failed to recreate database")
		}
	}
	return db
}

func evaluatorConfig(cfg *config.Config) options.Config {
	optCfg := options.DefaultConfig()
	optCfg.IVRankFloor = cfg.Options.IVRankFloor
	optCfg.RVIVCap = cfg.Options.RVIVCap
	optCfg.RangeCap = cfg.Options.RangeCap
	optCfg.MaxLayers = cfg.Options.MaxLayers
	optCfg.LayerSpacing = cfg.Options.AddMinInterval
	optCfg.LayerScoreGain = cfg.Options.AddMinScoreGain
	// Validated by config.Load
	if at, err := time.Parse("15:04", cfg.Options.EntryTime); err == nil {
		optCfg.EntryHour, optCfg.EntryMinute = at.Hour(), at.Minute()
	}
	return optCfg
}

func registerTasks(sched *scheduler.Scheduler, cfg *config.Config, col *collector.Collector,
	oneMinute, multiHorizon *monitors.Pipeline, worker *enrichment.Worker, evaluator *options.Evaluator) {

	session := []market.Phase{market.PhasePre, market.PhaseOpen}
	open := []market.Phase{market.PhaseOpen}

	sched.Register(scheduler.Task{
		Name:       "collector",
		Cadence:    cfg.Cadences.CollectorTick,
		Phases:     session,
		RunAtStart: true,
		Run:        col.Run,
	})
	sched.Register(scheduler.Task{
		Name:       "history_refresh",
		Cadence:    time.Hour,
		Phases:     session,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			return col.RefreshHistory(ctx, time.Now())
		},
	})
	sched.Register(scheduler.Task{
		Name:    "monitor_1m",
		Cadence: cfg.Cadences.Monitor1mTick,
		Phases:  open,
		Run:     oneMinute.RunOneMinute,
	})
	sched.Register(scheduler.Task{
		Name:    "monitor_5m",
		Cadence: cfg.Cadences.Monitor5mTick,
		Phases:  open,
		Run:     multiHorizon.RunMultiHorizon,
	})
	// No phase gate: EOD slots fill after the close
	sched.Register(scheduler.Task{
		Name:    "enrichment",
		Cadence: cfg.Cadences.EnrichmentTick,
		Wake:    worker.Wake(),
		Run:     worker.Run,
	})
	sched.Register(scheduler.Task{
		Name:    "evaluator_entry",
		Cadence: time.Minute,
		Phases:  open,
		Run:     evaluator.RunEntry,
	})
	sched.Register(scheduler.Task{
		Name:    "evaluator_monitor",
		Cadence: cfg.Cadences.VolatilityTick,
		Phases:  open,
		Run:     evaluator.RunMonitor,
	})
}

func registerMaintenance(maint *reliability.Maintenance, cfg *config.Config, log zerolog.Logger,
	quotes *cache.QuoteStore, history *cache.HistoryStore, oiEngine *oi.Engine,
	cooldown *alerts.CooldownManager, alertLog *alerts.Log, uni *universe.Universe,
	provider domain.QuoteProvider, cacheDB, alertsDB, oiDB *database.DB) {

	add := func(spec string, job reliability.Job) {
		if err := maint.Add(spec, job); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule maintenance job")
		}
	}

	add(cache.CleanupSchedule, cache.NewCleanupJob(quotes, history,
		cfg.Cache.QuoteMaxAge, cfg.Cache.CompactionWeekday, nil, log))
	add("30 8 * * MON-FRI", reliability.NewOIResetJob(oiEngine, nil, log))
	add("0 7 * * SUN", reliability.NewCooldownPurgeJob(cooldown, 7*24*time.Hour, nil, log))
	add("0 8 * * MON-FRI", jobFunc{"universe_refresh", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return uni.Refresh(ctx, provider, time.Now())
	}})
	add("0 6 * * SUN", reliability.NewIntegrityJob(
		map[string]*database.DB{"cache": cacheDB, "alerts": alertsDB, "oi": oiDB}, log))

	if cfg.BackupBucket == "" {
		log.Info().Msg("Backup bucket not configured, nightly backups disabled")
		return
	}
	s3Client, err := reliability.NewS3Client(context.Background(), cfg.BackupEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build S3 client")
	}
	backup := reliability.NewBackupService(s3Client, cfg.BackupBucket,
		map[string]*database.DB{"cache": cacheDB, "alerts": alertsDB, "oi": oiDB},
		alertLog, 30, nil, log)
	add("0 19 * * MON-FRI", reliability.NewNightlyBackupJob(backup))
}

// jobFunc adapts a closure to the maintenance Job interface
type jobFunc struct {
	name string
	fn   func() error
}

func (j jobFunc) Name() string { return j.name }
func (j jobFunc) Run() error   { return j.fn() }

// nopNotifier is the stand-in when Telegram is not configured
type nopNotifier struct{}

func (nopNotifier) Send(context.Context, domain.NotificationPayload) error { return nil }
