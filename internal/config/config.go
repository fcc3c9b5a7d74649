// Package config provides configuration management functionality.
//
// All recognized options are environment-style scalars with the NSE_
// prefix. The set of options is closed: unknown NSE_-prefixed variables
// are rejected at startup so typos fail loudly instead of silently
// falling back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Thresholds holds alert detection thresholds (percent unless noted)
type Thresholds struct {
	Change1m       float64 // NSE_TH_1M
	Change5m       float64 // NSE_TH_5M
	Change10m      float64 // NSE_TH_10M
	Change30m      float64 // NSE_TH_30M
	SpikePrice     float64 // NSE_SPIKE_PRICE_THRESHOLD
	SpikeVolume    float64 // NSE_SPIKE_VOL_MULTIPLE (multiple of avg 5m volume)
	VolumeMult1m   float64 // NSE_VOL_MULT_1M (multiple of avg per-minute volume)
	MinPrice       float64 // NSE_MIN_PRICE (rupees)
	MinAvgDailyVol float64 // NSE_MIN_ADV (shares)
	AccelFactor    float64 // NSE_ACCEL_FACTOR (momentum acceleration)
}

// Cadences holds the tick intervals of the scheduled services
type Cadences struct {
	CollectorTick  time.Duration // NSE_COLLECTOR_TICK
	Monitor1mTick  time.Duration // NSE_MONITOR_1M_TICK
	Monitor5mTick  time.Duration // NSE_MONITOR_5M_TICK
	VolatilityTick time.Duration // NSE_VOLATILITY_SCAN_TICK
	EnrichmentTick time.Duration // NSE_ENRICHMENT_TICK
}

// Cooldowns holds per-kind minimum intervals between alerts
type Cooldowns struct {
	OneMinute   time.Duration // NSE_COOLDOWN_1M
	FiveMinute  time.Duration // NSE_COOLDOWN_5M
	VolumeSpike time.Duration // NSE_COOLDOWN_VOLUME_SPIKE
	ThirtyMin   time.Duration // NSE_COOLDOWN_30M
}

// Cache holds SQLite cache tuning
type Cache struct {
	LockTimeout       time.Duration // NSE_SQLITE_TIMEOUT
	MaxRetries        int           // NSE_SQLITE_MAX_RETRIES
	RetryBase         time.Duration // NSE_SQLITE_RETRY_BASE
	QuoteMaxAge       time.Duration // NSE_QUOTE_MAX_AGE
	HistoryDefaultTTL time.Duration // NSE_HISTORY_DEFAULT_TTL
	HistoryMaxRows    int           // NSE_HISTORY_MAX_ROWS (LRU cap)
	CompactionWeekday time.Weekday  // NSE_COMPACTION_WEEKDAY
}

// Provider holds brokerage API client tuning
type Provider struct {
	MaxReqPerSec float64       // NSE_MAX_REQ_PER_SEC
	BatchSize    int           // NSE_BATCH_SIZE
	HTTPTimeout  time.Duration // NSE_HTTP_TIMEOUT
	MaxRetries   int           // NSE_MAX_RETRIES
}

// MarketHours holds the trading session definition
type MarketHours struct {
	Open     string // NSE_MARKET_OPEN ("09:15")
	Close    string // NSE_MARKET_CLOSE ("15:30")
	Timezone string // NSE_TIMEZONE ("Asia/Kolkata")
}

// OIBands holds strength band boundaries on |oi_change_pct|
type OIBands struct {
	Minimal     float64 // NSE_OI_BAND_MINIMAL (below: MINIMAL)
	Significant float64 // NSE_OI_BAND_SIGNIFICANT
	Strong      float64 // NSE_OI_BAND_STRONG (at or above: VERY_STRONG)
}

// OptionEvaluator holds the option-selling evaluator gates
type OptionEvaluator struct {
	IVRankFloor     float64       // NSE_IV_RANK_FLOOR (percent)
	RVIVCap         float64       // NSE_RV_IV_CAP (ratio)
	RangeCap        float64       // NSE_RANGE_CAP (percent)
	MaxLayers       int           // NSE_MAX_LAYERS
	AddMinInterval  time.Duration // NSE_ADD_MIN_INTERVAL
	AddMinScoreGain float64       // NSE_ADD_MIN_SCORE_GAIN
	EntryTime       string        // NSE_ENTRY_TIME ("10:00")
}

// Enrichment holds the post-alert price backfill tuning
type Enrichment struct {
	MaxSlotRetries int // NSE_MAX_SLOT_RETRIES
}

// Config is the closed application configuration
type Config struct {
	DataDir          string // Base directory for all databases
	LogLevel         string
	Port             int // Status server port
	TelegramToken    string
	TelegramChatID   string
	KiteAPIKey       string
	KiteAccessToken  string
	HolidayFile      string // Path to holiday list (one date per line)
	BackupBucket     string // S3 bucket for nightly backups (empty disables)
	BackupEndpoint   string // S3-compatible endpoint URL
	StreamingEnabled bool   // Enable the websocket ticker feed

	Thresholds Thresholds
	Cadences   Cadences
	Cooldowns  Cooldowns
	Cache      Cache
	Provider   Provider
	Market     MarketHours
	OIBands    OIBands
	Options    OptionEvaluator
	Enrichment Enrichment
}

// recognizedKeys is the closed set of NSE_-prefixed options.
var recognizedKeys = map[string]bool{
	"NSE_TH_1M": true, "NSE_TH_5M": true, "NSE_TH_10M": true, "NSE_TH_30M": true,
	"NSE_SPIKE_PRICE_THRESHOLD": true, "NSE_SPIKE_VOL_MULTIPLE": true,
	"NSE_VOL_MULT_1M": true, "NSE_MIN_PRICE": true, "NSE_MIN_ADV": true,
	"NSE_ACCEL_FACTOR": true,
	"NSE_COLLECTOR_TICK": true, "NSE_MONITOR_1M_TICK": true,
	"NSE_MONITOR_5M_TICK": true, "NSE_VOLATILITY_SCAN_TICK": true,
	"NSE_ENRICHMENT_TICK": true,
	"NSE_COOLDOWN_1M": true, "NSE_COOLDOWN_5M": true,
	"NSE_COOLDOWN_VOLUME_SPIKE": true, "NSE_COOLDOWN_30M": true,
	"NSE_SQLITE_TIMEOUT": true, "NSE_SQLITE_MAX_RETRIES": true,
	"NSE_SQLITE_RETRY_BASE": true, "NSE_QUOTE_MAX_AGE": true,
	"NSE_HISTORY_DEFAULT_TTL": true, "NSE_HISTORY_MAX_ROWS": true,
	"NSE_COMPACTION_WEEKDAY": true,
	"NSE_MAX_REQ_PER_SEC": true, "NSE_BATCH_SIZE": true,
	"NSE_HTTP_TIMEOUT": true, "NSE_MAX_RETRIES": true,
	"NSE_MARKET_OPEN": true, "NSE_MARKET_CLOSE": true, "NSE_TIMEZONE": true,
	"NSE_OI_BAND_MINIMAL": true, "NSE_OI_BAND_SIGNIFICANT": true,
	"NSE_OI_BAND_STRONG": true,
	"NSE_IV_RANK_FLOOR": true, "NSE_RV_IV_CAP": true, "NSE_RANGE_CAP": true,
	"NSE_MAX_LAYERS": true, "NSE_ADD_MIN_INTERVAL": true,
	"NSE_ADD_MIN_SCORE_GAIN": true, "NSE_ENTRY_TIME": true,
	"NSE_MAX_SLOT_RETRIES": true,
	"NSE_DATA_DIR": true, "NSE_LOG_LEVEL": true, "NSE_PORT": true,
	"NSE_TELEGRAM_TOKEN": true, "NSE_TELEGRAM_CHAT_ID": true,
	"NSE_KITE_API_KEY": true, "NSE_KITE_ACCESS_TOKEN": true,
	"NSE_HOLIDAY_FILE": true, "NSE_BACKUP_BUCKET": true,
	"NSE_BACKUP_ENDPOINT": true, "NSE_STREAMING_ENABLED": true,
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rejectUnknownKeys(); err != nil {
		return nil, err
	}

	dataDir := getEnv("NSE_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		LogLevel:         getEnv("NSE_LOG_LEVEL", "info"),
		Port:             getEnvAsInt("NSE_PORT", 8080),
		TelegramToken:    getEnv("NSE_TELEGRAM_TOKEN", ""),
		TelegramChatID:   getEnv("NSE_TELEGRAM_CHAT_ID", ""),
		KiteAPIKey:       getEnv("NSE_KITE_API_KEY", ""),
		KiteAccessToken:  getEnv("NSE_KITE_ACCESS_TOKEN", ""),
		HolidayFile:      getEnv("NSE_HOLIDAY_FILE", ""),
		BackupBucket:     getEnv("NSE_BACKUP_BUCKET", ""),
		BackupEndpoint:   getEnv("NSE_BACKUP_ENDPOINT", ""),
		StreamingEnabled: getEnvAsBool("NSE_STREAMING_ENABLED", false),

		Thresholds: Thresholds{
			Change1m:       getEnvAsFloat("NSE_TH_1M", 0.75),
			Change5m:       getEnvAsFloat("NSE_TH_5M", 1.25),
			Change10m:      getEnvAsFloat("NSE_TH_10M", 2.0),
			Change30m:      getEnvAsFloat("NSE_TH_30M", 3.0),
			SpikePrice:     getEnvAsFloat("NSE_SPIKE_PRICE_THRESHOLD", 1.2),
			SpikeVolume:    getEnvAsFloat("NSE_SPIKE_VOL_MULTIPLE", 2.5),
			VolumeMult1m:   getEnvAsFloat("NSE_VOL_MULT_1M", 5.0),
			MinPrice:       getEnvAsFloat("NSE_MIN_PRICE", 50),
			MinAvgDailyVol: getEnvAsFloat("NSE_MIN_ADV", 100000),
			AccelFactor:    getEnvAsFloat("NSE_ACCEL_FACTOR", 1.2),
		},
		Cadences: Cadences{
			CollectorTick:  getEnvAsDuration("NSE_COLLECTOR_TICK", time.Minute),
			Monitor1mTick:  getEnvAsDuration("NSE_MONITOR_1M_TICK", time.Minute),
			Monitor5mTick:  getEnvAsDuration("NSE_MONITOR_5M_TICK", 5*time.Minute),
			VolatilityTick: getEnvAsDuration("NSE_VOLATILITY_SCAN_TICK", 15*time.Minute),
			EnrichmentTick: getEnvAsDuration("NSE_ENRICHMENT_TICK", 2*time.Minute),
		},
		Cooldowns: Cooldowns{
			OneMinute:   getEnvAsDuration("NSE_COOLDOWN_1M", 10*time.Minute),
			FiveMinute:  getEnvAsDuration("NSE_COOLDOWN_5M", 10*time.Minute),
			VolumeSpike: getEnvAsDuration("NSE_COOLDOWN_VOLUME_SPIKE", 15*time.Minute),
			ThirtyMin:   getEnvAsDuration("NSE_COOLDOWN_30M", 30*time.Minute),
		},
		Cache: Cache{
			LockTimeout:       getEnvAsDuration("NSE_SQLITE_TIMEOUT", 30*time.Second),
			MaxRetries:        getEnvAsInt("NSE_SQLITE_MAX_RETRIES", 3),
			RetryBase:         getEnvAsDuration("NSE_SQLITE_RETRY_BASE", time.Second),
			QuoteMaxAge:       getEnvAsDuration("NSE_QUOTE_MAX_AGE", 24*time.Hour),
			HistoryDefaultTTL: getEnvAsDuration("NSE_HISTORY_DEFAULT_TTL", 24*time.Hour),
			HistoryMaxRows:    getEnvAsInt("NSE_HISTORY_MAX_ROWS", 2000),
			CompactionWeekday: time.Weekday(getEnvAsInt("NSE_COMPACTION_WEEKDAY", int(time.Saturday))),
		},
		Provider: Provider{
			MaxReqPerSec: getEnvAsFloat("NSE_MAX_REQ_PER_SEC", 3),
			BatchSize:    getEnvAsInt("NSE_BATCH_SIZE", 50),
			HTTPTimeout:  getEnvAsDuration("NSE_HTTP_TIMEOUT", 10*time.Second),
			MaxRetries:   getEnvAsInt("NSE_MAX_RETRIES", 3),
		},
		Market: MarketHours{
			Open:     getEnv("NSE_MARKET_OPEN", "09:15"),
			Close:    getEnv("NSE_MARKET_CLOSE", "15:30"),
			Timezone: getEnv("NSE_TIMEZONE", "Asia/Kolkata"),
		},
		OIBands: OIBands{
			Minimal:     getEnvAsFloat("NSE_OI_BAND_MINIMAL", 1),
			Significant: getEnvAsFloat("NSE_OI_BAND_SIGNIFICANT", 5),
			Strong:      getEnvAsFloat("NSE_OI_BAND_STRONG", 10),
		},
		Options: OptionEvaluator{
			IVRankFloor:     getEnvAsFloat("NSE_IV_RANK_FLOOR", 15),
			RVIVCap:         getEnvAsFloat("NSE_RV_IV_CAP", 1.2),
			RangeCap:        getEnvAsFloat("NSE_RANGE_CAP", 1.5),
			MaxLayers:       getEnvAsInt("NSE_MAX_LAYERS", 3),
			AddMinInterval:  getEnvAsDuration("NSE_ADD_MIN_INTERVAL", 30*time.Minute),
			AddMinScoreGain: getEnvAsFloat("NSE_ADD_MIN_SCORE_GAIN", 10),
			EntryTime:       getEnv("NSE_ENTRY_TIME", "10:00"),
		},
		Enrichment: Enrichment{
			MaxSlotRetries: getEnvAsInt("NSE_MAX_SLOT_RETRIES", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// rejectUnknownKeys fails startup on unrecognized NSE_-prefixed variables
func rejectUnknownKeys() error {
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "NSE_") && !recognizedKeys[key] {
			return fmt.Errorf("unrecognized configuration option: %s", key)
		}
	}
	return nil
}

// Validate checks configuration ranges
func (c *Config) Validate() error {
	if c.Thresholds.Change1m <= 0 || c.Thresholds.Change5m <= 0 ||
		c.Thresholds.Change10m <= 0 || c.Thresholds.Change30m <= 0 {
		return fmt.Errorf("alert thresholds must be positive")
	}
	if c.Thresholds.SpikeVolume < 1 {
		return fmt.Errorf("spike volume multiple must be >= 1, got %v", c.Thresholds.SpikeVolume)
	}
	if c.Thresholds.AccelFactor <= 0 {
		return fmt.Errorf("acceleration factor must be positive, got %v", c.Thresholds.AccelFactor)
	}
	if c.Cadences.CollectorTick < time.Second {
		return fmt.Errorf("collector tick too small: %v", c.Cadences.CollectorTick)
	}
	if c.Provider.BatchSize <= 0 {
		return fmt.Errorf("provider batch size must be positive, got %d", c.Provider.BatchSize)
	}
	if c.Provider.MaxReqPerSec <= 0 {
		return fmt.Errorf("provider rate limit must be positive, got %v", c.Provider.MaxReqPerSec)
	}
	if c.Cache.MaxRetries < 1 {
		return fmt.Errorf("sqlite max retries must be >= 1, got %d", c.Cache.MaxRetries)
	}
	if !(c.OIBands.Minimal < c.OIBands.Significant && c.OIBands.Significant < c.OIBands.Strong) {
		return fmt.Errorf("OI strength bands must be strictly increasing")
	}
	if _, err := time.Parse("15:04", c.Market.Open); err != nil {
		return fmt.Errorf("invalid market open time %q: %w", c.Market.Open, err)
	}
	if _, err := time.Parse("15:04", c.Market.Close); err != nil {
		return fmt.Errorf("invalid market close time %q: %w", c.Market.Close, err)
	}
	if _, err := time.Parse("15:04", c.Options.EntryTime); err != nil {
		return fmt.Errorf("invalid evaluator entry time %q: %w", c.Options.EntryTime, err)
	}
	return nil
}

// CooldownFor returns the configured cooldown for an alert kind.
// Kinds without a configured cooldown return 0 (no suppression).
func (c *Config) CooldownFor(kind string) time.Duration {
	switch kind {
	case "1m_drop", "1m_rise":
		return c.Cooldowns.OneMinute
	case "5m_drop", "5m_rise":
		return c.Cooldowns.FiveMinute
	case "volume_spike_drop", "volume_spike_rise":
		return c.Cooldowns.VolumeSpike
	case "30m_drop", "30m_rise":
		return c.Cooldowns.ThirtyMin
	}
	return 0
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are taken as minutes (cooldown_* options)
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Minute
		}
	}
	return defaultValue
}
