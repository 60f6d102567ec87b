package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Storage struct {
	DBPath      string
	JournalPath string // empty disables the audit journal
}

type Log struct {
	File  string
	Level string
}

type Oracle struct {
	Source         string // "static" or "binance"
	BinanceBaseURL string
	QuoteAsset     string
	Timeout        time.Duration
	CacheTTL       time.Duration
	CacheSize      int
	// Breaker opens after BreakerThreshold consecutive failures and probes
	// again after BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// StaticPrices seeds the static oracle, e.g. "BTC=65000,ETH=3200".
	StaticPrices map[string]string
}

type Engine struct {
	InstrumentsFile  string // empty uses the built-in table
	SweepInterval    time.Duration
	SweepBatchSize   int
	GapEscalateAfter int
	FundingInterval  time.Duration
	LedgerRetries    int
}

type Events struct {
	NATSURL    string // empty disables NATS publishing
	NATSPrefix string
}

type Config struct {
	API     API
	Storage Storage
	Log     Log
	Oracle  Oracle
	Engine  Engine
	Events  Events
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Storage: Storage{
			DBPath: "data/ledger",
		},
		Log: Log{
			File:  "data/obelisk.log",
			Level: "info",
		},
		Oracle: Oracle{
			Source:           "static",
			BinanceBaseURL:   "https://fapi.binance.com",
			QuoteAsset:       "USDT",
			Timeout:          5 * time.Second,
			CacheTTL:         time.Second,
			CacheSize:        256,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			StaticPrices:     map[string]string{},
		},
		Engine: Engine{
			SweepInterval:    2 * time.Second,
			SweepBatchSize:   50,
			GapEscalateAfter: 5,
			FundingInterval:  8 * time.Hour,
			LedgerRetries:    3,
		},
		Events: Events{
			NATSPrefix: "obelisk",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Storage.DBPath = getEnv("DB_PATH", cfg.Storage.DBPath)
	cfg.Storage.JournalPath = getEnv("JOURNAL_FILE", cfg.Storage.JournalPath)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	cfg.Oracle.Source = strings.ToLower(getEnv("ORACLE_SOURCE", cfg.Oracle.Source))
	cfg.Oracle.BinanceBaseURL = getEnv("BINANCE_BASE_URL", cfg.Oracle.BinanceBaseURL)
	cfg.Oracle.QuoteAsset = getEnv("ORACLE_QUOTE_ASSET", cfg.Oracle.QuoteAsset)
	cfg.Oracle.Timeout = getMillis("ORACLE_TIMEOUT_MS", cfg.Oracle.Timeout)
	cfg.Oracle.CacheTTL = getMillis("PRICE_CACHE_TTL_MS", cfg.Oracle.CacheTTL)
	cfg.Oracle.CacheSize = getInt("PRICE_CACHE_SIZE", cfg.Oracle.CacheSize)
	cfg.Oracle.BreakerThreshold = getInt("ORACLE_BREAKER_THRESHOLD", cfg.Oracle.BreakerThreshold)
	cfg.Oracle.BreakerCooldown = getMillis("ORACLE_BREAKER_COOLDOWN_MS", cfg.Oracle.BreakerCooldown)
	if prices := os.Getenv("STATIC_PRICES"); prices != "" {
		// Example: "BTC=65000,ETH=3200"
		for _, pair := range splitList(prices) {
			sym, px, ok := strings.Cut(pair, "=")
			if ok && sym != "" && px != "" {
				cfg.Oracle.StaticPrices[strings.ToUpper(strings.TrimSpace(sym))] = strings.TrimSpace(px)
			}
		}
	}

	cfg.Engine.InstrumentsFile = getEnv("INSTRUMENTS_FILE", cfg.Engine.InstrumentsFile)
	cfg.Engine.SweepInterval = getMillis("SWEEP_INTERVAL_MS", cfg.Engine.SweepInterval)
	cfg.Engine.SweepBatchSize = getInt("SWEEP_BATCH_SIZE", cfg.Engine.SweepBatchSize)
	cfg.Engine.GapEscalateAfter = getInt("GAP_ESCALATE_AFTER", cfg.Engine.GapEscalateAfter)
	cfg.Engine.LedgerRetries = getInt("LEDGER_RETRIES", cfg.Engine.LedgerRetries)
	if interval := os.Getenv("FUNDING_INTERVAL"); interval != "" {
		// Go duration syntax, e.g. "8h"
		if d, err := time.ParseDuration(interval); err == nil && d > 0 {
			cfg.Engine.FundingInterval = d
		}
	}

	cfg.Events.NATSURL = getEnv("NATS_URL", cfg.Events.NATSURL)
	cfg.Events.NATSPrefix = getEnv("NATS_PREFIX", cfg.Events.NATSPrefix)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
