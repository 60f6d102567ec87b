package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Oracle.Timeout != 5*time.Second {
		t.Errorf("oracle timeout = %v, want 5s", cfg.Oracle.Timeout)
	}
	if cfg.Engine.FundingInterval != 8*time.Hour {
		t.Errorf("funding interval = %v, want 8h", cfg.Engine.FundingInterval)
	}
	if cfg.Oracle.Source != "static" {
		t.Errorf("oracle source = %q", cfg.Oracle.Source)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9090")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ORACLE_SOURCE", "Binance")
	t.Setenv("ORACLE_TIMEOUT_MS", "1500")
	t.Setenv("SWEEP_BATCH_SIZE", "10")
	t.Setenv("FUNDING_INTERVAL", "1h")
	t.Setenv("STATIC_PRICES", "btc=65000, eth=3200,bad")
	t.Setenv("GAP_ESCALATE_AFTER", "-3")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.API.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.API.Addr)
	}
	if len(cfg.API.AllowedOrigins) != 2 || cfg.API.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.API.AllowedOrigins)
	}
	if cfg.Oracle.Source != "binance" {
		t.Errorf("source = %q", cfg.Oracle.Source)
	}
	if cfg.Oracle.Timeout != 1500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Oracle.Timeout)
	}
	if cfg.Engine.SweepBatchSize != 10 {
		t.Errorf("batch = %d", cfg.Engine.SweepBatchSize)
	}
	if cfg.Engine.FundingInterval != time.Hour {
		t.Errorf("funding = %v", cfg.Engine.FundingInterval)
	}
	if cfg.Engine.GapEscalateAfter != 5 {
		t.Errorf("negative override should be ignored, got %d", cfg.Engine.GapEscalateAfter)
	}
	if got := cfg.Oracle.StaticPrices; len(got) != 2 || got["BTC"] != "65000" || got["ETH"] != "3200" {
		t.Errorf("static prices = %v", got)
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DB_PATH=/tmp/obelisk-test-ledger\nLOG_LEVEL=debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("DB_PATH")
		os.Unsetenv("LOG_LEVEL")
	})

	cfg := LoadFromEnv(path)
	if cfg.Storage.DBPath != "/tmp/obelisk-test-ledger" {
		t.Errorf("db path = %q", cfg.Storage.DBPath)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}
