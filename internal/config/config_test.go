package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Venues = []VenueConfig{
		{
			Name: "binance", WSURL: "wss://stream.binance.com:9443/ws", Parser: "binance",
			TakerFeePct: 0.1, Burst: 10, RefillRate: 5, MaxInflight: 4,
		},
		{
			Name: "kraken", WSURL: "wss://ws.kraken.com", Parser: "kraken",
			TakerFeePct: 0.26, Burst: 10, RefillRate: 1, MaxInflight: 2,
		},
	}
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRequiresTwoVenues(t *testing.T) {
	cfg := validConfig()
	cfg.Venues = cfg.Venues[:1]
	err := cfg.Validate()
	if err == nil {
		t.Fatal("single venue should fail validation")
	}
	if !strings.Contains(err.Error(), "at least 2 venues") {
		t.Errorf("err = %v", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "loud"
	cfg.Pair = "BTCUSDT" // missing slash
	cfg.Venues[0].Parser = "bitmex"
	cfg.Venues[1].Burst = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"log_level", "BASE/QUOTE", "unknown parser", "burst"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("combined error missing %q:\n%v", want, err)
		}
	}
}

func TestValidatePolledVenueNeedsRestURL(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].Poll = true
	cfg.Venues[0].PollInterval = duration{2 * time.Second}
	cfg.Venues[0].RestURL = ""

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "rest_url") {
		t.Errorf("err = %v, want rest_url complaint", err)
	}
}

func TestValidateS3RequiresPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Enabled = true
	cfg.Postgres.Enabled = false

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "requires postgres") {
		t.Errorf("err = %v, want archiver dependency complaint", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	content := `
pair = "ETH/USDT"
log_level = "debug"

[detector]
min_profit_pct = 1.5
cooldown = "45s"

[[venue]]
name = "binance"
ws_url = "wss://stream.binance.com:9443/ws"
parser = "binance"
taker_fee_pct = 0.1
burst = 10
refill_rate = 5.0
max_inflight = 4

[[venue]]
name = "kraken"
ws_url = "wss://ws.kraken.com"
parser = "kraken"
taker_fee_pct = 0.26
burst = 10
refill_rate = 1.0
max_inflight = 2
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pair != "ETH/USDT" {
		t.Errorf("pair = %q", cfg.Pair)
	}
	if cfg.Detector.MinProfitPct != 1.5 {
		t.Errorf("min_profit_pct = %v", cfg.Detector.MinProfitPct)
	}
	if cfg.Detector.Cooldown.Duration != 45*time.Second {
		t.Errorf("cooldown = %v", cfg.Detector.Cooldown.Duration)
	}
	// Untouched fields keep their defaults.
	if cfg.Detector.TickInterval.Duration != 5*time.Second {
		t.Errorf("tick_interval default = %v", cfg.Detector.TickInterval.Duration)
	}
	if len(cfg.Venues) != 2 || cfg.Venues[1].Name != "kraken" {
		t.Errorf("venues = %+v", cfg.Venues)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	content := `
[[venue]]
name = "binance"
ws_url = "wss://stream.binance.com:9443/ws"
parser = "binance"
burst = 10
refill_rate = 5.0
max_inflight = 4

[[venue]]
name = "kraken"
ws_url = "wss://ws.kraken.com"
parser = "kraken"
burst = 10
refill_rate = 1.0
max_inflight = 2
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ARBSCAN_VENUE_BINANCE_API_KEY", "env-key")
	t.Setenv("ARBSCAN_DETECTOR_MIN_PROFIT_PCT", "2.5")
	t.Setenv("ARBSCAN_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venues[0].ApiKey != "env-key" {
		t.Errorf("venue api key = %q", cfg.Venues[0].ApiKey)
	}
	if cfg.Detector.MinProfitPct != 2.5 {
		t.Errorf("min_profit_pct = %v", cfg.Detector.MinProfitPct)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestFeeFractions(t *testing.T) {
	v := VenueConfig{MakerFeePct: 0.1, TakerFeePct: 0.26}
	maker, taker := v.FeeFractions()
	if maker != 0.001 {
		t.Errorf("maker = %v", maker)
	}
	if taker != 0.0026 {
		t.Errorf("taker = %v", taker)
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Venues[0].ApiKey = "key-material"
	cfg.Venues[0].ApiSecret = "secret-material"
	cfg.Postgres.Password = "pg-pass"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)
	if red.Venues[0].ApiKey == "key-material" || red.Venues[0].ApiSecret == "secret-material" {
		t.Error("venue credentials not redacted")
	}
	if red.Postgres.Password == "pg-pass" {
		t.Error("postgres password not redacted")
	}
	if red.Notify.TelegramToken == "tg-token" {
		t.Error("telegram token not redacted")
	}
	// The original is untouched.
	if cfg.Venues[0].ApiKey != "key-material" {
		t.Error("redaction mutated the source config")
	}
}
