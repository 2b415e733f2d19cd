// Package config loads the orchestrator's environment-sourced secrets
// (.env, via godotenv, mirroring the teacher's credential wiring) and
// its YAML-sourced risk/venue figures (the spec's injected-configuration
// Open Questions, §9).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide environment configuration.
type Config struct {
	Env string // "development" or "production"

	BrokerAPIKey    string
	BrokerSecretKey string
	BrokerBaseURL   string
	BrokerPaper     bool

	DatabasePath string // sqlite file backing session/ledger/auth stores

	MetricsAddr string // prometheus + read-model API listen address
}

// Load reads a .env file if present (a missing file is not an error:
// godotenv.Load reports it, and Load ignores that not-exist error) and
// then fills Config from the environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Env:             getenv("ORCH_ENV", "development"),
		BrokerAPIKey:    os.Getenv("BROKER_API_KEY"),
		BrokerSecretKey: os.Getenv("BROKER_SECRET_KEY"),
		BrokerBaseURL:   getenv("BROKER_BASE_URL", "https://paper-api.example-broker.com"),
		BrokerPaper:     getenv("BROKER_PAPER", "true") == "true",
		DatabasePath:    getenv("ORCH_DB_PATH", "orchestrator.db"),
		MetricsAddr:     getenv("ORCH_METRICS_ADDR", ":9090"),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// RiskConfig carries the risk/capital figures spec.md §9 explicitly
// calls out as injected configuration, never hardcoded defaults: target
// move, per-trade risk cap, daily-loss floor, sector exposure cap.
type RiskConfig struct {
	TargetMovePct      float64 `yaml:"target_move_pct"`
	PerTradeRiskCap    float64 `yaml:"per_trade_risk_cap"`
	DailyLossFloor     float64 `yaml:"daily_loss_floor"`
	SectorCapPct       float64 `yaml:"sector_cap_pct"`
	MinConfidence      float64 `yaml:"min_confidence"`
	TrailTriggerR      float64 `yaml:"trail_trigger_r"`
	PartialTriggerR    float64 `yaml:"partial_trigger_r"`
	ATRTrailMultiplier float64 `yaml:"atr_trail_multiplier"`
}

// VenueConfig names the single venue this deployment trades against:
// its timezone and the wall-clock window the trading calendar applies to.
type VenueConfig struct {
	Name             string `yaml:"name"`
	Timezone         string `yaml:"timezone"`
	HolidayDates     []string `yaml:"holiday_dates"`
	CloseTightenTime string `yaml:"close_tighten_time"` // "HH:MM" local
	FlattenTime      string `yaml:"flatten_time"`       // "HH:MM" local
}

// RootConfig is the top-level YAML document loaded from config/risk.yaml.
type RootConfig struct {
	Risk  RiskConfig  `yaml:"risk"`
	Venue VenueConfig `yaml:"venue"`
}

// LoadRisk reads and validates a risk/venue YAML file.
func LoadRisk(path string) (*RootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk config %s: %w", path, err)
	}
	var root RootConfig
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse risk config %s: %w", path, err)
	}
	if _, err := time.LoadLocation(root.Venue.Timezone); err != nil {
		return nil, fmt.Errorf("invalid venue timezone %q: %w", root.Venue.Timezone, err)
	}
	if root.Risk.PerTradeRiskCap <= 0 || root.Risk.DailyLossFloor <= 0 {
		return nil, fmt.Errorf("risk config must declare positive per_trade_risk_cap and daily_loss_floor")
	}
	return &root, nil
}

// Location returns the venue's *time.Location.
func (v VenueConfig) Location() (*time.Location, error) {
	return time.LoadLocation(v.Timezone)
}
