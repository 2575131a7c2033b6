// Package config loads engine and simulation settings from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config is the full service configuration.
type Config struct {
	Server struct {
		Port        string `envconfig:"PORT" default:"8080"`
		DatabaseURL string `envconfig:"DATABASE_URL"`
		RedisURL    string `envconfig:"REDIS_URL"`
	}

	Strategy struct {
		BaseAsset      string  `envconfig:"BASE_ASSET" default:"DAI"`
		RewardAsset    string  `envconfig:"REWARD_ASSET" default:"COMP"`
		SafetyMargin   float64 `envconfig:"SAFETY_MARGIN" default:"0.95"`
		TargetLeverage float64 `envconfig:"TARGET_LEVERAGE" default:"3"`
	}

	Market struct {
		CollateralFactor float64 `envconfig:"COLLATERAL_FACTOR" default:"0.75"`
		SupplyRate       float64 `envconfig:"SUPPLY_RATE_PER_BLOCK" default:"0.0002"`
		BorrowRate       float64 `envconfig:"BORROW_RATE_PER_BLOCK" default:"0.0001"`
		RewardPerBlock   float64 `envconfig:"REWARD_PER_BLOCK" default:"0.001"`
		PoolLiquidity    float64 `envconfig:"POOL_LIQUIDITY" default:"10000000"`
	}

	FlashLoan struct {
		FeeRate       float64 `envconfig:"FLASH_FEE_RATE" default:"0"`
		PoolLiquidity float64 `envconfig:"FLASH_POOL_LIQUIDITY" default:"10000000"`
	}
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration invariants.
func Validate(cfg *Config) error {
	if cfg.Strategy.SafetyMargin <= 0 || cfg.Strategy.SafetyMargin >= 1 {
		return fmt.Errorf("SAFETY_MARGIN must be in (0, 1), got %v", cfg.Strategy.SafetyMargin)
	}
	if cfg.Strategy.TargetLeverage < 1 {
		return fmt.Errorf("TARGET_LEVERAGE must be >= 1, got %v", cfg.Strategy.TargetLeverage)
	}
	if cfg.Market.CollateralFactor <= 0 || cfg.Market.CollateralFactor >= 1 {
		return fmt.Errorf("COLLATERAL_FACTOR must be in (0, 1), got %v", cfg.Market.CollateralFactor)
	}
	if cfg.FlashLoan.FeeRate < 0 {
		return fmt.Errorf("FLASH_FEE_RATE must be >= 0, got %v", cfg.FlashLoan.FeeRate)
	}
	return nil
}

// SafetyMargin returns the configured safety margin as a decimal.
func (c *Config) SafetyMargin() decimal.Decimal {
	return decimal.NewFromFloat(c.Strategy.SafetyMargin)
}
