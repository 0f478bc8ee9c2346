// Package config provides configuration management for the simulator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"backsim/internal/broker"
)

// Config holds all application configuration.
type Config struct {
	Broker      BrokerConfig                `mapstructure:"broker"`
	Slippage    SlippageConfig              `mapstructure:"slippage"`
	Commissions map[string]CommissionConfig `mapstructure:"commissions"`
	Run         RunConfig                   `mapstructure:"run"`
	Log         LogConfig                   `mapstructure:"log"`
	Store       StoreConfig                 `mapstructure:"store"`
}

// BrokerConfig holds the simulated broker options.
type BrokerConfig struct {
	Cash         float64 `mapstructure:"cash"`
	CheckSubmit  bool    `mapstructure:"check_submit"`
	EOSBar       bool    `mapstructure:"eosbar"`
	ShortCash    bool    `mapstructure:"shortcash"`
	Int2PnL      bool    `mapstructure:"int2pnl"`
	CheatOnClose bool    `mapstructure:"cheat_on_close"`
	CheatOnOpen  bool    `mapstructure:"cheat_on_open"`
	FundStartVal float64 `mapstructure:"fund_start_val"`
}

// SlippageConfig holds the fill price degradation options.
type SlippageConfig struct {
	Perc  float64 `mapstructure:"perc"`
	Fixed float64 `mapstructure:"fixed"`
	Open  bool    `mapstructure:"open"`
	Match bool    `mapstructure:"match"`
	Limit bool    `mapstructure:"limit"`
	Out   bool    `mapstructure:"out"`
}

// CommissionConfig holds one instrument's commission schema. The "default"
// key applies to instruments without their own entry.
type CommissionConfig struct {
	Commission   float64 `mapstructure:"commission"`
	Margin       float64 `mapstructure:"margin"`
	Mult         float64 `mapstructure:"mult"`
	Leverage     float64 `mapstructure:"leverage"`
	InterestRate float64 `mapstructure:"interest_rate"`
	InterestLong bool    `mapstructure:"interest_long"`
}

// RunConfig holds the run parameters: where the bar data lives and which
// symbols to simulate.
type RunConfig struct {
	DataDir string   `mapstructure:"data_dir"`
	Symbols []string `mapstructure:"symbols"`
}

// LogConfig holds logging options.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  bool   `mapstructure:"file"`
}

// StoreConfig holds result persistence options.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/backsim"
	}
	return filepath.Join(home, ".config", "backsim")
}

// Load loads configuration from the specified directory. If configDir is
// empty, the default config directory is used; a missing config file yields
// the defaults.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.cash", 10000.0)
	v.SetDefault("broker.check_submit", true)
	v.SetDefault("broker.shortcash", true)
	v.SetDefault("broker.fund_start_val", 100.0)
	v.SetDefault("run.data_dir", "data")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.path", filepath.Join(DefaultConfigDir(), "backsim.db"))
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BACKSIM_CASH"); v != "" {
		if cash, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Broker.Cash = cash
		}
	}
	if v := os.Getenv("BACKSIM_DATA_DIR"); v != "" {
		cfg.Run.DataDir = v
	}
	if v := os.Getenv("BACKSIM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BACKSIM_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Broker.Cash <= 0 {
		return fmt.Errorf("broker.cash must be positive, got %v", c.Broker.Cash)
	}
	if c.Broker.FundStartVal <= 0 {
		return fmt.Errorf("broker.fund_start_val must be positive, got %v", c.Broker.FundStartVal)
	}
	if c.Slippage.Perc < 0 || c.Slippage.Perc >= 1 {
		return fmt.Errorf("slippage.perc must be in [0, 1), got %v", c.Slippage.Perc)
	}
	if c.Slippage.Fixed < 0 {
		return fmt.Errorf("slippage.fixed must be non-negative, got %v", c.Slippage.Fixed)
	}
	for symbol, comm := range c.Commissions {
		if comm.Commission < 0 {
			return fmt.Errorf("commissions.%s.commission must be non-negative", symbol)
		}
		if comm.Margin < 0 {
			return fmt.Errorf("commissions.%s.margin must be non-negative", symbol)
		}
		if comm.Leverage < 0 {
			return fmt.Errorf("commissions.%s.leverage must be non-negative", symbol)
		}
	}
	return nil
}

// BrokerConfig translates the file-level options into the engine's
// configuration struct.
func (c *Config) BrokerConfig() broker.BacktestBrokerConfig {
	return broker.BacktestBrokerConfig{
		Cash:         c.Broker.Cash,
		CheckSubmit:  c.Broker.CheckSubmit,
		EOSBar:       c.Broker.EOSBar,
		ShortCash:    c.Broker.ShortCash,
		Int2PnL:      c.Broker.Int2PnL,
		CheatOnClose: c.Broker.CheatOnClose,
		CheatOnOpen:  c.Broker.CheatOnOpen,
		FundStartVal: c.Broker.FundStartVal,
		Slippage: broker.SlippageConfig{
			Perc:  c.Slippage.Perc,
			Fixed: c.Slippage.Fixed,
			Open:  c.Slippage.Open,
			Match: c.Slippage.Match,
			Limit: c.Slippage.Limit,
			Out:   c.Slippage.Out,
		},
	}
}

// CommissionInfo resolves the commission schema for symbol, falling back to
// the "default" entry and then to a zero-cost schema. The lookup is
// case-insensitive: viper lowercases TOML table keys, while feed symbols
// are conventionally uppercase.
func (c *Config) CommissionInfo(symbol string) *broker.CommissionInfo {
	comm, ok := c.lookupCommission(symbol)
	if !ok {
		comm, ok = c.lookupCommission("default")
		if !ok {
			return broker.NewCommissionInfo(broker.CommissionConfig{})
		}
	}
	return broker.NewCommissionInfo(broker.CommissionConfig{
		Commission:   comm.Commission,
		Margin:       comm.Margin,
		Mult:         comm.Mult,
		Leverage:     comm.Leverage,
		InterestRate: comm.InterestRate,
		InterestLong: comm.InterestLong,
	})
}

func (c *Config) lookupCommission(symbol string) (CommissionConfig, bool) {
	if comm, ok := c.Commissions[symbol]; ok {
		return comm, true
	}
	for key, comm := range c.Commissions {
		if strings.EqualFold(key, symbol) {
			return comm, true
		}
	}
	return CommissionConfig{}, false
}
