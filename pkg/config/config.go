// Copyright 2026 Engram Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the recognized engram options from a YAML config
// file and ENGRAM_* environment variables, with defaults for every option.
// Priority: config file > env vars > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all recognized engram configuration.
type Config struct {
	// DataDir is where the SQLite stores and event log live.
	// Defaults to ~/.engram (ENGRAM_DATA_DIR overrides).
	DataDir string `mapstructure:"data_dir"`

	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Graph       GraphConfig       `mapstructure:"graph"`
	Governor    GovernorConfig    `mapstructure:"governor"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// LedgerConfig bounds the Tier 1 conversation ledger.
type LedgerConfig struct {
	Capacity           int `mapstructure:"capacity"`
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`
}

// GraphConfig tunes the Tier 2 knowledge graph.
type GraphConfig struct {
	ConfidenceFloor                  float64 `mapstructure:"confidence_floor"`
	DecayCheckpointsDays             []int   `mapstructure:"decay_checkpoints_days"`
	ConsolidationSimilarityThreshold float64 `mapstructure:"consolidation_similarity_threshold"`
}

// GovernorConfig sets the token budget ceilings.
type GovernorConfig struct {
	SoftLimitTokens        int     `mapstructure:"soft_limit_tokens"`
	HardLimitTokens        int     `mapstructure:"hard_limit_tokens"`
	DefaultTargetReduction float64 `mapstructure:"default_target_reduction"`
	QualityFloor           float64 `mapstructure:"quality_floor"`
}

// DatabaseConfig controls SQLite-at-rest options.
type DatabaseConfig struct {
	// Encrypt enables SQLCipher encryption; the key comes from
	// ENGRAM_DB_KEY.
	Encrypt bool `mapstructure:"encrypt"`
}

// MaintenanceConfig controls the optional background sweeper.
type MaintenanceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule is a cron expression; default is daily at 03:00.
	Schedule string `mapstructure:"schedule"`
}

// Load reads configuration from the given file path (optional; "" skips the
// file), applying environment overrides and defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.capacity", 20)
	v.SetDefault("ledger.idle_timeout_minutes", 30)
	v.SetDefault("graph.confidence_floor", 0.50)
	v.SetDefault("graph.decay_checkpoints_days", []int{60, 90, 120})
	v.SetDefault("graph.consolidation_similarity_threshold", 0.80)
	v.SetDefault("governor.soft_limit_tokens", 40000)
	v.SetDefault("governor.hard_limit_tokens", 50000)
	v.SetDefault("governor.default_target_reduction", 0.60)
	v.SetDefault("governor.quality_floor", 0.90)
	v.SetDefault("database.encrypt", false)
	v.SetDefault("maintenance.enabled", false)
	v.SetDefault("maintenance.schedule", "0 3 * * *")
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Ledger.Capacity <= 0 {
		return fmt.Errorf("ledger.capacity must be positive, got %d", c.Ledger.Capacity)
	}
	if c.Ledger.IdleTimeoutMinutes <= 0 {
		return fmt.Errorf("ledger.idle_timeout_minutes must be positive, got %d", c.Ledger.IdleTimeoutMinutes)
	}
	if c.Graph.ConfidenceFloor < 0 || c.Graph.ConfidenceFloor > 1 {
		return fmt.Errorf("graph.confidence_floor must be in [0,1], got %v", c.Graph.ConfidenceFloor)
	}
	if len(c.Graph.DecayCheckpointsDays) != 3 {
		return fmt.Errorf("graph.decay_checkpoints_days must list three checkpoints, got %v", c.Graph.DecayCheckpointsDays)
	}
	for i := 1; i < len(c.Graph.DecayCheckpointsDays); i++ {
		if c.Graph.DecayCheckpointsDays[i] <= c.Graph.DecayCheckpointsDays[i-1] {
			return fmt.Errorf("graph.decay_checkpoints_days must be ascending, got %v", c.Graph.DecayCheckpointsDays)
		}
	}
	if c.Graph.ConsolidationSimilarityThreshold <= 0 || c.Graph.ConsolidationSimilarityThreshold > 1 {
		return fmt.Errorf("graph.consolidation_similarity_threshold must be in (0,1], got %v", c.Graph.ConsolidationSimilarityThreshold)
	}
	if c.Governor.HardLimitTokens <= 0 {
		return fmt.Errorf("governor.hard_limit_tokens must be positive, got %d", c.Governor.HardLimitTokens)
	}
	if c.Governor.SoftLimitTokens > c.Governor.HardLimitTokens {
		return fmt.Errorf("governor.soft_limit_tokens (%d) must not exceed hard_limit_tokens (%d)",
			c.Governor.SoftLimitTokens, c.Governor.HardLimitTokens)
	}
	if c.Governor.DefaultTargetReduction <= 0 || c.Governor.DefaultTargetReduction >= 1 {
		return fmt.Errorf("governor.default_target_reduction must be in (0,1), got %v", c.Governor.DefaultTargetReduction)
	}
	if c.Governor.QualityFloor <= 0 || c.Governor.QualityFloor > 1 {
		return fmt.Errorf("governor.quality_floor must be in (0,1], got %v", c.Governor.QualityFloor)
	}
	return nil
}

// defaultDataDir resolves ENGRAM_DATA_DIR, falling back to ~/.engram.
func defaultDataDir() string {
	if dir := os.Getenv("ENGRAM_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".engram"
	}
	return filepath.Join(home, ".engram")
}
