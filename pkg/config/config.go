package config

// Package config provides a reusable loader for ate configuration files and
// environment variables. It is versioned so that applications can depend on
// a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"ate/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for an ate node: the
// structure Load expects of the YAML files it reads from cmd/config or
// config.
type Config struct {
	Chain struct {
		DataDir      string `mapstructure:"data_dir" json:"data_dir"`
		WireFormat   string `mapstructure:"wire_format" json:"wire_format"`
		SyncPolicy   string `mapstructure:"sync_policy" json:"sync_policy"`
		KeyCacheSize int    `mapstructure:"key_cache_size" json:"key_cache_size"`
		TrustMode    string `mapstructure:"trust_mode" json:"trust_mode"`
	} `mapstructure:"chain" json:"chain"`

	Mesh struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		UpstreamURL    string   `mapstructure:"upstream_url" json:"upstream_url"`
		RecoveryMode   string   `mapstructure:"recovery_mode" json:"recovery_mode"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"mesh" json:"mesh"`

	DIO struct {
		ReadCacheSize int `mapstructure:"read_cache_size" json:"read_cache_size"`
	} `mapstructure:"dio" json:"dio"`

	Metrics struct {
		Enabled    bool   `mapstructure:"enabled" json:"enabled"`
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // consults process environment variables on lookup

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ATE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ATE_ENV", ""))
}
