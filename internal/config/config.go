// internal/config/config.go
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/rootkit0/AgroSense-API/internal/auth"
)

type Config struct {
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Store struct {
		// Driver selects the backing store: "memory" or "postgres".
		Driver      string `mapstructure:"driver"`
		PostgresURL string `mapstructure:"postgres_url"`
		// RedisAddr enables the device-index hot cache when set.
		RedisAddr        string `mapstructure:"redis_addr"`
		IndexCacheTTLMin int    `mapstructure:"index_cache_ttl_min"`
	} `mapstructure:"store"`
	MQTT struct {
		Broker   string `mapstructure:"broker"`
		ClientID string `mapstructure:"client_id"`
	} `mapstructure:"mqtt"`
	Auth   auth.Config `mapstructure:"auth"`
	Ingest struct {
		RawRetentionDays int `mapstructure:"raw_retention_days"`
	} `mapstructure:"ingest"`
	Alerts struct {
		Rules map[string]Rule `mapstructure:"rules"`
	} `mapstructure:"alerts"`
}

// Rule is a per-metric threshold; values outside [Min, Max] raise an alert.
type Rule struct {
	Min      float64 `mapstructure:"min"`
	Max      float64 `mapstructure:"max"`
	Severity string  `mapstructure:"severity"`
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.SetEnvPrefix("agrosense")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Missing file is fine; defaults plus env cover a minimal setup.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("store.driver", "memory")
	viper.SetDefault("store.index_cache_ttl_min", 1440)
	viper.SetDefault("mqtt.client_id", "agrosense-api")
	viper.SetDefault("auth.jwt_expiration", 60)
	viper.SetDefault("ingest.raw_retention_days", 60)
}
