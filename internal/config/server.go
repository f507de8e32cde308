package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the process-level configuration (listen address, pool
// sizing, timeouts). It is read from app.yaml / environment and is distinct
// from the runtime config file, which describes the entity catalog.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ConfigFile     string        `mapstructure:"config_file"`
	PoolSize       int           `mapstructure:"pool_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DrainGrace     time.Duration `mapstructure:"drain_grace"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	MaxPageSize    int           `mapstructure:"max_page_size"`
}

// LoadServer reads the process configuration with viper.
func LoadServer() (*ServerConfig, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.SetDefault("port", 5000)
	viper.SetDefault("config_file", "dab-config.json")
	viper.SetDefault("pool_size", 10)
	viper.SetDefault("request_timeout", 30*time.Second)
	viper.SetDefault("drain_grace", 10*time.Second)
	viper.SetDefault("max_page_size", 1000)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// The yaml file is optional; defaults plus env cover containers.
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read server config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal server config: %w", err)
	}
	return &cfg, nil
}
