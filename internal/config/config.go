// Package config loads the middleware's settings from the config file and
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/settings"
	"github.com/spf13/viper"
)

type Config struct {
	Controller ControllerConfig          `mapstructure:"controller"`
	API        APIConfig                 `mapstructure:"api"`
	Relay      RelayConfig               `mapstructure:"relay"`
	Device     DeviceConfig              `mapstructure:"device"`
	POS        POSConfig                 `mapstructure:"pos"`
	Jobs       JobsConfig                `mapstructure:"jobs"`
	Commands   CommandsConfig            `mapstructure:"commands"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Terminals  []settings.TerminalConfig `mapstructure:"terminals"`
}

type ControllerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	MaxBufferBytes   int           `mapstructure:"max_buffer_bytes"`
	BufferStaleAfter time.Duration `mapstructure:"buffer_stale_after"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type RelayConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DeviceConfig struct {
	OpsURL  string        `mapstructure:"ops_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type POSConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type JobsConfig struct {
	RetryCeiling   int           `mapstructure:"retry_ceiling"`
	ReplayLimit    int           `mapstructure:"replay_limit"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
}

type CommandsConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type StorageConfig struct {
	DataDir           string  `mapstructure:"data_dir"`
	MaxDatabaseSizeGB float64 `mapstructure:"max_database_size_gb"`
}

func setDefaults() {
	viper.SetDefault("controller.listen_addr", ":7601")
	viper.SetDefault("controller.max_buffer_bytes", 1<<20)
	viper.SetDefault("controller.buffer_stale_after", 5*time.Minute)

	viper.SetDefault("api.addr", ":7680")

	viper.SetDefault("relay.url", "")
	viper.SetDefault("relay.timeout", 10*time.Second)

	viper.SetDefault("device.ops_url", "http://127.0.0.1:7690/operations")
	viper.SetDefault("device.timeout", 90*time.Second)

	viper.SetDefault("pos.connect_timeout", 3*time.Second)
	viper.SetDefault("pos.read_timeout", 10*time.Second)

	viper.SetDefault("jobs.retry_ceiling", 5)
	viper.SetDefault("jobs.replay_limit", 50)
	viper.SetDefault("jobs.replay_interval", time.Duration(0))

	viper.SetDefault("commands.workers", 2)
	viper.SetDefault("commands.queue_size", 8)
	viper.SetDefault("commands.operation_timeout", 90*time.Second)

	viper.SetDefault("storage.data_dir", "")
	viper.SetDefault("storage.max_database_size_gb", 8.0)
}

// Load reads glory-middleware.yaml from the working directory or
// /etc/glory-middleware, then applies GLORYMW_* environment overrides. A
// missing config file is fine; defaults cover everything but terminals.
func Load() (*Config, error) {
	viper.SetConfigName("glory-middleware")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/glory-middleware")

	viper.SetEnvPrefix("GLORYMW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
