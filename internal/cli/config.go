package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/inkd/internal/relay"
)

// DefaultEnvPrefix prefixes every environment variable read by the CLI.
const DefaultEnvPrefix = "INKD"

const (
	DefaultListen = "127.0.0.1:7420"
	DefaultRelay  = "ws://127.0.0.1:7420/ws"
)

// Config holds settings that may come from flags, INKD_* environment
// variables or a YAML config file, in that order of precedence.
type Config struct {
	Listen     string `json:"listen"      mapstructure:"listen"`
	Relay      string `json:"relay"       mapstructure:"relay"`
	DB         string `json:"db"          mapstructure:"db"`
	MaxBacklog int    `json:"max_backlog" mapstructure:"max_backlog"`
	ClientID   string `json:"client_id"   mapstructure:"client_id"`
}

// configFlags maps config keys to the flag names that override them.
var configFlags = map[string]string{
	"listen":      "listen",
	"relay":       "relay",
	"db":          "db",
	"max_backlog": "max-backlog",
	"client_id":   "client-id",
}

// LoadConfig resolves the configuration for cmd.
func LoadConfig(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)

	v.SetEnvPrefix(DefaultEnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("listen", DefaultListen)
	v.SetDefault("relay", DefaultRelay)
	v.SetDefault("db", "")
	v.SetDefault("max_backlog", relay.DefaultMaxBacklog)
	v.SetDefault("client_id", "")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, name := range configFlags {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return config, nil
}
