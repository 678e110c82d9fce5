package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rocketbitz/rdmacm-go/rdma"
	"github.com/rocketbitz/rdmacm-go/session"
)

// settings is the effective configuration after flags, environment and the
// optional config file have been merged.
type settings struct {
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	LogLevel        string        `mapstructure:"log-level" yaml:"log-level"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
	DescriptorOrder string        `mapstructure:"descriptor-order" yaml:"descriptor-order"`
	ResolveTimeout  time.Duration `mapstructure:"resolve-timeout" yaml:"resolve-timeout"`
	ResolveAttempts int           `mapstructure:"resolve-attempts" yaml:"resolve-attempts"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Mode   string `mapstructure:"mode" yaml:"mode"`
	Seed   uint32 `mapstructure:"seed" yaml:"seed"`
	Listen string `mapstructure:"listen" yaml:"listen"`
	Port   int    `mapstructure:"port" yaml:"port"`
}

// defaultSeed is the value a read-mode server exposes before the client
// overwrites it.
const defaultSeed = 3072

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", rdma.ProviderSoft)
	v.SetDefault("log-level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("descriptor-order", rdma.OrderNetwork64.String())
	v.SetDefault("resolve-timeout", 5*time.Second)
	v.SetDefault("resolve-attempts", 1)
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("mode", session.ModeAdd.String())
	v.SetDefault("seed", defaultSeed)
	v.SetDefault("listen", "0.0.0.0")
	v.SetDefault("port", session.DefaultPort)
}

// loadSettings merges, from lowest to highest precedence, defaults, the
// config file, RDMACM_* environment variables and explicitly set flags.
func loadSettings(v *viper.Viper, configPath string, flags *pflag.FlagSet) (settings, error) {
	setDefaults(v)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	v.SetEnvPrefix("RDMACM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return settings{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := s.validate(); err != nil {
		return settings{}, err
	}
	return s, nil
}

func (s settings) validate() error {
	if _, err := rdma.ParseDescriptorOrder(s.DescriptorOrder); err != nil {
		return err
	}
	if _, err := session.ParseMode(s.Mode); err != nil {
		return err
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	if s.ResolveAttempts < 1 {
		return fmt.Errorf("resolve-attempts must be at least 1")
	}
	return nil
}
