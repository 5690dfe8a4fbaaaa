package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Settings holds host-level configuration shared by every run on this machine.
type Settings struct {
	LavaDir  string   `mapstructure:"lava_dir"`
	RunsDir  string   `mapstructure:"runs_dir"`
	UseRR    bool     `mapstructure:"use_rr"`
	Database Database `mapstructure:"database"`
	Timeouts Timeouts `mapstructure:"timeouts"`
}

// Database describes the admin connection used to create results stores.
type Database struct {
	URL         string        `mapstructure:"url"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// Timeouts bounds the blocking steps of a run. Zero means unbounded.
type Timeouts struct {
	ChannelReady time.Duration `mapstructure:"channel_ready"`
	Command      time.Duration `mapstructure:"command"`
	Quit         time.Duration `mapstructure:"quit"`
	MountRetry   time.Duration `mapstructure:"mount_retry"`
}

// SchemaPath returns the results store bootstrap script under the lava checkout
func (s *Settings) SchemaPath() string {
	return filepath.Join(s.LavaDir, "include", "lava.sql")
}

// FBIPath returns the bug-finding tool binary under the lava checkout
func (s *Settings) FBIPath() string {
	return filepath.Join(s.LavaDir, "fbi", "fbi")
}

// Load loads settings from ~/.lava/config.yaml (or cfgFile when set) or returns defaults
func Load(cfgFile string) (*Settings, error) {
	v := viper.New()

	if cfgFile != "" {
		path, err := homedir.Expand(cfgFile)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
	} else {
		configDir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
	}

	v.SetEnvPrefix("LAVA")
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	// Try to read config file, but don't fail if it doesn't exist
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, err
	}

	var err error
	if s.LavaDir, err = expandPath(s.LavaDir); err != nil {
		return nil, err
	}
	if s.RunsDir, err = expandPath(s.RunsDir); err != nil {
		return nil, err
	}

	return &s, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) error {
	lavaDir, err := defaultLavaDir()
	if err != nil {
		return err
	}

	v.SetDefault("lava_dir", lavaDir)
	v.SetDefault("runs_dir", "~/.lava/runs")
	v.SetDefault("use_rr", false)
	v.SetDefault("database.url", "postgres://postgres@localhost:5432/postgres?sslmode=disable")
	v.SetDefault("database.ping_timeout", "5s")

	v.SetDefault("timeouts.channel_ready", "15s")
	v.SetDefault("timeouts.command", "30s")
	v.SetDefault("timeouts.quit", "3s")
	v.SetDefault("timeouts.mount_retry", "300ms")
	return nil
}

// defaultLavaDir is the checkout containing the running binary: <lava>/bin/lava
func defaultLavaDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(filepath.Dir(exe)), nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// ConfigDir returns the lava configuration directory path
func ConfigDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".lava"), nil
}
