package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/stackman/pkg/bundle"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/manager"
	"github.com/cuemby/stackman/pkg/runner"
	"github.com/spf13/viper"
)

// Config is the daemon configuration read from stackman.yaml and STACKMAN_*
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Bundles BundlesConfig `mapstructure:"bundles"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Secrets SecretsConfig `mapstructure:"secrets"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type BundlesConfig struct {
	Dir                   string `mapstructure:"dir"`
	Watch                 bool   `mapstructure:"watch"`
	PublicKey             string `mapstructure:"public_key"`
	VerifiedSignatureOnly bool   `mapstructure:"verified_signature_only"`
}

type RunnerConfig struct {
	Workers         int    `mapstructure:"workers"`
	WorkDir         string `mapstructure:"workdir"`
	AnsiblePlaybook string `mapstructure:"ansible_playbook"`
	Python          string `mapstructure:"python"`
	ScriptDir       string `mapstructure:"script_dir"`
}

type SecretsConfig struct {
	KeyFile string `mapstructure:"key_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/stackman")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")
	v.SetDefault("bundles.watch", false)
	v.SetDefault("bundles.verified_signature_only", false)
	v.SetDefault("runner.workers", 4)
	v.SetDefault("runner.ansible_playbook", "ansible-playbook")
	v.SetDefault("runner.python", "python3")
}

// loadConfig reads the config file named by path, or stackman.yaml from the
// search paths. A missing search-path file is not an error.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("STACKMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stackman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stackman")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must be set")
	}
	if cfg.Bundles.Dir == "" {
		cfg.Bundles.Dir = filepath.Join(cfg.DataDir, "bundles")
	}
	if cfg.Runner.WorkDir == "" {
		cfg.Runner.WorkDir = filepath.Join(cfg.DataDir, "run")
	}
	return &cfg, nil
}

func (c *Config) logConfig() log.Config {
	return log.Config{Level: log.ParseLevel(c.Log.Level), JSONOutput: c.Log.JSON}
}

// managerConfig translates the daemon config into the manager's
func (c *Config) managerConfig() (*manager.Config, error) {
	var key []byte
	if c.Bundles.PublicKey != "" {
		var err error
		if key, err = os.ReadFile(c.Bundles.PublicKey); err != nil {
			return nil, fmt.Errorf("failed to read bundle public key: %w", err)
		}
	}
	return &manager.Config{
		DataDir: c.DataDir,
		KeyFile: c.Secrets.KeyFile,
		Bundles: bundle.Options{
			Dir:                   c.Bundles.Dir,
			PublicKey:             key,
			VerifiedSignatureOnly: c.Bundles.VerifiedSignatureOnly,
		},
		Runner: runner.Config{
			Workers: c.Runner.Workers,
			WorkDir: c.Runner.WorkDir,
			Executor: runner.NewCommandExecutor(runner.CommandConfig{
				AnsiblePlaybook: c.Runner.AnsiblePlaybook,
				Python:          c.Runner.Python,
				ScriptDir:       c.Runner.ScriptDir,
			}),
		},
	}, nil
}
