// Package config loads the application configuration from YAML with
// environment-variable overrides, and hot-reloads the permission policy
// document when it changes on disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"pilot/internal/permission"
)

// Config is the root application configuration.
type Config struct {
	Gateway GatewayConfig  `mapstructure:"gateway" yaml:"gateway"`
	Agent   AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Storage StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Policy  PolicyConfig   `mapstructure:"policy" yaml:"policy"`
	Sources []SourceConfig `mapstructure:"sources" yaml:"sources,omitempty"`
}

// SourceConfig declares one pluggable tool source.
type SourceConfig struct {
	Slug    string `mapstructure:"slug" yaml:"slug"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	// AutoEnable lets the activation authority enable the source
	// mid-conversation without a manual step.
	AutoEnable bool `mapstructure:"auto_enable" yaml:"auto_enable"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr returns the listen address.
func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AgentConfig configures the wrapped agent process.
type AgentConfig struct {
	// Command is the agent CLI binary.
	Command string `mapstructure:"command" yaml:"command"`
	// Args are extra arguments prepended before the per-turn flags.
	Args []string `mapstructure:"args" yaml:"args"`
	// WorkingDir is the default working directory for new sessions.
	WorkingDir string `mapstructure:"working_dir" yaml:"working_dir"`
	// ThinkingLevel is the default reasoning budget for new sessions.
	ThinkingLevel string `mapstructure:"thinking_level" yaml:"thinking_level"`
	// MaxResultTokens caps tool results before summarization kicks in.
	MaxResultTokens int `mapstructure:"max_result_tokens" yaml:"max_result_tokens"`
	// DiagnosticLog is the agent CLI's side-channel log file.
	DiagnosticLog string `mapstructure:"diagnostic_log" yaml:"diagnostic_log"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
}

// PolicyConfig configures the permission layer.
type PolicyConfig struct {
	// DocumentPath points at the YAML policy document consulted in
	// allow-all mode. Watched for changes at runtime.
	DocumentPath string `mapstructure:"document_path" yaml:"document_path"`
	// DefaultMode is the permission mode new sessions start in.
	DefaultMode string `mapstructure:"default_mode" yaml:"default_mode"`
	// RecoveryPairs is the recent-exchange window kept for resume recovery.
	RecoveryPairs int `mapstructure:"recovery_pairs" yaml:"recovery_pairs"`
}

// DefaultDir returns the default configuration directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pilot"
	}
	return filepath.Join(home, ".pilot")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 8791)
	v.SetDefault("agent.command", "agent")
	v.SetDefault("agent.max_result_tokens", 16000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("storage.database_path", filepath.Join(DefaultDir(), "pilot.db"))
	v.SetDefault("policy.document_path", filepath.Join(DefaultDir(), "policy.yaml"))
	v.SetDefault("policy.default_mode", string(permission.ModeAsk))
	v.SetDefault("policy.recovery_pairs", 3)
}

// Load reads the configuration. With an empty path it looks for config.yaml
// in the default directory; a missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
	}

	v.SetEnvPrefix("PILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine: defaults plus environment cover it.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if !permission.Mode(cfg.Policy.DefaultMode).Valid() {
		return nil, fmt.Errorf("config: invalid policy.default_mode %q", cfg.Policy.DefaultMode)
	}
	return &cfg, nil
}
