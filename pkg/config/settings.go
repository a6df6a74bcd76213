package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. REFORGE_DB_PATH.
const EnvPrefix = "REFORGE"

// Settings are process-level options, as opposed to the workflow which
// describes agents.
type Settings struct {
	WorkflowPath string `mapstructure:"workflow"`     // Workflow YAML file
	DBPath       string `mapstructure:"db_path"`      // SQLite database for conversations and credentials
	WorkDir      string `mapstructure:"workdir"`      // Workspace root tools operate in
	LogLevel     string `mapstructure:"log_level"`    // debug, info, warn, error
	LogFormat    string `mapstructure:"log_format"`   // console or json
	MetricsAddr  string `mapstructure:"metrics_addr"` // Serve /metrics here when non-empty
	WatchConfig  bool   `mapstructure:"watch"`        // Reload the workflow file when it changes
	AgentID      string `mapstructure:"agent"`        // Agent to run; empty selects active_agent
}

// LoadSettings reads settings from configPath, or from reforge.yaml in the
// working directory or ~/.config/reforge when configPath is empty. A missing
// file is not an error. Environment variables override the file.
func LoadSettings(configPath string) (*Settings, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "reforge"))
		}
		v.SetConfigName("reforge")
		v.SetConfigType("yaml")
	}

	v.SetDefault("workflow", "workflow.yaml")
	v.SetDefault("db_path", filepath.Join(".reforge", "reforge.db"))
	v.SetDefault("workdir", ".")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("watch", false)
	v.SetDefault("agent", "")

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		getLogger().Debug("no settings file found, using defaults")
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unable to decode settings: %w", err)
	}
	if s.WorkDir != "" {
		abs, err := filepath.Abs(s.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("resolve workdir %s: %w", s.WorkDir, err)
		}
		s.WorkDir = abs
	}
	return &s, nil
}
