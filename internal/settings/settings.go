package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	KeyProjectDir      = "project_dir"
	KeyDefinitionsFile = "definitions_file"
	KeyStack           = "stack"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyGcloudBin       = "gcloud_bin"

	EnvPrefix  = "devvm"
	configName = "devvm"
)

// Settings are the CLI's own knobs: where the project lives and how to talk
// to the outside world. VM definitions live in the stack, not here.
type Settings struct {
	ProjectDir      string
	DefinitionsFile string
	Stack           string
	LogLevel        string
	LogFormat       string
	GcloudBin       string
}

// New returns a viper instance with defaults, DEVVM_* environment binding and
// an optional devvm.yaml in the working directory.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyProjectDir, ".")
	v.SetDefault(KeyDefinitionsFile, "vms.yaml")
	v.SetDefault(KeyStack, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "auto")
	v.SetDefault(KeyGcloudBin, "gcloud")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	return v
}

// Load reads the optional config file and returns validated settings.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	s := &Settings{
		ProjectDir:      v.GetString(KeyProjectDir),
		DefinitionsFile: v.GetString(KeyDefinitionsFile),
		Stack:           v.GetString(KeyStack),
		LogLevel:        strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:       strings.ToLower(v.GetString(KeyLogFormat)),
		GcloudBin:       v.GetString(KeyGcloudBin),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", s.LogLevel)
	}
	validFormats := map[string]bool{"auto": true, "text": true, "json": true}
	if !validFormats[s.LogFormat] {
		return fmt.Errorf("invalid log format: %s (valid: auto, text, json)", s.LogFormat)
	}
	if s.ProjectDir == "" {
		return fmt.Errorf("project_dir must not be empty")
	}
	if s.GcloudBin == "" {
		return fmt.Errorf("gcloud_bin must not be empty")
	}
	return nil
}

// DefinitionsPath resolves the definitions file against the project directory.
func (s *Settings) DefinitionsPath() string {
	if filepath.IsAbs(s.DefinitionsFile) {
		return s.DefinitionsFile
	}
	return filepath.Join(s.ProjectDir, s.DefinitionsFile)
}
