package settings

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix        = "dschat"
	SettingsFileName = "settings.yaml"
)

// Keys used in the settings file and, upper-cased with the DSCHAT_ prefix, in the environment.
const (
	KeyAPIKey          = "api_key"
	KeyBaseURL         = "base_url"
	KeyModel           = "model"
	KeyTemperature     = "temperature"
	KeyMemory          = "memory"
	KeyContextMemory   = "context_memory"
	KeyStream          = "stream"
	KeyResponseTimeout = "response_timeout"
	KeyMaxRetries      = "max_retries"
	KeyArchiveFormat   = "archive_format"
)

// DefaultConfigDir returns the directory holding settings.yaml and the transcripts.
func DefaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		return filepath.Join(homeDir, ".dschat")
	}
	return filepath.Join(dir, "dschat")
}

func SetDefaults(v *viper.Viper) {
	d := NewSettings()
	v.SetDefault(KeyBaseURL, d.BaseURL)
	v.SetDefault(KeyModel, d.Model)
	v.SetDefault(KeyTemperature, d.Temperature)
	v.SetDefault(KeyMemory, d.Persist)
	v.SetDefault(KeyContextMemory, d.ContextMemory)
	v.SetDefault(KeyStream, d.Stream)
	v.SetDefault(KeyResponseTimeout, d.ResponseTimeout)
	v.SetDefault(KeyMaxRetries, d.MaxRetries)
}

// NewViper creates a viper instance reading the settings file at path
// (or settings.yaml in configDir when path is empty) and DSCHAT_* environment variables.
func NewViper(path string, configDir string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigFile(filepath.Join(configDir, SettingsFileName))
	}
	v.SetConfigType("yaml")

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			log.Debug().Str("config", v.ConfigFileUsed()).Msg("No settings file found, using defaults")
			return v, nil
		}
		return nil, &ConfigError{Field: "config", Value: v.ConfigFileUsed(), Reason: "could not read settings file", Err: err}
	}

	log.Debug().Str("config", v.ConfigFileUsed()).Msg("Loaded settings file")
	return v, nil
}

func FromViper(v *viper.Viper) *Settings {
	return &Settings{
		APIKey:          v.GetString(KeyAPIKey),
		BaseURL:         v.GetString(KeyBaseURL),
		Model:           v.GetString(KeyModel),
		Temperature:     v.GetFloat64(KeyTemperature),
		Persist:         v.GetBool(KeyMemory),
		ContextMemory:   v.GetBool(KeyContextMemory),
		Stream:          v.GetBool(KeyStream),
		ResponseTimeout: v.GetDuration(KeyResponseTimeout),
		MaxRetries:      v.GetInt(KeyMaxRetries),
		ArchiveFormat:   v.GetString(KeyArchiveFormat),
	}
}

// Overrides are the command line toggles applied on top of the settings file.
type Overrides struct {
	Beta      bool
	Reasoner  bool
	Memory    bool
	NoStream  bool
	NoContext bool
	New       bool

	Temperature     *float64
	ResponseTimeout *time.Duration
	MaxRetries      *int
}

// Apply returns a copy of s with the overrides applied. Continue is derived here:
// a persisted session is continued unless a new one was requested.
func (s *Settings) Apply(o Overrides) *Settings {
	ret := s.Clone()
	if o.Beta {
		ret.BaseURL = BetaBaseURL
	}
	if o.Reasoner {
		ret.Model = ReasonerModel
	}
	if o.Memory {
		ret.Persist = true
	}
	if o.NoStream {
		ret.Stream = false
	}
	if o.NoContext {
		ret.ContextMemory = false
	}
	if o.Temperature != nil {
		ret.Temperature = *o.Temperature
	}
	if o.ResponseTimeout != nil {
		ret.ResponseTimeout = *o.ResponseTimeout
	}
	if o.MaxRetries != nil {
		ret.MaxRetries = *o.MaxRetries
	}
	ret.Continue = ret.Persist && !o.New
	return ret
}

// NewKeySettings returns the settings written by `-k`: the given key on the
// standard endpoint and model, persistence disabled.
func NewKeySettings(apiKey string, temperature float64) *Settings {
	s := NewSettings()
	s.APIKey = apiKey
	s.Temperature = temperature
	s.Persist = false
	// left out of the file so that the built-in defaults keep applying
	s.ResponseTimeout = 0
	s.MaxRetries = 0
	return s
}

// Store writes s as YAML to path, creating the parent directory.
func Store(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "could not create settings directory")
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "could not serialize settings")
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return errors.Wrapf(err, "could not write settings file %s", path)
	}
	return nil
}
