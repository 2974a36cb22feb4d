package settings

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	StandardBaseURL = "https://api.deepseek.com"
	BetaBaseURL     = "https://beta.api.deepseek.com/beta"

	ChatModel     = "deepseek-chat"
	ReasonerModel = "deepseek-reasoner"

	MinTemperature     = 0.0
	MaxTemperature     = 1.5
	DefaultTemperature = 0.7

	DefaultResponseTimeout = 2 * time.Minute
	DefaultMaxRetries      = 2
)

type EndpointVariant string

const (
	EndpointStandard EndpointVariant = "standard"
	EndpointBeta     EndpointVariant = "beta"
)

type ModelVariant string

const (
	ModelStandard  ModelVariant = "standard"
	ModelReasoning ModelVariant = "reasoning"
)

// Settings is the resolved configuration of a single chat run.
// It is frozen once the session starts; use Clone to derive a modified copy.
type Settings struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	// Persist enables writing the transcript to disk when the session closes.
	Persist bool `yaml:"memory"`
	// ContextMemory sends the whole transcript with each request instead of the last user turn only.
	ContextMemory bool `yaml:"context_memory"`
	Stream        bool `yaml:"stream"`
	// Continue seeds the transcript from the last persisted session.
	Continue bool `yaml:"-"`

	ResponseTimeout time.Duration `yaml:"response_timeout,omitempty"`
	MaxRetries      int           `yaml:"max_retries,omitempty"`
	ArchiveFormat   string        `yaml:"archive_format,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{
		BaseURL:         StandardBaseURL,
		Model:           ChatModel,
		Temperature:     DefaultTemperature,
		ContextMemory:   true,
		Stream:          true,
		ResponseTimeout: DefaultResponseTimeout,
		MaxRetries:      DefaultMaxRetries,
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

func (s *Settings) EndpointVariant() EndpointVariant {
	if strings.TrimRight(s.BaseURL, "/") == BetaBaseURL || strings.HasSuffix(strings.TrimRight(s.BaseURL, "/"), "/beta") {
		return EndpointBeta
	}
	return EndpointStandard
}

func (s *Settings) ModelVariant() ModelVariant {
	if strings.Contains(strings.ToLower(s.Model), "reasoner") {
		return ModelReasoning
	}
	return ModelStandard
}

// IsReasoning reports whether the selected model emits a separate reasoning channel.
func (s *Settings) IsReasoning() bool {
	return s.ModelVariant() == ModelReasoning
}

// Validate checks the settings needed to start a session.
// All failures are reported as *ConfigError.
func (s *Settings) Validate() error {
	if err := s.ValidateTemperature(); err != nil {
		return err
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return &ConfigError{Field: "api_key", Reason: "missing credential, set one with -k <key>"}
	}
	if strings.TrimSpace(s.Model) == "" {
		return &ConfigError{Field: "model", Reason: "no model specified"}
	}
	if err := ValidateBaseURL(s.BaseURL); err != nil {
		return &ConfigError{Field: "base_url", Value: s.BaseURL, Reason: "invalid endpoint", Err: err}
	}
	if s.ResponseTimeout < 0 {
		return &ConfigError{Field: "response_timeout", Value: s.ResponseTimeout.String(), Reason: "must not be negative"}
	}
	if s.MaxRetries < 0 {
		return &ConfigError{Field: "max_retries", Value: fmt.Sprint(s.MaxRetries), Reason: "must not be negative"}
	}
	return nil
}

func (s *Settings) ValidateTemperature() error {
	if math.IsNaN(s.Temperature) || s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		return &ConfigError{
			Field:  "temperature",
			Value:  fmt.Sprintf("%g", s.Temperature),
			Reason: fmt.Sprintf("must be between %g and %g", MinTemperature, MaxTemperature),
		}
	}
	return nil
}

// WriteStatus prints the resolved settings, with the API key masked.
func (s *Settings) WriteStatus(w io.Writer, transcriptPath string) error {
	status := struct {
		APIKey          string  `yaml:"api_key"`
		BaseURL         string  `yaml:"base_url"`
		Endpoint        string  `yaml:"endpoint"`
		Model           string  `yaml:"model"`
		Temperature     float64 `yaml:"temperature"`
		Memory          bool    `yaml:"memory"`
		ContextMemory   bool    `yaml:"context_memory"`
		Stream          bool    `yaml:"stream"`
		Continue        bool    `yaml:"continue"`
		ResponseTimeout string  `yaml:"response_timeout"`
		MaxRetries      int     `yaml:"max_retries"`
		Transcript      string  `yaml:"transcript"`
	}{
		APIKey:          MaskKey(s.APIKey),
		BaseURL:         s.BaseURL,
		Endpoint:        string(s.EndpointVariant()),
		Model:           s.Model,
		Temperature:     s.Temperature,
		Memory:          s.Persist,
		ContextMemory:   s.ContextMemory,
		Stream:          s.Stream,
		Continue:        s.Continue,
		ResponseTimeout: s.ResponseTimeout.String(),
		MaxRetries:      s.MaxRetries,
		Transcript:      transcriptPath,
	}
	b, err := yaml.Marshal(&status)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (s *Settings) MarshalZerologObject(e *zerolog.Event) {
	e.Str("api_key", MaskKey(s.APIKey)).
		Str("base_url", s.BaseURL).
		Str("model", s.Model).
		Float64("temperature", s.Temperature).
		Bool("memory", s.Persist).
		Bool("context_memory", s.ContextMemory).
		Bool("stream", s.Stream).
		Bool("continue", s.Continue).
		Dur("response_timeout", s.ResponseTimeout).
		Int("max_retries", s.MaxRetries)
}

func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
