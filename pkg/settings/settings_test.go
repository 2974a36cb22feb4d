package settings

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	s := NewSettings()
	s.APIKey = "sk-test-0123456789"
	return s
}

func TestValidate_TemperatureOutOfRange(t *testing.T) {
	for _, temp := range []float64{-0.1, 1.6, 2, math.NaN(), math.Inf(1)} {
		s := validSettings()
		s.Temperature = temp
		err := s.Validate()
		require.Error(t, err)
		var ce *ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "temperature", ce.Field)
	}
}

func TestValidate_TemperatureBounds(t *testing.T) {
	for _, temp := range []float64{0, 0.7, 1.5} {
		s := validSettings()
		s.Temperature = temp
		require.NoError(t, s.Validate())
	}
}

func TestValidate_MissingCredential(t *testing.T) {
	s := NewSettings()
	err := s.Validate()
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "api_key", ce.Field)
}

func TestValidate_BadBaseURL(t *testing.T) {
	s := validSettings()
	s.BaseURL = "api.deepseek.com"
	var ce *ConfigError
	require.True(t, errors.As(s.Validate(), &ce))
	assert.Equal(t, "base_url", ce.Field)
}

func TestVariants(t *testing.T) {
	s := validSettings()
	assert.Equal(t, EndpointStandard, s.EndpointVariant())
	assert.Equal(t, ModelStandard, s.ModelVariant())
	assert.False(t, s.IsReasoning())

	s = s.Apply(Overrides{Beta: true, Reasoner: true})
	assert.Equal(t, EndpointBeta, s.EndpointVariant())
	assert.Equal(t, ModelReasoning, s.ModelVariant())
	assert.True(t, s.IsReasoning())
}

func TestApply_DoesNotMutateReceiver(t *testing.T) {
	s := validSettings()
	temp := 1.2
	timeout := 5 * time.Second
	out := s.Apply(Overrides{
		Memory:          true,
		NoStream:        true,
		NoContext:       true,
		Temperature:     &temp,
		ResponseTimeout: &timeout,
	})

	assert.True(t, out.Persist)
	assert.False(t, out.Stream)
	assert.False(t, out.ContextMemory)
	assert.Equal(t, 1.2, out.Temperature)
	assert.Equal(t, 5*time.Second, out.ResponseTimeout)
	assert.True(t, out.Continue)

	assert.False(t, s.Persist)
	assert.True(t, s.Stream)
	assert.True(t, s.ContextMemory)
	assert.Equal(t, DefaultTemperature, s.Temperature)
}

func TestApply_NewDisablesContinue(t *testing.T) {
	out := validSettings().Apply(Overrides{Memory: true, New: true})
	assert.True(t, out.Persist)
	assert.False(t, out.Continue)

	out = validSettings().Apply(Overrides{})
	assert.False(t, out.Continue)
}

func TestStoreAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", SettingsFileName)

	require.NoError(t, Store(path, NewKeySettings("sk-stored-key-123", 1.1)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	v, err := NewViper(path, "")
	require.NoError(t, err)
	s := FromViper(v)
	assert.Equal(t, "sk-stored-key-123", s.APIKey)
	assert.Equal(t, StandardBaseURL, s.BaseURL)
	assert.Equal(t, ChatModel, s.Model)
	assert.Equal(t, 1.1, s.Temperature)
	assert.False(t, s.Persist)
	assert.True(t, s.Stream)
	assert.True(t, s.ContextMemory)
	assert.Equal(t, DefaultResponseTimeout, s.ResponseTimeout)
	assert.Equal(t, DefaultMaxRetries, s.MaxRetries)
	require.NoError(t, s.Validate())
}

func TestNewViper_MissingFileUsesDefaults(t *testing.T) {
	v, err := NewViper("", t.TempDir())
	require.NoError(t, err)
	s := FromViper(v)
	assert.Equal(t, ChatModel, s.Model)
	assert.Equal(t, DefaultTemperature, s.Temperature)
}

func TestNewViper_BrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	require.NoError(t, os.WriteFile(path, []byte("api_key: [unterminated"), 0o600))
	_, err := NewViper(path, "")
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestWriteStatus_MasksKey(t *testing.T) {
	s := validSettings()
	buf := &bytes.Buffer{}
	require.NoError(t, s.WriteStatus(buf, "/tmp/latest.json"))
	out := buf.String()
	assert.NotContains(t, out, s.APIKey)
	assert.Contains(t, out, "sk-t")
	assert.Contains(t, out, "model: deepseek-chat")
	assert.Contains(t, out, "transcript: /tmp/latest.json")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "", MaskKey(""))
	assert.Equal(t, "****", MaskKey("abcd"))
	assert.Equal(t, "abcd**wxyz", MaskKey("abcdefwxyz"))
}
