package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
default_provider: monolithic_a
asterisk:
  host: 127.0.0.1:8088
  ari:
    username: agent
    password: secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "audiosocket", cfg.AudioTransport)
	assert.Equal(t, "stream", cfg.DownstreamMode)
	assert.Equal(t, defaultSetupTimeout, cfg.SetupTimeout)
	assert.Equal(t, "voice-agent", cfg.AriAppName)
}

func TestLoadRejectsMissingProviderSelection(t *testing.T) {
	path := writeConfig(t, `
asterisk:
  host: 127.0.0.1:8088
  ari:
    username: agent
    password: secret
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidAudioTransport(t *testing.T) {
	path := writeConfig(t, `
default_provider: monolithic_a
audio_transport: carrier_pigeon
asterisk:
  host: 127.0.0.1:8088
  ari:
    username: agent
    password: secret
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadParsesPortRangeAndTimeouts(t *testing.T) {
	path := writeConfig(t, `
default_provider: monolithic_a
rtp:
  port_range: "20000-20200"
asterisk:
  host: 127.0.0.1:8088
  ari:
    username: agent
    password: secret
timeouts:
  setup_timeout_ms: 5000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.RTPPortRangeStart)
	assert.Equal(t, 20200, cfg.RTPPortRangeEnd)
	assert.Equal(t, 5000*1000000, int(cfg.SetupTimeout))
}

func TestLoadRejectsMissingAsteriskHost(t *testing.T) {
	path := writeConfig(t, `
default_provider: monolithic_a
asterisk:
  ari:
    username: agent
    password: secret
`)
	_, err := Load(path)
	assert.Error(t, err)
}
