// Package config loads the agent's YAML configuration file into a typed
// Config, applying defaults and validating the required fields, following
// the same mirror-struct pattern as the original bridge's config loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAudioTransport      = "audiosocket"
	defaultDownstreamMode      = "stream"
	defaultRTPPortRangeStart   = 10000
	defaultRTPPortRangeEnd     = 10100
	defaultAudioSocketPort     = 9092
	defaultSetupTimeout        = 10 * time.Second
	defaultDeadCallTimeout     = 60 * time.Second
	defaultTTSGateWatchdog     = 10 * time.Second
	defaultFarewellHangupDelay = 2500 * time.Millisecond
	defaultProviderReqTimeout  = 30 * time.Second
	defaultEgressStallTimeout  = 2000 * time.Millisecond
	defaultShutdownDrain       = 15 * time.Second
	defaultMetricsAddr         = ":9100"
	defaultHealthAddr          = ":9101"
)

// Config is the fully-resolved, validated runtime configuration.
type Config struct {
	ActivePipeline  string
	DefaultProvider string
	AudioTransport  string
	DownstreamMode  string

	RTPPortRangeStart int
	RTPPortRangeEnd   int
	AudioSocketPort   int

	AsteriskHost     string
	AriUsername      string
	AriPassword      string
	AriAppName       string

	GreetingText string

	VAD VADConfig

	Providers map[string]map[string]any

	SetupTimeout        time.Duration
	DeadCallTimeout      time.Duration
	TTSGateWatchdog      time.Duration
	FarewellHangupDelay  time.Duration
	ProviderRequestTimeout time.Duration
	EgressStallTimeout   time.Duration
	ShutdownDrain        time.Duration

	MediaDir     string
	MetricsAddr  string
	HealthAddr   string
	LogFormat    string // "text" or "json"
}

// VADConfig holds the local voice-activity detector settings. They are
// loaded and defaulted here; no component of this module reads them.
type VADConfig struct {
	Aggressiveness  int
	StartFrameCount int
	EndFrameCount   int
	SilenceMs       int
}

type yamlConfig struct {
	ActivePipeline  string `yaml:"active_pipeline"`
	DefaultProvider string `yaml:"default_provider"`
	AudioTransport  string `yaml:"audio_transport"`
	DownstreamMode  string `yaml:"downstream_mode"`

	RTP struct {
		PortRange string `yaml:"port_range"`
	} `yaml:"rtp"`
	AudioSocket struct {
		Port int `yaml:"port"`
	} `yaml:"audiosocket"`

	Asterisk struct {
		Host string `yaml:"host"`
		ARI  struct {
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			AppName  string `yaml:"app_name"`
		} `yaml:"ari"`
	} `yaml:"asterisk"`

	Greeting struct {
		Text string `yaml:"text"`
	} `yaml:"greeting"`

	VAD struct {
		Aggressiveness  int `yaml:"aggressiveness"`
		StartFrameCount int `yaml:"start_frame_count"`
		EndFrameCount   int `yaml:"end_frame_count"`
		SilenceMs       int `yaml:"silence_ms"`
	} `yaml:"vad"`

	Providers map[string]map[string]any `yaml:"providers"`

	Timeouts struct {
		SetupTimeoutMs         int `yaml:"setup_timeout_ms"`
		DeadCallTimeoutMs      int `yaml:"dead_call_timeout_ms"`
		TTSGateWatchdogMs      int `yaml:"tts_gate_watchdog_ms"`
		FarewellHangupDelayMs  int `yaml:"farewell_hangup_delay_ms"`
		ProviderRequestTimeoutMs int `yaml:"provider_request_timeout_ms"`
		EgressStallTimeoutMs   int `yaml:"egress_stall_timeout_ms"`
		ShutdownDrainMs        int `yaml:"shutdown_drain_ms"`
	} `yaml:"timeouts"`

	MediaDir    string `yaml:"media_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
	HealthAddr  string `yaml:"health_addr"`
	LogFormat   string `yaml:"log_format"`
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (Config, error) {
	cfg := Config{
		AudioTransport:         defaultAudioTransport,
		DownstreamMode:         defaultDownstreamMode,
		RTPPortRangeStart:      defaultRTPPortRangeStart,
		RTPPortRangeEnd:        defaultRTPPortRangeEnd,
		AudioSocketPort:        defaultAudioSocketPort,
		SetupTimeout:           defaultSetupTimeout,
		DeadCallTimeout:        defaultDeadCallTimeout,
		TTSGateWatchdog:        defaultTTSGateWatchdog,
		FarewellHangupDelay:    defaultFarewellHangupDelay,
		ProviderRequestTimeout: defaultProviderReqTimeout,
		EgressStallTimeout:     defaultEgressStallTimeout,
		ShutdownDrain:          defaultShutdownDrain,
		MediaDir:               os.TempDir(),
		MetricsAddr:            defaultMetricsAddr,
		HealthAddr:             defaultHealthAddr,
		LogFormat:              "text",
		Providers:              make(map[string]map[string]any),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ActivePipeline = yc.ActivePipeline
	cfg.DefaultProvider = yc.DefaultProvider
	if cfg.ActivePipeline == "" && cfg.DefaultProvider == "" {
		return Config{}, errors.New("config: one of active_pipeline or default_provider is required")
	}

	if yc.AudioTransport != "" {
		cfg.AudioTransport = strings.ToLower(yc.AudioTransport)
	}
	if cfg.AudioTransport != "rtp" && cfg.AudioTransport != "audiosocket" {
		return Config{}, fmt.Errorf("config: audio_transport must be 'rtp' or 'audiosocket', got %q", cfg.AudioTransport)
	}

	if yc.DownstreamMode != "" {
		cfg.DownstreamMode = strings.ToLower(yc.DownstreamMode)
	}
	if cfg.DownstreamMode != "file" && cfg.DownstreamMode != "stream" {
		return Config{}, fmt.Errorf("config: downstream_mode must be 'file' or 'stream', got %q", cfg.DownstreamMode)
	}

	if yc.RTP.PortRange != "" {
		start, end, err := parsePortRange(yc.RTP.PortRange)
		if err != nil {
			return Config{}, fmt.Errorf("config: rtp.port_range: %w", err)
		}
		cfg.RTPPortRangeStart, cfg.RTPPortRangeEnd = start, end
	}
	if yc.AudioSocket.Port > 0 {
		cfg.AudioSocketPort = yc.AudioSocket.Port
	}

	if yc.Asterisk.Host == "" {
		return Config{}, errors.New("config: asterisk.host is required")
	}
	cfg.AsteriskHost = yc.Asterisk.Host
	if yc.Asterisk.ARI.Username == "" {
		return Config{}, errors.New("config: asterisk.ari.username is required")
	}
	cfg.AriUsername = yc.Asterisk.ARI.Username
	if yc.Asterisk.ARI.Password == "" {
		return Config{}, errors.New("config: asterisk.ari.password is required")
	}
	cfg.AriPassword = yc.Asterisk.ARI.Password
	cfg.AriAppName = yc.Asterisk.ARI.AppName
	if cfg.AriAppName == "" {
		cfg.AriAppName = "voice-agent"
	}

	cfg.GreetingText = yc.Greeting.Text

	cfg.VAD = VADConfig{
		Aggressiveness:  yc.VAD.Aggressiveness,
		StartFrameCount: orDefault(yc.VAD.StartFrameCount, 3),
		EndFrameCount:   orDefault(yc.VAD.EndFrameCount, 8),
		SilenceMs:       orDefault(yc.VAD.SilenceMs, 500),
	}

	if yc.Providers != nil {
		cfg.Providers = yc.Providers
	}

	if yc.Timeouts.SetupTimeoutMs > 0 {
		cfg.SetupTimeout = time.Duration(yc.Timeouts.SetupTimeoutMs) * time.Millisecond
	}
	if yc.Timeouts.DeadCallTimeoutMs > 0 {
		cfg.DeadCallTimeout = time.Duration(yc.Timeouts.DeadCallTimeoutMs) * time.Millisecond
	}
	if yc.Timeouts.TTSGateWatchdogMs > 0 {
		cfg.TTSGateWatchdog = time.Duration(yc.Timeouts.TTSGateWatchdogMs) * time.Millisecond
	}
	if yc.Timeouts.FarewellHangupDelayMs > 0 {
		cfg.FarewellHangupDelay = time.Duration(yc.Timeouts.FarewellHangupDelayMs) * time.Millisecond
	}
	if yc.Timeouts.ProviderRequestTimeoutMs > 0 {
		cfg.ProviderRequestTimeout = time.Duration(yc.Timeouts.ProviderRequestTimeoutMs) * time.Millisecond
	}
	if yc.Timeouts.EgressStallTimeoutMs > 0 {
		cfg.EgressStallTimeout = time.Duration(yc.Timeouts.EgressStallTimeoutMs) * time.Millisecond
	}
	if yc.Timeouts.ShutdownDrainMs > 0 {
		cfg.ShutdownDrain = time.Duration(yc.Timeouts.ShutdownDrainMs) * time.Millisecond
	}

	if yc.MediaDir != "" {
		cfg.MediaDir = yc.MediaDir
	}
	if yc.MetricsAddr != "" {
		cfg.MetricsAddr = yc.MetricsAddr
	}
	if yc.HealthAddr != "" {
		cfg.HealthAddr = yc.HealthAddr
	}
	if yc.LogFormat != "" {
		cfg.LogFormat = strings.ToLower(yc.LogFormat)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, fmt.Errorf("config: log_format must be 'text' or 'json', got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func parsePortRange(s string) (int, int, error) {
	var start, end int
	n, err := fmt.Sscanf(s, "%d-%d", &start, &end)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("expected format START-END, got %q", s)
	}
	if start <= 0 || end <= start {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	return start, end, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
