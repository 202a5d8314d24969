// Package config provides the configuration schema, loader, hot-reload
// watcher and audio backend registry for avatarlink.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to the slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default values applied by [ApplyDefaults].
const (
	DefaultWSURL            = "ws://localhost:8899/ws/voice"
	DefaultHTTPURL          = "http://localhost:8899/api/chat-tts"
	DefaultFallbackTimeout  = 30 * time.Second
	DefaultBlockSize        = 4096
	DefaultDeviceSampleRate = 16000
	DefaultDeviceChannels   = 1
	DefaultSendQueue        = 32
	DefaultAlpha            = 0.25
	DefaultGain             = 4.5
	DefaultWindow           = 1024
	DefaultHangover         = 500 * time.Millisecond
	DefaultFallbackHangover = 2 * time.Second
	DefaultTick             = 16 * time.Millisecond
	DefaultBackend          = "virtual"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Status  StatusConfig  `yaml:"status"`
	Audio   AudioConfig   `yaml:"audio"`
	Lipsync LipsyncConfig `yaml:"lipsync"`
}

// ServerConfig locates the remote agent.
type ServerConfig struct {
	// WSURL is the voice channel endpoint (ws:// or wss://).
	WSURL string `yaml:"ws_url"`

	// HTTPURL is the request/response fallback endpoint. Empty disables the
	// fallback path.
	HTTPURL string `yaml:"http_url"`

	// FallbackTimeout bounds one fallback request.
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`

	LogLevel LogLevel `yaml:"log_level"`
}

// StatusConfig configures the local health and metrics listener.
type StatusConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics.
	// Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`
}

// AudioConfig selects the device backends and shapes the capture stream.
type AudioConfig struct {
	Output DeviceEntry `yaml:"output"`
	Input  DeviceEntry `yaml:"input"`

	// BlockSize is the number of wire samples per outbound capture frame.
	BlockSize int `yaml:"block_size"`

	// DeviceSampleRate and DeviceChannels describe the microphone's native
	// format. Frames are converted to 16 kHz mono before sending.
	DeviceSampleRate int `yaml:"device_sample_rate"`
	DeviceChannels   int `yaml:"device_channels"`

	// SendQueue bounds the outbound frame queue.
	SendQueue int `yaml:"send_queue"`
}

// DeviceEntry names a registered audio backend. The Name field is used to
// look up the constructor in the [Registry].
type DeviceEntry struct {
	Name string `yaml:"name"`

	// Options holds backend-specific settings, e.g. "period" for the virtual
	// backend or "frames_per_buffer" for portaudio.
	Options map[string]any `yaml:"options"`
}

// LipsyncConfig tunes the energy analyzer and the talking flag.
type LipsyncConfig struct {
	// Alpha is the smoothing factor, in (0, 1].
	Alpha float64 `yaml:"alpha"`

	// Gain scales the smoothed RMS before clamping to [0, 1].
	Gain float64 `yaml:"gain"`

	// Window is the analysis window in samples.
	Window int `yaml:"window"`

	// Hangover keeps the talking flag up after each channel audio chunk.
	Hangover time.Duration `yaml:"hangover"`

	// FallbackHangover is the talking window after a fallback reply.
	FallbackHangover time.Duration `yaml:"fallback_hangover"`

	// Tick is the animation driver's polling interval.
	Tick time.Duration `yaml:"tick"`
}

// Default returns the config used when no file is given: every field at its
// default and the fallback endpoint enabled at [DefaultHTTPURL].
func Default() *Config {
	cfg := &Config{Server: ServerConfig{HTTPURL: DefaultHTTPURL}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg in place. Server.HTTPURL is
// left alone so a file can disable the fallback path.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.WSURL == "" {
		cfg.Server.WSURL = DefaultWSURL
	}
	if cfg.Server.FallbackTimeout == 0 {
		cfg.Server.FallbackTimeout = DefaultFallbackTimeout
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Output.Name == "" {
		cfg.Audio.Output.Name = DefaultBackend
	}
	if cfg.Audio.Input.Name == "" {
		cfg.Audio.Input.Name = DefaultBackend
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.DeviceSampleRate == 0 {
		cfg.Audio.DeviceSampleRate = DefaultDeviceSampleRate
	}
	if cfg.Audio.DeviceChannels == 0 {
		cfg.Audio.DeviceChannels = DefaultDeviceChannels
	}
	if cfg.Audio.SendQueue == 0 {
		cfg.Audio.SendQueue = DefaultSendQueue
	}
	if cfg.Lipsync.Alpha == 0 {
		cfg.Lipsync.Alpha = DefaultAlpha
	}
	if cfg.Lipsync.Gain == 0 {
		cfg.Lipsync.Gain = DefaultGain
	}
	if cfg.Lipsync.Window == 0 {
		cfg.Lipsync.Window = DefaultWindow
	}
	if cfg.Lipsync.Hangover == 0 {
		cfg.Lipsync.Hangover = DefaultHangover
	}
	if cfg.Lipsync.FallbackHangover == 0 {
		cfg.Lipsync.FallbackHangover = DefaultFallbackHangover
	}
	if cfg.Lipsync.Tick == 0 {
		cfg.Lipsync.Tick = DefaultTick
	}
}
