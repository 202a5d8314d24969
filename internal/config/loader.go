package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownBackends lists the audio backend names shipped with avatarlink.
// Used by [Validate] to warn about unrecognised names; the portaudio backend
// is only registered in builds with the portaudio tag.
var KnownBackends = []string{"virtual", "portaudio"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if err := checkURL(cfg.Server.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("server.ws_url: %w", err))
	}
	if cfg.Server.HTTPURL != "" {
		if err := checkURL(cfg.Server.HTTPURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("server.http_url: %w", err))
		}
	} else {
		slog.Warn("server.http_url is empty; chat falls back to nothing while the voice channel is closed")
	}
	if cfg.Server.FallbackTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.fallback_timeout %v must not be negative", cfg.Server.FallbackTimeout))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	warnUnknownBackend("audio.output", cfg.Audio.Output.Name)
	warnUnknownBackend("audio.input", cfg.Audio.Input.Name)
	if cfg.Audio.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if cfg.Audio.DeviceSampleRate < 8000 || cfg.Audio.DeviceSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.device_sample_rate %d is out of range [8000, 192000]", cfg.Audio.DeviceSampleRate))
	}
	if cfg.Audio.DeviceChannels != 1 && cfg.Audio.DeviceChannels != 2 {
		errs = append(errs, fmt.Errorf("audio.device_channels %d is invalid; valid values: 1, 2", cfg.Audio.DeviceChannels))
	}
	if cfg.Audio.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must be positive", cfg.Audio.SendQueue))
	}

	// Lipsync
	if cfg.Lipsync.Alpha <= 0 || cfg.Lipsync.Alpha > 1 {
		errs = append(errs, fmt.Errorf("lipsync.alpha %.3f is out of range (0, 1]", cfg.Lipsync.Alpha))
	}
	if cfg.Lipsync.Gain <= 0 {
		errs = append(errs, fmt.Errorf("lipsync.gain %.3f must be positive", cfg.Lipsync.Gain))
	}
	if cfg.Lipsync.Window <= 0 {
		errs = append(errs, fmt.Errorf("lipsync.window %d must be positive", cfg.Lipsync.Window))
	}
	if cfg.Lipsync.Hangover <= 0 {
		errs = append(errs, fmt.Errorf("lipsync.hangover %v must be positive", cfg.Lipsync.Hangover))
	}
	if cfg.Lipsync.FallbackHangover <= 0 {
		errs = append(errs, fmt.Errorf("lipsync.fallback_hangover %v must be positive", cfg.Lipsync.FallbackHangover))
	}
	if cfg.Lipsync.Tick <= 0 {
		errs = append(errs, fmt.Errorf("lipsync.tick %v must be positive", cfg.Lipsync.Tick))
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q is invalid; valid values: %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

// warnUnknownBackend logs a warning if name is not in [KnownBackends].
// Third-party backends can still be registered, so this is not an error.
func warnUnknownBackend(field, name string) {
	if name == "" || slices.Contains(KnownBackends, name) {
		return
	}
	slog.Warn("unknown audio backend; may be a typo or third-party backend",
		"field", field,
		"name", name,
		"known", KnownBackends,
	)
}
