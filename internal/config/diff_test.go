package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(config.Default(), config.Default())
	if !d.Empty() {
		t.Errorf("Diff of equal configs = %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug
	new.Lipsync.Gain = 6
	new.Lipsync.FallbackHangover = 3 * time.Second

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.EnergyChanged || d.NewGain != 6 || d.NewAlpha != config.DefaultAlpha {
		t.Errorf("energy diff = %v %v %v", d.EnergyChanged, d.NewAlpha, d.NewGain)
	}
	if !d.HangoverChanged || d.NewFallbackHangover != 3*time.Second || d.NewHangover != config.DefaultHangover {
		t.Errorf("hangover diff = %v %v %v", d.HangoverChanged, d.NewHangover, d.NewFallbackHangover)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.WSURL = "ws://other:1/ws"
	new.Audio.Output = config.DeviceEntry{Name: "virtual", Options: map[string]any{"period": "5ms"}}
	new.Lipsync.Window = 2048

	d := config.Diff(old, new)
	for _, want := range []string{"server.ws_url", "audio.output", "lipsync.window"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.EnergyChanged || d.LogLevelChanged || d.HangoverChanged {
		t.Errorf("unexpected hot-reload flags: %+v", d)
	}
}

func TestDiff_DeviceOptionsCompareByValue(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	old.Audio.Input = config.DeviceEntry{Name: "portaudio", Options: map[string]any{"frames_per_buffer": 512}}
	new.Audio.Input = config.DeviceEntry{Name: "portaudio", Options: map[string]any{"frames_per_buffer": "512"}}
	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("equal options reported as changed: %v", d.RestartRequired)
	}
}
