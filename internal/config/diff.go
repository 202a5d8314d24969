package config

import "time"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported with their new values; every other
// change is listed in RestartRequired by its YAML path.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EnergyChanged is set when alpha or gain changed. The analyzer window
	// needs a restart.
	EnergyChanged bool
	NewAlpha      float64
	NewGain       float64

	HangoverChanged     bool
	NewHangover         time.Duration
	NewFallbackHangover time.Duration

	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EnergyChanged && !d.HangoverChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Lipsync.Alpha != new.Lipsync.Alpha || old.Lipsync.Gain != new.Lipsync.Gain {
		d.EnergyChanged = true
		d.NewAlpha = new.Lipsync.Alpha
		d.NewGain = new.Lipsync.Gain
	}

	if old.Lipsync.Hangover != new.Lipsync.Hangover || old.Lipsync.FallbackHangover != new.Lipsync.FallbackHangover {
		d.HangoverChanged = true
		d.NewHangover = new.Lipsync.Hangover
		d.NewFallbackHangover = new.Lipsync.FallbackHangover
	}

	restart := func(changed bool, path string) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart(old.Server.WSURL != new.Server.WSURL, "server.ws_url")
	restart(old.Server.HTTPURL != new.Server.HTTPURL, "server.http_url")
	restart(old.Server.FallbackTimeout != new.Server.FallbackTimeout, "server.fallback_timeout")
	restart(old.Status.ListenAddr != new.Status.ListenAddr, "status.listen_addr")
	restart(!sameDevice(old.Audio.Output, new.Audio.Output), "audio.output")
	restart(!sameDevice(old.Audio.Input, new.Audio.Input), "audio.input")
	restart(old.Audio.BlockSize != new.Audio.BlockSize, "audio.block_size")
	restart(old.Audio.DeviceSampleRate != new.Audio.DeviceSampleRate, "audio.device_sample_rate")
	restart(old.Audio.DeviceChannels != new.Audio.DeviceChannels, "audio.device_channels")
	restart(old.Audio.SendQueue != new.Audio.SendQueue, "audio.send_queue")
	restart(old.Lipsync.Window != new.Lipsync.Window, "lipsync.window")
	restart(old.Lipsync.Tick != new.Lipsync.Tick, "lipsync.tick")

	return d
}

// sameDevice compares entries by name and the string form of their options.
func sameDevice(a, b DeviceEntry) bool {
	if a.Name != b.Name || len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || optionString(av) != optionString(bv) {
			return false
		}
	}
	return true
}
