//go:build portaudio

package main

import (
	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/portaudio"
)

func registerPlatformBackends(reg *config.Registry) {
	reg.RegisterOutput("portaudio", func(e config.DeviceEntry) (audio.OutputDevice, error) {
		frames, err := e.Int("frames_per_buffer", portaudio.DefaultFramesPerBuffer)
		if err != nil {
			return nil, err
		}
		return &portaudio.Output{FramesPerBuffer: frames}, nil
	})
	reg.RegisterInput("portaudio", func(e config.DeviceEntry) (audio.InputDevice, error) {
		frames, err := e.Int("frames_per_buffer", portaudio.DefaultFramesPerBuffer)
		if err != nil {
			return nil, err
		}
		return &portaudio.Input{FramesPerBuffer: frames}, nil
	})
}
