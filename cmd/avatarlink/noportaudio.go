//go:build !portaudio

package main

import "github.com/MrWong99/avatarlink/internal/config"

// registerPlatformBackends is a no-op without the portaudio build tag; only
// the virtual backend is available.
func registerPlatformBackends(*config.Registry) {}
