// Package app wires the avatarlink subsystems into a running client.
//
// The App owns the long-lived audio pieces: the output device behind the
// playback scheduler, the energy analyzer tapping it, the microphone capture
// pipeline and the talking flag. Voice channels come and go: every Connect
// builds a fresh [channel.Client] on top of those shared pieces, and the
// previous one, once Closed, is simply replaced.
//
// For testing, inject devices and sinks via functional options. When an
// option is not provided, New builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarlink/internal/channel"
	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/internal/fallback"
	"github.com/MrWong99/avatarlink/internal/health"
	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/capture"
	"github.com/MrWong99/avatarlink/pkg/audio/energy"
	"github.com/MrWong99/avatarlink/pkg/audio/playback"
	"github.com/MrWong99/avatarlink/pkg/lipsync"
	"github.com/MrWong99/avatarlink/pkg/protocol"
)

// System messages shown in the transcript.
const (
	MsgLinkEstablished = "Link Established. Voice Channel Active."
	MsgLinkSevered     = "Link Severed."
	MsgSendFailed      = "Error sending message. Check connection."
	MsgMicRequired     = "Microphone access is required."
)

// ErrNoFallback is returned by SendText when the voice channel is not
// usable and no fallback endpoint is configured.
var ErrNoFallback = errors.New("app: voice channel not open and fallback disabled")

// shutdownTimeout bounds the status server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Option is a functional option for New.
type Option func(*App)

// WithRegistry sets the backend registry used to build devices. Defaults to
// [config.NewRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithOutput injects the output device instead of building it from config.
func WithOutput(dev audio.OutputDevice) Option {
	return func(a *App) { a.output = dev }
}

// WithInput injects the input device instead of building it from config.
func WithInput(dev audio.InputDevice) Option {
	return func(a *App) { a.input = dev }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics on the status server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath makes Run watch path and apply hot-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithDriver sets the animation driver posed once per tick.
func WithDriver(d lipsync.Driver) Option {
	return func(a *App) { a.driver = d }
}

// OnMessage registers fn to receive every transcript line. It may be called
// from any goroutine.
func OnMessage(fn func(protocol.ChatMessage)) Option {
	return func(a *App) { a.onMessage = fn }
}

// App owns all subsystem lifetimes.
type App struct {
	cfg            *config.Config
	registry       *config.Registry
	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	configPath     string
	driver         lipsync.Driver
	onMessage      func(protocol.ChatMessage)

	output    audio.OutputDevice
	input     audio.InputDevice
	analyzer  *energy.Analyzer
	talking   *lipsync.Hangover
	scheduler *playback.Scheduler
	capture   *capture.Pipeline
	fallback  *fallback.Client

	// fallbackHangover is the talking window after a fallback reply, in
	// nanoseconds. Reloadable.
	fallbackHangover atomic.Int64

	// connMu serialises Connect so two calls cannot both replace the client.
	connMu sync.Mutex
	client atomic.Pointer[channel.Client]

	pose atomic.Pointer[lipsync.Frame]

	stopOnce sync.Once
}

// New builds an App from cfg. Nothing is opened yet: the output device is
// opened on the first Connect or fallback reply, the microphone on the first
// capture request.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.output == nil {
		dev, err := a.registry.CreateOutput(cfg.Audio.Output)
		if err != nil {
			return nil, fmt.Errorf("app: output device: %w", err)
		}
		a.output = dev
	}
	if a.input == nil {
		dev, err := a.registry.CreateInput(cfg.Audio.Input)
		if err != nil {
			return nil, fmt.Errorf("app: input device: %w", err)
		}
		a.input = dev
	}

	a.analyzer = energy.New(
		energy.WithAlpha(cfg.Lipsync.Alpha),
		energy.WithGain(cfg.Lipsync.Gain),
		energy.WithWindow(cfg.Lipsync.Window),
	)
	a.talking = lipsync.NewHangover(cfg.Lipsync.Hangover)
	a.fallbackHangover.Store(int64(cfg.Lipsync.FallbackHangover))

	a.scheduler = playback.New(a.output,
		playback.WithTap(a.analyzer),
		playback.WithObserver(a.recordPlacement),
	)
	a.capture = capture.New(a.input, a.forwardFrame,
		capture.WithBlockSize(cfg.Audio.BlockSize),
		capture.WithFormat(audio.Format{
			SampleRate: cfg.Audio.DeviceSampleRate,
			Channels:   cfg.Audio.DeviceChannels,
		}),
	)

	if cfg.Server.HTTPURL != "" {
		a.fallback = fallback.New(cfg.Server.HTTPURL,
			fallback.WithTimeout(cfg.Server.FallbackTimeout),
			fallback.WithMetrics(a.metrics),
		)
	}
	return a, nil
}

// ─── Voice channel ───────────────────────────────────────────────────────────

// Connect opens the playback device and dials a new voice channel. It fails
// with [channel.ErrInvalidState] while the current channel is not Closed.
func (a *App) Connect(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if cur := a.client.Load(); cur != nil && cur.State() != channel.Closed {
		return fmt.Errorf("app: connect: %w: channel is %s", channel.ErrInvalidState, cur.State())
	}
	if err := a.scheduler.Initialize(); err != nil {
		return fmt.Errorf("app: connect: %w", err)
	}

	c := channel.New(
		channel.Config{URL: a.cfg.Server.WSURL, SendQueue: a.cfg.Audio.SendQueue},
		a.scheduler, a.capture,
		channel.WithMetrics(a.metrics),
		channel.WithTalking(a.talking),
		channel.OnStateChange(a.onState),
		channel.OnText(a.emit),
		channel.OnViseme(func(v protocol.Viseme) {
			slog.Debug("viseme", "phoneme", v.Phoneme, "start", v.Start, "end", v.End)
		}),
		channel.OnEvent(func(ev string) {
			slog.Debug("agent event", "event", ev)
		}),
	)
	a.client.Store(c)
	return c.Connect(ctx)
}

// Disconnect closes the current voice channel, if any. Audio already
// scheduled keeps playing.
func (a *App) Disconnect() error {
	if c := a.client.Load(); c != nil {
		return c.Close()
	}
	return nil
}

// ToggleCapture starts a capture session when none is running and stops it
// otherwise. It reports whether capture is running afterwards.
func (a *App) ToggleCapture(ctx context.Context) (bool, error) {
	c := a.client.Load()
	if c == nil || c.State() != channel.Open {
		return false, fmt.Errorf("app: capture: %w: voice channel not open", channel.ErrInvalidState)
	}
	if c.Capturing() {
		return false, c.ReleaseCapture(ctx)
	}
	if err := c.RequestCapture(ctx); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			a.system(MsgMicRequired)
		}
		return false, err
	}
	return true, nil
}

// SendText adds text to the transcript and sends it to the agent: over the
// voice channel when it is Open and not capturing, otherwise through the
// fallback endpoint. Failures are also reported as a system message.
func (a *App) SendText(ctx context.Context, text string) error {
	if protocol.Blank(text) {
		return nil
	}
	a.emit(protocol.NewChatMessage(protocol.RoleUser, text))

	if c := a.client.Load(); c != nil && c.State() == channel.Open && !c.Capturing() {
		if err := c.SendText(ctx, text); err != nil {
			slog.Warn("app: send text over voice channel", "err", err)
			a.system(MsgSendFailed)
			return err
		}
		return nil
	}
	return a.sendFallback(ctx, text)
}

func (a *App) sendFallback(ctx context.Context, text string) error {
	if a.fallback == nil {
		a.system(MsgSendFailed)
		return ErrNoFallback
	}
	resp, err := a.fallback.Chat(ctx, text)
	if err != nil {
		a.system(MsgSendFailed)
		return err
	}
	if resp.Reply != "" {
		a.emit(protocol.NewChatMessage(protocol.RoleLLM, resp.Reply))
	}
	if resp.Audio == "" {
		return nil
	}

	chunk, err := audio.DecodeBase64(resp.Audio)
	if err != nil {
		a.metrics.DecodeErrors.Add(ctx, 1)
		a.system(MsgSendFailed)
		return fmt.Errorf("app: fallback audio: %w", err)
	}
	if err := a.scheduler.Initialize(); err != nil {
		return fmt.Errorf("app: fallback audio: %w", err)
	}
	if _, err := a.scheduler.Enqueue(chunk); err != nil {
		return fmt.Errorf("app: fallback audio: %w", err)
	}
	a.talking.Extend(time.Duration(a.fallbackHangover.Load()))
	return nil
}

// Channel returns the current voice channel, or nil before the first
// Connect.
func (a *App) Channel() *channel.Client { return a.client.Load() }

func (a *App) onState(s channel.State) {
	slog.Info("voice channel state", "state", s.String(), "url", a.cfg.Server.WSURL)
	switch s {
	case channel.Open:
		a.system(MsgLinkEstablished)
	case channel.Closed:
		a.system(MsgLinkSevered)
	}
}

// forwardFrame is the capture sink. It runs on the device callback.
func (a *App) forwardFrame(frame audio.AudioFrame) {
	if c := a.client.Load(); c != nil {
		c.SendFrame(frame)
	}
}

func (a *App) recordPlacement(p playback.Placement) {
	a.metrics.RecordPlacement(context.Background(), p.Lead.Seconds(), p.Gap.Seconds())
}

func (a *App) system(text string) {
	a.emit(protocol.NewChatMessage(protocol.RoleSystem, text))
}

func (a *App) emit(m protocol.ChatMessage) {
	slog.Debug("chat message", "role", m.Role, "id", m.ID)
	if a.onMessage != nil {
		a.onMessage(m)
	}
}

// ─── Animation ───────────────────────────────────────────────────────────────

// Energy implements [lipsync.Signal]. Each call advances the smoothing
// filter, so only the animation loop should poll it.
func (a *App) Energy() float64 { return a.analyzer.Energy() }

// Talking implements [lipsync.Signal].
func (a *App) Talking() bool { return a.talking.Active() }

// Pose records the latest frame for /statusz and forwards it to the
// configured driver.
func (a *App) Pose(fr lipsync.Frame) {
	a.pose.Store(&fr)
	if a.driver != nil {
		a.driver.Pose(fr)
	}
}

// ─── Status ──────────────────────────────────────────────────────────────────

// Status is the /statusz snapshot.
type Status struct {
	Channel   string  `json:"channel"`
	ASRActive bool    `json:"asr_active"`
	Capturing bool    `json:"capturing"`
	Talking   bool    `json:"talking"`
	Energy    float64 `json:"energy"`
	Pending   float64 `json:"playback_pending_seconds"`
	Fallback  string  `json:"fallback"`
}

// Status returns a snapshot of the live state. Energy is the value last
// handed to the animation driver.
func (a *App) Status() Status {
	s := Status{
		Channel:  "none",
		Talking:  a.talking.Active(),
		Pending:  a.scheduler.Pending().Seconds(),
		Fallback: "disabled",
	}
	if c := a.client.Load(); c != nil {
		s.Channel = c.State().String()
		s.ASRActive = c.ASRActive()
		s.Capturing = c.Capturing()
	}
	if fr := a.pose.Load(); fr != nil {
		s.Energy = fr.Energy
	}
	if a.fallback != nil {
		s.Fallback = a.fallback.Breaker().State().String()
	}
	return s
}

// Handler returns the status server's handler: health probes, /statusz and,
// when configured, /metrics.
func (a *App) Handler() http.Handler {
	checkers := []health.Checker{{
		Name: "playback",
		Check: func(context.Context) error {
			if a.scheduler.Closed() {
				return playback.ErrClosed
			}
			return nil
		},
	}}
	if a.fallback != nil {
		checkers = append(checkers, health.Checker{
			Name: "fallback",
			Check: func(context.Context) error {
				if st := a.fallback.Breaker().State(); st == fallback.BreakerOpen {
					return fmt.Errorf("circuit %s", st)
				}
				return nil
			},
		})
	}

	mux := http.NewServeMux()
	health.New(checkers...).WithSnapshot(func() any { return a.Status() }).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Config reload ───────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new and
// logs the rest as needing a restart. It is the config watcher callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.EnergyChanged {
		a.analyzer.SetCalibration(d.NewAlpha, d.NewGain)
		slog.Info("energy calibration changed", "alpha", d.NewAlpha, "gain", d.NewGain)
	}
	if d.HangoverChanged {
		a.talking.SetWindow(d.NewHangover)
		a.fallbackHangover.Store(int64(d.NewFallbackHangover))
		slog.Info("talking hangover changed",
			"hangover", d.NewHangover,
			"fallback_hangover", d.NewFallbackHangover,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the status endpoints, drives the animation loop and applies
// config reloads until ctx is cancelled. It returns the first error from any
// of them, or nil after a clean cancellation.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Status.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: status listener: %w", err)
		}
		srv := &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		slog.Info("status server listening", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			w.Stop()
			return nil
		})
	}

	g.Go(func() error {
		err := lipsync.Loop(ctx, a, a, a.cfg.Lipsync.Tick)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the voice channel, releases the microphone and stops
// playback. It is idempotent. ctx bounds how long Shutdown waits for the
// channel to close.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.Disconnect(); err != nil {
				slog.Warn("voice channel close error", "err", err)
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded waiting for voice channel")
			shutdownErr = ctx.Err()
		}

		a.capture.Stop()
		if err := a.scheduler.Close(); err != nil {
			slog.Warn("playback close error", "err", err)
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
