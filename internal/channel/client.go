// Package channel implements the client side of the voice channel: a single
// WebSocket connection to the remote agent and the state machine around it.
//
// A [Client] moves Idle -> Connecting -> Open -> Closed and never leaves
// Closed; retrying means constructing a new Client. While Open, inbound
// envelopes are dispatched by type: AUDIO is decoded and handed to the
// [Player], TEXT is surfaced to the chat observer, COMMAND toggles the
// asrActive flag. Outbound traffic goes through one FIFO queue drained by a
// writer goroutine, so control frames and microphone audio keep their order
// on the wire.
//
// asrActive becomes true only when the agent acknowledges a capture session
// with COMMAND asr_started, and is forced false the instant the client
// closes. Closing also stops capture unconditionally; audio that was already
// handed to the Player keeps playing.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/playback"
	"github.com/MrWong99/avatarlink/pkg/lipsync"
	"github.com/MrWong99/avatarlink/pkg/protocol"
)

const (
	defaultSendQueue = 32

	// defaultReadLimit covers several seconds of base64 PCM16 in a single
	// AUDIO envelope.
	defaultReadLimit = 16 << 20
)

// Player receives decoded agent speech. *playback.Scheduler satisfies it.
type Player interface {
	Enqueue(c audio.Chunk) (playback.Placement, error)
}

// Capturer is the microphone side. *capture.Pipeline satisfies it.
type Capturer interface {
	Start() error
	Stop()
}

// Config holds the connection parameters.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8899/ws/voice.
	URL string

	// SendQueue bounds the outbound queue. Capture frames that do not fit
	// are dropped. Defaults to 32.
	SendQueue int

	// ReadLimit is the largest inbound message accepted, in bytes. Defaults
	// to 16 MiB.
	ReadLimit int64
}

// Option is a functional option for [New].
type Option func(*Client)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTalking sets the talking flag marked on every AUDIO message. By
// default the client owns a flag with [lipsync.DefaultHangover].
func WithTalking(h *lipsync.Hangover) Option {
	return func(c *Client) { c.talking = h }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// OnStateChange registers fn to be called after every state transition. It
// runs on whichever goroutine caused the transition.
func OnStateChange(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// OnText registers fn for TEXT messages. The role is already mapped for
// display.
func OnText(fn func(protocol.ChatMessage)) Option {
	return func(c *Client) { c.onText = fn }
}

// OnViseme registers fn for VISEME messages. Without one they are dropped.
func OnViseme(fn func(protocol.Viseme)) Option {
	return func(c *Client) { c.onViseme = fn }
}

// OnEvent registers fn for EVENT messages. Without one they are dropped.
func OnEvent(fn func(string)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// outbound is one queued WebSocket frame. result, when set, receives the
// write outcome.
type outbound struct {
	typ    websocket.MessageType
	data   []byte
	result chan error
}

// Client is one voice channel connection. All methods are safe for
// concurrent use.
type Client struct {
	cfg        Config
	player     Player
	capturer   Capturer
	metrics    *observe.Metrics
	talking    *lipsync.Hangover
	httpClient *http.Client

	onState  func(State)
	onText   func(protocol.ChatMessage)
	onViseme func(protocol.Viseme)
	onEvent  func(string)

	// state mirrors st for lock-free reads from the capture callback.
	state atomic.Int32

	mu        sync.Mutex
	st        State
	asrActive bool
	capturing bool
	err       error
	conn      *websocket.Conn

	out    chan outbound
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	dropLog  *rate.Limiter
	parseLog *rate.Limiter
}

// New creates an Idle client. Nothing touches the network until Connect.
func New(cfg Config, player Player, capturer Capturer, opts ...Option) *Client {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		player:   player,
		capturer: capturer,
		out:      make(chan outbound, cfg.SendQueue),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		dropLog:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		parseLog: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.talking == nil {
		c.talking = lipsync.NewHangover(lipsync.DefaultHangover)
	}
	return c
}

// Connect dials the agent. It is only valid from Idle. On failure the client
// is Closed and the returned error wraps [ErrTransport].
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transition(Idle, Connecting); err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "channel.connect")
	defer span.End()
	log := observe.Logger(ctx).With("url", c.cfg.URL)

	// Close while Connecting aborts the handshake.
	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancelDial)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	stop()
	cancelDial()
	if err != nil {
		if c.ctx.Err() != nil {
			return fmt.Errorf("%w: closed while connecting", ErrInvalidState)
		}
		err = fmt.Errorf("%w: dial %s: %w", ErrTransport, c.cfg.URL, err)
		observe.Fail(span, err, "dial failed")
		log.Warn("channel: connect failed", "err", err)
		c.closeWith(err)
		return err
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.st != Connecting {
		// Closed while dialling.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return fmt.Errorf("%w: closed while connecting", ErrInvalidState)
	}
	c.conn = conn
	c.setLocked(Open)
	c.wg.Add(2)
	go c.receiveLoop(conn)
	go c.writeLoop(conn)
	c.mu.Unlock()

	c.notify(Open)
	log.Info("channel: connected")
	return nil
}

// RequestCapture asks the agent to start recognition and then starts the
// microphone. It does not set asrActive; that waits for the agent's
// acknowledgment. If the microphone fails to start, stop_asr is sent and
// the capture error is returned.
func (c *Client) RequestCapture(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.st != Open:
		st := c.st
		c.mu.Unlock()
		return fmt.Errorf("%w: request capture while %s", ErrInvalidState, st)
	case c.capturing:
		c.mu.Unlock()
		return ErrCaptureActive
	}
	c.capturing = true
	c.mu.Unlock()

	if err := c.sendControl(ctx, protocol.CmdStartASR); err != nil {
		c.setCapturing(false)
		return err
	}
	if err := c.capturer.Start(); err != nil {
		c.setCapturing(false)
		if serr := c.sendControl(ctx, protocol.CmdStopASR); serr != nil {
			slog.Debug("channel: stop_asr after failed capture start", "err", serr)
		}
		return fmt.Errorf("channel: start capture: %w", err)
	}

	// Close may have run between the checks above and Start.
	if c.State() != Open {
		c.capturer.Stop()
		c.setCapturing(false)
		return fmt.Errorf("%w: closed while starting capture", ErrInvalidState)
	}
	return nil
}

// ReleaseCapture stops the microphone, tells the agent to stop recognition
// and clears asrActive. It is a no-op when no capture session is running.
func (c *Client) ReleaseCapture(ctx context.Context) error {
	c.mu.Lock()
	if c.st != Open {
		st := c.st
		c.mu.Unlock()
		return fmt.Errorf("%w: release capture while %s", ErrInvalidState, st)
	}
	if !c.capturing {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.capturer.Stop()

	c.mu.Lock()
	c.capturing = false
	c.asrActive = false
	c.mu.Unlock()

	return c.sendControl(ctx, protocol.CmdStopASR)
}

// SendText sends a chat line as a plain text frame.
func (c *Client) SendText(ctx context.Context, text string) error {
	if protocol.Blank(text) {
		return ErrEmptyText
	}
	c.mu.Lock()
	st, capturing := c.st, c.capturing
	c.mu.Unlock()
	if st != Open {
		return fmt.Errorf("%w: send text while %s", ErrInvalidState, st)
	}
	if capturing {
		return ErrCaptureActive
	}
	return c.send(ctx, websocket.MessageText, []byte(text))
}

// SendFrame queues a capture frame as a binary message without blocking.
// It reports false when the frame was dropped because the client is not
// Open or the queue is full. It is meant to be called from a capture sink.
func (c *Client) SendFrame(frame audio.AudioFrame) bool {
	if State(c.state.Load()) != Open || len(frame.Data) == 0 {
		return false
	}
	select {
	case c.out <- outbound{typ: websocket.MessageBinary, data: frame.Data}:
		c.metrics.CaptureFrames.Add(c.ctx, 1)
		return true
	default:
		c.metrics.CaptureDropped.Add(c.ctx, 1)
		if c.dropLog.Allow() {
			slog.Warn("channel: send queue full, dropping capture frame",
				"queue", cap(c.out),
				"timestamp", frame.Timestamp,
			)
		}
		return false
	}
}

// Close moves the client to Closed from any state and waits for the
// connection goroutines to exit. It is idempotent. It must not be called
// from an observer callback.
func (c *Client) Close() error {
	c.closeWith(nil)
	c.wg.Wait()
	return nil
}

// State returns the current state.
func (c *Client) State() State { return State(c.state.Load()) }

// ASRActive reports whether the agent has acknowledged a capture session.
func (c *Client) ASRActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.asrActive
}

// Capturing reports whether a local capture session is running.
func (c *Client) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Talking reports whether agent audio arrived within the hangover window.
func (c *Client) Talking() bool { return c.talking.Active() }

// Done is closed when the client reaches Closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the transport error that closed the client, or nil if it was
// closed explicitly or is still running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ── internals ─────────────────────────────────────────────────────────────────

func (c *Client) transition(from, to State) error {
	c.mu.Lock()
	if c.st != from {
		st := c.st
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, st)
	}
	c.setLocked(to)
	c.mu.Unlock()
	c.notify(to)
	return nil
}

// setLocked must be called with c.mu held.
func (c *Client) setLocked(s State) {
	c.st = s
	c.state.Store(int32(s))
	c.metrics.RecordStateTransition(c.ctx, s.String())
}

func (c *Client) notify(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Client) setCapturing(v bool) {
	c.mu.Lock()
	c.capturing = v
	c.mu.Unlock()
}

// closeWith performs the single transition into Closed. cause is nil for an
// explicit Close.
func (c *Client) closeWith(cause error) {
	c.mu.Lock()
	if c.st == Closed {
		c.mu.Unlock()
		return
	}
	prev := c.st
	c.setLocked(Closed)
	c.asrActive = false
	c.capturing = false
	c.err = cause
	conn := c.conn
	c.mu.Unlock()

	// Not under c.mu: a capture callback in flight may be inside SendFrame.
	c.capturer.Stop()
	c.talking.Clear()
	close(c.done)
	if conn != nil {
		if cause == nil {
			conn.Close(websocket.StatusNormalClosure, "client closed")
		} else {
			conn.CloseNow()
		}
	}
	c.cancel()

	if cause != nil {
		slog.Warn("channel: closed", "from", prev.String(), "err", cause)
	} else {
		slog.Info("channel: closed", "from", prev.String())
	}
	c.notify(Closed)
}

func (c *Client) sendControl(ctx context.Context, cmd string) error {
	return c.send(ctx, websocket.MessageText, protocol.Control{Cmd: cmd}.Encode())
}

// send queues a frame and waits for it to be written.
func (c *Client) send(ctx context.Context, typ websocket.MessageType, data []byte) error {
	msg := outbound{typ: typ, data: data, result: make(chan error, 1)}
	select {
	case c.out <- msg:
	case <-c.done:
		return fmt.Errorf("%w: client closed", ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.result:
		return err
	case <-c.done:
		return fmt.Errorf("%w: client closed", ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop drains the outbound queue in order.
func (c *Client) writeLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			err := conn.Write(c.ctx, msg.typ, msg.data)
			if err != nil && c.ctx.Err() == nil {
				err = fmt.Errorf("%w: write: %w", ErrTransport, err)
			}
			if msg.result != nil {
				msg.result <- err
			}
			if err != nil {
				c.closeWith(err)
				return
			}
		}
	}
}

// receiveLoop reads envelopes until the connection fails or the client is
// closed. A read error while open is a transport failure.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = fmt.Errorf("%w: remote hung up", ErrTransport)
			} else {
				err = fmt.Errorf("%w: read: %w", ErrTransport, err)
			}
			c.closeWith(err)
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("channel: ignoring binary frame", "bytes", len(data))
			continue
		}
		c.dispatch(data)
	}
}

// dispatch handles one inbound envelope. Failures are isolated to the
// message.
func (c *Client) dispatch(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.metrics.ChannelParseErrors.Add(c.ctx, 1)
		if c.parseLog.Allow() {
			slog.Warn("channel: dropping unparseable message", "err", err, "bytes", len(data))
		}
		return
	}
	c.metrics.RecordMessage(c.ctx, string(msg.Type))

	switch msg.Type {
	case protocol.TypeText:
		if c.onText != nil {
			cm := protocol.NewChatMessage(msg.Role, msg.Text)
			cm.Emotion = msg.Emotion
			c.onText(cm)
		}

	case protocol.TypeAudio:
		chunk, err := audio.DecodeBase64(msg.Audio)
		if err != nil {
			c.metrics.DecodeErrors.Add(c.ctx, 1)
			if c.parseLog.Allow() {
				slog.Warn("channel: dropping undecodable audio", "err", err)
			}
			return
		}
		if chunk.Len() == 0 {
			return
		}
		if _, err := c.player.Enqueue(chunk); err != nil {
			slog.Warn("channel: playback rejected chunk", "err", err)
			return
		}
		c.talking.Mark()

	case protocol.TypeViseme:
		if c.onViseme != nil && msg.Viseme != nil {
			c.onViseme(*msg.Viseme)
		}

	case protocol.TypeEvent:
		if c.onEvent != nil {
			c.onEvent(msg.Event)
		}

	case protocol.TypeCommand:
		switch msg.Command {
		case protocol.CommandASRStarted:
			c.setASRActive(true)
		case protocol.CommandASRStopped:
			c.setASRActive(false)
		default:
			slog.Debug("channel: unknown command", "command", msg.Command)
		}
	}
}

// setASRActive applies an acknowledgment unless the client already left
// Open, so a late asr_started cannot resurrect the flag after close.
func (c *Client) setASRActive(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == Open {
		c.asrActive = v
	}
}
