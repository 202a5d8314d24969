package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/avatarlink/internal/app"
	"github.com/MrWong99/avatarlink/internal/channel"
	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/mock"
	"github.com/MrWong99/avatarlink/pkg/lipsync"
	"github.com/MrWong99/avatarlink/pkg/protocol"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testConfig(wsURL, httpURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.WSURL = wsURL
	cfg.Server.HTTPURL = httpURL
	cfg.Status.ListenAddr = ""
	cfg.Lipsync.Tick = 5 * time.Millisecond
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// transcript records every message emitted by an App.
type transcript struct {
	mu   sync.Mutex
	msgs []protocol.ChatMessage
}

func (tr *transcript) add(m protocol.ChatMessage) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.msgs = append(tr.msgs, m)
}

func (tr *transcript) has(role protocol.Role, text string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, m := range tr.msgs {
		if m.Role == role && m.Text == text {
			return true
		}
	}
	return false
}

func (tr *transcript) roles() []protocol.Role {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]protocol.Role, len(tr.msgs))
	for i, m := range tr.msgs {
		out[i] = m.Role
	}
	return out
}

type fixture struct {
	app    *app.App
	out    *mock.OutputDevice
	in     *mock.InputDevice
	chat   *transcript
	agents <-chan *agentConn
}

type agentConn struct {
	conn   *websocket.Conn
	frames chan agentFrame
}

type agentFrame struct {
	typ  websocket.MessageType
	data []byte
}

func (a *agentConn) next(t *testing.T) agentFrame {
	t.Helper()
	select {
	case f, ok := <-a.frames:
		if !ok {
			t.Fatal("agent connection closed")
		}
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for client frame")
	}
	return agentFrame{}
}

// startAgent serves a WebSocket endpoint that reads frames until the client
// goes away.
func startAgent(t *testing.T) (string, <-chan *agentConn) {
	t.Helper()
	agents := make(chan *agentConn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		a := &agentConn{conn: conn, frames: make(chan agentFrame, 64)}
		agents <- a
		defer close(a.frames)
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			a.frames <- agentFrame{typ: typ, data: data}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), agents
}

func newFixture(t *testing.T, httpURL string, opts ...app.Option) *fixture {
	t.Helper()
	wsURL, agents := startAgent(t)
	f := &fixture{
		out:    &mock.OutputDevice{},
		in:     &mock.InputDevice{},
		chat:   &transcript{},
		agents: agents,
	}
	opts = append([]app.Option{
		app.WithOutput(f.out),
		app.WithInput(f.in),
		app.WithMetrics(testMetrics(t)),
		app.OnMessage(f.chat.add),
	}, opts...)
	a, err := app.New(testConfig(wsURL, httpURL), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return f
}

func (f *fixture) connect(t *testing.T) *agentConn {
	t.Helper()
	if err := f.app.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case a := <-f.agents:
		return a
	case <-time.After(3 * time.Second):
		t.Fatal("agent never saw a connection")
	}
	return nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fallbackServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()
	cfg := testConfig("ws://127.0.0.1:1/ws", "")
	cfg.Audio.Output.Name = "alsa"
	_, err := app.New(cfg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestNew_VirtualBackendsFromRegistry(t *testing.T) {
	t.Parallel()
	a, err := app.New(testConfig("ws://127.0.0.1:1/ws", ""), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_LinkMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.connect(t)

	eventually(t, "link established", func() bool {
		return f.chat.has(protocol.RoleSystem, app.MsgLinkEstablished)
	})
	if !f.out.IsOpen() {
		t.Error("output device not opened by Connect")
	}

	if err := f.app.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	eventually(t, "link severed", func() bool {
		return f.chat.has(protocol.RoleSystem, app.MsgLinkSevered)
	})
	if got := f.app.Channel().State(); got != channel.Closed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestConnect_ReplacesClosedChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.connect(t)
	first := f.app.Channel()

	err := f.app.Connect(context.Background())
	if !errors.Is(err, channel.ErrInvalidState) {
		t.Fatalf("second Connect err = %v, want ErrInvalidState", err)
	}

	if err := f.app.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	f.connect(t)
	if f.app.Channel() == first {
		t.Error("Connect after close reused the closed channel")
	}
	if got := f.app.Channel().State(); got != channel.Open {
		t.Errorf("state = %v, want open", got)
	}
}

func TestConnect_DialFailureSevers(t *testing.T) {
	t.Parallel()
	chat := &transcript{}
	a, err := app.New(testConfig("ws://127.0.0.1:1/ws", ""),
		app.WithOutput(&mock.OutputDevice{}),
		app.WithInput(&mock.InputDevice{}),
		app.WithMetrics(testMetrics(t)),
		app.OnMessage(chat.add),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Connect(context.Background()); !errors.Is(err, channel.ErrTransport) {
		t.Fatalf("Connect err = %v, want ErrTransport", err)
	}
	if !chat.has(protocol.RoleSystem, app.MsgLinkSevered) {
		t.Error("no link severed message after failed dial")
	}
}

// ── SendText ──────────────────────────────────────────────────────────────────

func TestSendText_OverOpenChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fallbackServer(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("fallback called while channel open")
	}))
	agent := f.connect(t)

	if err := f.app.SendText(context.Background(), "hello there"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	fr := agent.next(t)
	if fr.typ != websocket.MessageText || string(fr.data) != "hello there" {
		t.Errorf("agent got %v %q, want text %q", fr.typ, fr.data, "hello there")
	}
	if !f.chat.has(protocol.RoleUser, "hello there") {
		t.Error("user line not echoed to transcript")
	}
}

func TestSendText_BlankIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	if err := f.app.SendText(context.Background(), "   "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if n := len(f.chat.roles()); n != 0 {
		t.Errorf("transcript has %d lines, want 0", n)
	}
}

func TestSendText_FallbackWhenNotConnected(t *testing.T) {
	t.Parallel()
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.5
	}
	url := fallbackServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text != "hi" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protocol.ChatResponse{
			Reply: "greetings",
			Audio: audio.EncodeBase64(samples),
		})
	})
	f := newFixture(t, url)

	if err := f.app.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	roles := f.chat.roles()
	if len(roles) != 2 || roles[0] != protocol.RoleUser || roles[1] != protocol.RoleLLM {
		t.Fatalf("roles = %v, want [user llm]", roles)
	}
	if !f.chat.has(protocol.RoleLLM, "greetings") {
		t.Error("reply missing from transcript")
	}
	if !f.out.IsOpen() {
		t.Error("output device not opened for fallback audio")
	}
	if !f.app.Talking() {
		t.Error("Talking() = false after fallback audio")
	}
	if got := f.app.Status().Pending; got <= 0 {
		t.Errorf("pending = %v, want > 0", got)
	}
}

func TestSendText_FallbackErrorSurfacesSystemMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fallbackServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	if err := f.app.SendText(context.Background(), "hi"); err == nil {
		t.Fatal("SendText succeeded against a failing endpoint")
	}
	if !f.chat.has(protocol.RoleSystem, app.MsgSendFailed) {
		t.Error("no error line in transcript")
	}
}

func TestSendText_FallbackBadAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fallbackServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"reply":"ok","audio":"!!!not base64"}`)
	}))

	err := f.app.SendText(context.Background(), "hi")
	var de *audio.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *audio.DecodeError", err)
	}
	if !f.chat.has(protocol.RoleLLM, "ok") {
		t.Error("reply text dropped because of bad audio")
	}
	if f.app.Talking() {
		t.Error("Talking() = true without playable audio")
	}
}

func TestSendText_NoFallbackConfigured(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	if err := f.app.SendText(context.Background(), "hi"); !errors.Is(err, app.ErrNoFallback) {
		t.Fatalf("err = %v, want ErrNoFallback", err)
	}
	if !f.chat.has(protocol.RoleSystem, app.MsgSendFailed) {
		t.Error("no error line in transcript")
	}
}

// ── Capture ───────────────────────────────────────────────────────────────────

func TestToggleCapture_NotConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	if _, err := f.app.ToggleCapture(context.Background()); !errors.Is(err, channel.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestToggleCapture_StreamsFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	agent := f.connect(t)

	on, err := f.app.ToggleCapture(context.Background())
	if err != nil || !on {
		t.Fatalf("ToggleCapture = %v, %v; want true, nil", on, err)
	}
	if got := string(agent.next(t).data); got != `{"cmd":"start_asr"}` {
		t.Errorf("first frame = %s, want start_asr", got)
	}
	if !f.in.IsOpen() {
		t.Fatal("microphone not opened")
	}

	if !f.in.Push(make([]float32, 4096)) {
		t.Fatal("push refused")
	}
	fr := agent.next(t)
	if fr.typ != websocket.MessageBinary || len(fr.data) != 4096*2 {
		t.Errorf("frame = %v len %d, want binary len %d", fr.typ, len(fr.data), 4096*2)
	}

	on, err = f.app.ToggleCapture(context.Background())
	if err != nil || on {
		t.Fatalf("second ToggleCapture = %v, %v; want false, nil", on, err)
	}
	if got := string(agent.next(t).data); got != `{"cmd":"stop_asr"}` {
		t.Errorf("frame = %s, want stop_asr", got)
	}
	if f.in.IsOpen() {
		t.Error("microphone still open after release")
	}
}

func TestToggleCapture_PermissionDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.in.OpenError = fmt.Errorf("mic blocked: %w", audio.ErrPermissionDenied)
	f.connect(t)

	on, err := f.app.ToggleCapture(context.Background())
	if on || !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("ToggleCapture = %v, %v; want false, ErrPermissionDenied", on, err)
	}
	if !f.chat.has(protocol.RoleSystem, app.MsgMicRequired) {
		t.Error("no microphone message in transcript")
	}
}

func TestShutdown_StopsCaptureAndChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.connect(t)
	if _, err := f.app.ToggleCapture(context.Background()); err != nil {
		t.Fatalf("ToggleCapture: %v", err)
	}

	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.in.IsOpen() {
		t.Error("microphone open after shutdown")
	}
	if f.out.IsOpen() {
		t.Error("speaker open after shutdown")
	}
	if got := f.app.Channel().State(); got != channel.Closed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := f.app.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

// ── Status server ─────────────────────────────────────────────────────────────

func TestHandler_StatuszAndReadyz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "http://127.0.0.1:1/chat",
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, "# metrics\n")
		})),
	)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	res, err := http.Get(srv.URL + "/statusz")
	if err != nil {
		t.Fatalf("GET /statusz: %v", err)
	}
	var st app.Status
	err = json.NewDecoder(res.Body).Decode(&st)
	res.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Channel != "none" || st.Fallback != "closed" {
		t.Errorf("status = %+v, want channel none, fallback closed", st)
	}

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		res, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, res.StatusCode, want)
		}
	}
	if f.out.IsOpen() {
		t.Error("readiness check opened the output device")
	}

	_ = f.app.Shutdown(context.Background())
	res, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", res.StatusCode)
	}
}

// ── Run ───────────────────────────────────────────────────────────────────────

type poseRecorder struct {
	mu     sync.Mutex
	frames []lipsync.Frame
}

func (p *poseRecorder) Pose(fr lipsync.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, fr)
}

func (p *poseRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func TestRun_PosesDriverUntilCancelled(t *testing.T) {
	t.Parallel()
	poses := &poseRecorder{}
	f := newFixture(t, "", app.WithDriver(poses))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.app.Run(ctx) }()

	eventually(t, "driver poses", func() bool { return poses.count() >= 3 })
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
