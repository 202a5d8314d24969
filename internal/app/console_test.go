package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/internal/app"
	"github.com/MrWong99/avatarlink/pkg/protocol"
)

type fakeCommands struct {
	mu         sync.Mutex
	calls      []string
	connectErr error
	capturing  bool
}

func (f *fakeCommands) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeCommands) Connect(context.Context) error {
	f.record("connect")
	return f.connectErr
}

func (f *fakeCommands) Disconnect() error {
	f.record("close")
	return nil
}

func (f *fakeCommands) ToggleCapture(context.Context) (bool, error) {
	f.record("talk")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capturing = !f.capturing
	return f.capturing, nil
}

func (f *fakeCommands) SendText(_ context.Context, text string) error {
	f.record("text:" + text)
	return nil
}

func TestConsole_DispatchesCommands(t *testing.T) {
	t.Parallel()
	in := strings.NewReader("/connect\nhello agent\n\n/talk\n/talk\n/bogus\n/close\n/quit\nnever sent\n")
	var out bytes.Buffer
	cmds := &fakeCommands{}

	if err := app.NewConsole(in, &out).Run(context.Background(), cmds); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"connect", "text:hello agent", "talk", "talk", "close"}
	if strings.Join(cmds.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", cmds.calls, want)
	}
	for _, s := range []string{"* microphone on", "* microphone off", "unknown command /bogus"} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("output missing %q:\n%s", s, out.String())
		}
	}
}

func TestConsole_PrintsCommandErrors(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	cmds := &fakeCommands{connectErr: errors.New("dial refused")}

	if err := app.NewConsole(strings.NewReader("/connect\n"), &out).Run(context.Background(), cmds); err != nil {
		t.Fatalf("Run at EOF: %v", err)
	}
	if !strings.Contains(out.String(), "! dial refused") {
		t.Errorf("output = %q, want the error", out.String())
	}
}

func TestConsole_SlashWithSpaceIsChat(t *testing.T) {
	t.Parallel()
	cmds := &fakeCommands{}
	if err := app.NewConsole(strings.NewReader("/me waves\n"), &bytes.Buffer{}).Run(context.Background(), cmds); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cmds.calls) != 1 || cmds.calls[0] != "text:/me waves" {
		t.Errorf("calls = %v, want one chat line", cmds.calls)
	}
}

func TestConsole_StopsOnCancel(t *testing.T) {
	t.Parallel()
	// A pipe that never delivers input.
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- app.NewConsole(r, &bytes.Buffer{}).Run(ctx, &fakeCommands{}) }()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConsole_Print(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := app.NewConsole(strings.NewReader(""), &out)

	m := protocol.NewChatMessage(protocol.RoleASR, "what's up")
	m.Timestamp = time.Date(2024, 1, 1, 13, 4, 5, 0, time.UTC)
	m.Emotion = "curious"
	c.Print(m)

	if got, want := out.String(), "[13:04:05] user: what's up (curious)\n"; got != want {
		t.Errorf("Print = %q, want %q", got, want)
	}
}
