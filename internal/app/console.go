package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/protocol"
)

// Commands is the part of [App] a console drives.
type Commands interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ToggleCapture(ctx context.Context) (bool, error)
	SendText(ctx context.Context, text string) error
}

const consoleHelp = `commands:
  /connect  open the voice channel
  /talk     start or stop the microphone
  /close    close the voice channel
  /quit     exit
anything else is sent as a chat line`

// Console is a line-oriented terminal front end. It prints transcript lines
// and turns input lines into [Commands] calls.
type Console struct {
	in io.Reader

	mu  sync.Mutex
	out io.Writer
}

// NewConsole returns a console reading commands from in and writing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// Print writes one transcript line. It is safe to use as an [OnMessage]
// callback.
func (c *Console) Print(m protocol.ChatMessage) {
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04:05"), m.Role, m.Text)
	if m.Emotion != "" {
		line += " (" + m.Emotion + ")"
	}
	c.println(line)
}

// Run reads lines until /quit, end of input or ctx cancellation. It returns
// nil on /quit and end of input, ctx.Err() on cancellation. Command errors
// are printed and do not stop the loop.
func (c *Console) Run(ctx context.Context, cmds Commands) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.handle(ctx, cmds, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the console should
// exit.
func (c *Console) handle(ctx context.Context, cmds Commands, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		c.println(consoleHelp)
	case "/connect":
		err = cmds.Connect(ctx)
	case "/close":
		err = cmds.Disconnect()
	case "/talk":
		var on bool
		if on, err = cmds.ToggleCapture(ctx); err == nil {
			if on {
				c.println("* microphone on")
			} else {
				c.println("* microphone off")
			}
		}
	default:
		if strings.HasPrefix(line, "/") && !strings.Contains(line, " ") {
			c.println("unknown command " + line + "; /help lists commands")
			return false
		}
		err = cmds.SendText(ctx, line)
	}
	if err != nil {
		c.println("! " + err.Error())
	}
	return false
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}
