package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/MrWong99/avatarlink/pkg/protocol"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, m protocol.Message)
	}{
		{
			name:  "text with emotion",
			input: `{"type":"TEXT","role":"llm","text":"hello","emotion":"happy"}`,
			check: func(t *testing.T, m protocol.Message) {
				if m.Role != protocol.RoleLLM || m.Text != "hello" || m.Emotion != "happy" {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			name:  "audio",
			input: `{"type":"AUDIO","audio":"AAA="}`,
			check: func(t *testing.T, m protocol.Message) {
				if m.Audio != "AAA=" {
					t.Errorf("Audio = %q", m.Audio)
				}
			},
		},
		{
			name:  "nested viseme",
			input: `{"type":"VISEME","viseme":{"phoneme":"AA","start":0.1,"end":0.2}}`,
			check: func(t *testing.T, m protocol.Message) {
				if m.Viseme == nil || *m.Viseme != (protocol.Viseme{Phoneme: "AA", Start: 0.1, End: 0.2}) {
					t.Errorf("Viseme = %+v", m.Viseme)
				}
			},
		},
		{
			name:  "flat viseme",
			input: `{"type":"VISEME","phoneme":"OH","start":1,"end":1.5}`,
			check: func(t *testing.T, m protocol.Message) {
				if m.Viseme == nil || *m.Viseme != (protocol.Viseme{Phoneme: "OH", Start: 1, End: 1.5}) {
					t.Errorf("Viseme = %+v", m.Viseme)
				}
			},
		},
		{
			name:  "event",
			input: `{"type":"EVENT","event":"turn_end"}`,
			check: func(t *testing.T, m protocol.Message) {
				if m.Event != "turn_end" {
					t.Errorf("Event = %q", m.Event)
				}
			},
		},
		{
			name:  "command",
			input: `{"type":"COMMAND","command":"asr_started"}`,
			check: func(t *testing.T, m protocol.Message) {
				if m.Command != protocol.CommandASRStarted {
					t.Errorf("Command = %q", m.Command)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, err := protocol.Parse([]byte(tc.input))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tc.check(t, m)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		unknownType bool
	}{
		{"not json", `{{{`, false},
		{"missing type", `{"text":"hi"}`, true},
		{"unknown type", `{"type":"PING"}`, true},
		{"lowercase type", `{"type":"text","text":"hi"}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := protocol.Parse([]byte(tc.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, protocol.ErrUnknownType); got != tc.unknownType {
				t.Errorf("errors.Is(err, ErrUnknownType) = %v, want %v (err: %v)", got, tc.unknownType, err)
			}
		})
	}
}

func TestRole_Display(t *testing.T) {
	t.Parallel()
	cases := map[protocol.Role]protocol.Role{
		protocol.RoleASR:    protocol.RoleUser,
		protocol.RoleLLM:    protocol.RoleLLM,
		protocol.RoleSystem: protocol.RoleSystem,
		protocol.RoleUser:   protocol.RoleUser,
	}
	for in, want := range cases {
		if got := in.Display(); got != want {
			t.Errorf("%q.Display() = %q, want %q", in, got, want)
		}
	}
}

func TestControl_Encode(t *testing.T) {
	t.Parallel()
	if got := string(protocol.Control{Cmd: protocol.CmdStartASR}.Encode()); got != `{"cmd":"start_asr"}` {
		t.Errorf("Encode() = %s", got)
	}
	if got := string(protocol.Control{Cmd: protocol.CmdStopASR}.Encode()); got != `{"cmd":"stop_asr"}` {
		t.Errorf("Encode() = %s", got)
	}
}

func TestChatResponse_Decode(t *testing.T) {
	t.Parallel()
	var resp protocol.ChatResponse
	if err := json.Unmarshal([]byte(`{"reply":"hi there","audio":"AAAA"}`), &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.Reply != "hi there" || resp.Audio != "AAAA" {
		t.Errorf("got %+v", resp)
	}
}

func TestNewChatMessage(t *testing.T) {
	t.Parallel()
	a := protocol.NewChatMessage(protocol.RoleASR, "what time is it")
	b := protocol.NewChatMessage(protocol.RoleLLM, "noon")

	if a.Role != protocol.RoleUser {
		t.Errorf("asr message role = %q, want user", a.Role)
	}
	if _, err := uuid.Parse(a.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", a.ID, err)
	}
	if a.ID == b.ID {
		t.Error("two messages share an ID")
	}
	if a.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestBlank(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "   ", "\n\t"} {
		if !protocol.Blank(s) {
			t.Errorf("Blank(%q) = false", s)
		}
	}
	if protocol.Blank(" hi ") {
		t.Error(`Blank(" hi ") = true`)
	}
}
