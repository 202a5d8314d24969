// Package protocol defines the JSON messages exchanged with the remote voice
// agent.
//
// The agent pushes discriminated JSON envelopes over the voice channel; see
// [Message]. The client sends three kinds of frames back: raw binary PCM16
// while capturing, [Control] frames to start and stop recognition, and plain
// text chat lines. When no channel is open the same conversation can be
// carried by a single HTTP round trip, [ChatRequest] and [ChatResponse].
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates inbound envelopes.
type MessageType string

// Inbound message kinds.
const (
	TypeText    MessageType = "TEXT"
	TypeAudio   MessageType = "AUDIO"
	TypeViseme  MessageType = "VISEME"
	TypeEvent   MessageType = "EVENT"
	TypeCommand MessageType = "COMMAND"
)

// Valid reports whether t is one of the known message kinds.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeAudio, TypeViseme, TypeEvent, TypeCommand:
		return true
	}
	return false
}

// Role identifies who produced a chat line.
type Role string

// Chat roles. RoleASR is speech recognised from the local user.
const (
	RoleASR    Role = "asr"
	RoleLLM    Role = "llm"
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Display returns the role a chat transcript should show. Recognised speech
// is the user talking, so asr is shown as user.
func (r Role) Display() Role {
	if r == RoleASR {
		return RoleUser
	}
	return r
}

// Commands sent by the agent in COMMAND messages.
const (
	CommandASRStarted = "asr_started"
	CommandASRStopped = "asr_stopped"
)

// Control commands sent by the client.
const (
	CmdStartASR = "start_asr"
	CmdStopASR  = "stop_asr"
)

// ErrUnknownType is returned by [Parse] when the envelope has no type tag or
// one that is not a known [MessageType].
var ErrUnknownType = errors.New("protocol: unknown message type")

// Viseme is a timed phoneme hint for fine-grained lip-sync. Start and End
// are in seconds relative to the corresponding audio.
type Viseme struct {
	Phoneme string  `json:"phoneme"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Message is an inbound envelope. Only the fields belonging to Type are
// meaningful.
type Message struct {
	Type MessageType `json:"type"`

	// TEXT
	Role    Role   `json:"role,omitempty"`
	Text    string `json:"text,omitempty"`
	Emotion string `json:"emotion,omitempty"`

	// AUDIO: base64 PCM16 mono at 16 kHz.
	Audio string `json:"audio,omitempty"`

	// VISEME. Agents send either a nested object or flat fields; Parse
	// normalises both into Viseme.
	Viseme *Viseme `json:"viseme,omitempty"`

	// EVENT
	Event string `json:"event,omitempty"`

	// COMMAND
	Command string `json:"command,omitempty"`
}

// wireMessage accepts the flat viseme layout alongside the nested one.
type wireMessage struct {
	Message
	Phoneme *string  `json:"phoneme,omitempty"`
	Start   *float64 `json:"start,omitempty"`
	End     *float64 `json:"end,omitempty"`
}

// Parse decodes one inbound envelope. Unknown or missing type tags yield an
// error wrapping [ErrUnknownType]; a failed parse never affects other
// messages.
func Parse(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("protocol: parse: %w", err)
	}
	msg := w.Message
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if msg.Type == TypeViseme && msg.Viseme == nil && w.Phoneme != nil {
		v := Viseme{Phoneme: *w.Phoneme}
		if w.Start != nil {
			v.Start = *w.Start
		}
		if w.End != nil {
			v.End = *w.End
		}
		msg.Viseme = &v
	}
	return msg, nil
}

// Control is a client-to-agent command frame.
type Control struct {
	Cmd string `json:"cmd"`
}

// Encode returns the JSON form of c.
func (c Control) Encode() []byte {
	// A struct of one string field cannot fail to marshal.
	data, _ := json.Marshal(c)
	return data
}

// ChatRequest is the body of a fallback chat request.
type ChatRequest struct {
	Text string `json:"text"`
}

// ChatResponse is the fallback reply. Audio, when present, uses the same
// encoding as an AUDIO message.
type ChatResponse struct {
	Reply string `json:"reply,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// ChatMessage is one line of the conversation transcript as shown to the
// user.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Emotion   string    `json:"emotion,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewChatMessage returns a transcript line with a fresh ID and the current
// time. The role is mapped through [Role.Display].
func NewChatMessage(role Role, text string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Role:      role.Display(),
		Text:      text,
		Timestamp: time.Now(),
	}
}

// Blank reports whether text has no visible content.
func Blank(text string) bool {
	return strings.TrimSpace(text) == ""
}
