// Package protocol defines the websocket message envelope and payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fruitsalade/fruitsalade/livesync/internal/patch"
)

// Inbound event types.
const (
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeCodeChange   = "code-change"
	TypeCodePatch    = "code-patch"
	TypeSaveFile     = "save-file"
	TypeCursorUpdate = "cursor-update"
)

// Outbound event types.
const (
	TypeConnected           = "connected"
	TypeCodeUpdate          = "code-update"
	TypeCodePatches         = "code-patches"
	TypeFileSaved           = "file-saved"
	TypeFileExternallySaved = "file-externally-saved"
	TypeUserJoined          = "user-joined"
	TypeUserLeft            = "user-left"
	TypeRemoteCursor        = "remote-cursor"
	TypeError               = "error"
)

// Message is the envelope of every websocket text frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a Message with payload encoded as JSON.
func New(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// MustNew is like New but panics on encoding errors. Payload types in this
// package always encode.
func MustNew(msgType string, payload any) Message {
	m, err := New(msgType, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode unmarshals the payload into v. A missing payload decodes as {}.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Inbound payloads

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type CodeChange struct {
	RoomID   string  `json:"roomId"`
	Code     *string `json:"code"`
	Language string  `json:"language,omitempty"`
}

type CodePatch struct {
	RoomID   string        `json:"roomId"`
	Patches  []patch.Patch `json:"patches"`
	Language string        `json:"language,omitempty"`
}

type SaveFile struct {
	Path string `json:"path"`
}

type CursorUpdate struct {
	RoomID   string          `json:"roomId"`
	Position json.RawMessage `json:"position"`
}

// Outbound payloads

type Connected struct {
	SocketID string `json:"socketId"`
}

type CodeUpdate struct {
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
	ChangeBy string `json:"changeBy"`
}

type CodePatches struct {
	Patches  []patch.Patch `json:"patches"`
	Language string        `json:"language,omitempty"`
	ChangeBy string        `json:"changeBy"`
}

type FileSaved struct {
	Path      string    `json:"path"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type FileExternallySaved struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence is the payload of user-joined and user-left.
type Presence struct {
	SocketID string `json:"socketId"`
}

type RemoteCursor struct {
	Position json.RawMessage `json:"position"`
	UserID   string          `json:"userId"`
}

type Error struct {
	Message  string `json:"message"`
	FilePath string `json:"filePath,omitempty"`
}
