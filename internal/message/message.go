// Package message defines the wire format carried over the chat data
// channel between peers. One JSON object per message.
package message

import (
	"encoding/json"
	"fmt"
)

type Kind string

const (
	KindChat           Kind = "CHAT"
	KindFileShareOffer Kind = "FILE_SHARE_OFFER"
	KindHeartbeat      Kind = "HEARTBEAT"
)

func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindFileShareOffer, KindHeartbeat:
		return true
	default:
		return false
	}
}

// Message is one data-channel payload. EncryptedData is set for CHAT, the
// file fields for FILE_SHARE_OFFER. RoomContext tags the room the sender
// believes it is in; receivers drop messages for any other room.
type Message struct {
	Type             Kind   `json:"type"`
	Sender           string `json:"sender"`
	EncryptedData    string `json:"encryptedData,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	FileSize         int64  `json:"fileSize,omitempty"`
	DownloadURL      string `json:"downloadUrl,omitempty"`
	EncryptedFileKey string `json:"encryptedFileKey,omitempty"`
	FileHash         string `json:"fileHash,omitempty"`
	RoomContext      string `json:"roomContext"`
}

func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the fields every inbound message must carry before it is
// acted upon.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.Sender == "" {
		return fmt.Errorf("missing sender")
	}
	if m.RoomContext == "" {
		return fmt.Errorf("missing room context")
	}
	if m.Type == KindChat && m.EncryptedData == "" {
		return fmt.Errorf("chat message without payload")
	}
	if m.Type == KindFileShareOffer && m.FileName == "" {
		return fmt.Errorf("file offer without file name")
	}
	return nil
}
