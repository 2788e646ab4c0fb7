package message

import (
	"strings"
	"testing"
)

func TestMarshalOmitsEmptyFields(t *testing.T) {
	msg := &Message{
		Type:        KindHeartbeat,
		Sender:      "alice",
		RoomContext: "general",
	}

	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	for _, field := range []string{"encryptedData", "fileName", "fileSize", "downloadUrl", "encryptedFileKey", "fileHash"} {
		if strings.Contains(string(data), field) {
			t.Errorf("Expected %s to be omitted, got %s", field, data)
		}
	}
}

func TestUnmarshalRoundTrip(t *testing.T) {
	msg := &Message{
		Type:          KindChat,
		Sender:        "alice",
		EncryptedData: "YWJjZGVm",
		RoomContext:   "general",
	}

	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if *got != *msg {
		t.Errorf("Round trip mismatch: got %+v, want %+v", got, msg)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name:    "valid chat",
			msg:     Message{Type: KindChat, Sender: "alice", EncryptedData: "x", RoomContext: "general"},
			wantErr: false,
		},
		{
			name:    "valid heartbeat",
			msg:     Message{Type: KindHeartbeat, Sender: "alice", RoomContext: "general"},
			wantErr: false,
		},
		{
			name:    "valid file offer",
			msg:     Message{Type: KindFileShareOffer, Sender: "alice", FileName: "a.txt", FileSize: 42, RoomContext: "general"},
			wantErr: false,
		},
		{
			name:    "unknown type",
			msg:     Message{Type: "BOGUS", Sender: "alice", RoomContext: "general"},
			wantErr: true,
		},
		{
			name:    "missing sender",
			msg:     Message{Type: KindHeartbeat, RoomContext: "general"},
			wantErr: true,
		},
		{
			name:    "missing room context",
			msg:     Message{Type: KindHeartbeat, Sender: "alice"},
			wantErr: true,
		},
		{
			name:    "chat without payload",
			msg:     Message{Type: KindChat, Sender: "alice", RoomContext: "general"},
			wantErr: true,
		},
		{
			name:    "file offer without name",
			msg:     Message{Type: KindFileShareOffer, Sender: "alice", RoomContext: "general"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected valid message, got %v", err)
			}
		})
	}
}
