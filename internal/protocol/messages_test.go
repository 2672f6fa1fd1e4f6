package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join event
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","displayName":"  Ann "}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	// Trimming is the registry's job; the codec keeps the raw name.
	if jm.DisplayName != "  Ann " {
		t.Errorf("expected displayName %q, got %q", "  Ann ", jm.DisplayName)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing message:send and typing events
// ---------------------------------------------------------------------------

func TestParseClientMessage_MessageSend(t *testing.T) {
	input := []byte(`{"type":"message:send","text":"hi"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageSend {
		t.Fatalf("expected type %q, got %q", TypeMessageSend, msgType)
	}
	sm, ok := msg.(MessageSendMsg)
	if !ok {
		t.Fatalf("expected MessageSendMsg, got %T", msg)
	}
	if sm.Text != "hi" {
		t.Errorf("expected text %q, got %q", "hi", sm.Text)
	}
}

func TestParseClientMessage_Typing(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"typing","isTyping":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", msg)
	}
	if !tm.IsTyping {
		t.Error("expected isTyping=true")
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and server-only types are rejected on the server side
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"presence:joined","connectionId":"x"}`))
	if err == nil {
		t.Fatal("expected error for server-only type")
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"typing","isTyping":"yes"}`))
	if err == nil {
		t.Fatal("expected decode error for non-boolean isTyping")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a presence:joined server event
// ---------------------------------------------------------------------------

func TestNewServerMessage_PresenceJoined(t *testing.T) {
	data, err := NewServerMessage(TypePresenceJoined, PresenceJoinedMsg{
		ConnectionID: "c-1",
		DisplayName:  "Bob",
		TotalCount:   2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypePresenceJoined {
		t.Errorf("expected type %q, got %v", TypePresenceJoined, result["type"])
	}
	if result["connectionId"] != "c-1" {
		t.Errorf("expected connectionId %q, got %v", "c-1", result["connectionId"])
	}
	if result["displayName"] != "Bob" {
		t.Errorf("expected displayName %q, got %v", "Bob", result["displayName"])
	}
	count, ok := result["totalCount"].(float64)
	if !ok || int(count) != 2 {
		t.Errorf("expected totalCount 2, got %v", result["totalCount"])
	}
}

func TestNewServerMessage_TypeOverridesPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "something-else"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypePong {
		t.Errorf("expected type %q, got %q", TypePong, env.Type)
	}
}

// ---------------------------------------------------------------------------
// Test: Server events survive the client-side parser
// ---------------------------------------------------------------------------

func TestParseServerMessage_MessageReceived(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := NewServerMessage(TypeMessageReceived, MessageReceivedMsg{
		ID:                 42,
		AuthorConnectionID: "c-2",
		AuthorDisplayName:  "Bob",
		Text:               "hi",
		SentAt:             sentAt,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgType, msg, err := ParseServerMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageReceived {
		t.Fatalf("expected type %q, got %q", TypeMessageReceived, msgType)
	}
	mr, ok := msg.(MessageReceivedMsg)
	if !ok {
		t.Fatalf("expected MessageReceivedMsg, got %T", msg)
	}
	if mr.ID != 42 || mr.AuthorDisplayName != "Bob" || mr.Text != "hi" {
		t.Errorf("unexpected message: %+v", mr)
	}
	if !mr.SentAt.Equal(sentAt) {
		t.Errorf("expected sentAt %v, got %v", sentAt, mr.SentAt)
	}
}

func TestParseServerMessage_Snapshot(t *testing.T) {
	input := []byte(`{"type":"presence:snapshot","participants":[{"connectionId":"a","displayName":"Ann"},{"connectionId":"b","displayName":"Bob"}]}`)

	_, msg, err := ParseServerMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, ok := msg.(PresenceSnapshotMsg)
	if !ok {
		t.Fatalf("expected PresenceSnapshotMsg, got %T", msg)
	}
	if len(snap.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(snap.Participants))
	}
	if snap.Participants[0].DisplayName != "Ann" || snap.Participants[1].ConnectionID != "b" {
		t.Errorf("unexpected participants: %+v", snap.Participants)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client event types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"join", `{"type":"join","displayName":"Ann"}`, TypeJoin},
		{"message:send", `{"type":"message:send","text":"hi"}`, TypeMessageSend},
		{"typing", `{"type":"typing","isTyping":false}`, TypeTyping},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
