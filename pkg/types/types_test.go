package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		want   bool
	}{
		{"simple", "student1", true},
		{"with separators", "inst_01.a-b", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"max length", strings.Repeat("a", 64), true},
		{"spaces", "user one", false},
		{"special chars", "user!@#", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidUserID(tt.userID); got != tt.want {
				t.Errorf("IsValidUserID(%q) = %v, want %v", tt.userID, got, tt.want)
			}
		})
	}
}

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr error
	}{
		{"plain", "hello", "hello", nil},
		{"trimmed", "  hello\n", "hello", nil},
		{"blank", "   \t\n", "", ErrEmptyContent},
		{"empty", "", "", ErrEmptyContent},
		{"at limit", strings.Repeat("a", MaxContentBytes), strings.Repeat("a", MaxContentBytes), nil},
		{"over limit", strings.Repeat("a", MaxContentBytes+1), "", ErrContentTooLarge},
		{"invalid utf-8", "hi \xff\xfe there", "", ErrInvalidEncoding},
		{"multibyte", " héllo ", "héllo", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeContent(tt.content)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NormalizeContent() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	kinds := map[error]error{
		ErrEmptyContent:          ErrValidation,
		ErrContentTooLarge:       ErrValidation,
		ErrInvalidEncoding:       ErrValidation,
		ErrSelfConversation:      ErrValidation,
		ErrNotAParticipant:       ErrAuthorization,
		ErrInvalidParticipants:   ErrAuthorization,
		ErrNotificationForbidden: ErrAuthorization,
		ErrConversationNotFound:  ErrNotFound,
		ErrNotificationNotFound:  ErrNotFound,
		ErrUserOffline:           ErrTransientDelivery,
	}
	for err, kind := range kinds {
		if !errors.Is(err, kind) {
			t.Errorf("%v should wrap %v", err, kind)
		}
	}
	if errors.Is(ErrNotAParticipant, ErrValidation) {
		t.Error("authorization errors must not classify as validation")
	}
}

func TestDirectKey_IsOrderIndependent(t *testing.T) {
	if DirectKey("alice", "bob") != DirectKey("bob", "alice") {
		t.Fatal("direct key must not depend on argument order")
	}
	if DirectKey("alice", "bob") == DirectKey("alice", "carol") {
		t.Fatal("different pairs must have different keys")
	}
}

func TestUniqueIDs(t *testing.T) {
	got := UniqueIDs([]string{"b", "a", "b", "c", "a"})
	want := []string{"b", "a", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("UniqueIDs() = %v, want %v", got, want)
	}
}

func TestPreview(t *testing.T) {
	short := "hi there"
	if Preview(short) != short {
		t.Errorf("short content should be unchanged")
	}
	long := strings.Repeat("é", PreviewRunes+10)
	p := Preview(long)
	if !strings.HasSuffix(p, "…") {
		t.Errorf("long preview should be ellipsized")
	}
	if len([]rune(p)) != PreviewRunes+1 {
		t.Errorf("preview rune length = %d, want %d", len([]rune(p)), PreviewRunes+1)
	}
}

func TestNotificationRequest_Validate(t *testing.T) {
	valid := NotificationRequest{UserID: "student1", Kind: NotificationNewMessage, Title: "New message"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	missingTitle := valid
	missingTitle.Title = " "
	if err := missingTitle.Validate(); !errors.Is(err, ErrInvalidNotification) {
		t.Errorf("missing title: got %v", err)
	}

	badUser := valid
	badUser.UserID = "bad user"
	if err := badUser.Validate(); !errors.Is(err, ErrInvalidUserID) {
		t.Errorf("bad user: got %v", err)
	}
}

func TestConversation_Helpers(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	conv := &Conversation{ID: "c1", Kind: ConversationGroup, ParticipantIDs: []string{"a", "b"}, CreatedAt: created}

	if !conv.HasParticipant("a") || conv.HasParticipant("z") {
		t.Fatal("HasParticipant returned wrong result")
	}
	if !conv.LastActivity().Equal(created) {
		t.Fatal("LastActivity should fall back to CreatedAt")
	}

	later := time.Now()
	conv.LastMessageSummary = &MessageSummary{MessageID: "m1", CreatedAt: later}
	if !conv.LastActivity().Equal(later) {
		t.Fatal("LastActivity should use the last message time")
	}
}

func TestEvent_JSONShape(t *testing.T) {
	evt := NewEvent(EventUserTyping, TypingPayload{ConversationID: "c1", UserID: "u1"})
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != EventUserTyping {
		t.Errorf("type = %v", decoded["type"])
	}
	payload, ok := decoded["data"].(map[string]interface{})
	if !ok || payload["conversation_id"] != "c1" || payload["user_id"] != "u1" {
		t.Errorf("unexpected data: %v", decoded["data"])
	}
	if _, ok := decoded["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}
