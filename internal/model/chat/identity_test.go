package chat

import (
	"testing"
	"time"
)

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"  alice  ":                  "alice",
		"":                           "",
		"abcdefghijklmnopqrstuvwxyz": "abcdefghijklmnopqrst",
	}
	for in, want := range cases {
		if got := NormalizeUsername(in); got != want {
			t.Fatalf("NormalizeUsername(%q) = %q, want %q", in, got, want)
		}
	}

	// Truncation counts runes, not bytes.
	if got := NormalizeUsername("日本語の名前がとても長いユーザーです二十一文字"); got != "日本語の名前がとても長いユーザーです二十" {
		t.Fatalf("unexpected multibyte truncation: %q", got)
	}
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	session := Session{LastSeen: now.Add(-2 * time.Hour)}

	if !session.Expired(now, time.Hour) {
		t.Fatal("expected session idle for 2h to expire with 1h ttl")
	}
	if session.Expired(now, 3*time.Hour) {
		t.Fatal("expected session to be valid within ttl")
	}
	if session.Expired(now, 0) {
		t.Fatal("zero ttl disables expiry")
	}
}

func TestMessageInvolves(t *testing.T) {
	msg := Message{Sender: "alice", Scope: ScopePrivate, Recipient: "bob"}
	if !msg.Involves("alice") || !msg.Involves("bob") {
		t.Fatal("expected both parties to be involved")
	}
	if msg.Involves("carol") {
		t.Fatal("carol should not be involved")
	}

	group := Message{Sender: "alice", Scope: ScopeGroup}
	if group.IsPrivate() || group.Involves("bob") {
		t.Fatal("group message only involves its sender")
	}
}
