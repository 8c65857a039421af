package telegram

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"clubledger/internal/channel"
	logx "clubledger/pkg/logx"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"blocked", tele.ErrBlockedByUser, true},
		{"chat not found", tele.ErrChatNotFound, true},
		{"deactivated", tele.ErrUserIsDeactivated, true},
		{"forbidden", &tele.Error{Code: 403, Description: "bot was kicked"}, true},
		{"flood", tele.FloodError{RetryAfter: 5}, false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if channel.IsPermanent(got) != tc.permanent {
				t.Fatalf("classify(%v): permanent = %v, want %v", tc.err, !tc.permanent, tc.permanent)
			}
			if !tc.permanent && !channel.IsTransient(got) {
				t.Fatalf("classify(%v): not marked transient", tc.err)
			}
		})
	}
}

func TestSplitTextShortPassesThrough(t *testing.T) {
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("line one\n", 20)
	got := splitText(text, 50)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	for i, chunk := range got {
		if len([]rune(chunk)) > 50 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(chunk)))
		}
		if strings.HasPrefix(chunk, "\n") || strings.HasSuffix(chunk, "\n") {
			t.Fatalf("chunk %d has dangling newline: %q", i, chunk)
		}
	}
	joined := strings.Join(got, "\n")
	if !strings.Contains(joined, "line one") {
		t.Fatalf("content lost: %q", joined)
	}
}

func TestSplitTextHardCutWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 120)
	got := splitText(text, 50)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	total := 0
	for _, c := range got {
		total += len(c)
	}
	if total != 120 {
		t.Fatalf("total runes = %d, want 120", total)
	}
}

func TestNewSenderRequiresToken(t *testing.T) {
	if _, err := NewSender(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSenderRejectsMalformedChatID(t *testing.T) {
	s, err := NewSender(Config{Token: "test-token", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	err = s.Send(t.Context(), "not-a-chat-id", channel.Message{Body: "hi"})
	if !channel.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}
