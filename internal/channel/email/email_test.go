package email

import (
	"testing"

	gomail "github.com/wneessen/go-mail"

	"clubledger/internal/channel"
	logx "clubledger/pkg/logx"
)

func TestDisabledSenderRejectsSends(t *testing.T) {
	s, err := NewSender(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if s.Enabled() {
		t.Fatal("sender without host should be disabled")
	}
	err = s.Send(t.Context(), "a@b.test", channel.Message{Subject: "x", Body: "y"})
	if err == nil {
		t.Fatal("disabled Send must not report success")
	}
	if !channel.IsTransient(err) {
		t.Fatalf("disabled Send = %v, want transient", err)
	}
}

func TestNewSenderValidatesFrom(t *testing.T) {
	if _, err := NewSender(Config{Host: "smtp.test"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing from address")
	}
	if _, err := NewSender(Config{Host: "smtp.test", From: "not an address"}, logx.Nop()); err == nil {
		t.Fatal("expected error for malformed from address")
	}
}

func TestBuildMessage(t *testing.T) {
	m, err := buildMessage("club@example.test", "parent@example.test", channel.Message{
		Subject: "Payment reminder",
		Body:    "Outstanding balance: 1500.00",
	})
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}
	if got := m.GetGenHeader(gomail.HeaderSubject); len(got) != 1 || got[0] != "Payment reminder" {
		t.Fatalf("subject = %v", got)
	}

	if _, err := buildMessage("club@example.test", "not an address", channel.Message{}); err == nil {
		t.Fatal("expected error for malformed recipient")
	}
}

func TestClassifyNonSendErrorsAreTransient(t *testing.T) {
	err := classify(errTimeout{})
	if !channel.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "dial tcp: i/o timeout" }
