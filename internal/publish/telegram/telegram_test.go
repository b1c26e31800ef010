package telegram

import (
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/publish"
	logx "postpilot/pkg/logx"
)

func TestRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dst     publish.Destination
		want    string
		wantErr bool
	}{
		{name: "numeric chat id wins", dst: publish.Destination{ChatID: "-1001234", ChannelID: "@news"}, want: "-1001234"},
		{name: "handle fallback", dst: publish.Destination{ChannelID: "@news"}, want: "@news"},
		{name: "handle gets at-prefix", dst: publish.Destination{ChannelID: "news"}, want: "@news"},
		{name: "garbage chat id", dst: publish.Destination{ChatID: "abc"}, wantErr: true},
		{name: "empty destination", dst: publish.Destination{}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			to, err := recipient(tt.dst)
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("recipient: %v", err)
			}
			if to.Recipient() != tt.want {
				t.Fatalf("Recipient() = %q, want %q", to.Recipient(), tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	flood := tele.FloodError{RetryAfter: 7}
	var ra publish.RetryAfterError
	if err := classify(flood); !errors.As(err, &ra) {
		t.Fatalf("flood not classified as retry-after: %v", err)
	} else if ra.RetryAfter() != 7*time.Second {
		t.Fatalf("RetryAfter() = %v, want 7s", ra.RetryAfter())
	}

	notFound := &tele.Error{Code: 400, Description: "Bad Request: chat not found"}
	if err := classify(notFound); !publish.IsNoRetry(err) {
		t.Fatalf("4xx not classified as permanent: %v", err)
	}

	transient := errors.New("connection reset")
	if err := classify(transient); publish.IsNoRetry(err) || errors.As(err, &ra) {
		t.Fatalf("transient error reclassified: %v", err)
	}
}

func TestNewOffline(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Platform() != "telegram" {
		t.Fatalf("Platform() = %q", p.Platform())
	}
}
