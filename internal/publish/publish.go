// Package publish defines the channel publisher contract used by the
// dispatcher. Platform adapters live in subpackages and register themselves
// in a Registry keyed by platform name.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postpilot/internal/model"
)

// Destination identifies the channel a post is delivered to.
type Destination struct {
	Platform    string
	ChannelName string
	// ChannelID is the public handle (e.g. "@channel").
	ChannelID string
	// ChatID is the numeric chat id when known; adapters prefer it over
	// ChannelID.
	ChatID string
}

// DestinationFor maps a resolved social account onto a send target.
func DestinationFor(acc model.SocialAccount) Destination {
	return Destination{
		Platform:    acc.Platform,
		ChannelName: acc.ChannelName,
		ChannelID:   acc.ChannelID,
		ChatID:      acc.TelegramChatID,
	}
}

// Message is the rendered unit of delivery.
type Message struct {
	Topic     string
	Content   string
	MediaType model.MediaType
}

// Render produces the canonical channel text: bold topic, blank line, body.
// Adapters that support rich text interpret it as HTML.
func (m Message) Render() string {
	return fmt.Sprintf("📝 <b>%s</b>\n\n%s", m.Topic, m.Content)
}

// Publisher delivers messages to one platform.
type Publisher interface {
	Platform() string
	Send(ctx context.Context, dst Destination, msg Message) error
}

// NoRetry marks a delivery error as permanent so the dispatcher fails the
// post instead of requeueing it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches an explicit delay hint, e.g. from a flood-wait
// response. The dispatcher respects the hint bounded by its retry policy.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
