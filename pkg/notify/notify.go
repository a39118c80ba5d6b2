// Package notify carries the notification capability. The engine treats
// delivery as best-effort and fire-and-forget: a failed send is counted and
// logged, never propagated into a lifecycle decision.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/changegate/changegate/pkg/metrics"
)

// Channel names a delivery medium. Concrete senders decide what they
// support; unknown channels fall back to the sender's default.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelChat  Channel = "chat"
)

// Message is one notification to one contact.
type Message struct {
	Contact string  `json:"contact"`
	Channel Channel `json:"channel"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
}

// Sender delivers a single message. Implementations wrap the concrete
// email/SMS/chat gateways, which are external collaborators.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Fanout delivers a message to many contacts with bounded per-contact retry.
type Fanout struct {
	sender      Sender
	maxRetries  uint64
	initialWait time.Duration
	logger      *slog.Logger
}

// NewFanout creates a Fanout over the given sender.
func NewFanout(sender Sender, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		sender:      sender,
		maxRetries:  2,
		initialWait: 200 * time.Millisecond,
		logger:      logger,
	}
}

// Broadcast sends subject/body to every contact on channel. Failures are
// retried with exponential backoff a bounded number of times, then dropped
// with a log line; one unreachable contact never blocks the rest. Returns
// the number of contacts successfully notified.
func (f *Fanout) Broadcast(ctx context.Context, contacts []string, channel Channel, subject, body string) int {
	delivered := 0
	for _, contact := range contacts {
		msg := Message{Contact: contact, Channel: channel, Subject: subject, Body: body}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = f.initialWait
		bo.MaxInterval = 2 * time.Second

		err := backoff.RetryNotify(func() error {
			return f.sender.Send(ctx, msg)
		}, backoff.WithContext(backoff.WithMaxRetries(bo, f.maxRetries), ctx), func(err error, wait time.Duration) {
			f.logger.Warn("notification send failed, retrying",
				"contact", contact, "channel", string(channel), "wait", wait, "error", err)
		})
		if err != nil {
			metrics.NotificationAttempted("failed")
			f.logger.Error("notification dropped after retries",
				"contact", contact, "channel", string(channel), "error", err)
			continue
		}
		metrics.NotificationAttempted("delivered")
		delivered++
	}
	return delivered
}

// LogSender is the built-in sender for local and test deployments: it logs
// the message instead of delivering it.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(_ context.Context, msg Message) error {
	if msg.Contact == "" {
		return fmt.Errorf("notification contact is empty")
	}
	s.logger.Info("notification",
		"contact", msg.Contact,
		"channel", string(msg.Channel),
		"subject", msg.Subject,
	)
	return nil
}
