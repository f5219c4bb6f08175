package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/pkg/util"
)

var ErrChannelNotConfigured = errors.New("notification channel not configured")

// Channel delivers a digest to one destination of a single transport.
type Channel interface {
	Name() models.NotificationChannel
	Send(ctx context.Context, destination string, digest Digest) error
}

// textSender is implemented by channels that can answer a chat directly.
type textSender interface {
	SendText(ctx context.Context, destination, text string) error
}

// DeliveryError reports a failed delivery to a single destination.
type DeliveryError struct {
	Channel     models.NotificationChannel
	Destination string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver via %s to %s: %v", e.Channel, e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Digest is what gets delivered: the generated text plus the inputs it was
// generated from.
type Digest struct {
	Headline    string
	Body        string
	Accounts    []string
	TimeRange   string
	TweetsCount int
	Topics      []string
}

// Subject is used as the email subject line.
func (d Digest) Subject() string {
	if d.Headline != "" {
		return "XTrack Flash: " + d.Headline
	}
	if label := util.AccountLabel(d.Accounts); label != "" {
		return "XTrack digest for " + label
	}
	return "XTrack digest"
}

// AccountLine renders "Account: @a", "Accounts: @a, @b" or "Account: (unknown)".
func (d Digest) AccountLine() string {
	switch len(d.Accounts) {
	case 0:
		return "Account: (unknown)"
	case 1:
		return "Account: " + util.AccountLabel(d.Accounts)
	default:
		return "Accounts: " + util.AccountLabel(d.Accounts)
	}
}

func (d Digest) TimeRangeLine() string {
	if d.TimeRange == "" {
		return "Time range: (n/a)"
	}
	return "Time range: " + d.TimeRange
}

func (d Digest) TopicsLine() string {
	if len(d.Topics) == 0 {
		return "Topics: (none)"
	}
	return "Topics: " + strings.Join(d.Topics, ", ")
}

// FormatDigest renders the plain text message shared by every channel.
func FormatDigest(d Digest) string {
	var b strings.Builder
	if d.Headline != "" {
		b.WriteString("XTrack Flash: ")
		b.WriteString(d.Headline)
		b.WriteString("\n")
	}
	b.WriteString(d.Body)
	b.WriteString("\n\nInput Details\n")
	b.WriteString(d.AccountLine())
	b.WriteString("\n")
	b.WriteString(d.TimeRangeLine())
	b.WriteString("\n")
	fmt.Fprintf(&b, "Tweets analyzed: %d\n", d.TweetsCount)
	b.WriteString(d.TopicsLine())
	return b.String()
}
