package notifier

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/config"
	"github.com/ifuryst/xtrack/internal/models"
)

var digestTemplate = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1f2933; max-width: 640px; margin: 0 auto;">
{{- if .Headline }}
  <h2 style="margin-bottom: 4px;">XTrack Flash</h2>
  <p style="font-size: 16px; font-weight: 600;">{{ .Headline }}</p>
{{- end }}
{{- range .Paragraphs }}
  <p style="line-height: 1.5;">{{ . }}</p>
{{- end }}
  <hr style="border: none; border-top: 1px solid #e4e7eb;">
  <h4 style="margin-bottom: 4px;">Input Details</h4>
  <ul style="padding-left: 18px; color: #52606d;">
    <li>{{ .AccountLine }}</li>
    <li>{{ .TimeRangeLine }}</li>
    <li>Tweets analyzed: {{ .TweetsCount }}</li>
    <li>{{ .TopicsLine }}</li>
  </ul>
</body>
</html>
`))

type mailClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type EmailChannel struct {
	client   mailClient
	fromName string
	from     string
	logger   *zap.Logger
}

// NewEmailChannel sends through SendGrid. Without an API key or sender
// address the channel reports ErrChannelNotConfigured.
func NewEmailChannel(cfg *config.EmailConfig, logger *zap.Logger) *EmailChannel {
	ch := &EmailChannel{
		fromName: cfg.FromName,
		from:     cfg.FromEmail,
		logger:   logger.Named("email"),
	}
	if cfg.SendGridAPIKey != "" && cfg.FromEmail != "" {
		ch.client = sendgrid.NewSendClient(cfg.SendGridAPIKey)
	}
	return ch
}

func (e *EmailChannel) Name() models.NotificationChannel {
	return models.ChannelEmail
}

func (e *EmailChannel) Configured() bool {
	return e.client != nil
}

func (e *EmailChannel) Send(ctx context.Context, destination string, digest Digest) error {
	if e.client == nil {
		return ErrChannelNotConfigured
	}
	to := strings.TrimSpace(destination)
	if to == "" {
		return fmt.Errorf("empty email address")
	}

	html, err := renderDigestHTML(digest)
	if err != nil {
		return err
	}

	message := mail.NewSingleEmail(
		mail.NewEmail(e.fromName, e.from),
		digest.Subject(),
		mail.NewEmail("", to),
		FormatDigest(digest),
		html,
	)

	resp, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}

	e.logger.Debug("Email sent", zap.String("to", to), zap.Int("status", resp.StatusCode))
	return nil
}

func renderDigestHTML(d Digest) (string, error) {
	var paragraphs []string
	for _, p := range strings.Split(d.Body, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var buf bytes.Buffer
	err := digestTemplate.Execute(&buf, struct {
		Digest
		Paragraphs []string
	}{d, paragraphs})
	if err != nil {
		return "", fmt.Errorf("failed to render email: %w", err)
	}
	return buf.String(), nil
}
