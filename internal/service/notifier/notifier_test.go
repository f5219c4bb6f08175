package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/xtrack/internal/config"
	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/store"
	"github.com/ifuryst/xtrack/internal/testing/testdb"
)

type sentMessage struct {
	destination string
	text        string
}

type fakeChannel struct {
	name models.NotificationChannel
	err  error

	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeChannel) Name() models.NotificationChannel { return f.name }

func (f *fakeChannel) Send(ctx context.Context, destination string, digest Digest) error {
	return f.SendText(ctx, destination, FormatDigest(digest))
}

func (f *fakeChannel) SendText(_ context.Context, destination, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{destination: destination, text: text})
	return nil
}

func (f *fakeChannel) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fixture struct {
	store    *store.Store
	svc      *Service
	telegram *fakeChannel
	email    *fakeChannel
	user     *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testdb.NewStore(t)
	user := &models.User{Email: "owner@example.com"}
	require.NoError(t, st.DB().Create(user).Error)

	svc := NewService(st, 10*time.Minute, zap.NewNop())
	tg := &fakeChannel{name: models.ChannelTelegram}
	em := &fakeChannel{name: models.ChannelEmail}
	require.NoError(t, svc.RegisterChannel(tg))
	require.NoError(t, svc.RegisterChannel(em))

	return &fixture{store: st, svc: svc, telegram: tg, email: em, user: user}
}

func (f *fixture) addTarget(t *testing.T, userID uint, channel models.NotificationChannel, dest string, isDefault bool) models.NotificationTarget {
	t.Helper()
	target := models.NotificationTarget{UserID: userID, Channel: channel, Destination: dest, IsDefault: isDefault}
	require.NoError(t, f.store.DB().Create(&target).Error)
	return target
}

func sampleDigest() Digest {
	return Digest{
		Headline:    "Alice shipped v2.",
		Body:        "Alice shipped v2.\n\nBob reacted.",
		Accounts:    []string{"alice", "bob"},
		TimeRange:   "2024-05-01 00:00 UTC to 2024-05-02 00:00 UTC",
		TweetsCount: 4,
	}
}

func TestRegisterChannelRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	err := f.svc.RegisterChannel(&fakeChannel{name: models.ChannelTelegram})
	assert.Error(t, err)
}

func TestFormatDigest(t *testing.T) {
	text := FormatDigest(sampleDigest())
	assert.True(t, strings.HasPrefix(text, "XTrack Flash: Alice shipped v2.\nAlice shipped v2."))
	assert.Contains(t, text, "Input Details\nAccounts: @alice, @bob\n")
	assert.Contains(t, text, "Time range: 2024-05-01 00:00 UTC to 2024-05-02 00:00 UTC\n")
	assert.Contains(t, text, "Tweets analyzed: 4\n")
	assert.True(t, strings.HasSuffix(text, "Topics: (none)"))

	single := FormatDigest(Digest{Body: "b", Accounts: []string{"alice"}, Topics: []string{"go", "ai"}})
	assert.True(t, strings.HasPrefix(single, "b\n\n"))
	assert.Contains(t, single, "Account: @alice\n")
	assert.Contains(t, single, "Time range: (n/a)")
	assert.Contains(t, single, "Topics: go, ai")
}

func TestSendDigestToExplicitTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := &models.User{Email: "other@example.com"}
	require.NoError(t, f.store.DB().Create(other).Error)

	chat := f.addTarget(t, f.user.ID, models.ChannelTelegram, "111", false)
	mailbox := f.addTarget(t, f.user.ID, models.ChannelEmail, "me@example.com", false)
	f.addTarget(t, f.user.ID, models.ChannelTelegram, "222", true)
	foreign := f.addTarget(t, other.ID, models.ChannelTelegram, "333", true)

	ok := f.svc.SendDigest(ctx, f.user.ID, []uint{chat.ID, mailbox.ID, foreign.ID}, sampleDigest())
	assert.True(t, ok)

	tg := f.telegram.Sent()
	require.Len(t, tg, 1)
	assert.Equal(t, "111", tg[0].destination)
	require.Len(t, f.email.Sent(), 1)
	assert.Equal(t, "me@example.com", f.email.Sent()[0].destination)
}

func TestSendDigestFallsBackToDefaultTelegram(t *testing.T) {
	f := newFixture(t)
	f.addTarget(t, f.user.ID, models.ChannelTelegram, "111", false)
	f.addTarget(t, f.user.ID, models.ChannelTelegram, "222", true)

	ok := f.svc.SendDigest(context.Background(), f.user.ID, nil, sampleDigest())
	assert.True(t, ok)

	sent := f.telegram.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "222", sent[0].destination)
}

func TestSendDigestWithoutTargets(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.svc.SendDigest(context.Background(), f.user.ID, nil, sampleDigest()))
	assert.False(t, f.svc.SendDigest(context.Background(), f.user.ID, []uint{999}, sampleDigest()))
	assert.Empty(t, f.telegram.Sent())
}

func TestSendDigestReportsFailedDelivery(t *testing.T) {
	f := newFixture(t)
	f.telegram.err = ErrChannelNotConfigured
	f.addTarget(t, f.user.ID, models.ChannelTelegram, "111", true)

	assert.False(t, f.svc.SendDigest(context.Background(), f.user.ID, nil, sampleDigest()))
}

func TestSendEmail(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.svc.SendEmail(context.Background(), "job@example.com", sampleDigest()))
	require.Len(t, f.email.Sent(), 1)

	f.email.err = errors.New("boom")
	assert.False(t, f.svc.SendEmail(context.Background(), "job@example.com", sampleDigest()))
}

func TestBindFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok, err := f.svc.CreateBindToken(ctx, f.user.ID, models.ChannelTelegram)
	require.NoError(t, err)
	assert.Len(t, tok.Token, 22)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), tok.ExpiresAt, time.Minute)

	target, err := f.svc.BindFromToken(ctx, tok.Token, "4242", map[string]any{"username": "alice"})
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, f.user.ID, target.UserID)
	assert.True(t, target.IsDefault)
	assert.JSONEq(t, `{"username":"alice"}`, string(target.Meta))

	again, err := f.svc.BindFromToken(ctx, tok.Token, "4242", nil)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestBindFromExpiredToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.CreateBindToken(ctx, f.user.ID, models.ChannelTelegram)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(11 * time.Minute) }
	target, err := f.svc.BindFromToken(ctx, tok.Token, "4242", nil)
	require.NoError(t, err)
	assert.Nil(t, target)
}

func TestCreateBindTokenUnknownChannel(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBindToken(context.Background(), f.user.ID, "pigeon")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestSetDefaultTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.addTarget(t, f.user.ID, models.ChannelTelegram, "1", true)
	b := f.addTarget(t, f.user.ID, models.ChannelTelegram, "2", false)

	got, err := f.svc.SetDefaultTarget(ctx, f.user.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDefault)

	targets, err := f.svc.ListTargets(ctx, f.user.ID)
	require.NoError(t, err)
	defaults := 0
	for _, target := range targets {
		if target.IsDefault {
			defaults++
			assert.Equal(t, b.ID, target.ID)
		}
	}
	assert.Equal(t, 1, defaults)
	assert.NotEqual(t, a.ID, b.ID)

	_, err = f.svc.SetDefaultTarget(ctx, f.user.ID+100, a.ID)
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestHandleBindCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.svc.CreateBindToken(ctx, f.user.ID, models.ChannelTelegram)
	require.NoError(t, err)

	handled, err := f.svc.HandleBindCommand(ctx, "hello there", "77", nil)
	require.NoError(t, err)
	assert.False(t, handled)

	handled, err = f.svc.HandleBindCommand(ctx, "/start@xtrack_bot "+tok.Token, "77", nil)
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = f.svc.HandleBindCommand(ctx, "/bind "+tok.Token, "78", nil)
	require.NoError(t, err)
	assert.True(t, handled)

	handled, err = f.svc.HandleBindCommand(ctx, "/start", "79", nil)
	require.NoError(t, err)
	assert.True(t, handled)

	sent := f.telegram.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, sentMessage{"77", bindSuccessReply}, sent[0])
	assert.Equal(t, sentMessage{"78", bindInvalidReply}, sent[1])
	assert.Equal(t, sentMessage{"79", bindUsageReply}, sent[2])

	targets, err := f.svc.ListTargets(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "77", targets[0].Destination)
}

type fakeBot struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	err      error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, b.err
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.requests = append(b.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, b.err
}

func TestTelegramChannel(t *testing.T) {
	ctx := context.Background()

	unconfigured, err := NewTelegramChannel("", zap.NewNop())
	require.NoError(t, err)
	assert.False(t, unconfigured.Configured())
	assert.ErrorIs(t, unconfigured.Send(ctx, "1", sampleDigest()), ErrChannelNotConfigured)

	bot := &fakeBot{}
	ch := &TelegramChannel{bot: bot, logger: zap.NewNop()}
	require.NoError(t, ch.Send(ctx, "12345", sampleDigest()))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.EqualValues(t, 12345, msg.ChatID)
	assert.Equal(t, FormatDigest(sampleDigest()), msg.Text)

	assert.Error(t, ch.Send(ctx, "not-a-chat", sampleDigest()))

	long := Digest{Body: strings.Repeat("a", 5000)}
	require.NoError(t, ch.Send(ctx, "1", long))
	last := bot.sent[len(bot.sent)-1].(tgbotapi.MessageConfig)
	assert.Equal(t, telegramMaxMessage, len([]rune(last.Text)))

	require.NoError(t, ch.SetWebhook("https://example.com/api/v1/notifications/telegram/webhook"))
	require.Len(t, bot.requests, 1)
	_, ok = bot.requests[0].(tgbotapi.WebhookConfig)
	assert.True(t, ok)
}

type fakeMailClient struct {
	messages []*mail.SGMailV3
	status   int
}

func (m *fakeMailClient) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	m.messages = append(m.messages, email)
	return &rest.Response{StatusCode: m.status, Body: "{}"}, nil
}

func TestEmailChannel(t *testing.T) {
	ctx := context.Background()

	unconfigured := NewEmailChannel(&config.EmailConfig{}, zap.NewNop())
	assert.False(t, unconfigured.Configured())
	assert.ErrorIs(t, unconfigured.Send(ctx, "a@example.com", sampleDigest()), ErrChannelNotConfigured)

	client := &fakeMailClient{status: 202}
	ch := &EmailChannel{client: client, fromName: "XTrack", from: "digest@example.com", logger: zap.NewNop()}
	require.NoError(t, ch.Send(ctx, "reader@example.com", sampleDigest()))
	require.Len(t, client.messages, 1)

	msg := client.messages[0]
	assert.Equal(t, "XTrack Flash: Alice shipped v2.", msg.Subject)
	assert.Equal(t, "digest@example.com", msg.From.Address)
	require.Len(t, msg.Personalizations, 1)
	assert.Equal(t, "reader@example.com", msg.Personalizations[0].To[0].Address)
	require.Len(t, msg.Content, 2)
	assert.Equal(t, "text/html", msg.Content[1].Type)
	assert.Contains(t, msg.Content[1].Value, "<p style=\"line-height: 1.5;\">Bob reacted.</p>")
	assert.Contains(t, msg.Content[1].Value, "Accounts: @alice, @bob")

	client.status = 400
	assert.Error(t, ch.Send(ctx, "reader@example.com", sampleDigest()))
}

func TestRenderDigestHTMLEscapes(t *testing.T) {
	html, err := renderDigestHTML(Digest{Body: "<script>alert(1)</script>"})
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
}
