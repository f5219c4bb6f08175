// Package notifier fans digests out to users' notification targets and
// manages the bind-token flow that attaches chats to accounts.
package notifier

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ifuryst/xtrack/internal/models"
	"github.com/ifuryst/xtrack/internal/store"
)

var (
	ErrTargetNotFound = errors.New("notification target not found")
	ErrUnknownChannel = errors.New("unknown notification channel")
)

const (
	bindSuccessReply = "Connected! XTrack digests will now be delivered to this chat."
	bindInvalidReply = "This link is invalid or expired. Please create a new one from the XTrack dashboard."
	bindUsageReply   = "To connect this chat, open the bind link from the XTrack dashboard or send /bind <token>."
)

// Store is the persistence the notifier needs.
type Store interface {
	GetNotificationTargets(ctx context.Context, ids []uint, userID uint, channels []models.NotificationChannel) ([]models.NotificationTarget, error)
	GetDefaultTarget(ctx context.Context, userID uint, channel models.NotificationChannel) (*models.NotificationTarget, error)
	ListTargets(ctx context.Context, userID uint) ([]models.NotificationTarget, error)
	CreateBindToken(ctx context.Context, token *models.NotificationBindToken) error
	BindTarget(ctx context.Context, token, destination string, meta datatypes.JSON, now time.Time) (*models.NotificationTarget, error)
	SetDefaultTarget(ctx context.Context, userID, targetID uint) (*models.NotificationTarget, error)
}

type BindToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Service struct {
	store    Store
	channels map[models.NotificationChannel]Channel
	order    []models.NotificationChannel
	tokenTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

func NewService(st Store, tokenTTL time.Duration, logger *zap.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 10 * time.Minute
	}
	return &Service{
		store:    st,
		channels: make(map[models.NotificationChannel]Channel),
		tokenTTL: tokenTTL,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("notifier"),
	}
}

func (s *Service) RegisterChannel(ch Channel) error {
	name := ch.Name()
	if _, exists := s.channels[name]; exists {
		return fmt.Errorf("channel %s already registered", name)
	}
	s.channels[name] = ch
	s.order = append(s.order, name)
	s.logger.Info("Notification channel registered", zap.String("channel", string(name)))
	return nil
}

func (s *Service) Channel(name models.NotificationChannel) (Channel, bool) {
	ch, ok := s.channels[name]
	return ch, ok
}

// CreateBindToken issues a single-use token the user hands to the bot.
func (s *Service) CreateBindToken(ctx context.Context, userID uint, channel models.NotificationChannel) (*BindToken, error) {
	if channel != models.ChannelTelegram && channel != models.ChannelEmail {
		return nil, ErrUnknownChannel
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate bind token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expires := s.now().Add(s.tokenTTL)

	if err := s.store.CreateBindToken(ctx, &models.NotificationBindToken{
		UserID:    userID,
		Channel:   channel,
		Token:     token,
		ExpiresAt: expires,
	}); err != nil {
		return nil, err
	}

	return &BindToken{Token: token, ExpiresAt: expires}, nil
}

// BindFromToken attaches destination to the token owner. It returns nil and
// no error when the token is unknown, used or expired.
func (s *Service) BindFromToken(ctx context.Context, token, destination string, meta map[string]any) (*models.NotificationTarget, error) {
	var raw datatypes.JSON
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to encode target metadata: %w", err)
		}
		raw = datatypes.JSON(b)
	}

	target, err := s.store.BindTarget(ctx, token, destination, raw, s.now())
	if errors.Is(err, store.ErrTokenInvalid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Notification target bound",
		zap.Uint("user_id", target.UserID),
		zap.Uint("target_id", target.ID),
		zap.String("channel", string(target.Channel)))
	return target, nil
}

func (s *Service) ListTargets(ctx context.Context, userID uint) ([]models.NotificationTarget, error) {
	return s.store.ListTargets(ctx, userID)
}

func (s *Service) SetDefaultTarget(ctx context.Context, userID, targetID uint) (*models.NotificationTarget, error) {
	target, err := s.store.SetDefaultTarget(ctx, userID, targetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTargetNotFound
	}
	return target, err
}

// SendDigest delivers to the given targets, or to the user's default
// Telegram chat when targetIDs is empty. It reports whether any delivery
// succeeded.
func (s *Service) SendDigest(ctx context.Context, userID uint, targetIDs []uint, digest Digest) bool {
	var targets []models.NotificationTarget

	if len(targetIDs) > 0 {
		found, err := s.store.GetNotificationTargets(ctx, targetIDs, userID, s.order)
		if err != nil {
			s.logger.Error("Failed to load notification targets",
				zap.Uint("user_id", userID),
				zap.Error(err))
			return false
		}
		targets = found
	} else {
		target, err := s.store.GetDefaultTarget(ctx, userID, models.ChannelTelegram)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("Failed to load default target",
					zap.Uint("user_id", userID),
					zap.Error(err))
			}
			return false
		}
		targets = []models.NotificationTarget{*target}
	}

	if len(targets) == 0 {
		s.logger.Debug("No notification targets resolved", zap.Uint("user_id", userID))
		return false
	}

	sent := false
	for _, target := range targets {
		if err := s.deliver(ctx, target.Channel, target.Destination, digest); err != nil {
			s.logger.Warn("Digest delivery failed",
				zap.Uint("target_id", target.ID),
				zap.Error(err))
			continue
		}
		sent = true
	}
	return sent
}

// SendEmail mails digest straight to address, outside the target registry.
func (s *Service) SendEmail(ctx context.Context, address string, digest Digest) bool {
	if err := s.deliver(ctx, models.ChannelEmail, address, digest); err != nil {
		s.logger.Warn("Email delivery failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Service) deliver(ctx context.Context, channel models.NotificationChannel, destination string, digest Digest) error {
	ch, ok := s.channels[channel]
	if !ok {
		return &DeliveryError{Channel: channel, Destination: destination, Err: ErrChannelNotConfigured}
	}
	if err := ch.Send(ctx, destination, digest); err != nil {
		return &DeliveryError{Channel: channel, Destination: destination, Err: err}
	}
	return nil
}

// HandleBindCommand reacts to "/start <token>" and "/bind <token>" sent to
// the bot. It returns false for any other text.
func (s *Service) HandleBindCommand(ctx context.Context, text, destination string, meta map[string]any) (bool, error) {
	token, ok := parseBindCommand(text)
	if !ok {
		return false, nil
	}

	if token == "" {
		s.reply(ctx, destination, bindUsageReply)
		return true, nil
	}

	target, err := s.BindFromToken(ctx, token, destination, meta)
	if err != nil {
		s.reply(ctx, destination, bindInvalidReply)
		return true, err
	}
	if target == nil {
		s.reply(ctx, destination, bindInvalidReply)
		return true, nil
	}

	s.reply(ctx, destination, bindSuccessReply)
	return true, nil
}

func (s *Service) reply(ctx context.Context, destination, text string) {
	ch, ok := s.channels[models.ChannelTelegram]
	if !ok {
		return
	}
	sender, ok := ch.(textSender)
	if !ok {
		return
	}
	if err := sender.SendText(ctx, destination, text); err != nil {
		s.logger.Warn("Failed to reply to chat", zap.String("chat_id", destination), zap.Error(err))
	}
}

// parseBindCommand accepts "/start tok", "/bind tok" and the
// "/start@botname tok" form Telegram uses in groups.
func parseBindCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}

	cmd := fields[0]
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	if cmd != "/start" && cmd != "/bind" {
		return "", false
	}
	if len(fields) < 2 {
		return "", true
	}
	return fields[1], true
}
