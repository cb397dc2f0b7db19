package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	telegoapi "github.com/mymmrac/telego/telegoapi"
	"golang.org/x/time/rate"

	"github.com/aatumaykin/nexcron/internal/cron"
	"github.com/aatumaykin/nexcron/internal/logger"
)

const (
	// MaxMessageRunes leaves room for HTML markup below Telegram's 4096
	// character limit.
	MaxMessageRunes = 3800

	defaultSendTimeout = 10 * time.Second
)

// Bot is the part of the Telegram Bot API the deliverer uses. *telego.Bot
// satisfies it.
type Bot interface {
	GetMe(ctx context.Context) (*telego.User, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// TelegramConfig configures the Telegram deliverer.
type TelegramConfig struct {
	Token             string
	Chats             map[string]int64 // owner id -> chat id
	SendTimeout       time.Duration
	MessagesPerSecond float64
	// DefaultParseMode applies to plain text: "", "html" or "markdown".
	DefaultParseMode string
	Quiet            bool
}

// Telegram delivers results as bot messages to the chat mapped to each owner.
type Telegram struct {
	bot     Bot
	cfg     TelegramConfig
	limiter *rate.Limiter
	logger  *logger.Logger
}

var _ cron.Deliverer = (*Telegram)(nil)

// NewTelegram creates a deliverer backed by a telego bot.
func NewTelegram(cfg TelegramConfig, log *logger.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	return NewTelegramWithBot(bot, cfg, log), nil
}

// NewTelegramWithBot creates a deliverer over an existing Bot.
func NewTelegramWithBot(bot Bot, cfg TelegramConfig, log *logger.Logger) *Telegram {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	limit := rate.Inf
	burst := 1
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
		if cfg.MessagesPerSecond > 1 {
			burst = int(cfg.MessagesPerSecond)
		}
	}
	return &Telegram{
		bot:     bot,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log,
	}
}

// Check verifies the token by asking Telegram who the bot is.
func (t *Telegram) Check(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()

	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return "", fmt.Errorf("telegram getMe failed: %w", err)
	}
	return me.Username, nil
}

// Deliver implements cron.Deliverer. Long texts are split into several
// messages.
func (t *Telegram) Deliver(ctx context.Context, ownerID, text string) error {
	chatID, ok := t.cfg.Chats[ownerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, ownerID)
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	for i, chunk := range SplitMessage(text, MaxMessageRunes) {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limit wait aborted: %w", err)
		}
		if err := t.send(ctx, chatID, chunk); err != nil {
			t.logger.ErrorCtx(ctx, "failed to deliver to telegram", err,
				logger.Field{Key: "owner_id", Value: ownerID},
				logger.Field{Key: "chat_id", Value: chatID},
				logger.Field{Key: "part", Value: i + 1})
			return err
		}
	}
	return nil
}

// send sends one chunk, falling back to plain text when Telegram cannot
// parse the formatted version.
func (t *Telegram) send(ctx context.Context, chatID int64, content string) error {
	params := t.prepareMessage(content, chatID)

	err := t.sendMessage(ctx, &params)
	if err == nil || !isParseError(err) || params.ParseMode == "" {
		return err
	}

	t.logger.WarnCtx(ctx, "markdown parse error, sending plain text",
		logger.Field{Key: "chat_id", Value: chatID},
		logger.Field{Key: "error", Value: err.Error()})

	params.ParseMode = ""
	params.Text = StripFormatting(content)
	return t.sendMessage(ctx, &params)
}

func (t *Telegram) sendMessage(ctx context.Context, params *telego.SendMessageParams) error {
	sendCtx, cancel := context.WithTimeout(ctx, t.cfg.SendTimeout)
	defer cancel()
	_, err := t.bot.SendMessage(sendCtx, params)
	return err
}

// prepareMessage chooses the parse mode from the content type.
func (t *Telegram) prepareMessage(content string, chatID int64) telego.SendMessageParams {
	params := telego.SendMessageParams{
		ChatID:              telego.ChatID{ID: chatID},
		Text:                content,
		DisableNotification: t.cfg.Quiet,
	}

	switch DetectContentType(content) {
	case ContentTypeCode, ContentTypeMarkdown:
		params.ParseMode = telego.ModeHTML
		params.Text = MarkdownToHTML(content)
	default:
		switch t.cfg.DefaultParseMode {
		case "markdown":
			params.ParseMode = telego.ModeMarkdown
		case "html":
			params.ParseMode = telego.ModeHTML
		}
	}
	return params
}

// isParseError reports a 400 caused by malformed entities.
func isParseError(err error) bool {
	var telErr *telegoapi.Error
	if !errors.As(err, &telErr) || telErr.ErrorCode != 400 {
		return false
	}
	desc := telErr.Description
	return strings.Contains(desc, "can't parse entities") ||
		strings.Contains(desc, "Can't find end of the entity") ||
		strings.Contains(desc, "wrong number of entities") ||
		strings.Contains(desc, "specified new message entity")
}
