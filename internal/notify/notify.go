// Package notify announces support conversation activity to the support
// team's chat platform.
package notify

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/config"
	"github.com/zulandar/supportline/internal/models"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries  = 3
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
)

// Notifier receives conversation lifecycle announcements.
type Notifier interface {
	NewConversation(ctx context.Context, c models.Conversation) error
	ConversationClosed(ctx context.Context, c models.Conversation) error
}

// Nop discards every announcement.
type Nop struct{}

func (Nop) NewConversation(context.Context, models.Conversation) error    { return nil }
func (Nop) ConversationClosed(context.Context, models.Conversation) error { return nil }

// New builds the Notifier selected by cfg. An empty platform yields Nop.
func New(cfg config.NotifyConfig, logger *zap.Logger) (Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Platform {
	case "":
		return Nop{}, nil
	case "slack":
		s, err := NewSlack(SlackOpts{Token: cfg.Slack.BotToken, Channel: cfg.Channel, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "discord":
		d, err := NewDiscord(DiscordOpts{Token: cfg.Discord.BotToken, Channel: cfg.Channel, Logger: logger})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("notify: unsupported platform %q", cfg.Platform)
}

func headline(c models.Conversation) string {
	who := c.UserName
	if who == "" {
		who = c.UserID
	}
	return fmt.Sprintf("New support conversation from %s: %s", who, c.Subject)
}

func closedLine(c models.Conversation) string {
	return fmt.Sprintf("Support conversation closed: %s", c.Subject)
}

// retrier retries calls that fail with a platform rate-limit error.
type retrier struct {
	base, max time.Duration
	log       *zap.Logger
	// retryAfter reports whether err is a rate limit and the wait the
	// platform asked for (zero means use backoff).
	retryAfter func(err error) (time.Duration, bool)
}

func (r retrier) do(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		wait, limited := r.retryAfter(err)
		if !limited || attempt == maxRetries {
			return err
		}
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * r.base
		}
		if wait > r.max {
			wait = r.max
		}
		r.log.Warn("notify: rate limited",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
