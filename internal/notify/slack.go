package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/models"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	Token   string
	Channel string
	Logger  *zap.Logger
	client  slackClient
}

// Slack posts announcements to a Slack channel.
type Slack struct {
	client  slackClient
	channel string
	retry   retrier
}

// NewSlack validates opts and returns a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	if opts.client == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("notify: slack bot token is required")
		}
		opts.client = slackapi.New(opts.Token)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Slack{
		client:  opts.client,
		channel: opts.Channel,
		retry: retrier{
			base: baseBackoff,
			max:  maxBackoff,
			log:  opts.Logger,
			retryAfter: func(err error) (time.Duration, bool) {
				var rle *slackapi.RateLimitedError
				if !errors.As(err, &rle) {
					return 0, false
				}
				return rle.RetryAfter, true
			},
		},
	}, nil
}

// NewConversation posts a new-conversation attachment.
func (s *Slack) NewConversation(ctx context.Context, c models.Conversation) error {
	att := slackapi.Attachment{
		Color:  "#2eb886",
		Title:  c.Subject,
		Footer: c.ID,
		Fields: []slackapi.AttachmentField{
			{Title: "Customer", Value: c.UserName, Short: true},
			{Title: "Status", Value: c.Status.String(), Short: true},
		},
	}
	return s.post(ctx, headline(c), att)
}

// ConversationClosed posts a closure notice.
func (s *Slack) ConversationClosed(ctx context.Context, c models.Conversation) error {
	return s.post(ctx, closedLine(c), slackapi.Attachment{Color: "#9e9e9e", Footer: c.ID})
}

func (s *Slack) post(ctx context.Context, text string, att slackapi.Attachment) error {
	err := s.retry.do(ctx, func() error {
		_, _, postErr := s.client.PostMessageContext(ctx, s.channel,
			slackapi.MsgOptionText(text, false),
			slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}
