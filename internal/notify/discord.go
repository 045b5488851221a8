package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/models"
)

// discordSession abstracts the discordgo.Session methods we use.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	Token   string
	Channel string
	Logger  *zap.Logger
	session discordSession
}

// Discord posts announcements as embeds to a Discord channel. It only uses
// the REST API, so no gateway connection is opened.
type Discord struct {
	sess    discordSession
	channel string
	retry   retrier
}

// NewDiscord validates opts and returns a Discord notifier.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: discord channel is required")
	}
	if opts.session == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("notify: discord bot token is required")
		}
		s, err := discordgo.New("Bot " + opts.Token)
		if err != nil {
			return nil, fmt.Errorf("notify: discord session: %w", err)
		}
		opts.session = s
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Discord{
		sess:    opts.session,
		channel: opts.Channel,
		retry: retrier{
			base: baseBackoff,
			max:  maxBackoff,
			log:  opts.Logger,
			retryAfter: func(err error) (time.Duration, bool) {
				var restErr *discordgo.RESTError
				if !errors.As(err, &restErr) || restErr.Response == nil ||
					restErr.Response.StatusCode != http.StatusTooManyRequests {
					return 0, false
				}
				return 0, true
			},
		},
	}, nil
}

// NewConversation sends a new-conversation embed.
func (d *Discord) NewConversation(ctx context.Context, c models.Conversation) error {
	return d.send(ctx, &discordgo.MessageEmbed{
		Title:       headline(c),
		Description: c.Subject,
		Color:       0x2eb886,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Customer", Value: nonEmpty(c.UserName, c.UserID), Inline: true},
			{Name: "Status", Value: c.Status.String(), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: c.ID},
	})
}

// ConversationClosed sends a closure embed.
func (d *Discord) ConversationClosed(ctx context.Context, c models.Conversation) error {
	return d.send(ctx, &discordgo.MessageEmbed{
		Title:  closedLine(c),
		Color:  0x9e9e9e,
		Footer: &discordgo.MessageEmbedFooter{Text: c.ID},
	})
}

func (d *Discord) send(ctx context.Context, embed *discordgo.MessageEmbed) error {
	err := d.retry.do(ctx, func() error {
		_, sendErr := d.sess.ChannelMessageSendEmbed(d.channel, embed, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	return nil
}

// Discord rejects empty embed field values.
func nonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "-"
}
