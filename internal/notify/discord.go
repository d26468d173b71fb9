package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Discord posts notices to a Discord channel. The resale ops team follows
// auction milestones there.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
}

// NewDiscord opens a Discord session for the given bot token.
func NewDiscord(token, channelID string, logger *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID, logger: logger}, nil
}

func (d *Discord) Notify(ctx context.Context, msg string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, msg, discordgo.WithContext(ctx))
	if err != nil {
		d.logger.WarnContext(ctx, "discord notify failed", "error", err)
		return fmt.Errorf("sending discord message: %w", err)
	}
	return nil
}

// Close releases the underlying session.
func (d *Discord) Close() error {
	return d.session.Close()
}
