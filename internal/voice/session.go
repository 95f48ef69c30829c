package voice

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

func readyLog(s *discordgo.Session, r *discordgo.Ready) {
	slog.Info("Bot is ready", "username", r.User.Username, "userID", r.User.ID)
}

// OpenSession connects a bot session that can join voice channels.
func OpenSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	session.AddHandler(readyLog)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("failed to open discord session: %w", err)
	}
	return session, nil
}
