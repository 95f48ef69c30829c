package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type DiscordConfig struct {
	Token string `env:"DISCORD_TOKEN, required"`
	// GuildID is the default guild for the play command.
	GuildID string `env:"DISCORD_GUILD_ID"`
}

func NewDiscordConfigFromEnv() (*DiscordConfig, error) {
	var cfg DiscordConfig
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
