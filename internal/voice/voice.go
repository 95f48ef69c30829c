package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/glizzus/opus-normalize/internal/container"
)

// FrameSamples is the packet duration, at 48 kHz, Discord paces voice at.
const FrameSamples = 960

// DefaultSendTimeout bounds how long a single packet may wait on the voice
// connection before the stream is abandoned.
const DefaultSendTimeout = time.Minute

var ErrVoiceConnClosed = errors.New("voice connection send timeout")

// MaxAttendedChannel returns the ID of the voice channel with the most
// connected members, or "" if nobody is connected.
func MaxAttendedChannel(guild *discordgo.Guild) string {
	attendance := make(map[string]int)
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != "" {
			attendance[vs.ChannelID]++
		}
	}

	var channelID string
	maxAttended := 0
	for _, channel := range guild.Channels {
		if channel.Type != discordgo.ChannelTypeGuildVoice {
			continue
		}
		if n := attendance[channel.ID]; n > maxAttended {
			channelID = channel.ID
			maxAttended = n
		}
	}
	return channelID
}

type VoiceChannelFunc func(*discordgo.Session, *discordgo.VoiceConnection) error

// WithVoiceChannel joins a voice channel, marks the bot as speaking and runs
// callback. The connection is left again when callback returns.
func WithVoiceChannel(s *discordgo.Session, guildID, channelID string, callback VoiceChannelFunc) error {
	slog.Debug("Joining voice channel", "guildID", guildID, "channelID", channelID)
	voiceConn, err := s.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return fmt.Errorf("unable to join the voice channel: %w", err)
	}

	if err := voiceConn.Speaking(true); err != nil {
		return fmt.Errorf("error setting speaking state to 'true': %w", err)
	}
	defer func() {
		if err := voiceConn.Speaking(false); err != nil {
			slog.Error("failed to stop speaking", slog.Any("error", err))
		}

		if err := voiceConn.Disconnect(); err != nil {
			slog.Error("failed to disconnect", slog.Any("error", err))
		}
	}()

	if err = callback(s, voiceConn); err != nil {
		return fmt.Errorf("error executing callback: %w", err)
	}

	return nil
}

// StreamPackets sends every packet of src to send, which is normally a
// voice connection's OpusSend channel. Packets must each hold 20 ms of
// audio. It returns nil once src is exhausted.
func StreamPackets(ctx context.Context, src container.Source, send chan<- []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sent := 0
	for {
		packet, err := src.Next()
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
		if packet.Samples != FrameSamples {
			return sent, fmt.Errorf("%w: packet %d lasts %d samples, voice needs %d",
				container.ErrUnsupportedStream, packet.Index, packet.Samples, FrameSamples)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(timeout)

		select {
		case send <- packet.Data:
			sent++
		case <-timer.C:
			return sent, ErrVoiceConnClosed
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
}

// Play joins the channel and streams src into it.
func Play(ctx context.Context, s *discordgo.Session, guildID, channelID string, src container.Source) (int, error) {
	var sent int
	err := WithVoiceChannel(s, guildID, channelID, func(_ *discordgo.Session, vc *discordgo.VoiceConnection) error {
		var err error
		sent, err = StreamPackets(ctx, src, vc.OpusSend, DefaultSendTimeout)
		return err
	})
	return sent, err
}
