// Package voice plays the coach's speech into a Discord voice channel.
package voice

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/kinetix-coach/internal/audio"
	"github.com/kinetix-coach/internal/logging"
)

const (
	// Discord voice is 48 kHz stereo Opus in 20 ms frames.
	discordRate     = 48000
	discordChannels = 2
	frameSamples    = 960
)

// Link is a bot session joined to one voice channel.
type Link struct {
	dg *discordgo.Session
	vc *discordgo.VoiceConnection
}

// Join opens a bot session and joins the voice channel, unmuted and
// deafened since the coach only speaks.
func Join(token, guildID, channelID string, resolver NameResolver) (*Link, error) {
	if token == "" || guildID == "" || channelID == "" {
		return nil, errors.New("voice: token, guild and channel are required")
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("voice: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("voice: open session: %w", err)
	}
	if resolver == nil {
		resolver = NewDiscordResolver(dg)
	}
	fields := append(logging.GuildFields(guildID, resolver.GuildName(guildID)), logging.ChannelFields(channelID, resolver.ChannelName(channelID))...)
	logging.Infow("voice: joining channel", fields...)

	vc, err := dg.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		_ = dg.Close()
		return nil, fmt.Errorf("voice: join: %w", err)
	}
	logging.Infow("voice: joined channel", fields...)
	return &Link{dg: dg, vc: vc}, nil
}

// Close leaves the channel and closes the bot session.
func (l *Link) Close() error {
	var errs []error
	if l.vc != nil {
		if err := l.vc.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("voice disconnect: %w", err))
		}
	}
	if err := l.dg.Close(); err != nil {
		errs = append(errs, fmt.Errorf("discord session close: %w", err))
	}
	return errors.Join(errs...)
}

// framer converts mono PCM at an arbitrary rate into 48 kHz stereo frames
// of frameSamples per channel. Leftover samples wait for the next push.
type framer struct {
	inRate  int
	pending []int16
}

func newFramer(inRate int) *framer { return &framer{inRate: inRate} }

// push appends mono samples and returns every complete interleaved stereo
// frame.
func (f *framer) push(mono []int16) [][]int16 {
	up := audio.Resample(mono, f.inRate, discordRate)
	for _, s := range up {
		f.pending = append(f.pending, s, s)
	}
	const frameLen = frameSamples * discordChannels
	var frames [][]int16
	for len(f.pending) >= frameLen {
		frame := make([]int16, frameLen)
		copy(frame, f.pending[:frameLen])
		frames = append(frames, frame)
		f.pending = f.pending[frameLen:]
	}
	return frames
}

// flush pads the remainder with silence into one last frame.
func (f *framer) flush() []int16 {
	if len(f.pending) == 0 {
		return nil
	}
	frame := make([]int16, frameSamples*discordChannels)
	copy(frame, f.pending)
	f.pending = nil
	return frame
}
