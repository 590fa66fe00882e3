//go:build !opus
// +build !opus

package voice

import "errors"

// ErrOpusUnavailable is returned by NewDiscordSink in builds without libopus.
// Build with -tags opus to enable Discord output.
var ErrOpusUnavailable = errors.New("voice: built without opus support")

type DiscordSink struct{}

func NewDiscordSink(link *Link, rate int) (*DiscordSink, error) {
	return nil, ErrOpusUnavailable
}

func (s *DiscordSink) Write([]int16) error { return ErrOpusUnavailable }
func (s *DiscordSink) Close() error        { return nil }
