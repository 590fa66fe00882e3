package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver turns Discord ids into display names for log fields.
type NameResolver interface {
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// NoopResolver returns empty names. Useful for tests or when REST lookups
// should be avoided.
type NoopResolver struct{}

func (NoopResolver) GuildName(string) string   { return "" }
func (NoopResolver) ChannelName(string) string { return "" }

// cacheTTL controls how long a cached name is valid.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

// nameCache is a small TTL cache of id -> name.
type nameCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newNameCache() *nameCache {
	return &nameCache{entries: make(map[string]cacheEntry), now: time.Now}
}

// get returns the cached name for id or calls fetch and caches a non-empty
// result. Lookups run outside the lock.
func (c *nameCache) get(id string, fetch func(id string) string) string {
	if id == "" {
		return ""
	}
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		if c.now().Before(e.expiry) {
			c.mu.Unlock()
			return e.val
		}
		delete(c.entries, id)
	}
	c.mu.Unlock()

	name := fetch(id)
	if name == "" {
		return ""
	}
	c.mu.Lock()
	c.entries[id] = cacheEntry{val: name, expiry: c.now().Add(cacheTTL)}
	c.mu.Unlock()
	return name
}

// DiscordResolver looks names up in the session state first and falls back
// to the REST API.
type DiscordResolver struct {
	s        *discordgo.Session
	guilds   *nameCache
	channels *nameCache
}

func NewDiscordResolver(s *discordgo.Session) *DiscordResolver {
	return &DiscordResolver{s: s, guilds: newNameCache(), channels: newNameCache()}
}

func (d *DiscordResolver) GuildName(guildID string) string {
	if d.s == nil {
		return ""
	}
	return d.guilds.get(guildID, func(id string) string {
		if d.s.State != nil {
			if g, err := d.s.State.Guild(id); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := d.s.Guild(id); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (d *DiscordResolver) ChannelName(channelID string) string {
	if d.s == nil {
		return ""
	}
	return d.channels.get(channelID, func(id string) string {
		if d.s.State != nil {
			if c, err := d.s.State.Channel(id); err == nil && c != nil {
				return c.Name
			}
		}
		if c, err := d.s.Channel(id); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}
