// Package model holds the canonical, source-agnostic post representation.
// It is pure data: constructed by source collectors, consumed by the engine.
package model

import "time"

// Source identifies the platform a post was collected from.
type Source string

const (
	SourceBluesky   Source = "bluesky"
	SourceInstagram Source = "instagram"
)

// Destination identifies a downstream platform a post can be delivered to.
type Destination string

const (
	DestMastodon Destination = "mastodon"
	DestDiscord  Destination = "discord"
	DestTumblr   Destination = "tumblr"
	DestTelegram Destination = "telegram"
	DestBluesky  Destination = "bluesky"
)

// Destinations is the declared delivery order. The engine iterates this list
// uniformly; adding a destination means adding it here and registering a
// publisher, with no control-flow changes elsewhere.
var Destinations = []Destination{
	DestBluesky,
	DestMastodon,
	DestDiscord,
	DestTumblr,
	DestTelegram,
}

// MediaKind distinguishes media attachment types.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Media is one attachment. Collectors download remote media into the shared
// media dir and fill Path; URL is kept for adapters that link instead of
// re-uploading.
type Media struct {
	Path string
	URL  string
	Alt  string
	Kind MediaKind
}

// Post is one unit of source content eligible for cross-destination delivery.
// Immutable once constructed for a run.
type Post struct {
	ID        string // stable per source (cid for Bluesky, media id for Instagram)
	Source    Source
	Text      string
	CreatedAt time.Time
	Link      string

	// ReplyToID / QuotedID reference another Post's ID on the source
	// platform; empty means no relation. QuoteURL is the human-facing link to
	// the quoted post, used when quoting falls back to a plain link.
	ReplyToID string
	QuotedID  string
	QuoteURL  string

	Media []Media

	// Visibility and AllowedReply are platform-semantic strings carried
	// through untouched (e.g. Mastodon visibility, Bluesky threadgate).
	Visibility   string
	AllowedReply string

	// Repost marks a re-share of prior content: already-delivered destination
	// copies should be re-shared rather than freshly authored.
	Repost bool

	// Routes is the per-post destination intent, intersected with the global
	// per-destination toggles before dispatch.
	Routes map[Destination]bool
}

// DefaultRoutes returns the per-post toggle set with every known destination
// enabled.
func DefaultRoutes() map[Destination]bool {
	m := make(map[Destination]bool, len(Destinations))
	for _, d := range Destinations {
		m[d] = true
	}
	return m
}
