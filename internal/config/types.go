package config

// Config is the full on-disk configuration. YAML and JSON are both accepted;
// decoding is strict so typos in keys fail loudly at load time.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Store configures the delivery store backend.
	Store StoreConfig `json:"store"`

	// Run holds the per-invocation dispatch settings. The engine receives an
	// immutable snapshot of these at the start of each run; they are never
	// mutated mid-run.
	Run RunConfig `json:"run"`

	// Schedule controls daemon mode. When disabled, the process runs one
	// invocation and exits.
	Schedule ScheduleConfig `json:"schedule,omitempty"`

	Media MediaConfig `json:"media,omitempty"`

	Sources      SourcesConfig      `json:"sources"`
	Destinations DestinationsConfig `json:"destinations"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the delivery store.
//
// Driver values:
//   - "file": newline-delimited JSON log with backup rotation (default)
//   - "sqlite": SQLite database file (optional build tag)
type StoreConfig struct {
	Driver     string `json:"driver,omitempty"`
	Path       string `json:"path"`
	BackupPath string `json:"backup_path,omitempty"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RunConfig mirrors the operational toggles of the dispatch engine.
//
// All durations are Go duration strings (e.g. "30m", "12h").
type RunConfig struct {
	// MaxRetries is the transient-failure threshold after which a
	// (post, destination) pair is marked permanently failed. Default 5.
	MaxRetries int `json:"max_retries,omitempty"`

	// RepostWindow bounds how long after delivery a repost still re-shares
	// the delivered copy. Default "1h".
	RepostWindow string `json:"repost_window,omitempty"`

	// Lookback is how far back collectors fetch source posts. Default "12h".
	Lookback string `json:"lookback,omitempty"`

	// MaxPerRun caps posts newly delivered per invocation; 0 means no cap.
	MaxPerRun int `json:"max_per_run,omitempty"`

	// Overflow decides what happens to posts beyond MaxPerRun:
	// "retry" (default) leaves them untracked for the next invocation,
	// "drop" records them as skipped for every destination.
	Overflow string `json:"overflow,omitempty"`

	// QuotePostsAsLinks appends the quote URL to the text when the quoted
	// post is not tracked, instead of skipping the post.
	QuotePostsAsLinks bool `json:"quote_posts_as_links,omitempty"`

	// DryRun skips all adapter calls and durable writes, producing
	// would-publish receipts instead.
	DryRun bool `json:"dry_run,omitempty"`

	// ReceiptsPath is where dry-run receipts are written.
	ReceiptsPath string `json:"receipts_path,omitempty"`
}

type ScheduleConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron expression or @every duration (robfig/cron syntax).
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type MediaConfig struct {
	// Dir is the shared local path collectors download media into.
	Dir string `json:"dir,omitempty"`
}

type SourcesConfig struct {
	Bluesky   *BlueskySourceConfig   `json:"bluesky,omitempty"`
	Instagram *InstagramSourceConfig `json:"instagram,omitempty"`
}

type BlueskySourceConfig struct {
	Host     string `json:"host,omitempty"` // default https://bsky.social
	Handle   string `json:"handle"`
	Password string `json:"password"`
	// SessionPath stores the refreshable session between runs.
	SessionPath string `json:"session_path,omitempty"`
}

type InstagramSourceConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key"`
}

// DestinationsConfig enables and configures publisher adapters. A destination
// section that is enabled but missing credentials is skipped for the run with
// a warning; it never fails other destinations.
type DestinationsConfig struct {
	Mastodon *MastodonConfig        `json:"mastodon,omitempty"`
	Discord  *DiscordConfig         `json:"discord,omitempty"`
	Tumblr   *TumblrConfig          `json:"tumblr,omitempty"`
	Telegram *TelegramConfig        `json:"telegram,omitempty"`
	Bluesky  *BlueskyDestConfig     `json:"bluesky,omitempty"`
	Rate     map[string]RateSetting `json:"rate,omitempty"`
}

// RateSetting caps outbound publish calls per destination.
type RateSetting struct {
	PerSecond int `json:"per_second"`
}

type MastodonConfig struct {
	Enabled      bool   `json:"enabled"`
	Server       string `json:"server"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AccessToken  string `json:"access_token"`
}

type DiscordConfig struct {
	Enabled      bool   `json:"enabled"`
	WebhookID    string `json:"webhook_id"`
	WebhookToken string `json:"webhook_token"`
	Username     string `json:"username,omitempty"`
}

type TumblrConfig struct {
	Enabled        bool   `json:"enabled"`
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
	Token          string `json:"token"`
	TokenSecret    string `json:"token_secret"`
	Blog           string `json:"blog"`
}

type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token"`
	ChannelID int64  `json:"channel_id"`
}

// BlueskyDestConfig reuses the source credentials; the bridge posts to the
// same account the Bluesky collector reads from.
type BlueskyDestConfig struct {
	Enabled bool `json:"enabled"`
}
