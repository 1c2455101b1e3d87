package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Provision ProvisionConfig `json:"provision,omitempty"`
	Watcher   WatcherConfig   `json:"watcher,omitempty"`
	Sessions  SessionsConfig  `json:"sessions,omitempty"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AuditChatID is the shared channel/group every relayed message is
	// forwarded to, in addition to the owning user's chat. 0 disables.
	AuditChatID int64 `json:"audit_chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
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

// ProvisionConfig controls the number-provisioning REST client.
type ProvisionConfig struct {
	// BaseURL overrides the provisioning API endpoint (tests, proxies).
	// Empty means the provider default.
	BaseURL string `json:"base_url,omitempty"`
	// HTTPTimeout is a Go duration string bounding each remote call.
	HTTPTimeout string `json:"http_timeout,omitempty"`
	// Region is the country code used for number search. Default "CA".
	Region string `json:"region,omitempty"`
	// SearchLimit caps how many available numbers a search returns.
	SearchLimit int `json:"search_limit,omitempty"`
}

// WatcherConfig controls the per-session inbound message poller.
//
// All durations are Go duration strings. Defaults: interval 12s, jitter 2s.
type WatcherConfig struct {
	Interval string `json:"interval,omitempty"`
	Jitter   string `json:"jitter,omitempty"`
}

// SessionsConfig controls in-memory session behavior.
type SessionsConfig struct {
	// IdleTTL evicts sessions (and releases their number) after this long
	// without any interaction. "0s" disables idle eviction.
	IdleTTL string `json:"idle_ttl,omitempty"`
}

// RelayConfig controls the async outbound send pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type RelayConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// PprofConfig controls the optional debug/profiling HTTP server. Binding to
// a non-loopback address requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// JanitorConfig controls the periodic lease sweep that releases numbers
// still held by a provisioning account but no longer owned by the session.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec (e.g. "@hourly", "*/30 * * * *").
	Schedule string `json:"schedule,omitempty"`
}
