package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Tracker controls the release polling pipeline.
	Tracker TrackerConfig `json:"tracker"`

	Storage     *StorageConfig    `json:"storage,omitempty"`
	Credentials CredentialsConfig `json:"credentials,omitempty"`
	Backup      *BackupConfig     `json:"backup,omitempty"`
}

// TrackerConfig controls release polling.
//
// All durations are Go duration strings (e.g. "30s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - tick: "1m"
//   - poll_spacing: "2s"
//   - workers: 4
//   - queue_size: 64
//   - default_every_hours: 24
//   - request_timeout: "15s"
type TrackerConfig struct {
	Enabled bool `json:"enabled"`

	// Tick is the scan interval of the scheduling loop. Polls only ever
	// start on a tick, so due times are quantized to it.
	Tick string `json:"tick,omitempty"`

	// PollSpacing is the minimum pause between two outbound API calls,
	// shared across all repositories.
	PollSpacing string `json:"poll_spacing,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultEveryHours applies when a subscription names no interval.
	DefaultEveryHours int `json:"default_every_hours,omitempty"`

	// Shared fallback tokens, used when no watcher of a repository has a
	// usable credential of their own.
	GitHubToken string `json:"github_token,omitempty"`
	GitLabToken string `json:"gitlab_token,omitempty"`

	// API base URL overrides for GitHub Enterprise / self-hosted GitLab.
	GitHubBaseURL string `json:"github_base_url,omitempty"`
	GitLabBaseURL string `json:"gitlab_base_url,omitempty"`

	// RequestTimeout bounds a single fetch, connection to parsed body.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./relbot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CredentialsConfig controls at-rest sealing of subscriber API tokens.
type CredentialsConfig struct {
	// Key is a base64-encoded 32-byte AES key. When empty, tokens are
	// stored in plaintext.
	Key string `json:"key,omitempty"`
}

// BackupConfig controls scheduled snapshot exports.
type BackupConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression. Default: "0 4 * * *" (daily, 04:00).
	Schedule string `json:"schedule,omitempty"`
	Dir      string `json:"dir,omitempty"`
	// Keep is how many snapshot files to retain. Default: 14.
	Keep int `json:"keep,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
