package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("50ms", "30m", "24h").
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Gate         GateConfig         `json:"gate"`
	Verification VerificationConfig `json:"verification"`
	Broadcast    BroadcastConfig    `json:"broadcast"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
}

type TelegramConfig struct {
	Token        string  `json:"token" validate:"required"`
	BotUsername  string  `json:"bot_username,omitempty"`
	AdminUserIDs []int64 `json:"admin_user_ids"`
	GroupLog     string  `json:"group_log,omitempty"`

	PollTimeout    string `json:"poll_timeout,omitempty" validate:"omitempty,duration"`
	RequestTimeout string `json:"request_timeout,omitempty" validate:"omitempty,duration"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
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
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig controls the user store.
//
//	"storage": { "driver": "sqlite", "path": "./data/gatebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

type ChannelConfig struct {
	// ID is "@username" or a numeric "-100…" chat id.
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	InviteURL string `json:"invite_url" validate:"required,url"`
}

type GateConfig struct {
	Channels         []ChannelConfig `json:"channels" validate:"dive"`
	MembershipTTL    string          `json:"membership_ttl,omitempty" validate:"omitempty,duration"`
	ProbeTimeout     string          `json:"probe_timeout,omitempty" validate:"omitempty,duration"`
	ProbeConcurrency int             `json:"probe_concurrency,omitempty" validate:"gte=0,lte=32"`
	Sweep            SweepConfig     `json:"sweep"`
}

type SweepConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Staleness string `json:"staleness,omitempty" validate:"omitempty,duration"`
	Delay     string `json:"delay,omitempty" validate:"omitempty,duration"`
	Batch     int    `json:"batch,omitempty" validate:"gte=0"`
	LogEvery  int    `json:"log_every,omitempty" validate:"gte=0"`
}

type VerificationConfig struct {
	RedeemWindow string         `json:"redeem_window,omitempty" validate:"omitempty,duration"`
	GrantWindow  string         `json:"grant_window,omitempty" validate:"omitempty,duration"`
	AdGate       AdGateConfig   `json:"ad_gate"`
	Callback     CallbackConfig `json:"callback"`
}

// AdGateConfig points at the link-shortening provider. An empty APIKey
// disables link generation (users are told to try later).
type AdGateConfig struct {
	Endpoint string `json:"endpoint,omitempty" validate:"omitempty,url"`
	APIKey   string `json:"api_key,omitempty"`
	Timeout  string `json:"timeout,omitempty" validate:"omitempty,duration"`
	Retries  int    `json:"retries,omitempty" validate:"gte=0,lte=10"`
}

// CallbackConfig controls the optional HTTP verification endpoint.
type CallbackConfig struct {
	Enabled    bool    `json:"enabled"`
	Addr       string  `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	PublicURL  string  `json:"public_url,omitempty" validate:"omitempty,url"`
	RatePerSec float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int     `json:"burst,omitempty" validate:"gte=0"`
	// TrustProxy honors X-Forwarded-For / X-Real-IP for rate limiting.
	TrustProxy bool    `json:"trust_proxy,omitempty"`
}

type BroadcastConfig struct {
	MinDelay         string `json:"min_delay,omitempty" validate:"omitempty,duration"`
	SendTimeout      string `json:"send_timeout,omitempty" validate:"omitempty,duration"`
	ProgressEvery    int    `json:"progress_every,omitempty" validate:"gte=0"`
	ProgressInterval string `json:"progress_interval,omitempty" validate:"omitempty,duration"`

	// Serialize runs one dispatch at a time across all admins. Nil means true.
	Serialize *bool  `json:"serialize,omitempty"`
	Header    string `json:"header,omitempty"`
	ParseMode string `json:"parse_mode,omitempty" validate:"omitempty,oneof=HTML Markdown MarkdownV2"`

	Sessions SessionsConfig `json:"sessions"`
}

type SessionsConfig struct {
	Driver string      `json:"driver,omitempty" validate:"omitempty,oneof=memory redis"`
	TTL    string      `json:"ttl,omitempty" validate:"omitempty,duration"`
	Redis  RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr      string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty" validate:"gte=0"`
	KeyPrefix string `json:"key_prefix,omitempty"`

	// Enabled is derived from sessions.driver during validation.
	Enabled bool `json:"-"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// SerializeDispatch reports the effective broadcast.serialize value.
func (c BroadcastConfig) SerializeDispatch() bool {
	return c.Serialize == nil || *c.Serialize
}
