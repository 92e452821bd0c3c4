package config

// Config is the on-disk shape of the daemon's configuration. Durations are
// Go duration strings ("30s", "24h") parsed where they are mapped onto
// component configs.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	RateLimit  RateLimitConfig   `json:"rate_limit"`
	Dispatch   DispatchConfig    `json:"dispatch"`
	Channels   []ChannelConfig   `json:"channels" validate:"omitempty,unique=ID,dive"`
	Drivers    DriversConfig     `json:"drivers"`
	Reporter   ReporterConfig    `json:"reporter"`
	Notifier   NotifierConfig    `json:"notifier"`
	Receipts   ReceiptsConfig    `json:"receipts"`
}

type LoggingConfig struct {
	Level    string         `json:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Console  bool           `json:"console"`
	File     LogFileConfig  `json:"file"`
	Operator OperatorConfig `json:"operator"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// OperatorConfig forwards warn-and-above log lines to a human through one
// of the configured channels.
type OperatorConfig struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id" validate:"required_if=Enabled true"`
	Recipient  string `json:"recipient" validate:"required_if=Enabled true"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=warn error WARN ERROR"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=sqlite mysql postgres"`
	DSN          string `json:"dsn"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns" validate:"gte=0"`
}

type TaskEngineConfig struct {
	Workers        int    `json:"workers" validate:"gte=0,lte=64"`
	QueueSize      int    `json:"queue_size" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size" validate:"gte=0"`
	RetryMax       int    `json:"retry_max" validate:"gte=0,lte=10"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	// BirthdayAt and PruneAt are local wall clock times, "HH:MM".
	BirthdayAt string `json:"birthday_at,omitempty"`
	PruneAt    string `json:"prune_at,omitempty"`
	Retention  string `json:"retention,omitempty"`

	DueEvery        string `json:"due_every,omitempty"`
	CompletionEvery string `json:"completion_every,omitempty"`
	ReconcileEvery  string `json:"reconcile_every,omitempty"`
}

// RateLimitConfig mirrors ratelimit.Config. Zero values inherit the
// built-in defaults.
type RateLimitConfig struct {
	PerMinute        int    `json:"per_minute" validate:"gte=0"`
	PerHour          int    `json:"per_hour" validate:"gte=0"`
	PerDay           int    `json:"per_day" validate:"gte=0"`
	MinDelay         string `json:"min_delay,omitempty"`
	MaxDelay         string `json:"max_delay,omitempty"`
	BurstLimit       int    `json:"burst_limit" validate:"gte=0"`
	BurstGap         string `json:"burst_gap,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
	WarnThreshold    int    `json:"warn_threshold" validate:"gte=0"`
	WarnThrottle     string `json:"warn_throttle,omitempty"`
	CriticalThrottle string `json:"critical_throttle,omitempty"`
	EscalateAfter    int    `json:"escalate_after" validate:"gte=0"`
	DecayAfter       string `json:"decay_after,omitempty"`
}

type DispatchConfig struct {
	HumanDelayMin string `json:"human_delay_min,omitempty"`
	HumanDelayMax string `json:"human_delay_max,omitempty"`
	StoreRetry    string `json:"store_retry,omitempty"`
}

type ChannelConfig struct {
	ID            string           `json:"id" validate:"required,max=64"`
	AccountID     string           `json:"account_id" validate:"required,max=64"`
	Driver        string           `json:"driver" validate:"required,oneof=gateway telegram"`
	RateLimit     *RateLimitConfig `json:"rate_limit,omitempty"`
	HumanDelayMin string           `json:"human_delay_min,omitempty"`
	HumanDelayMax string           `json:"human_delay_max,omitempty"`
}

type DriversConfig struct {
	Gateway  *GatewayConfig  `json:"gateway,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type GatewayConfig struct {
	BaseURL    string  `json:"base_url" validate:"required,url"`
	Token      string  `json:"token"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec" validate:"gte=0"`
	RetryMax   int     `json:"retry_max" validate:"gte=0,lte=10"`
}

type TelegramConfig struct {
	Token   string `json:"token" validate:"required"`
	URL     string `json:"url,omitempty" validate:"omitempty,url"`
	Timeout string `json:"timeout,omitempty"`
}

// ReporterConfig names where campaign completion summaries go. An empty
// recipient disables reporting.
type ReporterConfig struct {
	ChannelID string `json:"channel_id" validate:"required_with=Recipient"`
	Recipient string `json:"recipient"`
}

type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	URL             string `json:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token           string `json:"token"`
	Timeout         string `json:"timeout,omitempty"`
	Workers         int    `json:"workers" validate:"gte=0,lte=32"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0,lte=10"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup"`
}

type ReceiptsConfig struct {
	Driver   string `json:"driver" validate:"omitempty,oneof=memory valkey none"`
	Addr     string `json:"addr" validate:"required_if=Driver valkey"`
	Password string `json:"password"`
	DB       int    `json:"db" validate:"gte=0"`
	TTL      string `json:"ttl,omitempty"`
}
