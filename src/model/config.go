package model

import "time"

// ----------------------------------------------------
// ================ Config ================

// LogConfig holds configuration for the global logger
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" default:"json"`
	Output     string `envconfig:"LOG_OUTPUT" default:"stdout"`
	FilePath   string `envconfig:"LOG_FILE_PATH" default:"logs/leadbot.log"`
	TimeFormat string `envconfig:"LOG_TIME_FORMAT" default:"rfc3339"`
}

// LLMConfig holds configuration for the language-response provider
type LLMConfig struct {
	Provider    string        `envconfig:"LLM_PROVIDER" default:"openai"`
	Model       string        `envconfig:"LLM_MODEL" default:"openai/gpt-4o-mini"`
	APIKey      string        `envconfig:"OPENROUTER_API_KEY"`
	BaseURL     string        `envconfig:"LLM_BASE_URL" default:"https://openrouter.ai/api/v1"`
	MaxTokens   int           `envconfig:"LLM_MAX_TOKENS" default:"600"`
	Temperature float64       `envconfig:"LLM_TEMPERATURE" default:"0.4"`
	Timeout     time.Duration `envconfig:"LLM_TIMEOUT" default:"45s"`
}

// RetryConfig holds the retry budget shared by provider and store calls
type RetryConfig struct {
	MaxAttempts    int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay      time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	MaxDelay       time.Duration `envconfig:"RETRY_MAX_DELAY" default:"20s"`
	Jitter         float64       `envconfig:"RETRY_JITTER" default:"0.2"`
	ThrottleFactor float64       `envconfig:"RETRY_THROTTLE_FACTOR" default:"3"`
}

// ConversationConfig holds configuration for the conversation state machine
type ConversationConfig struct {
	Capacity      int           `envconfig:"CONVERSATION_CAPACITY" default:"100"`
	IdleTimeout   time.Duration `envconfig:"CONVERSATION_IDLE_TIMEOUT" default:"30m"`
	SweepEvery    time.Duration `envconfig:"CONVERSATION_SWEEP_EVERY" default:"1m"`
	SnapshotEvery time.Duration `envconfig:"CONVERSATION_SNAPSHOT_EVERY" default:"5m"`
	HistoryTurns  int           `envconfig:"CONVERSATION_HISTORY_TURNS" default:"10"`
	SnapshotDir   string        `envconfig:"CONVERSATION_SNAPSHOT_DIR" default:"data/conversations"`
	SnapshotTTL   time.Duration `envconfig:"CONVERSATION_SNAPSHOT_TTL" default:"168h"`
	Timezone      string        `envconfig:"TIMEZONE" default:"America/Lima"`
	TurnTimeout   time.Duration `envconfig:"TURN_TIMEOUT" default:"2m"`
}

// BufferConfig holds the debounce windows for inbound fragments
type BufferConfig struct {
	QuietWindow time.Duration `envconfig:"BUFFER_QUIET_WINDOW" default:"15s"`
	MaxDelay    time.Duration `envconfig:"BUFFER_MAX_DELAY" default:"60s"`
	BusyPolicy  string        `envconfig:"BUSY_POLICY" default:"queue"`
}

// LockConfig holds configuration for named resource locks
type LockConfig struct {
	Backend string        `envconfig:"LOCK_BACKEND" default:"memory"`
	Dir     string        `envconfig:"LOCK_DIR" default:"data/locks"`
	PollMin time.Duration `envconfig:"LOCK_POLL_MIN" default:"50ms"`
	PollMax time.Duration `envconfig:"LOCK_POLL_MAX" default:"250ms"`
	MaxWait time.Duration `envconfig:"LOCK_MAX_WAIT" default:"30s"`
	MaxHold time.Duration `envconfig:"LOCK_MAX_HOLD" default:"3m"`
}

// StoreConfig holds configuration for the lead record store
type StoreConfig struct {
	Driver   string `envconfig:"RECORD_STORE_DRIVER" default:"sqlite"`
	DSN      string `envconfig:"RECORD_STORE_DSN" default:"data/leads.db"`
	Source   string `envconfig:"LEAD_SOURCE" default:"whatsapp"`
	Campaign string `envconfig:"LEAD_CAMPAIGN"`
}

// RedisConfig holds the optional Redis connection
type RedisConfig struct {
	URL string `envconfig:"REDIS_URL"`
}

// TransportConfig holds configuration for the messaging bridge
type TransportConfig struct {
	BridgeURL         string        `envconfig:"BRIDGE_URL" default:"ws://localhost:3001/ws"`
	BridgeToken       string        `envconfig:"BRIDGE_TOKEN"`
	ReconnectBase     time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"5s"`
	ReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS" default:"5"`
	SendAttempts      int           `envconfig:"SEND_ATTEMPTS" default:"3"`
	SendStep          time.Duration `envconfig:"SEND_RETRY_STEP" default:"2s"`
}

// MediaConfig holds limits and destination for inbound media
type MediaConfig struct {
	Dir      string `envconfig:"MEDIA_DIR" default:"data/media"`
	MaxBytes int64  `envconfig:"MEDIA_MAX_BYTES" default:"5242880"`
}

// HTTPConfig holds configuration for the operational HTTP surface
type HTTPConfig struct {
	Addr  string `envconfig:"HTTP_ADDR" default:":8080"`
	Token string `envconfig:"HTTP_TOKEN"`
}
