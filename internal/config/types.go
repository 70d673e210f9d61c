package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Provider ProviderConfig  `json:"provider"`
	Push     PushConfig      `json:"push"`
	App      AppConfig       `json:"app"`
	Schedule ScheduleConfig  `json:"schedule"`
	Host     HostConfig      `json:"host"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
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

// StorageConfig selects the durable preference store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./habitping_store" }
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "habitping:" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// ProviderConfig is the public client configuration of the push provider.
// It carries no per-user secret; it is relayed verbatim to the background
// context. Every field may be overridden from the environment (see env.go).
type ProviderConfig struct {
	APIKey            string `json:"api_key"`
	AuthDomain        string `json:"auth_domain"`
	ProjectID         string `json:"project_id"`
	StorageBucket     string `json:"storage_bucket"`
	MessagingSenderID string `json:"messaging_sender_id"`
	AppID             string `json:"app_id"`
	MeasurementID     string `json:"measurement_id,omitempty"`
}

// PushConfig points at the Push Delivery Service and the token issuer.
//
// All durations are Go duration strings.
type PushConfig struct {
	// VAPIDKey is the public application server key the token is bound to.
	VAPIDKey string `json:"vapid_key"`
	// RegistrationEndpoint issues a delivery token for (registration, vapid key).
	RegistrationEndpoint string `json:"registration_endpoint"`
	// SendEndpoint accepts POST {token,title,body,data}.
	SendEndpoint string `json:"send_endpoint"`
	Timeout      string `json:"timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
}

// AppConfig describes how rendered notifications look and where clicks land.
type AppConfig struct {
	RootURL       string `json:"root_url,omitempty"` // default "/"
	Icon          string `json:"icon,omitempty"`     // default "/assets/icon.jpg"
	Badge         string `json:"badge,omitempty"`    // default "/assets/badge.jpg"
	FallbackTitle string `json:"fallback_title,omitempty"`
	FallbackBody  string `json:"fallback_body,omitempty"`
}

type ScheduleConfig struct {
	// Timezone is an IANA name; empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTime is used until the user picks one, e.g. "8:00 PM".
	DefaultTime string `json:"default_time,omitempty"`
	// PollInterval is how often the daemon re-reads the stored reminder
	// time, which one-shot commands may change. Default 30s.
	PollInterval string `json:"poll_interval,omitempty"`
}

// HostConfig controls the local stand-ins for the platform facilities.
type HostConfig struct {
	// PermissionPolicy is one of "prompt" (ask on the terminal), "grant", "deny".
	PermissionPolicy string `json:"permission_policy,omitempty"`
	// PromptTimeout bounds how long a prompt waits; no answer counts as denied.
	PromptTimeout string `json:"prompt_timeout,omitempty"`
	// ListenAddr is the inbound push/click surface, e.g. "127.0.0.1:8787".
	// Empty disables it.
	ListenAddr string `json:"listen_addr,omitempty"`
	// OpenBrowser opens the app root with the system opener when no window exists.
	OpenBrowser bool `json:"open_browser,omitempty"`
	// DisplayURLs are shoutrrr service URLs that mirror every shown notification.
	DisplayURLs []string `json:"display_urls,omitempty"`
}

// NotifierConfig controls the async reminder pipeline.
//
// If the whole section is omitted, the pipeline defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}
