package config

import (
	"os"
	"strings"
)

// Environment variables that override file values. Deployments commonly
// inject the provider's public client config this way.
const (
	EnvAPIKey            = "FIREBASE_API_KEY"
	EnvAuthDomain        = "FIREBASE_AUTH_DOMAIN"
	EnvProjectID         = "FIREBASE_PROJECT_ID"
	EnvStorageBucket     = "FIREBASE_STORAGE_BUCKET"
	EnvMessagingSenderID = "FIREBASE_MESSAGING_SENDER_ID"
	EnvAppID             = "FIREBASE_APP_ID"
	EnvMeasurementID     = "FIREBASE_MEASUREMENT_ID"
	EnvVAPIDKey          = "HABITPING_VAPID_KEY"
)

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config) {
	applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Provider.APIKey, EnvAPIKey)
	set(&cfg.Provider.AuthDomain, EnvAuthDomain)
	set(&cfg.Provider.ProjectID, EnvProjectID)
	set(&cfg.Provider.StorageBucket, EnvStorageBucket)
	set(&cfg.Provider.MessagingSenderID, EnvMessagingSenderID)
	set(&cfg.Provider.AppID, EnvAppID)
	set(&cfg.Provider.MeasurementID, EnvMeasurementID)
	set(&cfg.Push.VAPIDKey, EnvVAPIDKey)
}
