package config

import (
	"reflect"
	"sort"
	"strings"

	logx "habitping/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets (api key, redis password) are only
// reported as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Provider != newCfg.Provider {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.project_id", newCfg.Provider.ProjectID),
			logx.Bool("provider.api_key_set", strings.TrimSpace(newCfg.Provider.APIKey) != ""),
			logx.Bool("provider.app_id_set", strings.TrimSpace(newCfg.Provider.AppID) != ""),
		)
	}

	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.vapid_key_set", strings.TrimSpace(newCfg.Push.VAPIDKey) != ""),
			logx.String("push.send_endpoint", newCfg.Push.SendEndpoint),
			logx.String("push.registration_endpoint", newCfg.Push.RegistrationEndpoint),
			logx.String("push.timeout", newCfg.Push.Timeout),
		)
	}

	if oldCfg.App != newCfg.App {
		changed = append(changed, "app")
		attrs = append(attrs, logx.String("app.root_url", newCfg.App.RootURL))
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
			logx.String("schedule.default_time", newCfg.Schedule.DefaultTime),
			logx.String("schedule.poll_interval", newCfg.Schedule.PollInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Host, newCfg.Host) {
		changed = append(changed, "host")
		attrs = append(attrs,
			logx.String("host.permission_policy", newCfg.Host.PermissionPolicy),
			logx.String("host.listen_addr", newCfg.Host.ListenAddr),
			logx.Int("host.display_urls", len(newCfg.Host.DisplayURLs)),
		)
	}

	// A nil notifier section means runtime defaults.
	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.addr", nS.Addr),
			logx.Bool("storage.password_set", nS.Password != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
