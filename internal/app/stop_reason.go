package app

// StopReason is logged when the app stops.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopCommandDone  StopReason = "command_done"
	StopConfigReload StopReason = "config_reload"
)
