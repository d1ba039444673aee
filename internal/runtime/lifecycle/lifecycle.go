// Package lifecycle holds small shared process-lifecycle types.
package lifecycle

// StopReason explains why the app is shutting down. It is logged and passed
// to components so shutdown paths can distinguish signals from fatal errors.
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)
