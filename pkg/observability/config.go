package observability

import "log/slog"

// Config controls observability initialization.
type Config struct {
	// ServiceName identifies the service in telemetry resources and logs.
	ServiceName string

	// ServiceVersion is the build version, when known.
	ServiceVersion string

	// Environment names the deployment environment (e.g. "production").
	Environment string

	// Component names the running entrypoint (observe, consume, analyze).
	Component string

	// OTLPEndpoint is the OTLP gRPC collector endpoint. Empty disables
	// export; noop providers are installed with zero overhead.
	OTLPEndpoint string

	// OTLPInsecure disables TLS on the OTLP connection.
	OTLPInsecure bool

	// LogLevel is the minimum level for emitted log records.
	LogLevel slog.Level

	// LogJSON selects the JSON handler instead of text.
	LogJSON bool

	// SampleRatio is the trace sampling ratio. Zero means always sample.
	SampleRatio float64

	// ShutdownTimeoutSec bounds telemetry flush on shutdown.
	ShutdownTimeoutSec int
}

// defaultShutdownTimeoutSec bounds Shutdown when no timeout is configured.
const defaultShutdownTimeoutSec = 10

// LevelVerbose sits between info and debug; it maps the CLI "verbose" level.
const LevelVerbose = slog.Level(-2)

// LevelTrace is the most detailed CLI level ("debug" plus wire payloads).
const LevelTrace = slog.Level(-8)

// ParseLevel maps a CLI --log-level value onto a slog level.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	case "verbose":
		return LevelVerbose
	case "debug":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}
