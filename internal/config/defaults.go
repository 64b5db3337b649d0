package config

// Default values for configuration options — chosen so the daemon runs
// with no config file at all, matching spec.md's constants for the
// unlink-file/unlink-folder timers and the periodic reconciliation sweeps.
const (
	defaultAwaitWriteFinishPollMs   = 100
	defaultAwaitWriteFinishStableMs = 1250
	defaultPollIntervalMs           = 5 * 60 * 1000
	defaultBinaryPollIntervalMs     = 60 * 1000
	defaultLogLevel                 = "info"
	defaultLogFormat                = "auto"
)

// DefaultConfig returns a Config populated with all default values. This is
// used both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		AwaitWriteFinish: AwaitWriteFinish{
			PollIntervalMs:       defaultAwaitWriteFinishPollMs,
			StabilityThresholdMs: defaultAwaitWriteFinishStableMs,
		},
		Poll: PollConfig{
			IntervalMs:       defaultPollIntervalMs,
			BinaryIntervalMs: defaultBinaryPollIntervalMs,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
