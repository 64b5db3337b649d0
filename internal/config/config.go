// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cozy-sync.
package config

// Config is the top-level configuration structure.
type Config struct {
	SyncPath         string           `toml:"sync_path"`
	IgnoredPatterns  []string         `toml:"ignored_patterns"`
	AwaitWriteFinish AwaitWriteFinish `toml:"await_write_finish"`
	Poll             PollConfig       `toml:"poll"`
	Logging          LoggingConfig    `toml:"logging"`
}

// AwaitWriteFinish holds the await-write-finish timing pair. It is loaded
// and validated, but the watch command does not pass it to the
// LocalWatcher, which does not wait for writes to settle before hashing.
type AwaitWriteFinish struct {
	PollIntervalMs       int `toml:"poll_interval_ms"`
	StabilityThresholdMs int `toml:"stability_threshold_ms"`
}

// PollConfig holds the polling intervals. They are loaded and validated,
// but nothing reads them: the LocalWatcher's periodic safety scan runs on
// a fixed interval of its own.
type PollConfig struct {
	IntervalMs       int `toml:"interval_ms"`
	BinaryIntervalMs int `toml:"binary_interval_ms"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}
