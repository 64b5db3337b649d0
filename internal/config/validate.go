package config

import (
	"errors"
	"fmt"
)

// Validation range constants.
const (
	minAwaitWriteFinishPollMs   = 10
	minAwaitWriteFinishStableMs = 50
	minPollIntervalMs           = 1000
)

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.SyncPath == "" {
		errs = append(errs, errors.New("sync_path: must not be empty"))
	}

	errs = append(errs, validateAwaitWriteFinish(&cfg.AwaitWriteFinish)...)
	errs = append(errs, validatePoll(&cfg.Poll)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateAwaitWriteFinish(a *AwaitWriteFinish) []error {
	var errs []error

	if a.PollIntervalMs < minAwaitWriteFinishPollMs {
		errs = append(errs, fmt.Errorf("await_write_finish.poll_interval_ms: must be >= %d, got %d",
			minAwaitWriteFinishPollMs, a.PollIntervalMs))
	}

	if a.StabilityThresholdMs < minAwaitWriteFinishStableMs {
		errs = append(errs, fmt.Errorf("await_write_finish.stability_threshold_ms: must be >= %d, got %d",
			minAwaitWriteFinishStableMs, a.StabilityThresholdMs))
	}

	if a.PollIntervalMs > 0 && a.StabilityThresholdMs > 0 && a.PollIntervalMs >= a.StabilityThresholdMs {
		errs = append(errs, fmt.Errorf(
			"await_write_finish: poll_interval_ms (%d) must be smaller than stability_threshold_ms (%d)",
			a.PollIntervalMs, a.StabilityThresholdMs))
	}

	return errs
}

func validatePoll(p *PollConfig) []error {
	var errs []error

	if p.IntervalMs < minPollIntervalMs {
		errs = append(errs, fmt.Errorf("poll.interval_ms: must be >= %d, got %d", minPollIntervalMs, p.IntervalMs))
	}

	if p.BinaryIntervalMs < minPollIntervalMs {
		errs = append(errs, fmt.Errorf("poll.binary_interval_ms: must be >= %d, got %d",
			minPollIntervalMs, p.BinaryIntervalMs))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug|info|warn|error, got %q", l.Level))
	}

	switch l.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto|text|json, got %q", l.Format))
	}

	return errs
}
