// Package config holds the recognized runtime options and a versioned,
// file-backed Store with atomic writes and optional hot reload.
package config

import "time"

// SchedulerConfig holds the cadences, batch sizes, and due-date windows for
// the three monitoring tiers (courses, assignments, submissions).
type SchedulerConfig struct {
	// CourseCadenceSeconds is C1: how often the courses tier is re-queried.
	CourseCadenceSeconds int `json:"course_cadence_seconds"`
	// AssignmentCadenceSeconds is C2.
	AssignmentCadenceSeconds int `json:"assignment_cadence_seconds"`
	// ActiveSubmissionCadenceSeconds is C3a (assignments not ending soon).
	ActiveSubmissionCadenceSeconds int `json:"active_submission_cadence_seconds"`
	// DeadlineSubmissionCadenceSeconds is C3d (assignments ending soon).
	DeadlineSubmissionCadenceSeconds int `json:"deadline_submission_cadence_seconds"`

	// AssignmentBatchSize is B2.
	AssignmentBatchSize int `json:"assignment_batch_size"`
	// ActiveSubmissionBatchSize is B3a.
	ActiveSubmissionBatchSize int `json:"active_submission_batch_size"`
	// DeadlineSubmissionBatchSize is B3d.
	DeadlineSubmissionBatchSize int `json:"deadline_submission_batch_size"`

	// DeltaBeforeSeconds (Δbefore) and DeltaAfterSeconds (Δafter) define the
	// "ending soon" window around an assignment's due date.
	DeltaBeforeSeconds int `json:"delta_before_seconds"`
	DeltaAfterSeconds  int `json:"delta_after_seconds"`
}

// Config is the full set of recognized options (spec §6).
type Config struct {
	RefreshIntervalSeconds int `json:"refresh_interval_seconds"`

	// IgnoreFilesLargerThan is in bytes; zero means no limit.
	IgnoreFilesLargerThan int64 `json:"ignore_files_larger_than"`
	// IgnoreFilesOlderThanDays; zero means no limit.
	IgnoreFilesOlderThanDays int `json:"ignore_files_older_than_days"`

	// DigestBatchSize is B: how many files (or comparison pairs) the
	// extraction/comparison pipeline submits to the worker pool at once
	// before awaiting that batch's results.
	DigestBatchSize int `json:"digest_batch_size"`
	// WorkerCount sizes the digest worker pool's goroutines.
	WorkerCount int `json:"worker_count"`

	// PluginSettings maps a plugin name to its own settings bag, passed to
	// that plugin's registered factory during worker-local construction.
	PluginSettings map[string]map[string]any `json:"plugin_settings"`

	Scheduler SchedulerConfig `json:"scheduler"`

	WakeupIntervalSeconds int `json:"wakeup_interval_seconds"`
}

// RefreshInterval returns RefreshIntervalSeconds as a time.Duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// WakeupInterval returns WakeupIntervalSeconds as a time.Duration.
func (c *Config) WakeupInterval() time.Duration {
	return time.Duration(c.WakeupIntervalSeconds) * time.Second
}

// Durations returns the scheduler's four cadences and its delta window
// converted to time.Duration. The batch sizes are not part of its result.
func (s SchedulerConfig) Durations() (courseCadence, assignmentCadence, activeCadence, deadlineCadence, deltaBefore, deltaAfter time.Duration) {
	sec := time.Second
	return time.Duration(s.CourseCadenceSeconds) * sec,
		time.Duration(s.AssignmentCadenceSeconds) * sec,
		time.Duration(s.ActiveSubmissionCadenceSeconds) * sec,
		time.Duration(s.DeadlineSubmissionCadenceSeconds) * sec,
		time.Duration(s.DeltaBeforeSeconds) * sec,
		time.Duration(s.DeltaAfterSeconds) * sec
}

// IgnoreFilesOlderThan returns IgnoreFilesOlderThanDays as a time.Duration,
// or zero if unset.
func (c *Config) IgnoreFilesOlderThan() time.Duration {
	if c.IgnoreFilesOlderThanDays == 0 {
		return 0
	}
	return time.Duration(c.IgnoreFilesOlderThanDays) * 24 * time.Hour
}

// Default returns a Config with conservative, explicit defaults. Every
// recognized option is given a concrete value so a freshly bootstrapped
// deployment has sane cadences without an operator filling in every field.
func Default() *Config {
	return &Config{
		RefreshIntervalSeconds: 300,
		DigestBatchSize:        4,
		WorkerCount:            4,
		PluginSettings:         map[string]map[string]any{},
		Scheduler: SchedulerConfig{
			CourseCadenceSeconds:             3600,
			AssignmentCadenceSeconds:         3600,
			ActiveSubmissionCadenceSeconds:   3600,
			DeadlineSubmissionCadenceSeconds: 300,
			AssignmentBatchSize:              1,
			ActiveSubmissionBatchSize:        1,
			DeadlineSubmissionBatchSize:      1,
			DeltaBeforeSeconds:               3600,
			DeltaAfterSeconds:                1800,
		},
		WakeupIntervalSeconds: 60,
	}
}

// Validate reports a ConfigError describing the first missing or
// out-of-range required setting, or nil if cfg is usable.
func (c *Config) Validate() error {
	if c.RefreshIntervalSeconds <= 0 {
		return &ConfigError{Field: "refresh_interval_seconds", Reason: "must be > 0"}
	}
	if c.WakeupIntervalSeconds <= 0 {
		return &ConfigError{Field: "wakeup_interval_seconds", Reason: "must be > 0"}
	}
	if c.DigestBatchSize <= 0 {
		return &ConfigError{Field: "digest_batch_size", Reason: "must be > 0"}
	}
	if c.WorkerCount <= 0 {
		return &ConfigError{Field: "worker_count", Reason: "must be > 0"}
	}
	s := c.Scheduler
	for field, v := range map[string]int{
		"scheduler.course_cadence_seconds":              s.CourseCadenceSeconds,
		"scheduler.assignment_cadence_seconds":           s.AssignmentCadenceSeconds,
		"scheduler.active_submission_cadence_seconds":    s.ActiveSubmissionCadenceSeconds,
		"scheduler.deadline_submission_cadence_seconds":  s.DeadlineSubmissionCadenceSeconds,
	} {
		if v <= 0 {
			return &ConfigError{Field: field, Reason: "must be > 0"}
		}
	}
	return nil
}

// ConfigError reports a missing or invalid required setting at startup. It
// is always fatal (spec §7).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Reason
}
