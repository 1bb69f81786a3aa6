package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shinji-kodama/berth/internal/logging"
	"github.com/shinji-kodama/berth/internal/model"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config key, e.g. "ports.dev"
	Value   any
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidModes returns the accepted concurrency.mode values.
func ValidModes() []string {
	return []string{ModeInProcess, ModeLeased}
}

// ValidProbes returns the accepted ports.probe values.
func ValidProbes() []string {
	return []string{ProbeListen, ProbeDocker, ProbeNone}
}

// Validate checks the Config and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	ranges := []struct {
		key string
		r   RangeConfig
	}{
		{"ports.dev", c.Ports.Dev},
		{"ports.test", c.Ports.Test},
		{"ports.production", c.Ports.Production},
	}
	for _, rc := range ranges {
		if err := rc.r.PortRange().Validate(); err != nil {
			errs = append(errs, ValidationError{Field: rc.key, Value: rc.r.PortRange().String(), Message: err.Error()})
		}
	}
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].r.PortRange().Overlaps(ranges[j].r.PortRange()) {
				errs = append(errs, ValidationError{
					Field:   ranges[j].key,
					Value:   ranges[j].r.PortRange().String(),
					Message: fmt.Sprintf("overlaps %s", ranges[i].key),
				})
			}
		}
	}

	for _, p := range c.Ports.Reserved {
		if p < 1 || p > 65535 {
			errs = append(errs, ValidationError{Field: "ports.reserved", Value: p, Message: "must be between 1 and 65535"})
		}
	}
	if c.Ports.RetentionDays < 0 {
		errs = append(errs, ValidationError{Field: "ports.retention_days", Value: c.Ports.RetentionDays, Message: "must not be negative"})
	}
	if !slices.Contains(ValidProbes(), c.Ports.Probe) {
		errs = append(errs, ValidationError{
			Field:   "ports.probe",
			Value:   c.Ports.Probe,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProbes(), ", ")),
		})
	}

	if c.Concurrency.MaxConversations < 1 {
		errs = append(errs, ValidationError{Field: "concurrency.max_conversations", Value: c.Concurrency.MaxConversations, Message: "must be at least 1"})
	}
	if !slices.Contains(ValidModes(), c.Concurrency.Mode) {
		errs = append(errs, ValidationError{
			Field:   "concurrency.mode",
			Value:   c.Concurrency.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModes(), ", ")),
		})
	}
	if c.Concurrency.Mode == ModeLeased {
		if c.Concurrency.LeaseTTL <= 0 {
			errs = append(errs, ValidationError{Field: "concurrency.lease_ttl", Value: c.Concurrency.LeaseTTL, Message: "must be positive in leased mode"})
		}
		if c.Concurrency.PollInterval <= 0 {
			errs = append(errs, ValidationError{Field: "concurrency.poll_interval", Value: c.Concurrency.PollInterval, Message: "must be positive in leased mode"})
		}
	}

	if strings.TrimSpace(c.Worktree.BaseDir) == "" {
		errs = append(errs, ValidationError{Field: "worktree.base_dir", Value: c.Worktree.BaseDir, Message: "must not be empty"})
	}
	if _, err := model.ParseEnvironment(c.Worktree.PortEnvironment); err != nil {
		errs = append(errs, ValidationError{Field: "worktree.port_environment", Value: c.Worktree.PortEnvironment, Message: err.Error()})
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, ValidationError{Field: "database.path", Value: c.Database.Path, Message: "must not be empty"})
	}

	if !logging.IsValidLevel(c.Logging.Level) {
		errs = append(errs, ValidationError{Field: "logging.level", Value: c.Logging.Level, Message: "must be one of: debug, info, warn, error"})
	}

	for key, d := range map[string]int64{
		"maintenance.purge_interval":     int64(c.Maintenance.PurgeInterval),
		"maintenance.reclaim_interval":   int64(c.Maintenance.ReclaimInterval),
		"maintenance.check_interval":     int64(c.Maintenance.CheckInterval),
		"maintenance.reconcile_interval": int64(c.Maintenance.ReconcileInterval),
	} {
		if d < 0 {
			errs = append(errs, ValidationError{Field: key, Value: d, Message: "must not be negative"})
		}
	}

	return errs
}
