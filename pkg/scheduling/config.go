package scheduling

import (
	"time"
)

const (
	// defaultMaxInitAttempts is the default bound on backend init retries.
	defaultMaxInitAttempts = 3
	// defaultPerRequestTimeout is the default per-request deadline.
	defaultPerRequestTimeout = 60 * time.Minute
	// defaultStagnationTimeout is the default registry-wide stagnation
	// deadline: if no open request completes for this long, open requests are
	// failed as a safety net against a silent backend pool.
	defaultStagnationTimeout = 20 * time.Minute
	// schedulerTickInterval is the maximum time the scheduler sleeps between
	// ticks when no wake signal arrives.
	schedulerTickInterval = time.Second
	// cleanShutdownPollInterval is the poll interval used while draining a
	// backend's usage slots during clean shutdown.
	cleanShutdownPollInterval = 500 * time.Millisecond
	// modelLoadPollInterval is the poll interval used while waiting for a
	// backend's usage slots to drain before a model load.
	modelLoadPollInterval = 100 * time.Millisecond
	// initRetryDelay is the delay between backend init attempts.
	initRetryDelay = time.Second
	// pressureSettleDelay is how long a pressure entry must age before the
	// scheduler commits a model load when more than one loader is available.
	// Fresh pressure often resolves naturally when a matching backend frees up.
	pressureSettleDelay = 1500 * time.Millisecond
)

// Config carries the orchestrator core's tunables.
type Config struct {
	// MaxInitAttempts bounds transient backend init retries. Zero means the
	// default.
	MaxInitAttempts int
	// PerRequestTimeout is the per-request deadline applied in addition to the
	// caller-supplied wait bound. Zero means the default.
	PerRequestTimeout time.Duration
	// StagnationTimeout is the registry-wide silence deadline. Zero means the
	// default.
	StagnationTimeout time.Duration
	// FailOnlyExpiredOnStagnation switches the stagnation failsafe from
	// failing every open request (the default) to failing only requests whose
	// individual deadline has passed.
	FailOnlyExpiredOnStagnation bool
	// MaxRequestsForcedOrder caps out-of-order service in deployments that
	// want stricter ordering. It is accepted for configuration compatibility
	// but not enforced; strict ordering belongs in an explicit queue in front
	// of GetNextBackend.
	MaxRequestsForcedOrder int
	// BackendsFile is the path of the persisted backend configuration file.
	BackendsFile string
}

// applyDefaults fills in zero-valued tunables.
func (c *Config) applyDefaults() {
	if c.MaxInitAttempts == 0 {
		c.MaxInitAttempts = defaultMaxInitAttempts
	}
	if c.PerRequestTimeout == 0 {
		c.PerRequestTimeout = defaultPerRequestTimeout
	}
	if c.StagnationTimeout == 0 {
		c.StagnationTimeout = defaultStagnationTimeout
	}
}
