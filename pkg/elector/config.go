// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package elector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
)

const (
	DefaultLeaseName         = "lease-elector"
	DefaultNamespace         = "default"
	DefaultLeaseDuration     = 20 * time.Second
	DefaultRenewInterval     = 10 * time.Second
	DefaultRetryAttempts     = 2
	DefaultSettleDelay       = 2 * time.Second
	DefaultAcquireDebounce   = 2 * time.Second
	DefaultWatchRestartDelay = 5 * time.Second
)

// ErrInvalidConfig is wrapped by every validation error returned from New.
var ErrInvalidConfig = errors.New("invalid elector configuration")

// Config holds the election settings. For durations and RetryAttempts a zero value
// selects the default and a negative value disables the delay, retry or poll.
type Config struct {
	// Identity written into the lease while leading. Defaults to <hostname>_<uuid>.
	Identity  string `json:"identity,omitempty"`
	LeaseName string `json:"leaseName,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	LeaseDuration time.Duration `json:"leaseDuration,omitempty"`
	// RenewInterval must stay below LeaseDuration; well below half of it leaves
	// contenders room to take over an abandoned lease.
	RenewInterval time.Duration `json:"renewInterval,omitempty"`

	// WaitForLeadership makes Start block until the startup attempts are done.
	WaitForLeadership bool `json:"waitForLeadership,omitempty"`
	// RetryAttempts after the first attempt, each preceded by RetryInterval
	// (default LeaseDuration/2).
	RetryAttempts int           `json:"retryAttempts,omitempty"`
	RetryInterval time.Duration `json:"retryInterval,omitempty"`

	// SettleDelay is waited after every watch event before acting on it.
	SettleDelay time.Duration `json:"settleDelay,omitempty"`
	// AcquireDebounce is waited before taking leadership announced by a watch event.
	AcquireDebounce   time.Duration `json:"acquireDebounce,omitempty"`
	WatchRestartDelay time.Duration `json:"watchRestartDelay,omitempty"`
	// StandbyPollInterval paces acquisition attempts once the startup attempts are
	// exhausted. Defaults to LeaseDuration.
	StandbyPollInterval time.Duration `json:"standbyPollInterval,omitempty"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults returns a copy of c with zero values replaced by defaults and
// negative values normalized.
func (c Config) WithDefaults() Config {
	if c.Identity == "" {
		c.Identity = DefaultIdentity()
	}
	if c.LeaseName == "" {
		c.LeaseName = DefaultLeaseName
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	switch {
	case c.RetryAttempts == 0:
		c.RetryAttempts = DefaultRetryAttempts
	case c.RetryAttempts < 0:
		c.RetryAttempts = 0
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = c.LeaseDuration / 2
	}
	c.SettleDelay = orDefault(c.SettleDelay, DefaultSettleDelay)
	c.AcquireDebounce = orDefault(c.AcquireDebounce, DefaultAcquireDebounce)
	c.WatchRestartDelay = orDefault(c.WatchRestartDelay, DefaultWatchRestartDelay)
	c.RetryInterval = orDefault(c.RetryInterval, 0)
	if c.StandbyPollInterval == 0 {
		c.StandbyPollInterval = c.LeaseDuration
	}
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

// Validate checks a configuration that already had defaults applied.
func (c Config) Validate() error {
	var errs []error
	if c.Identity == "" {
		errs = append(errs, errors.New("identity must not be empty"))
	}
	for _, msg := range validation.IsDNS1123Subdomain(c.LeaseName) {
		errs = append(errs, fmt.Errorf("lease name %q: %s", c.LeaseName, msg))
	}
	for _, msg := range validation.IsDNS1123Label(c.Namespace) {
		errs = append(errs, fmt.Errorf("namespace %q: %s", c.Namespace, msg))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("lease duration must be positive, got %s", c.LeaseDuration))
	} else if c.LeaseDuration > lease.MaxDuration {
		errs = append(errs, fmt.Errorf("lease duration %s exceeds the maximum of %s", c.LeaseDuration, lease.MaxDuration))
	}
	if c.RenewInterval <= 0 {
		errs = append(errs, fmt.Errorf("renew interval must be positive, got %s", c.RenewInterval))
	} else if c.RenewInterval >= c.LeaseDuration {
		errs = append(errs, fmt.Errorf("renew interval %s must be shorter than lease duration %s", c.RenewInterval, c.LeaseDuration))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// DefaultIdentity returns <hostname>_<uuid>, unique per process start.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lease-elector"
	}
	return host + "_" + uuid.NewString()
}
