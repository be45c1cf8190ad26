// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package elector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/telekom/k8s-lease-elector/pkg/lease"
	"github.com/telekom/k8s-lease-elector/pkg/metrics"
)

var (
	ErrAlreadyStarted = errors.New("elector already started")
	ErrStopped        = errors.New("elector stopped")
	ErrStandalone     = errors.New("elector runs without a lease backend")
)

// Option customizes an Elector.
type Option func(*Elector)

// WithLogger sets the logger; the default discards everything.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Elector) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock replaces the real clock, for tests.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(e *Elector) {
		if c != nil {
			e.clock = c
		}
	}
}

// Elector takes part in the election for one lease.
type Elector struct {
	cfg     Config
	backend lease.Backend
	log     *zap.SugaredLogger
	clock   clock.WithDelayedExecution
	events  *broadcaster
	// metric label, namespace/name
	key string

	// ctx lives from Start to Stop and bounds the watch and every wait.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	started      bool
	stopped      bool
	leader       bool
	shuttingDown bool
	renewTimer   clock.Timer
	watcher      lease.Watcher
	// highest decimal resource version seen for the lease
	version uint64

	pendingMu     sync.Mutex
	pending       []pendingEvent
	pendingSignal chan struct{}
}

// New validates cfg after applying defaults. A nil backend selects standalone mode,
// in which the elector appoints itself leader on Start.
func New(cfg Config, backend lease.Backend, opts ...Option) (*Elector, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Elector{
		cfg:     cfg,
		backend: backend,
		log:     zap.NewNop().Sugar(),
		clock:   clock.RealClock{},
		key:     lease.Key(cfg.Namespace, cfg.LeaseName),

		pendingSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("lease", cfg.LeaseName, "namespace", cfg.Namespace, "identity", cfg.Identity)
	e.events = newBroadcaster(e.log)

	if cfg.RenewInterval > cfg.LeaseDuration/2 {
		e.log.Warnw("Renew interval exceeds half the lease duration, contenders may see the lease expire before it is renewed",
			"renewInterval", cfg.RenewInterval, "leaseDuration", cfg.LeaseDuration)
	}
	return e, nil
}

// AddListener registers l for all subsequent notifications. Listeners run on a
// single goroutine and may call back into the elector.
func (e *Elector) AddListener(l Listener) {
	e.events.add(l)
}

// Start joins the election. Without a backend leadership is taken on the next
// scheduling tick, never synchronously, so listeners added right after Start see
// the acquisition. With WaitForLeadership Start returns once leadership is held or
// the startup attempts are exhausted; otherwise it returns immediately and
// acquisition failures are only logged.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	go e.events.run()
	metrics.IsLeader.WithLabelValues(e.key).Set(0)

	if e.backend == nil {
		e.log.Infow("No lease backend configured, running standalone")
		e.after(0, e.becomeLeader)
		return nil
	}

	e.log.Infow("Starting leader election",
		"leaseDuration", e.cfg.LeaseDuration, "renewInterval", e.cfg.RenewInterval)
	e.spawn(e.watchLoop)
	e.spawn(e.handleWatchEvents)

	if !e.cfg.WaitForLeadership {
		e.spawn(func() {
			e.acquireWithRetry()
			e.standby()
		})
		return nil
	}

	done := make(chan struct{})
	e.spawn(func() {
		e.acquireWithRetry()
		close(done)
		e.standby()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop leaves the election. When leading it releases the lease so a contender can
// take over without waiting for expiry, then reports leadership-lost. Release
// failures are logged; the lease then expires on its own. Stop waits for background
// work and pending notifications until ctx ends. Later calls do nothing.
func (e *Elector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.shuttingDown = true
	started := e.started
	wasLeader := e.leader
	w := e.watcher
	e.watcher = nil
	if e.cancel != nil {
		e.cancel()
	}
	e.stopRenewalLocked()
	e.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if wasLeader && e.backend != nil {
		e.release(ctx)
	}
	e.loseLeadership("shutdown")

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.events.close()
		<-e.events.done
		close(done)
	}()
	select {
	case <-done:
		e.log.Infow("Leader election stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release clears holder and renew time if the lease still names this instance.
func (e *Elector) release(ctx context.Context) {
	current, err := e.backend.Get(ctx, e.cfg.Namespace, e.cfg.LeaseName)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(e.key, "release").Inc()
		e.log.Errorw("Failed to read lease for release", "error", err)
		return
	}
	if !current.IsOwnedBy(e.cfg.Identity) {
		e.log.Infow("Lease no longer held by this instance, nothing to release", "holder", current.HolderIdentity)
		return
	}
	released := current.DeepCopy()
	released.HolderIdentity = ""
	released.RenewTime = time.Time{}
	if _, err := e.backend.Update(ctx, released); err != nil {
		metrics.BackendErrors.WithLabelValues(e.key, "release").Inc()
		e.log.Errorw("Failed to release lease", "error", err)
		return
	}
	e.log.Infow("Released lease")
}

// acquireWithRetry makes one attempt plus RetryAttempts retries, stopping at the
// first success.
func (e *Elector) acquireWithRetry() bool {
	for attempt := 0; ; attempt++ {
		if e.tryAcquire() {
			return true
		}
		if attempt >= e.cfg.RetryAttempts {
			e.log.Infow("Leadership not acquired on startup, standing by", "attempts", attempt+1)
			return false
		}
		if !e.sleep(e.cfg.RetryInterval) {
			return false
		}
	}
}

// standby polls the lease while not leading, picking up leases that expired
// without any watch event.
func (e *Elector) standby() {
	if e.cfg.StandbyPollInterval <= 0 {
		return
	}
	for e.sleep(e.cfg.StandbyPollInterval) {
		if e.IsLeader() {
			continue
		}
		e.tryAcquire()
	}
}

// tryAcquire reads the lease, creating it when absent, claims it when it is
// expired or unheld and becomes leader when the result names this instance.
// Failures count as a lost attempt.
func (e *Elector) tryAcquire() bool {
	if e.isShuttingDown() {
		return false
	}
	ctx := e.ioContext()

	current, err := e.readOrCreate(ctx)
	if err != nil {
		metrics.AcquireAttempts.WithLabelValues(e.key, "failed").Inc()
		e.log.Errorw("Failed to read lease", "error", err)
		return false
	}

	if !current.IsHeld() || current.IsExpired(e.clock.Now(), e.cfg.LeaseDuration) {
		e.log.Debugw("Lease is free, claiming it", "previousHolder", current.HolderIdentity)
		now := lease.MicroTime(e.clock.Now())
		claim := current.DeepCopy()
		claim.HolderIdentity = e.cfg.Identity
		claim.LeaseDurationSeconds = lease.DurationSeconds(e.cfg.LeaseDuration)
		claim.AcquireTime = now
		claim.RenewTime = now
		updated, err := e.backend.Update(ctx, claim)
		if err != nil {
			metrics.AcquireAttempts.WithLabelValues(e.key, "failed").Inc()
			metrics.BackendErrors.WithLabelValues(e.key, "update").Inc()
			if lease.IsConflict(err) {
				e.log.Debugw("Lost the race for the lease", "error", err)
			} else {
				e.log.Errorw("Failed to claim lease", "error", err)
			}
			return false
		}
		current = updated
	}
	e.observe(current)

	if !current.IsOwnedBy(e.cfg.Identity) {
		metrics.AcquireAttempts.WithLabelValues(e.key, "held").Inc()
		e.log.Debugw("Lease is held by another instance", "holder", current.HolderIdentity, "renewTime", current.RenewTime)
		return false
	}
	metrics.AcquireAttempts.WithLabelValues(e.key, "acquired").Inc()
	e.becomeLeader()
	return e.IsLeader()
}

func (e *Elector) readOrCreate(ctx context.Context) (*lease.Lease, error) {
	current, err := e.backend.Get(ctx, e.cfg.Namespace, e.cfg.LeaseName)
	if err == nil {
		return current, nil
	}
	if !lease.IsNotFound(err) {
		metrics.BackendErrors.WithLabelValues(e.key, "get").Inc()
		return nil, fmt.Errorf("read lease %s: %w", e.key, err)
	}

	e.log.Infow("Lease not found, creating it")
	now := lease.MicroTime(e.clock.Now())
	created, err := e.backend.Create(ctx, &lease.Lease{
		Name:                 e.cfg.LeaseName,
		Namespace:            e.cfg.Namespace,
		HolderIdentity:       e.cfg.Identity,
		LeaseDurationSeconds: lease.DurationSeconds(e.cfg.LeaseDuration),
		AcquireTime:          now,
		RenewTime:            now,
	})
	if err == nil {
		return created, nil
	}
	metrics.BackendErrors.WithLabelValues(e.key, "create").Inc()
	if !lease.IsAlreadyExists(err) {
		return nil, fmt.Errorf("create lease %s: %w", e.key, err)
	}
	// Another contender created it first.
	current, err = e.backend.Get(ctx, e.cfg.Namespace, e.cfg.LeaseName)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(e.key, "get").Inc()
		return nil, fmt.Errorf("read lease %s: %w", e.key, err)
	}
	return current, nil
}

// becomeLeader enters the leader state. Re-entering only reschedules renewal.
func (e *Elector) becomeLeader() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown {
		return
	}
	acquired := !e.leader
	e.leader = true
	e.scheduleRenewalLocked()
	if !acquired {
		return
	}
	e.events.publish(Event{Type: LeadershipAcquired, LeaseName: e.cfg.LeaseName})
	metrics.IsLeader.WithLabelValues(e.key).Set(1)
	metrics.LeadershipTransitions.WithLabelValues(e.key, "acquired").Inc()
	e.log.Infow("Acquired leadership")
}

// loseLeadership is the only way out of the leader state. It does nothing when
// not leading.
func (e *Elector) loseLeadership(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.leader {
		return
	}
	e.leader = false
	e.stopRenewalLocked()
	e.events.publish(Event{Type: LeadershipLost, LeaseName: e.cfg.LeaseName})
	metrics.IsLeader.WithLabelValues(e.key).Set(0)
	metrics.LeadershipTransitions.WithLabelValues(e.key, "lost").Inc()
	e.log.Infow("Lost leadership", "reason", reason)
}

// Lease returns the current lease record from the backend.
func (e *Elector) Lease(ctx context.Context) (*lease.Lease, error) {
	if e.backend == nil {
		return nil, ErrStandalone
	}
	return e.backend.Get(ctx, e.cfg.Namespace, e.cfg.LeaseName)
}

func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Running reports whether Start succeeded and Stop has not been called.
func (e *Elector) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

func (e *Elector) Identity() string  { return e.cfg.Identity }
func (e *Elector) LeaseName() string { return e.cfg.LeaseName }
func (e *Elector) Namespace() string { return e.cfg.Namespace }
func (e *Elector) Standalone() bool  { return e.backend == nil }
func (e *Elector) Config() Config    { return e.cfg }

func (e *Elector) isShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

// ioContext is used for backend reads and writes. Calls already in flight finish
// after Stop; their results are discarded by the state checks that follow.
func (e *Elector) ioContext() context.Context {
	return context.WithoutCancel(e.ctx)
}

// spawn runs fn in a tracked goroutine unless shutdown has begun.
func (e *Elector) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// after runs fn as tracked background work once d has passed, unless shutdown
// has begun by then.
func (e *Elector) after(d time.Duration, fn func()) clock.Timer {
	if d < 0 {
		d = 0
	}
	return e.clock.AfterFunc(d, func() { go e.spawn(fn) })
}

// sleep waits for d and reports false when the elector stopped meanwhile.
func (e *Elector) sleep(d time.Duration) bool {
	if d <= 0 {
		return e.ctx.Err() == nil
	}
	select {
	case <-e.ctx.Done():
		return false
	case <-e.clock.After(d):
		return true
	}
}
