// Package circuitbreaker implements a store-backed circuit breaker for
// upstream LLM providers. State lives in per-(provider, region) health
// records so that every service instance sees the same circuit: after a
// configurable number of consecutive failures the circuit opens and requests
// to that provider are rejected for a cooldown period before probing again.
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjj9020/kinable-sub001/internal/store"
)

const (
	defaultFailureThreshold         = 3
	defaultCooldown                 = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 2
	defaultRecordTTL                = 7 * 24 * time.Hour
)

// HealthStore is the slice of the record store the breaker needs.
type HealthStore interface {
	GetHealthRecord(ctx context.Context, key string) (*store.HealthRecord, error)
	PutHealthRecord(ctx context.Context, rec store.HealthRecord) error
}

// Manager drives circuit transitions over shared health records. Writes are
// last-writer-wins; concurrent instances may briefly disagree, which is
// acceptable because the record converges on the next read-modify-write.
type Manager struct {
	store                    HealthStore
	logger                   *slog.Logger
	failureThreshold         uint32
	cooldown                 time.Duration
	halfOpenSuccessThreshold uint32
	recordTTL                time.Duration
	onStateChange            func(key string, from, to store.CircuitStatus)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithFailureThreshold sets the number of consecutive failures required to
// open the circuit. The default is 3.
func WithFailureThreshold(n uint32) Option {
	return func(m *Manager) {
		if n > 0 {
			m.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the circuit stays open before a probe is
// allowed. The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithHalfOpenSuccessThreshold sets how many consecutive probe successes
// close a half-open circuit. The default is 2.
func WithHalfOpenSuccessThreshold(n uint32) Option {
	return func(m *Manager) {
		if n > 0 {
			m.halfOpenSuccessThreshold = n
		}
	}
}

// WithRecordTTL sets how long a health record outlives its last write before
// the store treats it as absent. The default is 7 days.
func WithRecordTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.recordTTL = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every circuit
// transition. The callback runs synchronously on the recording goroutine, so
// it must be cheap and must not call back into the manager.
func WithOnStateChange(fn func(key string, from, to store.CircuitStatus)) Option {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// New creates a Manager over the given health store.
func New(hs HealthStore, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:                    hs,
		logger:                   logger,
		failureThreshold:         defaultFailureThreshold,
		cooldown:                 defaultCooldown,
		halfOpenSuccessThreshold: defaultHalfOpenSuccessThreshold,
		recordTTL:                defaultRecordTTL,
		nowFunc:                  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// IsAllowed reports whether a request may be sent to the given circuit.
//
// A missing record means the circuit has never failed: a default closed
// record is seeded so the circuit appears in health listings, and the request
// is allowed. An open circuit rejects requests until the cooldown elapses, at
// which point the record transitions to half-open and probes flow. Half-open
// circuits admit requests so that probe successes can accumulate.
func (m *Manager) IsAllowed(ctx context.Context, key string) (bool, error) {
	rec, err := m.store.GetHealthRecord(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read health record %s: %w", key, err)
	}
	now := m.nowFunc()
	if rec == nil {
		// Seeding is best-effort; a write fault must not block the request.
		if err := m.put(ctx, *m.freshRecord(key, now), now); err != nil {
			m.logger.Warn("seed health record failed", "circuit", key, "error", err)
		}
		return true, nil
	}
	if rec.Status == store.StatusClosed {
		return true, nil
	}
	switch rec.Status {
	case store.StatusOpen:
		if rec.OpenedAt != nil && !now.Before(rec.OpenedAt.Add(m.cooldown)) {
			m.transition(rec, store.StatusHalfOpen, now)
			rec.CurrentHalfOpenSuccesses = 0
			if err := m.put(ctx, *rec, now); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil
	case store.StatusHalfOpen:
		return true, nil
	default:
		return false, fmt.Errorf("health record %s has unknown status %q", key, rec.Status)
	}
}

// RecordSuccess records a successful upstream call.
//
// Closed circuits reset their consecutive-failure count. Half-open circuits
// count the success toward closing. A success while the circuit reads open is
// anomalous (another instance may have probed first); it is logged and
// treated as a half-open success so recovery is not delayed.
func (m *Manager) RecordSuccess(ctx context.Context, key string, latency time.Duration) error {
	now := m.nowFunc()
	rec, err := m.store.GetHealthRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("read health record %s: %w", key, err)
	}
	if rec == nil {
		rec = m.freshRecord(key, now)
	}

	rec.TotalSuccesses++
	rec.TotalLatencyMs += uint64(latency.Milliseconds())

	switch rec.Status {
	case store.StatusClosed:
		rec.ConsecutiveFailures = 0
	case store.StatusOpen:
		m.logger.Warn("success recorded on open circuit, treating as half-open probe",
			"circuit", key)
		m.transition(rec, store.StatusHalfOpen, now)
		rec.CurrentHalfOpenSuccesses = 0
		fallthrough
	case store.StatusHalfOpen:
		rec.CurrentHalfOpenSuccesses++
		if rec.CurrentHalfOpenSuccesses >= m.halfOpenSuccessThreshold {
			m.transition(rec, store.StatusClosed, now)
			rec.ConsecutiveFailures = 0
			rec.CurrentHalfOpenSuccesses = 0
			rec.OpenedAt = nil
		}
	}
	return m.put(ctx, *rec, now)
}

// RecordFailure records a failed upstream call.
//
// Closed circuits open once the consecutive-failure threshold is reached.
// A half-open probe failure reopens the circuit and restarts the cooldown.
// Failures on an already-open circuit keep the original opened timestamp so
// the cooldown is not extended by stray in-flight requests.
func (m *Manager) RecordFailure(ctx context.Context, key string) error {
	now := m.nowFunc()
	rec, err := m.store.GetHealthRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("read health record %s: %w", key, err)
	}
	if rec == nil {
		rec = m.freshRecord(key, now)
	}

	rec.TotalFailures++
	rec.LastFailureAt = &now

	switch rec.Status {
	case store.StatusClosed:
		rec.ConsecutiveFailures++
		if rec.ConsecutiveFailures >= m.failureThreshold {
			m.transition(rec, store.StatusOpen, now)
			opened := now
			rec.OpenedAt = &opened
		}
	case store.StatusHalfOpen:
		m.transition(rec, store.StatusOpen, now)
		rec.CurrentHalfOpenSuccesses = 0
		opened := now
		rec.OpenedAt = &opened
	case store.StatusOpen:
		// Keep OpenedAt as-is; the cooldown clock is not reset.
	}
	return m.put(ctx, *rec, now)
}

// Status returns the current circuit status for scoring. Missing records and
// read errors both report closed: a store fault must not ground every
// provider at once.
func (m *Manager) Status(ctx context.Context, key string) store.CircuitStatus {
	status, _ := m.Observe(ctx, key)
	return status
}

// Observe returns the circuit status together with the mean success latency
// in milliseconds, for candidate scoring. Degrades the same way Status does.
func (m *Manager) Observe(ctx context.Context, key string) (store.CircuitStatus, float64) {
	rec, err := m.store.GetHealthRecord(ctx, key)
	if err != nil {
		m.logger.Warn("health record read failed, assuming closed", "circuit", key, "error", err)
		return store.StatusClosed, 0
	}
	if rec == nil {
		return store.StatusClosed, 0
	}
	return rec.Status, rec.AvgLatencyMs()
}

func (m *Manager) freshRecord(key string, now time.Time) *store.HealthRecord {
	return &store.HealthRecord{
		ProviderRegion:    key,
		Status:            store.StatusClosed,
		LastStateChangeAt: now,
	}
}

func (m *Manager) transition(rec *store.HealthRecord, to store.CircuitStatus, now time.Time) {
	from := rec.Status
	if from == to {
		return
	}
	rec.Status = to
	rec.LastStateChangeAt = now
	m.logger.Info("circuit state change",
		"circuit", rec.ProviderRegion, "from", string(from), "to", string(to))
	if m.onStateChange != nil {
		m.onStateChange(rec.ProviderRegion, from, to)
	}
}

// put refreshes the record TTL and persists it.
func (m *Manager) put(ctx context.Context, rec store.HealthRecord, now time.Time) error {
	rec.TTL = now.Add(m.recordTTL).Unix()
	if err := m.store.PutHealthRecord(ctx, rec); err != nil {
		return fmt.Errorf("write health record %s: %w", rec.ProviderRegion, err)
	}
	return nil
}
