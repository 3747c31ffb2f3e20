// Package rotation decides when the gateway switches to the next
// credential set and drives the switch through the activation
// collaborator.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaybridge/relaybridge/internal/config"
)

// ErrNoAccounts is returned when a rotation is attempted with an
// empty catalog.
var ErrNoAccounts = errors.New("rotation: no credentials available to rotate to")

// Activator establishes or tears down the execution peer for a
// credential index. Supplied externally; the machine never touches the
// peer transport itself.
type Activator interface {
	Activate(ctx context.Context, index int) error
	Deactivate(ctx context.Context)
}

// Catalog is the subset of the account catalog the machine needs.
type Catalog interface {
	List() []int
}

// Machine tracks the active credential index and the consecutive
// failure counter, and rotates when failures accumulate or an
// immediate-switch status code is observed.
type Machine struct {
	catalog   Catalog
	activator Activator
	threshold int
	immediate map[int]struct{}
	logger    *slog.Logger

	mu       sync.Mutex
	active   int
	failures int
	rotating bool
}

func NewMachine(catalog Catalog, activator Activator, cfg config.RotationConfig, logger *slog.Logger) *Machine {
	immediate := make(map[int]struct{}, len(cfg.ImmediateCodes))
	for _, code := range cfg.ImmediateCodes {
		immediate[code] = struct{}{}
	}
	return &Machine{
		catalog:   catalog,
		activator: activator,
		threshold: cfg.Threshold,
		immediate: immediate,
		logger:    logger,
	}
}

// ActiveIndex returns the currently active credential index, 0 when
// none has been activated yet.
func (m *Machine) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// FailureCount returns the consecutive-failure counter.
func (m *Machine) FailureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Start activates the first available credential.
func (m *Machine) Start(ctx context.Context) error {
	indices := m.catalog.List()
	if len(indices) == 0 {
		return ErrNoAccounts
	}
	first := indices[0]
	if err := m.activator.Activate(ctx, first); err != nil {
		return fmt.Errorf("activate initial account %d: %w", first, err)
	}
	m.mu.Lock()
	m.active = first
	m.failures = 0
	m.mu.Unlock()
	m.logger.Info("initial account activated", slog.Int("account", first))
	return nil
}

// RecordSuccess resets the failure counter after a completed exchange.
func (m *Machine) RecordSuccess() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

// RecordFailure notes one failed exchange. Immediate-switch status
// codes rotate right away regardless of the counter; otherwise the
// counter increments and rotation triggers at the threshold (a
// threshold of 0 disables counter-based rotation). Rotation errors
// are logged, never propagated: the triggering request fails with its
// original upstream error either way.
func (m *Machine) RecordFailure(ctx context.Context, status int) {
	if _, ok := m.immediate[status]; ok {
		m.logger.Warn("immediate-switch status observed, rotating account", slog.Int("status", status))
		if err := m.Rotate(ctx); err != nil {
			m.logger.Error("rotation failed", slog.String("error", err.Error()))
		}
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	if m.threshold > 0 && failures >= m.threshold {
		m.logger.Warn("failure threshold reached, rotating account",
			slog.Int("failures", failures),
			slog.Int("threshold", m.threshold))
		if err := m.Rotate(ctx); err != nil {
			m.logger.Error("rotation failed", slog.String("error", err.Error()))
		}
	}
}

// Rotate switches to the cyclic successor of the active index within
// the currently available set. A rotation already in flight makes the
// call a logged no-op; overlapping rotations never happen.
func (m *Machine) Rotate(ctx context.Context) error {
	m.mu.Lock()
	if m.rotating {
		m.mu.Unlock()
		m.logger.Info("rotation already in progress, skipping")
		return nil
	}
	m.rotating = true
	current := m.active
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.rotating = false
		m.mu.Unlock()
	}()

	indices := m.catalog.List()
	if len(indices) == 0 {
		return ErrNoAccounts
	}
	next := successor(indices, current)

	m.logger.Info("rotating account", slog.Int("from", current), slog.Int("to", next))

	m.activator.Deactivate(ctx)
	if err := m.activator.Activate(ctx, next); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = next
	m.failures = 0
	m.mu.Unlock()

	m.logger.Info("account rotated", slog.Int("account", next))
	return nil
}

// successor picks the next index in cyclic order. When current is
// absent from the set the first index is used; a single-member set
// rotates onto itself.
func successor(indices []int, current int) int {
	for i, idx := range indices {
		if idx == current {
			return indices[(i+1)%len(indices)]
		}
	}
	return indices[0]
}
