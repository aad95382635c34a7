// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/mbeema/frametrace/pkg/host"
	"go.uber.org/zap"
)

// Mode selects how the adapter is installed into the hook slot.
type Mode int

const (
	// ModeExclusive requires an empty slot and owns it while installed.
	ModeExclusive Mode = iota
	// ModeChained keeps a previously installed hook and calls it before ours.
	ModeChained
)

func (m Mode) String() string {
	switch m {
	case ModeExclusive:
		return "exclusive"
	case ModeChained:
		return "chained"
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "exclusive", "":
		return ModeExclusive, nil
	case "chained":
		return ModeChained, nil
	default:
		return 0, fmt.Errorf("unknown installation mode %q", s)
	}
}

// State is the registration state.
type State int

const (
	StateUninstalled State = iota
	StateInstalled
)

func (s State) String() string {
	if s == StateInstalled {
		return "installed"
	}
	return "uninstalled"
}

// ErrSlotOccupied is returned by Enable in exclusive mode when another hook
// already holds the slot.
var ErrSlotOccupied = errors.New("trace hook slot occupied by another observer")

// Manager installs and removes the Adapter in a host runtime's single hook
// slot. It is the only code that writes the slot; Enable and Disable are
// idempotent and safe to call from multiple goroutines.
type Manager struct {
	rt      host.Runtime
	adapter *Adapter
	mode    Mode
	logger  *zap.Logger

	mu        sync.Mutex
	state     State
	installed host.Hook // adapter or *chain, whatever we put in the slot
	prev      host.Hook // hook found in the slot at Enable, chained mode only
}

// NewManager creates a manager in the Uninstalled state.
func NewManager(rt host.Runtime, adapter *Adapter, mode Mode, logger *zap.Logger) *Manager {
	return &Manager{
		rt:      rt,
		adapter: adapter,
		mode:    mode,
		logger:  logger,
	}
}

// Enable installs the adapter. Calling it while installed is a no-op.
func (m *Manager) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateInstalled {
		m.adapter.SetActive(true)
		return nil
	}

	current := m.rt.Hook()
	var h host.Hook = m.adapter

	switch m.mode {
	case ModeExclusive:
		if current != nil {
			return fmt.Errorf("enable %s: %w", m.mode, ErrSlotOccupied)
		}
	case ModeChained:
		if current != nil {
			h = &chain{prev: current, ours: m.adapter}
		}
	default:
		return fmt.Errorf("enable: unknown installation mode %d", m.mode)
	}

	m.adapter.SetActive(true)
	if err := m.rt.SetHook(h); err != nil {
		m.adapter.SetActive(false)
		return fmt.Errorf("install trace hook: %w", err)
	}

	m.installed = h
	m.prev = current
	m.state = StateInstalled

	m.logger.Info("trace hook installed",
		zap.String("mode", m.mode.String()),
		zap.Bool("chained_previous", current != nil && m.mode == ModeChained),
	)
	return nil
}

// Disable removes the adapter and restores whatever was in the slot before
// Enable. If another observer replaced the slot since, the slot is left
// alone and the adapter just stops forwarding. Calling it while uninstalled
// is a no-op.
func (m *Manager) Disable() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateUninstalled {
		return nil
	}

	m.adapter.SetActive(false)

	if current := m.rt.Hook(); sameHook(current, m.installed) {
		if err := m.rt.SetHook(m.prev); err != nil {
			return fmt.Errorf("remove trace hook: %w", err)
		}
	} else {
		m.logger.Warn("trace hook slot was replaced by another observer, leaving it in place")
	}

	m.installed = nil
	m.prev = nil
	m.state = StateUninstalled

	m.logger.Info("trace hook removed", zap.String("mode", m.mode.String()))
	return nil
}

// State returns the registration state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the installation mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// chain is the hook installed in chained mode: call the previous observer,
// then ours. Both sides keep their own local hook per frame.
type chain struct {
	prev host.Hook
	ours host.Hook
}

func (c *chain) Trace(frame host.Frame, ev string, arg any) host.Hook {
	var prevNext, oursNext host.Hook
	if c.prev != nil {
		prevNext = c.prev.Trace(frame, ev, arg)
	}
	if c.ours != nil {
		oursNext = c.ours.Trace(frame, ev, arg)
	}

	switch {
	case prevNext == nil && oursNext == nil:
		return nil
	case sameHook(prevNext, c.prev) && sameHook(oursNext, c.ours):
		return c
	default:
		return &chain{prev: prevNext, ours: oursNext}
	}
}

// sameHook compares hooks without panicking on uncomparable dynamic types
// such as func-based hooks.
func sameHook(a, b host.Hook) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
