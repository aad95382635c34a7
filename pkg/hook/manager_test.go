// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"errors"
	"sync"
	"testing"

	"github.com/mbeema/frametrace/pkg/event"
	"github.com/mbeema/frametrace/pkg/host"
	"github.com/mbeema/frametrace/pkg/traces"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// profiler stands in for another observer that owned the slot first.
type profiler struct {
	mu     sync.Mutex
	events []string
}

func (p *profiler) Trace(_ host.Frame, ev string, _ any) host.Hook {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return p
}

func (p *profiler) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// funcHook has an uncomparable dynamic type.
type funcHook func(host.Frame, string, any) host.Hook

func (f funcHook) Trace(fr host.Frame, ev string, arg any) host.Hook { return f(fr, ev, arg) }

var workload = &host.Func{File: "app/main.py", Name: "main", FirstLine: 1, Body: []host.Step{
	{Line: 2},
	{Line: 3, Result: 1},
}}

func newTestManager(t *testing.T, mode Mode) (*Manager, *host.Machine, *collector) {
	t.Helper()
	s, err := traces.NewSampler(traces.Policy{Rate: 1})
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	out := &collector{}
	m := host.NewMachine()
	return NewManager(m, NewAdapter(s, out, nil, nil), mode, zap.NewNop()), m, out
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"exclusive", ModeExclusive, false},
		{"", ModeExclusive, false},
		{"chained", ModeChained, false},
		{"shared", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestExclusiveRoundTrip(t *testing.T) {
	mgr, m, out := newTestManager(t, ModeExclusive)

	if mgr.State() != StateUninstalled {
		t.Fatalf("initial state = %s", mgr.State())
	}
	if err := mgr.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if mgr.State() != StateInstalled {
		t.Fatalf("state after Enable = %s", mgr.State())
	}
	if m.Hook() != mgr.adapter {
		t.Fatalf("slot holds %T, want adapter", m.Hook())
	}

	m.Run(workload)
	if n := len(out.records()); n != 4 {
		t.Errorf("got %d records, want 4", n)
	}

	if err := mgr.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if m.Hook() != nil {
		t.Errorf("slot = %T after Disable, want empty", m.Hook())
	}
	if mgr.State() != StateUninstalled {
		t.Errorf("state after Disable = %s", mgr.State())
	}
}

func TestExclusiveRejectsOccupiedSlot(t *testing.T) {
	mgr, m, _ := newTestManager(t, ModeExclusive)
	other := &profiler{}
	m.SetHook(other)

	err := mgr.Enable()
	if !errors.Is(err, ErrSlotOccupied) {
		t.Fatalf("Enable = %v, want ErrSlotOccupied", err)
	}
	if m.Hook() != other {
		t.Error("failed Enable must leave the slot untouched")
	}
	if mgr.State() != StateUninstalled || mgr.adapter.Active() {
		t.Error("failed Enable must leave the manager uninstalled and inactive")
	}
}

func TestChainedRoundTrip(t *testing.T) {
	mgr, m, out := newTestManager(t, ModeChained)
	other := &profiler{}
	m.SetHook(other)

	if err := mgr.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, ok := m.Hook().(*chain); !ok {
		t.Fatalf("slot holds %T, want *chain", m.Hook())
	}

	m.Run(workload)
	if other.count() != 4 {
		t.Errorf("previous hook saw %d events, want 4", other.count())
	}
	if n := len(out.records()); n != 4 {
		t.Errorf("adapter forwarded %d records, want 4", n)
	}

	if err := mgr.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if m.Hook() != other {
		t.Errorf("slot = %T after Disable, want previous hook", m.Hook())
	}
}

func TestChainedOnEmptySlot(t *testing.T) {
	mgr, m, _ := newTestManager(t, ModeChained)

	if err := mgr.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if m.Hook() != mgr.adapter {
		t.Fatalf("slot holds %T, want adapter", m.Hook())
	}
	if err := mgr.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if m.Hook() != nil {
		t.Error("slot should be empty again")
	}
}

func TestChainedWithFuncHook(t *testing.T) {
	mgr, m, out := newTestManager(t, ModeChained)
	calls := 0
	var fh funcHook
	fh = func(host.Frame, string, any) host.Hook {
		calls++
		return fh
	}
	m.SetHook(fh)

	if err := mgr.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	m.Run(workload)
	if calls != 4 || len(out.records()) != 4 {
		t.Errorf("calls = %d, records = %d, want 4 and 4", calls, len(out.records()))
	}
	if err := mgr.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if _, ok := m.Hook().(funcHook); !ok {
		t.Errorf("slot = %T after Disable, want previous func hook", m.Hook())
	}
}

func TestChainStopsWhenBothUnsubscribe(t *testing.T) {
	quiet := funcHook(func(host.Frame, string, any) host.Hook { return nil })
	c := &chain{prev: quiet, ours: quiet}
	if next := c.Trace(&stubFrame{id: 1}, host.EventCall, nil); next != nil {
		t.Errorf("chain should unsubscribe when both sides do, got %T", next)
	}

	p := &profiler{}
	c = &chain{prev: p, ours: quiet}
	next, ok := c.Trace(&stubFrame{id: 1}, host.EventCall, nil).(*chain)
	if !ok || next.prev != p || next.ours != nil {
		t.Errorf("unexpected continuation %+v", next)
	}
}

func TestEnableDisableIdempotent(t *testing.T) {
	mgr, m, _ := newTestManager(t, ModeExclusive)

	for i := 0; i < 3; i++ {
		if err := mgr.Enable(); err != nil {
			t.Fatalf("Enable #%d: %v", i, err)
		}
	}
	if m.Hook() != mgr.adapter {
		t.Fatal("repeated Enable must keep the adapter in the slot")
	}
	for i := 0; i < 3; i++ {
		if err := mgr.Disable(); err != nil {
			t.Fatalf("Disable #%d: %v", i, err)
		}
	}
	if m.Hook() != nil {
		t.Error("slot should be empty")
	}
}

func TestEnableSurfacesHostRejection(t *testing.T) {
	mgr, m, _ := newTestManager(t, ModeExclusive)
	m.RejectHooks(host.ErrHookRejected)

	err := mgr.Enable()
	if !errors.Is(err, host.ErrHookRejected) {
		t.Fatalf("Enable = %v, want ErrHookRejected", err)
	}
	if mgr.State() != StateUninstalled || mgr.adapter.Active() {
		t.Error("rejected Enable must roll back")
	}

	m.RejectHooks(nil)
	if err := mgr.Enable(); err != nil {
		t.Fatalf("Enable after host accepts again: %v", err)
	}
}

func TestDisableLeavesForeignReplacement(t *testing.T) {
	mgr, m, _ := newTestManager(t, ModeExclusive)
	core, logs := observer.New(zapcore.WarnLevel)
	mgr.logger = zap.New(core)

	if err := mgr.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	intruder := &profiler{}
	m.SetHook(intruder)

	if err := mgr.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if m.Hook() != intruder {
		t.Error("Disable must not remove a hook it did not install")
	}
	if logs.Len() != 1 {
		t.Errorf("expected one warning, got %d", logs.Len())
	}
}

func TestDisableMidActivation(t *testing.T) {
	mgr, _, out := newTestManager(t, ModeExclusive)
	if err := mgr.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	fr := &stubFrame{id: 11}
	local := mgr.adapter.Trace(fr, host.EventCall, nil)
	local = local.Trace(fr, host.EventLine, nil)

	if err := mgr.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if next := local.Trace(fr, host.EventReturn, nil); next != nil {
		t.Errorf("adapter should unsubscribe after Disable, got %T", next)
	}

	got := out.records()
	if len(got) != 2 || got[len(got)-1].Kind() != event.KindLine {
		t.Errorf("activation should be left unterminated, got %d records", len(got))
	}
}

func TestConcurrentEnableDisable(t *testing.T) {
	mgr, m, _ := newTestManager(t, ModeChained)
	other := &profiler{}
	m.SetHook(other)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mgr.Enable()
		}()
		go func() {
			defer wg.Done()
			m.Run(workload)
			mgr.Disable()
		}()
	}
	wg.Wait()

	if err := mgr.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if m.Hook() != other {
		t.Errorf("slot = %T after concurrent toggling, want previous hook", m.Hook())
	}
}
