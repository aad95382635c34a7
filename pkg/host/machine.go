// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package host

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Func is a callable in a Machine program.
type Func struct {
	File      string
	Name      string
	FirstLine int
	Native    bool // no code or line information
	Body      []Step
}

// Step is one line of a Func body. At most one of Call and Raise is set.
type Step struct {
	Line int

	// Call invokes another function on this line.
	Call *Func
	// Catch swallows an exception raised by Call.
	Catch bool

	// Raise ends the frame with an exception of this type.
	Raise   string
	Message string

	// Result is handed to the "return" event when this is the last step.
	Result any
}

// Machine is an in-process host runtime that executes Func programs and
// raises trace events through its hook slot. Each Run call acts as one
// host thread; Runs may proceed concurrently.
type Machine struct {
	mu     sync.RWMutex
	hook   Hook
	reject error

	nextFrame  atomic.Uint64
	nextThread atomic.Uint64
}

// NewMachine returns a Machine with an empty hook slot.
func NewMachine() *Machine {
	return &Machine{}
}

// SetHook implements Runtime.
func (m *Machine) SetHook(h Hook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject != nil && h != nil {
		return m.reject
	}
	m.hook = h
	return nil
}

// Hook implements Runtime.
func (m *Machine) Hook() Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hook
}

// RejectHooks makes later non-nil SetHook calls fail with err.
// Passing nil accepts hooks again.
func (m *Machine) RejectHooks(err error) {
	m.mu.Lock()
	m.reject = err
	m.mu.Unlock()
}

// Run executes fn on a fresh host thread. It returns the exception that
// escaped fn, if any.
func (m *Machine) Run(fn *Func) error {
	tid := m.nextThread.Add(1)
	if exc := m.call(fn, nil, tid); exc != nil {
		return exc
	}
	return nil
}

type frame struct {
	id     uint64
	fn     *Func
	line   int
	parent *frame
	tid    uint64
}

func (f *frame) ID() uint64 { return f.id }

func (f *frame) Code() (Code, bool) {
	if f.fn.Native {
		return Code{}, false
	}
	return Code{Filename: f.fn.File, Name: f.fn.Name, FirstLine: f.fn.FirstLine}, true
}

func (f *frame) Line() (int, bool) {
	if f.fn.Native || f.line == 0 {
		return 0, false
	}
	return f.line, true
}

func (f *frame) Parent() (Frame, bool) {
	if f.parent == nil {
		return nil, false
	}
	return f.parent, true
}

func (f *frame) ThreadID() (uint64, bool) { return f.tid, true }

func (m *Machine) call(fn *Func, parent *frame, tid uint64) *Exception {
	fr := &frame{
		id:     m.nextFrame.Add(1),
		fn:     fn,
		line:   fn.FirstLine,
		parent: parent,
		tid:    tid,
	}

	var local Hook
	if global := m.Hook(); global != nil {
		local = global.Trace(fr, EventCall, nil)
	}

	var result any
	for _, st := range fn.Body {
		fr.line = st.Line
		if local != nil {
			local = local.Trace(fr, EventLine, nil)
		}

		switch {
		case st.Call != nil:
			if exc := m.call(st.Call, fr, tid); exc != nil && !st.Catch {
				return m.unwind(fr, local, exc)
			}
		case st.Raise != "":
			return m.unwind(fr, local, &Exception{Type: st.Raise, Message: st.Message})
		}
		result = st.Result
	}

	if local != nil {
		local.Trace(fr, EventReturn, result)
	}
	return nil
}

func (m *Machine) unwind(fr *frame, local Hook, exc *Exception) *Exception {
	if local != nil {
		local.Trace(fr, EventException, exc)
	}
	return exc
}

// String renders the function for logs.
func (fn *Func) String() string {
	if fn.Native {
		return fmt.Sprintf("<native %s>", fn.Name)
	}
	return fmt.Sprintf("%s:%d %s", fn.File, fn.FirstLine, fn.Name)
}
