// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package host defines the contract between a host runtime that exposes a
// single process-wide trace hook slot and the observers installed into it.
//
// The runtime invokes the global hook on every "call" event. Whatever the
// hook returns becomes the local hook of that frame and receives the
// frame's later "line", "return" and "exception" events; returning nil stops
// local events for the frame. An "exception" event ends the activation, no
// "return" follows it.
package host

import "errors"

// Event indicators raised by the runtime.
const (
	EventCall      = "call"
	EventReturn    = "return"
	EventLine      = "line"
	EventException = "exception"
)

// ErrHookRejected is returned by runtimes that refuse hook installation.
var ErrHookRejected = errors.New("host rejected trace hook")

// Code describes the code unit a frame is executing.
type Code struct {
	Filename  string
	Name      string
	FirstLine int
}

// Frame is one activation record. Every accessor except ID may be
// unavailable (native or opaque frames) and reports ok=false then.
type Frame interface {
	ID() uint64
	Code() (Code, bool)
	Line() (int, bool)
	Parent() (Frame, bool)
	ThreadID() (uint64, bool)
}

// Exception is the argument of an "exception" event.
type Exception struct {
	Type    string
	Message string
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Type + ": " + e.Message
}

// Hook is a trace function in the runtime's calling convention.
type Hook interface {
	Trace(frame Frame, event string, arg any) Hook
}

// Runtime exposes the single trace hook slot of a host.
type Runtime interface {
	// SetHook replaces the hook in the slot. A nil hook empties it.
	SetHook(h Hook) error

	// Hook returns the hook currently in the slot, or nil.
	Hook() Hook
}
