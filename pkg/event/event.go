// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package event

import "time"

// Kind identifies the execution event a record describes.
type Kind uint8

const (
	KindCall Kind = iota
	KindReturn
	KindLine
	KindException

	numKinds
)

// NumKinds is the number of distinct event kinds.
const NumKinds = int(numKinds)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindLine:
		return "line"
	case KindException:
		return "exception"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends an activation.
func (k Kind) Terminal() bool {
	return k == KindReturn || k == KindException
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "call":
		return KindCall, true
	case "return":
		return KindReturn, true
	case "line":
		return KindLine, true
	case "exception":
		return KindException, true
	default:
		return 0, false
	}
}

// Location identifies where in the host program an event happened.
// The zero value means the location is unknown (native or opaque frame).
type Location struct {
	File      string
	Function  string
	Line      int
	FirstLine int
}

// Known reports whether any part of the location was extracted.
func (l Location) Known() bool {
	return l.File != "" || l.Function != "" || l.Line > 0
}

// Payload carries kind-specific data. It never holds argument or return
// values, only type names and scrubbed, length-capped messages.
type Payload struct {
	ExceptionType    string
	ExceptionMessage string
	ReturnType       string
}

// Empty reports whether no payload field is set.
func (p Payload) Empty() bool {
	return p == Payload{}
}

// Record is one observed execution event. Fields are unexported so a Record
// cannot change after New returns; it is always passed by value.
type Record struct {
	kind      Kind
	frameID   uint64
	parentID  uint64
	threadID  uint64
	location  Location
	timestamp time.Time
	payload   Payload
}

// Fields is the constructor input for a Record.
type Fields struct {
	Kind          Kind
	FrameID       uint64
	ParentFrameID uint64
	ThreadID      uint64
	Location      Location
	Timestamp     time.Time
	Payload       Payload
}

// New builds an immutable Record.
func New(f Fields) Record {
	return Record{
		kind:      f.Kind,
		frameID:   f.FrameID,
		parentID:  f.ParentFrameID,
		threadID:  f.ThreadID,
		location:  f.Location,
		timestamp: f.Timestamp,
		payload:   f.Payload,
	}
}

func (r Record) Kind() Kind { return r.kind }

// FrameID is stable for one activation of a callable. It is not unique
// across activations.
func (r Record) FrameID() uint64 { return r.frameID }

// ParentFrameID is zero when the caller frame was unavailable.
func (r Record) ParentFrameID() uint64 { return r.parentID }

func (r Record) ThreadID() uint64 { return r.threadID }

func (r Record) Location() Location { return r.location }

// Timestamp is the clock sample taken when the hook observed the event.
// It carries the monotonic reading when captured from a real clock.
func (r Record) Timestamp() time.Time { return r.timestamp }

func (r Record) Payload() Payload { return r.payload }
