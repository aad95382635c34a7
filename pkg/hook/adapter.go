// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"reflect"
	"sync/atomic"

	"github.com/mbeema/frametrace/pkg/event"
	"github.com/mbeema/frametrace/pkg/host"
	"github.com/mbeema/frametrace/pkg/redact"
	"github.com/mbeema/frametrace/pkg/traces"
	"github.com/zoobzio/clockz"
)

// Submitter accepts records that passed sampling.
type Submitter interface {
	Submit(r event.Record)
}

// Adapter is the trace hook installed into the host runtime. It turns each
// host callback into an event.Record, samples it and hands it to a
// Submitter, all on the calling host thread.
//
// Trace never panics and never reports an error to the host: every
// extraction that fails leaves the field absent, and any unexpected fault is
// recovered at the boundary and counted.
type Adapter struct {
	sampler  *traces.Sampler
	out      Submitter
	redactor *redact.Redactor
	clock    clockz.Clock

	active atomic.Bool

	observed atomic.Int64
	accepted atomic.Int64
	ignored  atomic.Int64
	faults   atomic.Int64
}

// AdapterStats are the adapter's counters.
type AdapterStats struct {
	Observed int64 // host callbacks received while active
	Accepted int64 // records handed to the submitter
	Ignored  int64 // callbacks with an unknown event indicator
	Faults   int64 // callbacks aborted by a recovered fault
}

// NewAdapter creates an inactive adapter. A nil redactor disables message
// scrubbing; a nil clock uses the real clock.
func NewAdapter(sampler *traces.Sampler, out Submitter, redactor *redact.Redactor, clock clockz.Clock) *Adapter {
	if redactor == nil {
		redactor = redact.New(redact.Options{})
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Adapter{
		sampler:  sampler,
		out:      out,
		redactor: redactor,
		clock:    clock,
	}
}

// SetActive turns forwarding on or off. Hook invocations already in flight
// may still forward a record after SetActive(false) returns.
func (a *Adapter) SetActive(on bool) {
	a.active.Store(on)
}

// Active reports whether the adapter forwards records.
func (a *Adapter) Active() bool {
	return a.active.Load()
}

// Trace implements host.Hook. It stays subscribed to every event kind by
// returning itself, except when inactive, where it returns nil so the host
// stops sending local events for the frame.
func (a *Adapter) Trace(frame host.Frame, ev string, arg any) (next host.Hook) {
	if !a.active.Load() {
		return nil
	}

	next = a
	defer func() {
		if r := recover(); r != nil {
			a.faults.Add(1)
			next = a
		}
	}()

	a.observed.Add(1)
	a.handle(frame, ev, arg)
	return a
}

func (a *Adapter) handle(frame host.Frame, ev string, arg any) {
	ts := a.clock.Now()

	kind, ok := kindOf(ev)
	if !ok {
		a.ignored.Add(1)
		return
	}
	if frame == nil {
		a.faults.Add(1)
		return
	}

	id := frame.ID()
	code, ok := frameCode(frame)
	if !ok {
		code = host.Code{}
	}

	if !a.sampler.Decide(kind, id, code.Filename) {
		return
	}

	loc := event.Location{
		File:      code.Filename,
		Function:  code.Name,
		FirstLine: code.FirstLine,
	}
	if line, ok := frameLine(frame); ok {
		loc.Line = line
	}

	rec := event.New(event.Fields{
		Kind:          kind,
		FrameID:       id,
		ParentFrameID: parentID(frame),
		ThreadID:      threadID(frame),
		Location:      loc,
		Timestamp:     ts,
		Payload:       a.payload(kind, arg),
	})

	a.out.Submit(rec)
	a.accepted.Add(1)
}

func (a *Adapter) payload(kind event.Kind, arg any) event.Payload {
	if arg == nil {
		return event.Payload{}
	}

	switch kind {
	case event.KindReturn:
		return event.Payload{ReturnType: typeName(arg)}
	case event.KindException:
		var p event.Payload
		switch exc := arg.(type) {
		case *host.Exception:
			p.ExceptionType = exc.Type
			p.ExceptionMessage = a.redactor.Scrub(exc.Message)
		case error:
			p.ExceptionType = typeName(exc)
			p.ExceptionMessage = a.redactor.Scrub(exc.Error())
		default:
			p.ExceptionType = typeName(arg)
		}
		return p
	}
	return event.Payload{}
}

// Stats returns the adapter counters.
func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		Observed: a.observed.Load(),
		Accepted: a.accepted.Load(),
		Ignored:  a.ignored.Load(),
		Faults:   a.faults.Load(),
	}
}

func kindOf(ev string) (event.Kind, bool) {
	switch ev {
	case host.EventCall:
		return event.KindCall, true
	case host.EventReturn:
		return event.KindReturn, true
	case host.EventLine:
		return event.KindLine, true
	case host.EventException:
		return event.KindException, true
	default:
		return 0, false
	}
}

// The helpers below each recover on their own so one broken accessor only
// loses its own field.

func frameCode(f host.Frame) (c host.Code, ok bool) {
	defer func() {
		if recover() != nil {
			c, ok = host.Code{}, false
		}
	}()
	return f.Code()
}

func frameLine(f host.Frame) (line int, ok bool) {
	defer func() {
		if recover() != nil {
			line, ok = 0, false
		}
	}()
	return f.Line()
}

func parentID(f host.Frame) (id uint64) {
	defer func() {
		if recover() != nil {
			id = 0
		}
	}()
	p, ok := f.Parent()
	if !ok || p == nil {
		return 0
	}
	return p.ID()
}

func threadID(f host.Frame) (id uint64) {
	defer func() {
		if recover() != nil {
			id = 0
		}
	}()
	tid, _ := f.ThreadID()
	return tid
}

func typeName(v any) (name string) {
	defer func() {
		if recover() != nil {
			name = ""
		}
	}()
	return reflect.TypeOf(v).String()
}
