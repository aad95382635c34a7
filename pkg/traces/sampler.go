// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/mbeema/frametrace/pkg/event"
)

// Policy is the sampling configuration.
type Policy struct {
	// Rate is the fraction of activations kept, in (0, 1].
	Rate float64
	// Kinds lists the enabled event kinds. Empty enables all.
	// Exceptions are kept even when not listed.
	Kinds []event.Kind
	// IncludePrefixes, when non-empty, restricts tracing to code units whose
	// file starts with one of the prefixes.
	IncludePrefixes []string
	// ExcludePrefixes drops code units whose file starts with a prefix.
	ExcludePrefixes []string
}

type samplerState struct {
	rate      float64
	threshold uint64
	kinds     uint8
	include   []string
	exclude   []string
}

// Sampler implements deterministic per-activation sampling.
// The decision is keyed on the frame id, so every event of one activation
// gets the same answer. Exceptions are always kept.
// Safe for concurrent use; Update swaps the policy atomically.
type Sampler struct {
	state atomic.Pointer[samplerState]
}

// NewSampler creates a sampler for the given policy.
func NewSampler(p Policy) (*Sampler, error) {
	s := &Sampler{}
	if err := s.Update(p); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces the active policy.
func (s *Sampler) Update(p Policy) error {
	if !(p.Rate > 0 && p.Rate <= 1) {
		return fmt.Errorf("sample rate %v outside (0, 1]", p.Rate)
	}

	st := &samplerState{
		rate:    p.Rate,
		include: append([]string(nil), p.IncludePrefixes...),
		exclude: append([]string(nil), p.ExcludePrefixes...),
	}
	if p.Rate >= 1.0 {
		st.threshold = math.MaxUint64
	} else {
		st.threshold = uint64(p.Rate * float64(math.MaxUint64))
	}

	if len(p.Kinds) == 0 {
		st.kinds = 1<<event.NumKinds - 1
	}
	for _, k := range p.Kinds {
		if int(k) >= event.NumKinds {
			return fmt.Errorf("unknown event kind %d", k)
		}
		st.kinds |= 1 << k
	}

	s.state.Store(st)
	return nil
}

// Decide returns true if an event with these properties should be kept.
// It does not allocate.
func (s *Sampler) Decide(kind event.Kind, frameID uint64, file string) bool {
	st := s.state.Load()

	// Exceptions skip the kind mask and the rate. An exception without a
	// file (native frame) cannot be placed in scope and is kept.
	if kind == event.KindException {
		return file == "" || st.inScope(file)
	}

	if !st.inScope(file) {
		return false
	}

	if st.kinds&(1<<kind) == 0 {
		return false
	}

	if st.threshold == math.MaxUint64 {
		return true
	}
	return mix(frameID) <= st.threshold
}

// Accept applies Decide to a constructed record.
func (s *Sampler) Accept(r event.Record) bool {
	return s.Decide(r.Kind(), r.FrameID(), r.Location().File)
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 {
	return s.state.Load().rate
}

func (st *samplerState) inScope(file string) bool {
	for _, p := range st.exclude {
		if strings.HasPrefix(file, p) {
			return false
		}
	}
	if len(st.include) == 0 {
		return true
	}
	for _, p := range st.include {
		if strings.HasPrefix(file, p) {
			return true
		}
	}
	return false
}

// mix is the splitmix64 finalizer. Frame ids are often sequential, so they
// need spreading before the threshold comparison.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
