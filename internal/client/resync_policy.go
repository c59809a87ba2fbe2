package client

import (
	"fmt"
)

// ResyncReason records why the client asked for a fresh baseline.
type ResyncReason struct {
	Kind string
	Tick uint64
}

// ResyncSignal is handed to the driver once a resync is due.
type ResyncSignal struct {
	Misses   uint64
	Applied  uint64
	Mismatch bool
	Reasons  []ResyncReason
}

type resyncPolicy struct {
	applied  uint64
	misses   uint64
	mismatch bool
	pending  bool
	reasons  []ResyncReason
}

// missThresholdPerHundred is the share of unusable deltas that triggers a
// resync; a single digest mismatch always does.
const missThresholdPerHundred = 25
const missMinimum = 4
const resyncReasonLimit = 8

func newResyncPolicy() *resyncPolicy {
	return &resyncPolicy{reasons: make([]ResyncReason, 0, resyncReasonLimit)}
}

func (p *resyncPolicy) noteApplied() {
	if p.applied == ^uint64(0) {
		p.applied /= 2
		p.misses /= 2
	}
	p.applied++
}

func (p *resyncPolicy) noteMiss(tick uint64) {
	p.misses++
	p.remember("baseline_missing", tick)
	p.evaluate()
}

func (p *resyncPolicy) noteMismatch(tick uint64) {
	p.mismatch = true
	p.remember("digest_mismatch", tick)
	p.pending = true
}

func (p *resyncPolicy) remember(kind string, tick uint64) {
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, Tick: tick})
	}
}

func (p *resyncPolicy) evaluate() {
	if p.pending || p.misses < missMinimum {
		return
	}
	total := p.applied + p.misses
	if p.misses*100 >= total*missThresholdPerHundred {
		p.pending = true
	}
}

func (p *resyncPolicy) consume() (ResyncSignal, bool) {
	if !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Misses:   p.misses,
		Applied:  p.applied,
		Mismatch: p.mismatch,
		Reasons:  append([]ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.mismatch = false
	p.applied = 0
	p.misses = 0
	p.reasons = p.reasons[:0]
	return signal, true
}

func (s ResyncSignal) String() string {
	return fmt.Sprintf("misses=%d applied=%d mismatch=%t reasons=%v", s.Misses, s.Applied, s.Mismatch, s.Reasons)
}
