package transport

import "time"

// seqMoreRecent compares wrapping sequence numbers.
func seqMoreRecent(s1, s2 uint32) bool { return int32(s1-s2) > 0 }

// reorderWindow bounds how far ahead of the next expected sequence a
// reliable payload may arrive and still be buffered.
const reorderWindow = 1024

// reliableReceiver delivers reliable-ordered payloads exactly once, in order.
type reliableReceiver struct {
	next     uint32
	highest  uint32
	buffered map[uint32][]byte
}

func newReliableReceiver() reliableReceiver {
	return reliableReceiver{next: 1, buffered: make(map[uint32][]byte)}
}

// receive records seq and returns the payloads now deliverable in order.
// dup reports a sequence that was already delivered or buffered.
func (r *reliableReceiver) receive(seq uint32, payload []byte) (ready [][]byte, dup bool) {
	if r.highest == 0 || seqMoreRecent(seq, r.highest) {
		r.highest = seq
	}
	if seqMoreRecent(r.next, seq) {
		return nil, true
	}
	if seq != r.next {
		if _, ok := r.buffered[seq]; ok {
			return nil, true
		}
		if seq-r.next >= reorderWindow {
			return nil, false
		}
		r.buffered[seq] = payload
		return nil, false
	}
	ready = append(ready, payload)
	r.next++
	for {
		p, ok := r.buffered[r.next]
		if !ok {
			break
		}
		delete(r.buffered, r.next)
		ready = append(ready, p)
		r.next++
	}
	return ready, false
}

func (r *reliableReceiver) has(seq uint32) bool {
	if seqMoreRecent(r.next, seq) {
		return true
	}
	_, ok := r.buffered[seq]
	return ok
}

// ackAndBits reports the highest received sequence and a bitfield of the
// 32 sequences before it.
func (r *reliableReceiver) ackAndBits() (uint32, uint32) {
	if r.highest == 0 {
		return 0, 0
	}
	ack := r.highest
	var bits uint32
	for i := 0; i < 32; i++ {
		seq := ack - 1 - uint32(i)
		if seq != 0 && r.has(seq) {
			bits |= 1 << uint(i)
		}
	}
	return ack, bits
}

type pendingSend struct {
	frame    []byte
	firstAt  time.Time
	lastAt   time.Time
	nextAt   time.Time
	attempts int
}

// reliableSender tracks unacknowledged reliable frames.
type reliableSender struct {
	nextSeq uint32
	pending map[uint32]*pendingSend
}

func newReliableSender() reliableSender {
	return reliableSender{nextSeq: 1, pending: make(map[uint32]*pendingSend)}
}

func (s *reliableSender) allocate() uint32 {
	seq := s.nextSeq
	s.nextSeq++
	if s.nextSeq == 0 {
		s.nextSeq = 1
	}
	return seq
}

// acknowledge clears acked frames and returns RTT samples taken from frames
// that were sent exactly once.
func (s *reliableSender) acknowledge(ack, bits uint32, now time.Time) []time.Duration {
	if ack == 0 {
		return nil
	}
	var samples []time.Duration
	clear := func(seq uint32) {
		p, ok := s.pending[seq]
		if !ok {
			return
		}
		if p.attempts == 1 {
			samples = append(samples, now.Sub(p.firstAt))
		}
		delete(s.pending, seq)
	}
	clear(ack)
	for i := 0; i < 32; i++ {
		if bits&(1<<uint(i)) != 0 {
			clear(ack - 1 - uint32(i))
		}
	}
	return samples
}

// rttEstimator follows the SRTT/RTTVAR smoothing of RFC 6298.
type rttEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	sampled bool
}

func (e *rttEstimator) observe(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !e.sampled {
		e.srtt = sample
		e.rttvar = sample / 2
		e.sampled = true
		return
	}
	diff := e.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = (3*e.rttvar + diff) / 4
	e.srtt = (7*e.srtt + sample) / 8
}

// timeout is the retransmission timeout clamped to [base, max].
func (e *rttEstimator) timeout(base, max time.Duration) time.Duration {
	if !e.sampled {
		return base
	}
	rto := e.srtt + 4*e.rttvar
	if rto < base {
		rto = base
	}
	if rto > max {
		rto = max
	}
	return rto
}

// backoff doubles rto per prior attempt, capped at max.
func backoff(rto, max time.Duration, attempts int) time.Duration {
	d := rto
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
