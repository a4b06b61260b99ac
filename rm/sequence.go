package rm

import (
	"math"
	"sync"
	"time"

	"github.com/glimte/relay/message"
)

// SequenceState is the lifecycle state of a sequence
type SequenceState int

const (
	StateCreating SequenceState = iota
	StateEstablished
	StateClosing
	StateTerminated
)

// String returns the state name
func (s SequenceState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SourceSequence numbers the messages sent to one target
type SourceSequence struct {
	mu         sync.Mutex
	id         Identifier
	target     string
	state      SequenceState
	current    uint64
	lastNumber uint64
	expires    time.Time
	cause      error
	acked      Ranges
	terminated time.Time
}

func newSourceSequence(id Identifier, target string, expires time.Time) *SourceSequence {
	return &SourceSequence{id: id, target: target, expires: expires}
}

// ID returns the sequence identifier
func (s *SourceSequence) ID() Identifier {
	return s.id
}

// Target returns the address the sequence sends to
func (s *SourceSequence) Target() string {
	return s.target
}

// State returns the lifecycle state
func (s *SourceSequence) State() SequenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the last allocated message number
func (s *SourceSequence) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Cause returns why the sequence terminated, nil for a clean termination
func (s *SourceSequence) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Acknowledged returns a copy of the acknowledged ranges
func (s *SourceSequence) Acknowledged() Ranges {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked.Clone()
}

// next allocates the next message number. The sequence is established by
// its first number; a last message moves it to closing.
func (s *SourceSequence) next(now time.Time, last bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateTerminated && !s.expires.IsZero() && now.After(s.expires) {
		s.terminateLocked(now, ErrSequenceExpired)
	}
	switch s.state {
	case StateTerminated:
		if s.cause != nil {
			return 0, &SequenceError{Op: "send", SequenceID: s.id, Err: s.cause}
		}
		return 0, &SequenceError{Op: "send", SequenceID: s.id, Err: ErrSequenceTerminated}
	case StateClosing:
		return 0, &SequenceError{Op: "send", SequenceID: s.id, Err: ErrSequenceClosed}
	}
	if s.current == math.MaxUint64 {
		return 0, &SequenceError{Op: "send", SequenceID: s.id, Err: ErrSequenceTerminated}
	}

	s.current++
	s.state = StateEstablished
	if last {
		s.lastNumber = s.current
		s.state = StateClosing
	}
	return s.current, nil
}

// close stops new sends and returns the last number
func (s *SourceSequence) close() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return 0, false
	}
	s.state = StateClosing
	s.lastNumber = s.current
	return s.lastNumber, true
}

// truncate closes the sequence before n, a number that will never be sent.
// It returns the last number and whether the sequence is already complete.
func (s *SourceSequence) truncate(n uint64, now time.Time) (uint64, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return 0, false, false
	}
	if s.state != StateClosing || n-1 < s.lastNumber {
		s.lastNumber = n - 1
	}
	s.state = StateClosing
	if s.acked.Contiguous() >= s.lastNumber {
		s.terminateLocked(now, nil)
		return s.lastNumber, true, true
	}
	return s.lastNumber, false, true
}

// acknowledge merges acknowledged ranges and reports whether the sequence
// completed. Numbers never sent are ignored.
func (s *SourceSequence) acknowledge(ranges []AckRange, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range ranges {
		if r.Lower > s.current {
			continue
		}
		r.Upper = min(r.Upper, s.current)
		s.acked.AddRange(r)
	}
	if s.state == StateClosing && s.acked.Contiguous() >= s.lastNumber {
		s.terminateLocked(now, nil)
		return true
	}
	return false
}

// isAcknowledged reports whether n was acknowledged
func (s *SourceSequence) isAcknowledged(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked.Contains(n)
}

// terminate ends the sequence; it reports false if it already ended
func (s *SourceSequence) terminate(now time.Time, cause error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.terminateLocked(now, cause)
	return true
}

func (s *SourceSequence) terminateLocked(now time.Time, cause error) {
	s.state = StateTerminated
	s.cause = cause
	s.terminated = now
}

func (s *SourceSequence) terminatedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated, s.state == StateTerminated
}

// receiveVerdict tells the inbound interceptor what to do with a number
type receiveVerdict int

const (
	verdictDeliver receiveVerdict = iota
	verdictHold
	verdictDuplicate
	verdictInFlight
)

// DestinationSequence tracks what was delivered from one source sequence
type DestinationSequence struct {
	mu           sync.Mutex
	id           Identifier
	acksTo       string
	namespace    string
	state        SequenceState
	acked        Ranges
	inFlight     map[uint64]bool
	held         map[uint64]func()
	lastNumber   uint64
	ackPending   bool
	ackTimer     *time.Timer
	lastActivity time.Time
	terminated   time.Time
}

func newDestinationSequence(id Identifier, acksTo, namespace string, now time.Time) *DestinationSequence {
	return &DestinationSequence{
		id:           id,
		acksTo:       acksTo,
		namespace:    namespace,
		state:        StateEstablished,
		inFlight:     make(map[uint64]bool),
		held:         make(map[uint64]func()),
		lastActivity: now,
	}
}

// ID returns the sequence identifier
func (d *DestinationSequence) ID() Identifier {
	return d.id
}

// AcksTo returns the address acknowledgements are sent to
func (d *DestinationSequence) AcksTo() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acksTo
}

// Namespace returns the header namespace the source uses
func (d *DestinationSequence) Namespace() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.namespace
}

// State returns the lifecycle state
func (d *DestinationSequence) State() SequenceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Acknowledged returns a copy of the delivered ranges
func (d *DestinationSequence) Acknowledged() Ranges {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked.Clone()
}

// LastNumber returns the fixed last message number, zero if still open
func (d *DestinationSequence) LastNumber() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastNumber
}

// Acknowledgement returns the acknowledgement for the delivered ranges
func (d *DestinationSequence) Acknowledgement() SequenceAcknowledgement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acknowledgementLocked()
}

func (d *DestinationSequence) acknowledgementLocked() SequenceAcknowledgement {
	return SequenceAcknowledgement{
		ID:     d.id,
		Ranges: d.acked.Clone(),
		None:   len(d.acked) == 0,
		Final:  d.state == StateTerminated,
	}
}

// receive decides what happens to number n. A held number registers resume,
// which is called once its predecessors have been delivered.
func (d *DestinationSequence) receive(n uint64, maxHeld int, resume func(), now time.Time) (receiveVerdict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActivity = now

	if d.acked.Contains(n) {
		return verdictDuplicate, nil
	}
	if d.state == StateTerminated {
		return 0, sequenceFault(message.FaultSender, SubcodeSequenceTerminated,
			"The sequence "+d.id.String()+" has been terminated")
	}
	if d.lastNumber > 0 && n > d.lastNumber {
		return 0, sequenceFault(message.FaultSender, SubcodeLastMessageNumberExceeded,
			"The sequence "+d.id.String()+" was closed before this message")
	}
	if d.inFlight[n] {
		return verdictInFlight, nil
	}
	if _, ok := d.held[n]; ok {
		return verdictInFlight, nil
	}

	if n == d.acked.Contiguous()+1 {
		d.inFlight[n] = true
		return verdictDeliver, nil
	}
	if len(d.held) >= maxHeld {
		return 0, sequenceFault(message.FaultReceiver, SubcodeTooManyHeld,
			"Too many messages held for sequence "+d.id.String())
	}
	d.held[n] = resume
	return verdictHold, nil
}

// delivered records n as delivered. It returns the resume function of the
// held successor, if any, and whether the sequence is now complete.
func (d *DestinationSequence) delivered(n uint64, now time.Time) (func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inFlight, n)
	d.acked.Add(n)
	d.ackPending = true
	d.lastActivity = now

	var resume func()
	next := d.acked.Contiguous() + 1
	if r, ok := d.held[next]; ok {
		delete(d.held, next)
		d.inFlight[next] = true
		resume = r
	}
	return resume, d.completeLocked(now)
}

// release drops the reservation of n so a retransmission is accepted
func (d *DestinationSequence) release(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, n)
	delete(d.held, n)
}

// close fixes the last number. Held numbers beyond it are dropped. It
// reports whether the sequence is complete.
func (d *DestinationSequence) close(last uint64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateTerminated {
		return true
	}
	if last == 0 {
		last = d.highestLocked()
	}
	if d.lastNumber == 0 || last < d.lastNumber {
		d.lastNumber = last
	}
	d.state = StateClosing
	for n := range d.held {
		if n > d.lastNumber {
			delete(d.held, n)
		}
	}
	return d.completeLocked(now)
}

func (d *DestinationSequence) highestLocked() uint64 {
	var hi uint64
	if len(d.acked) > 0 {
		hi = d.acked[len(d.acked)-1].Upper
	}
	for n := range d.inFlight {
		hi = max(hi, n)
	}
	for n := range d.held {
		hi = max(hi, n)
	}
	return hi
}

func (d *DestinationSequence) completeLocked(now time.Time) bool {
	if d.state == StateTerminated {
		return true
	}
	if d.lastNumber > 0 && d.acked.Contiguous() >= d.lastNumber {
		d.state = StateTerminated
		d.terminated = now
		return true
	}
	return false
}

// takeAck clears the pending flag and stops any batch timer. It reports
// whether an acknowledgement was pending.
func (d *DestinationSequence) takeAck() (SequenceAcknowledgement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending := d.ackPending
	d.ackPending = false
	if d.ackTimer != nil {
		d.ackTimer.Stop()
		d.ackTimer = nil
	}
	return d.acknowledgementLocked(), pending
}

// scheduleAck arms the batch timer unless one is already armed
func (d *DestinationSequence) scheduleAck(after time.Duration, fire func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ackTimer != nil {
		return
	}
	d.ackTimer = time.AfterFunc(after, fire)
}

func (d *DestinationSequence) idleSince() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateTerminated {
		return d.terminated, true
	}
	return d.lastActivity, false
}
