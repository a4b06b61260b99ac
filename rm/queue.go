package rm

import (
	"sort"
	"sync"
	"time"
)

// Record is one message awaiting acknowledgement. The identifying fields
// and the payload snapshot never change after the record is queued.
type Record struct {
	SequenceID Identifier
	Number     uint64
	Target     string
	Payload    []byte
	Headers    map[string]string

	sent      time.Time
	retries   int
	next      time.Time
	resending bool
	lastErr   error
	delivery  *Delivery
}

// retransmissionQueue holds unacknowledged records per sequence
type retransmissionQueue struct {
	mu      sync.Mutex
	records map[Identifier]map[uint64]*Record
}

func newRetransmissionQueue() *retransmissionQueue {
	return &retransmissionQueue{records: make(map[Identifier]map[uint64]*Record)}
}

func (q *retransmissionQueue) add(r *Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	bySeq, ok := q.records[r.SequenceID]
	if !ok {
		bySeq = make(map[uint64]*Record)
		q.records[r.SequenceID] = bySeq
	}
	bySeq[r.Number] = r
}

// sendFailed records the error of the initial send
func (q *retransmissionQueue) sendFailed(r *Record, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r.lastErr = err
}

// acknowledge removes the records covered by ranges
func (q *retransmissionQueue) acknowledge(id Identifier, ranges []AckRange) []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	bySeq := q.records[id]
	var removed []*Record
	for n, r := range bySeq {
		for _, ar := range ranges {
			if ar.Contains(n) {
				removed = append(removed, r)
				delete(bySeq, n)
				break
			}
		}
	}
	if len(bySeq) == 0 {
		delete(q.records, id)
	}
	return removed
}

// due selects the records whose resend time has come and marks them as
// being resent. Records that used up their budget are returned separately.
func (q *retransmissionQueue) due(now time.Time, maxRetries int) (resend, exhausted []*Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, bySeq := range q.records {
		for _, r := range bySeq {
			if r.resending || now.Before(r.next) {
				continue
			}
			if r.retries >= maxRetries {
				exhausted = append(exhausted, r)
				continue
			}
			r.resending = true
			resend = append(resend, r)
		}
	}
	sort.Slice(resend, func(i, j int) bool {
		if resend[i].SequenceID != resend[j].SequenceID {
			return resend[i].SequenceID < resend[j].SequenceID
		}
		return resend[i].Number < resend[j].Number
	})
	return resend, exhausted
}

// resent updates a record after a resend attempt
func (q *retransmissionQueue) resent(r *Record, now time.Time, next time.Time, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r.resending = false
	r.retries++
	r.sent = now
	r.next = next
	if err != nil {
		r.lastErr = err
	}
}

// unmark returns a selected record to the queue without counting an attempt
func (q *retransmissionQueue) unmark(r *Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r.resending = false
}

// purge removes every record of a sequence
func (q *retransmissionQueue) purge(id Identifier) []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	bySeq := q.records[id]
	delete(q.records, id)
	out := make([]*Record, 0, len(bySeq))
	for _, r := range bySeq {
		out = append(out, r)
	}
	return out
}

// pending returns the number of unacknowledged records of a sequence
func (q *retransmissionQueue) pending(id Identifier) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records[id])
}

func (q *retransmissionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, bySeq := range q.records {
		n += len(bySeq)
	}
	return n
}

func (q *retransmissionQueue) drain() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Record
	for id, bySeq := range q.records {
		for _, r := range bySeq {
			out = append(out, r)
		}
		delete(q.records, id)
	}
	return out
}

func (q *retransmissionQueue) attempts(r *Record) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return r.retries + 1, r.lastErr
}
