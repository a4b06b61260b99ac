package rm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/relay/internal/reliability"
	"github.com/glimte/relay/message"
	"golang.org/x/time/rate"
)

// Resender transmits a queued record again
type Resender interface {
	Resend(ctx context.Context, rec *Record) error
}

// ResenderFunc is a function adapter for Resender
type ResenderFunc func(ctx context.Context, rec *Record) error

// Resend implements Resender
func (f ResenderFunc) Resend(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}

// Proxy sends standalone protocol messages
type Proxy interface {
	// Acknowledge sends a SequenceAcknowledgement to target
	Acknowledge(ctx context.Context, target, namespace string, ack SequenceAcknowledgement) error
	// CloseSequence sends a CloseSequence to target
	CloseSequence(ctx context.Context, target, namespace string, c CloseSequence) error
}

// Manager owns the source and destination sequences of one bus and runs
// the retransmission scheduler
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	metrics  MetricsCollector
	resender Resender
	proxy    Proxy
	now      func() time.Time
	backoff  *reliability.ExponentialBackoff
	limiter  *rate.Limiter
	queue    *retransmissionQueue

	mu           sync.RWMutex
	sources      map[Identifier]*SourceSequence
	byTarget     map[string]*SourceSequence
	destinations map[Identifier]*DestinationSequence
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithResender sets the transport used for retransmissions
func WithResender(r Resender) Option {
	return func(m *Manager) {
		m.resender = r
	}
}

// WithProxy sets the sender of standalone protocol messages
func WithProxy(p Proxy) Option {
	return func(m *Manager) {
		m.proxy = p
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager validates cfg and starts the retransmission scheduler
func NewManager(cfg Config, options ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:          cfg,
		logger:       slog.Default(),
		metrics:      NoOpMetricsCollector{},
		now:          time.Now,
		backoff:      reliability.NewExponentialBackoff(cfg.BaseRetransmissionInterval, cfg.MaxRetransmissionInterval, cfg.BackoffMultiplier, cfg.MaxRetransmissions),
		limiter:      rate.NewLimiter(cfg.ResendRate, cfg.ResendBurst),
		queue:        newRetransmissionQueue(),
		sources:      make(map[Identifier]*SourceSequence),
		byTarget:     make(map[string]*SourceSequence),
		destinations: make(map[Identifier]*DestinationSequence),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range options {
		opt(m)
	}

	m.wg.Add(1)
	go m.schedulerRoutine()

	return m, nil
}

// Config returns the manager configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// SetResender replaces the retransmission transport
func (m *Manager) SetResender(r Resender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resender = r
}

// SetProxy replaces the protocol message sender
func (m *Manager) SetProxy(p Proxy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxy = p
}

// SourceSequence returns a source sequence by identifier
func (m *Manager) SourceSequence(id Identifier) (*SourceSequence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	return s, ok
}

// CurrentSequence returns the open source sequence for target, if any
func (m *Manager) CurrentSequence(target string) (*SourceSequence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byTarget[target]
	return s, ok
}

// DestinationSequence returns a destination sequence by identifier
func (m *Manager) DestinationSequence(id Identifier) (*DestinationSequence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.destinations[id]
	return d, ok
}

// Pending returns the number of records awaiting acknowledgement
func (m *Manager) Pending() int {
	return m.queue.len()
}

// allocate returns the sequence for target and its next number. A
// terminated or closing sequence is replaced by a fresh one.
func (m *Manager) allocate(target string, last bool) (*SourceSequence, uint64, error) {
	for {
		seq, err := m.sourceFor(target)
		if err != nil {
			return nil, 0, err
		}
		n, err := seq.next(m.now(), last)
		if err == nil {
			return seq, n, nil
		}
		if !m.retire(seq) {
			return nil, 0, err
		}
	}
}

func (m *Manager) sourceFor(target string) (*SourceSequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.byTarget[target]; ok {
		return s, nil
	}

	var expires time.Time
	if m.cfg.SequenceExpiration > 0 {
		expires = m.now().Add(m.cfg.SequenceExpiration)
	}
	s := newSourceSequence(NewIdentifier(), target, expires)
	m.sources[s.id] = s
	m.byTarget[target] = s
	m.logger.Debug("created source sequence",
		"sequenceId", s.id,
		"target", target)
	return s, nil
}

// retire unbinds seq from its target so the next send opens a new sequence
func (m *Manager) retire(seq *SourceSequence) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byTarget[seq.target]; ok && cur == seq {
		delete(m.byTarget, seq.target)
		return true
	}
	return false
}

// register queues a record before its first transmission
func (m *Manager) register(rec *Record, d *Delivery) {
	now := m.now()
	rec.delivery = d
	rec.sent = now
	rec.next = now.Add(m.backoff.NextDelay(0))
	m.queue.add(rec)
	m.metrics.RecordSent(rec.Target)
}

// sendFailed keeps the record queued for retransmission
func (m *Manager) sendFailed(rec *Record, err error) {
	m.queue.sendFailed(rec, err)
	m.logger.Warn("initial send failed, message queued for retransmission",
		"sequenceId", rec.SequenceID,
		"messageNumber", rec.Number,
		"target", rec.Target,
		"error", err)
}

// abandon stops a sequence at the number before n, which will never be
// sent. Earlier records keep draining; the destination learns the new last
// number through a CloseSequence.
func (m *Manager) abandon(ctx context.Context, seq *SourceSequence, n uint64, d *Delivery, cause error) {
	if d != nil {
		d.resolve(cause)
	}
	m.retire(seq)
	last, complete, ok := seq.truncate(n, m.now())
	if !ok {
		return
	}
	m.logger.Warn("message was never sent, sequence closed before it",
		"sequenceId", seq.id,
		"messageNumber", n,
		"error", cause)
	if complete || last == 0 {
		return
	}

	m.mu.RLock()
	proxy := m.proxy
	m.mu.RUnlock()
	if proxy == nil {
		return
	}
	if err := proxy.CloseSequence(ctx, seq.target, m.cfg.Namespace, CloseSequence{ID: seq.id, LastMsgNumber: last}); err != nil {
		m.logger.Warn("failed to send close sequence",
			"sequenceId", seq.id,
			"error", err)
	}
}

// ProcessAcknowledgement applies an acknowledgement to its source sequence.
// Acknowledged records leave the queue and their deliveries resolve.
func (m *Manager) ProcessAcknowledgement(ack SequenceAcknowledgement) error {
	seq, ok := m.SourceSequence(ack.ID)
	if !ok {
		return &SequenceError{Op: "acknowledge", SequenceID: ack.ID, Err: ErrUnknownSequence}
	}
	if len(ack.Ranges) == 0 {
		return nil
	}
	var hi uint64
	for _, r := range ack.Ranges {
		hi = max(hi, r.Upper)
	}
	if hi > seq.Current() {
		return sequenceFault(message.FaultSender, SubcodeInvalidAcknowledgement,
			"Acknowledgement for sequence "+ack.ID.String()+" covers unsent messages")
	}

	complete := seq.acknowledge(ack.Ranges, m.now())
	removed := m.queue.acknowledge(ack.ID, ack.Ranges)
	for _, rec := range removed {
		rec.delivery.resolve(nil)
	}
	if len(removed) > 0 {
		m.metrics.RecordAcknowledged(seq.target, len(removed))
		m.logger.Debug("messages acknowledged",
			"sequenceId", ack.ID,
			"count", len(removed))
	}
	if complete {
		m.retire(seq)
		m.logger.Info("source sequence completed", "sequenceId", ack.ID)
	}
	return nil
}

// CloseSequence stops new sends on the sequence to target and tells the
// destination its last number. In-flight records keep being retransmitted.
func (m *Manager) CloseSequence(ctx context.Context, target string) error {
	m.mu.RLock()
	seq, ok := m.byTarget[target]
	proxy := m.proxy
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	last, ok := seq.close()
	if !ok {
		return nil
	}
	m.retire(seq)
	if m.queue.pending(seq.id) == 0 && seq.acknowledge(nil, m.now()) {
		m.logger.Info("source sequence completed", "sequenceId", seq.id)
	}
	if proxy == nil || last == 0 {
		return nil
	}
	return proxy.CloseSequence(ctx, target, m.cfg.Namespace, CloseSequence{ID: seq.id, LastMsgNumber: last})
}

// destinationFor returns the destination sequence for id, creating it on
// first sight
func (m *Manager) destinationFor(id Identifier, acksTo, ns string) (*DestinationSequence, error) {
	m.mu.RLock()
	d, ok := m.destinations[id]
	m.mu.RUnlock()
	if ok {
		return d, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if d, ok := m.destinations[id]; ok {
		return d, nil
	}
	d = newDestinationSequence(id, acksTo, ns, m.now())
	m.destinations[id] = d
	m.logger.Debug("created destination sequence",
		"sequenceId", id,
		"acksTo", acksTo)
	return d, nil
}

// acknowledge sends the acknowledgement of d now, or arms the batch timer
func (m *Manager) acknowledge(ctx context.Context, d *DestinationSequence, immediate bool) {
	if !immediate && m.cfg.AcknowledgementInterval > 0 {
		d.scheduleAck(m.cfg.AcknowledgementInterval, func() {
			m.flushAck(m.ctx, d, false)
		})
		return
	}
	m.flushAck(ctx, d, true)
}

func (m *Manager) flushAck(ctx context.Context, d *DestinationSequence, force bool) {
	ack, pending := d.takeAck()
	if !pending && !force {
		return
	}

	m.mu.RLock()
	proxy := m.proxy
	m.mu.RUnlock()
	target := d.AcksTo()
	if proxy == nil || target == "" {
		return
	}
	if err := proxy.Acknowledge(ctx, target, d.Namespace(), ack); err != nil {
		m.logger.Warn("failed to send acknowledgement",
			"sequenceId", d.id,
			"acksTo", target,
			"error", err)
	}
}

// PendingAcknowledgements takes the pending acknowledgements addressed to
// target so they can ride on an outbound message
func (m *Manager) PendingAcknowledgements(target string) []SequenceAcknowledgement {
	if target == "" {
		return nil
	}
	m.mu.RLock()
	var candidates []*DestinationSequence
	for _, d := range m.destinations {
		if d.AcksTo() == target {
			candidates = append(candidates, d)
		}
	}
	m.mu.RUnlock()

	var acks []SequenceAcknowledgement
	for _, d := range candidates {
		if ack, pending := d.takeAck(); pending {
			acks = append(acks, ack)
		}
	}
	return acks
}

func (m *Manager) schedulerRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.resendDue(m.ctx)
			m.sweep()
		case <-m.ctx.Done():
			return
		}
	}
}

// resendDue retransmits due records. The queue lock is only held while
// selecting; transport I/O runs unlocked.
func (m *Manager) resendDue(ctx context.Context) {
	resend, exhausted := m.queue.due(m.now(), m.cfg.MaxRetransmissions)

	for _, rec := range exhausted {
		m.fail(rec)
	}

	m.mu.RLock()
	resender := m.resender
	m.mu.RUnlock()

	for _, rec := range resend {
		if seq, ok := m.SourceSequence(rec.SequenceID); ok && seq.State() == StateTerminated && seq.Cause() != nil {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			m.queue.unmark(rec)
			continue
		}

		var err error
		if resender != nil {
			err = resender.Resend(ctx, rec)
		}
		now := m.now()
		attempts, _ := m.queue.attempts(rec)
		m.queue.resent(rec, now, now.Add(m.backoff.NextDelay(attempts)), err)
		m.metrics.RecordRetransmission(rec.Target)
		m.logger.Warn("retransmitted message",
			"sequenceId", rec.SequenceID,
			"messageNumber", rec.Number,
			"target", rec.Target,
			"attempt", attempts,
			"error", err)
	}
}

// fail terminates the sequence of an exhausted record. The record's caller
// gets the DeliveryFailure; the other records of the sequence are dropped.
func (m *Manager) fail(rec *Record) {
	attempts, lastErr := m.queue.attempts(rec)
	failure := &DeliveryFailure{
		SequenceID: rec.SequenceID,
		Number:     rec.Number,
		Attempts:   attempts,
		Err:        lastErr,
	}

	if seq, ok := m.SourceSequence(rec.SequenceID); ok {
		seq.terminate(m.now(), failure)
		m.retire(seq)
	}
	for _, other := range m.queue.purge(rec.SequenceID) {
		if other == rec {
			continue
		}
		other.delivery.resolve(&SequenceError{Op: "deliver", SequenceID: rec.SequenceID, Err: ErrSequenceTerminated})
	}
	if rec.delivery.resolve(failure) {
		m.metrics.RecordDeliveryFailure(rec.Target)
	}
	m.logger.Error("delivery failed, sequence terminated",
		"sequenceId", rec.SequenceID,
		"messageNumber", rec.Number,
		"target", rec.Target,
		"attempts", attempts,
		"error", lastErr)
}

// sweep evicts sequences terminated longer than the retention period
func (m *Manager) sweep() {
	now := m.now()
	var evicted int

	m.mu.Lock()
	for id, s := range m.sources {
		if at, done := s.terminatedAt(); done && now.Sub(at) > m.cfg.SequenceRetention {
			delete(m.sources, id)
			evicted++
		}
	}
	for id, d := range m.destinations {
		if at, done := d.idleSince(); done && now.Sub(at) > m.cfg.SequenceRetention {
			delete(m.destinations, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug("evicted terminated sequences", "count", evicted)
	}
}

// Shutdown stops new sends and waits until every queued record is
// acknowledged or failed, or ctx ends. Records still queued then resolve
// with ErrManagerClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.SchedulerInterval)
	defer ticker.Stop()
	var err error
wait:
	for m.queue.len() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		}
	}

	m.cancel()
	m.wg.Wait()

	for _, rec := range m.queue.drain() {
		rec.delivery.resolve(ErrManagerClosed)
	}
	m.mu.RLock()
	for _, d := range m.destinations {
		d.takeAck()
	}
	m.mu.RUnlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close shuts down without waiting for in-flight records
func (m *Manager) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return m.Shutdown(ctx)
}
