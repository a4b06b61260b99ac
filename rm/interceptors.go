package rm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"

	"github.com/glimte/relay/interceptors"
	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
)

// Interceptor names
const (
	OutName        = "RMOutInterceptor"
	CaptureName    = "RMCaptureInterceptor"
	CodecOutName   = "RMCodecOutInterceptor"
	CodecInName    = "RMCodecInInterceptor"
	InName         = "RMInInterceptor"
	DeliveryName   = "RMDeliveryInterceptor"
	LastMessageKey = "relay.rm.lastMessage"
)

// ErrNoTarget is returned for reliable sends without a target address
var ErrNoTarget = errors.New("rm: message has no target address")

// AckAction is the action of a standalone acknowledgement in namespace ns
func AckAction(ns string) string {
	return ns + "/" + ackTag
}

// CloseAction is the action of a standalone CloseSequence in namespace ns
func CloseAction(ns string) string {
	return ns + "/" + closeSequenceTag
}

func isProtocolAction(action string) bool {
	for _, ns := range supportedNamespaces {
		if action == AckAction(ns) || action == CloseAction(ns) {
			return true
		}
	}
	return false
}

// DeliveryOf returns the delivery of a reliable outbound message
func DeliveryOf(msg *message.Message) (*Delivery, bool) {
	d, ok := message.Content[*Delivery](msg)
	return d, ok && d != nil
}

type outboundState struct {
	seq        *SourceSequence
	number     uint64
	target     string
	delivery   *Delivery
	registered bool
}

type inboundState struct {
	ds        *DestinationSequence
	number    uint64
	last      bool
	delivered bool
}

// OutInterceptor numbers outbound requests and piggybacks pending
// acknowledgements. Responses carry acknowledgements only.
type OutInterceptor struct {
	interceptors.Base
	manager *Manager
}

// NewOutInterceptor creates the outbound sequencing interceptor
func NewOutInterceptor(m *Manager) *OutInterceptor {
	return &OutInterceptor{
		Base:    interceptors.NewBase(OutName, phase.PreLogical),
		manager: m,
	}
}

// HandleMessage implements interceptors.Interceptor
func (i *OutInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	if isProtocolAction(msg.GetString(message.ActionKey)) {
		return nil
	}
	p := EnsureProperties(msg)
	target := msg.GetString(message.ToKey)

	if ex := msg.Exchange(); ex != nil && ex.InMessage() != nil && ex.InMessage() != msg {
		if st, ok := message.Content[*inboundState](ex.InMessage()); ok {
			ack, _ := st.ds.takeAck()
			p.Acks = append(p.Acks, ack)
			if target == "" {
				target = st.ds.AcksTo()
			}
		}
		p.Acks = appendAcks(p.Acks, i.manager.PendingAcknowledgements(target))
		return nil
	}

	if target == "" {
		return fmt.Errorf("sequence %s: %w", msg.ID(), ErrNoTarget)
	}
	last, _ := message.Get[bool](msg, LastMessageKey)
	seq, n, err := i.manager.allocate(target, last)
	if err != nil {
		return err
	}

	d := newDelivery(seq.id, n)
	p.Sequence = &SequenceType{ID: seq.id, Number: n, LastMessage: last}
	if last {
		p.AckRequested = append(p.AckRequested, AckRequested{ID: seq.id})
	}
	p.Acks = appendAcks(p.Acks, i.manager.PendingAcknowledgements(target))

	message.SetContent(msg, &outboundState{seq: seq, number: n, target: target, delivery: d})
	message.SetContent(msg, d)

	i.manager.logger.Debug("sequenced outbound message",
		"messageId", msg.ID(),
		"sequenceId", seq.id,
		"messageNumber", n,
		"target", target)
	return nil
}

// HandleFault gives up the number of a message that never reached the wire
func (i *OutInterceptor) HandleFault(ctx context.Context, msg *message.Message) {
	st, ok := message.Content[*outboundState](msg)
	if !ok || st.registered {
		return
	}
	var cause error = ErrSequenceTerminated
	if f, ok := message.Content[*message.Fault](msg); ok && f != nil {
		cause = f
	}
	i.manager.abandon(ctx, st.seq, st.number, st.delivery, cause)
}

func appendAcks(acks, more []SequenceAcknowledgement) []SequenceAcknowledgement {
	for _, a := range more {
		dup := false
		for _, b := range acks {
			if a.ID == b.ID {
				dup = true
				break
			}
		}
		if !dup {
			acks = append(acks, a)
		}
	}
	return acks
}

// CaptureInterceptor snapshots the encoded payload of sequenced messages
// and queues it for retransmission when the message is sent. A failed first
// send is left to the retransmission scheduler.
type CaptureInterceptor struct {
	interceptors.Base
	manager *Manager
}

// NewCaptureInterceptor creates the payload capture interceptor. It runs
// before compression so the snapshot holds the bytes as sent.
func NewCaptureInterceptor(m *Manager) *CaptureInterceptor {
	i := &CaptureInterceptor{
		Base:    interceptors.NewBase(CaptureName, phase.PreStream),
		manager: m,
	}
	i.AddBefore(interceptors.DeflateName)
	return i
}

// HandleMessage implements interceptors.Interceptor
func (i *CaptureInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	st, ok := message.Content[*outboundState](msg)
	if !ok {
		return nil
	}
	sink, ok := interceptors.Sink(msg)
	if !ok {
		return fmt.Errorf("capture %s: %w", msg.ID(), message.ErrNoConduit)
	}
	interceptors.SetSink(msg, &captureSink{manager: i.manager, msg: msg, st: st, next: sink})
	return nil
}

type captureSink struct {
	manager  *Manager
	msg      *message.Message
	st       *outboundState
	next     io.WriteCloser
	buf      bytes.Buffer
	writeErr error
}

func (s *captureSink) Write(p []byte) (int, error) {
	s.buf.Write(p)
	if s.writeErr == nil {
		if _, err := s.next.Write(p); err != nil {
			s.writeErr = err
		}
	}
	return len(p), nil
}

func (s *captureSink) Close() error {
	rec := &Record{
		SequenceID: s.st.seq.id,
		Number:     s.st.number,
		Target:     s.st.target,
		Payload:    bytes.Clone(s.buf.Bytes()),
		Headers:    maps.Clone(s.msg.ProtocolHeaders()),
	}
	s.manager.register(rec, s.st.delivery)
	s.st.registered = true

	err := s.writeErr
	if err != nil {
		s.Abort()
	} else {
		err = s.next.Close()
	}
	if err != nil {
		s.manager.sendFailed(rec, err)
	}
	return nil
}

func (s *captureSink) Abort() error {
	if a, ok := s.next.(interceptors.Aborter); ok {
		return a.Abort()
	}
	return nil
}

// CodecOutInterceptor writes sequence properties as protocol headers
type CodecOutInterceptor struct {
	interceptors.Base
	namespace string
}

// NewCodecOutInterceptor creates the header encoder. Namespace is used
// unless the message or its exchange names another.
func NewCodecOutInterceptor(namespace string) *CodecOutInterceptor {
	return &CodecOutInterceptor{
		Base:      interceptors.NewBase(CodecOutName, phase.PreProtocol),
		namespace: namespace,
	}
}

// HandleMessage implements interceptors.Interceptor
func (i *CodecOutInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	p, ok := PropertiesOf(msg)
	if !ok || p.Empty() {
		return nil
	}
	return EncodeHeaders(msg, p, exposedNamespace(msg, p, i.namespace))
}

// CodecInInterceptor reads sequence headers into properties and remembers
// their namespace on the exchange
type CodecInInterceptor struct {
	interceptors.Base
}

// NewCodecInInterceptor creates the header decoder
func NewCodecInInterceptor() *CodecInInterceptor {
	return &CodecInInterceptor{Base: interceptors.NewBase(CodecInName, phase.PreProtocol)}
}

// HandleMessage implements interceptors.Interceptor
func (i *CodecInInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	p, err := DecodeHeaders(msg)
	if err != nil || p == nil {
		return err
	}
	message.SetContent(msg, p)
	if ex := msg.Exchange(); ex != nil {
		ex.Put(ExposeAsKey, p.ExposeAs)
	}
	return nil
}

// UnderstoodHeaders implements interceptors.HeaderProcessor
func (i *CodecInInterceptor) UnderstoodHeaders() []message.QName {
	var names []message.QName
	for _, ns := range supportedNamespaces {
		names = append(names, HeaderNames(ns)...)
	}
	return names
}

// Roles implements interceptors.HeaderProcessor
func (i *CodecInInterceptor) Roles() []string {
	return nil
}

// InInterceptor applies inbound acknowledgements and enforces exactly once,
// in order delivery of sequenced messages. Duplicates and standalone
// protocol messages stop here; out of order messages wait, paused, for
// their predecessors.
type InInterceptor struct {
	interceptors.Base
	manager *Manager
}

// NewInInterceptor creates the inbound sequencing interceptor
func NewInInterceptor(m *Manager) *InInterceptor {
	return &InInterceptor{
		Base:    interceptors.NewBase(InName, phase.PreLogical),
		manager: m,
	}
}

// HandleMessage implements interceptors.Interceptor
func (i *InInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	p, ok := PropertiesOf(msg)
	if !ok {
		return nil
	}
	m := i.manager

	for _, ack := range p.Acks {
		if err := m.ProcessAcknowledgement(ack); err != nil {
			if !errors.Is(err, ErrUnknownSequence) {
				return err
			}
			m.logger.Warn("acknowledgement for unknown sequence", "sequenceId", ack.ID)
		}
	}
	for _, ar := range p.AckRequested {
		if ds, ok := m.DestinationSequence(ar.ID); ok {
			m.acknowledge(ctx, ds, true)
		}
	}
	if c := p.Close; c != nil {
		ds, ok := m.DestinationSequence(c.ID)
		if !ok {
			return sequenceFault(message.FaultSender, SubcodeUnknownSequence,
				"The sequence "+c.ID.String()+" is not known")
		}
		ds.close(c.LastMsgNumber, m.now())
		m.acknowledge(ctx, ds, true)
	}

	chain := msg.InterceptorChain()
	if p.Sequence == nil {
		if isProtocolAction(msg.GetString(message.ActionKey)) && chain != nil {
			chain.Pause()
		}
		return nil
	}
	if chain == nil {
		return fmt.Errorf("sequence %s: message is not driven by a chain", p.Sequence.ID)
	}
	return i.receive(ctx, msg, p, chain)
}

func (i *InInterceptor) receive(ctx context.Context, msg *message.Message, p *RMProperties, chain message.Chain) error {
	m := i.manager
	seq := p.Sequence
	ns := p.ExposeAs
	if ns == "" {
		ns = m.cfg.Namespace
	}
	ds, err := m.destinationFor(seq.ID, msg.GetString(message.ReplyToKey), ns)
	if err != nil {
		return err
	}
	if seq.LastMessage {
		ds.close(seq.Number, m.now())
	}

	st := &inboundState{ds: ds, number: seq.Number, last: seq.LastMessage}
	message.SetContent(msg, st)

	resumeCtx := context.WithoutCancel(ctx)
	resume := func() {
		if err := chain.Resume(resumeCtx); err != nil {
			m.logger.Error("failed to resume held message",
				"sequenceId", seq.ID,
				"messageNumber", seq.Number,
				"error", err)
		}
	}

	chain.Pause()
	verdict, err := ds.receive(seq.Number, m.cfg.MaxHeldMessages, resume, m.now())
	if err != nil {
		message.RemoveContent[*inboundState](msg)
		return err
	}

	switch verdict {
	case verdictDeliver:
		return chain.Resume(ctx)
	case verdictHold:
		m.metrics.RecordHeld(1)
		m.logger.Debug("holding out of order message",
			"sequenceId", seq.ID,
			"messageNumber", seq.Number)
	case verdictDuplicate:
		message.RemoveContent[*inboundState](msg)
		m.metrics.RecordDuplicate()
		m.logger.Debug("discarding duplicate message",
			"sequenceId", seq.ID,
			"messageNumber", seq.Number)
		m.acknowledge(ctx, ds, true)
	case verdictInFlight:
		message.RemoveContent[*inboundState](msg)
		m.logger.Debug("discarding message already in progress",
			"sequenceId", seq.ID,
			"messageNumber", seq.Number)
	}
	return nil
}

// HandleFault releases the reservation so a retransmission is accepted
func (i *InInterceptor) HandleFault(ctx context.Context, msg *message.Message) {
	if st, ok := message.Content[*inboundState](msg); ok && !st.delivered {
		st.ds.release(st.number)
	}
}

// DeliveryInterceptor marks a sequenced message delivered once the
// application returned, acknowledges it and resumes the held successor
type DeliveryInterceptor struct {
	interceptors.Base
	manager *Manager
}

// NewDeliveryInterceptor creates the delivery interceptor. It runs before
// the response is dispatched so the response can carry the acknowledgement.
func NewDeliveryInterceptor(m *Manager) *DeliveryInterceptor {
	i := &DeliveryInterceptor{
		Base:    interceptors.NewBase(DeliveryName, phase.PostInvoke),
		manager: m,
	}
	i.AddBefore(interceptors.OutgoingChainName)
	return i
}

// HandleMessage implements interceptors.Interceptor
func (i *DeliveryInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	st, ok := message.Content[*inboundState](msg)
	if !ok || st.delivered {
		return nil
	}
	resume, complete := st.ds.delivered(st.number, i.manager.now())
	st.delivered = true

	i.manager.acknowledge(ctx, st.ds, complete || st.last)
	if complete {
		i.manager.logger.Info("destination sequence completed", "sequenceId", st.ds.id)
	}
	if resume != nil {
		go resume()
	}
	return nil
}
