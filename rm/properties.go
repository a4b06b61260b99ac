package rm

import "github.com/glimte/relay/message"

// ExposeAsKey is the exchange property naming the header namespace used for
// every message of that exchange
const ExposeAsKey = "relay.rm.exposeAs"

// SequenceType is the sequence header of an application message
type SequenceType struct {
	ID          Identifier
	Number      uint64
	LastMessage bool
}

// SequenceAcknowledgement acknowledges the ranges of one sequence
type SequenceAcknowledgement struct {
	ID     Identifier
	Ranges []AckRange
	None   bool
	Final  bool
}

// AckRequested asks the destination to acknowledge a sequence now
type AckRequested struct {
	ID Identifier
}

// CloseSequence fixes the last message number of a sequence
type CloseSequence struct {
	ID            Identifier
	LastMsgNumber uint64
}

// RMProperties is the per-message view of sequence metadata
type RMProperties struct {
	Sequence     *SequenceType
	Acks         []SequenceAcknowledgement
	AckRequested []AckRequested
	Close        *CloseSequence
	// ExposeAs is the header namespace; empty uses the exchange or manager default
	ExposeAs string
}

// Empty reports whether the properties carry nothing
func (p *RMProperties) Empty() bool {
	return p.Sequence == nil && len(p.Acks) == 0 && len(p.AckRequested) == 0 && p.Close == nil
}

// PropertiesOf returns the RM properties of a message
func PropertiesOf(msg *message.Message) (*RMProperties, bool) {
	p, ok := message.Content[*RMProperties](msg)
	return p, ok && p != nil
}

// EnsureProperties returns the RM properties of a message, creating them if needed
func EnsureProperties(msg *message.Message) *RMProperties {
	if p, ok := PropertiesOf(msg); ok {
		return p
	}
	p := &RMProperties{}
	message.SetContent(msg, p)
	return p
}

// exposedNamespace resolves the namespace for a message
func exposedNamespace(msg *message.Message, p *RMProperties, fallback string) string {
	if p != nil && p.ExposeAs != "" {
		return p.ExposeAs
	}
	if ex := msg.Exchange(); ex != nil {
		if v, ok := ex.Get(ExposeAsKey); ok {
			if ns, ok := v.(string); ok && ns != "" {
				return ns
			}
		}
	}
	return fallback
}
