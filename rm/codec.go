package rm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/glimte/relay/message"
)

const rmPrefix = "wsrm"

// Header local names
const (
	sequenceTag      = "Sequence"
	ackTag           = "SequenceAcknowledgement"
	ackRequestedTag  = "AckRequested"
	closeSequenceTag = "CloseSequence"
)

var supportedNamespaces = []string{Namespace200702, Namespace200502}

// HeaderNames returns the header names understood in namespace ns
func HeaderNames(ns string) []message.QName {
	return []message.QName{
		{Space: ns, Local: sequenceTag},
		{Space: ns, Local: ackTag},
		{Space: ns, Local: ackRequestedTag},
		{Space: ns, Local: closeSequenceTag},
	}
}

func isSupported(ns string) bool {
	for _, s := range supportedNamespaces {
		if s == ns {
			return true
		}
	}
	return false
}

// EncodeHeaders writes properties as message headers in namespace ns. The
// sequence header is mandatory for the receiver.
func EncodeHeaders(msg *message.Message, p *RMProperties, ns string) error {
	if !isSupported(ns) {
		return fmt.Errorf("rm: unsupported namespace %q", ns)
	}

	if s := p.Sequence; s != nil {
		el := newHeader(ns, sequenceTag)
		el.CreateElement(rmPrefix + ":Identifier").SetText(s.ID.String())
		el.CreateElement(rmPrefix + ":MessageNumber").SetText(strconv.FormatUint(s.Number, 10))
		if s.LastMessage {
			el.CreateElement(rmPrefix + ":LastMessage")
		}
		msg.SetHeader(message.Header{Name: message.QName{Space: ns, Local: sequenceTag}, MustUnderstand: true, Value: el})
	}

	for _, a := range p.Acks {
		el := newHeader(ns, ackTag)
		el.CreateElement(rmPrefix + ":Identifier").SetText(a.ID.String())
		if len(a.Ranges) == 0 || a.None {
			el.CreateElement(rmPrefix + ":None")
		}
		for _, r := range a.Ranges {
			re := el.CreateElement(rmPrefix + ":AcknowledgementRange")
			re.CreateAttr("Lower", strconv.FormatUint(r.Lower, 10))
			re.CreateAttr("Upper", strconv.FormatUint(r.Upper, 10))
		}
		if a.Final {
			el.CreateElement(rmPrefix + ":Final")
		}
		msg.AddHeader(message.Header{Name: message.QName{Space: ns, Local: ackTag}, Value: el})
	}

	for _, a := range p.AckRequested {
		el := newHeader(ns, ackRequestedTag)
		el.CreateElement(rmPrefix + ":Identifier").SetText(a.ID.String())
		msg.AddHeader(message.Header{Name: message.QName{Space: ns, Local: ackRequestedTag}, Value: el})
	}

	if c := p.Close; c != nil {
		el := newHeader(ns, closeSequenceTag)
		el.CreateElement(rmPrefix + ":Identifier").SetText(c.ID.String())
		el.CreateElement(rmPrefix + ":LastMsgNumber").SetText(strconv.FormatUint(c.LastMsgNumber, 10))
		msg.SetHeader(message.Header{Name: message.QName{Space: ns, Local: closeSequenceTag}, Value: el})
	}
	return nil
}

func newHeader(ns, tag string) *etree.Element {
	el := etree.NewElement(tag)
	el.Space = rmPrefix
	el.CreateAttr("xmlns:"+rmPrefix, ns)
	return el
}

// DecodeHeaders reads the sequence headers of a message. The namespace of
// the first header found is returned; headers of other namespaces are
// ignored. A message without sequence headers yields nil properties.
func DecodeHeaders(msg *message.Message) (*RMProperties, error) {
	var p *RMProperties
	ns := ""
	for _, h := range msg.Headers() {
		if !isSupported(h.Name.Space) || (ns != "" && h.Name.Space != ns) {
			continue
		}
		el, ok := h.Value.(*etree.Element)
		if !ok {
			continue
		}
		if p == nil {
			ns = h.Name.Space
			p = &RMProperties{ExposeAs: ns}
		}

		var err error
		switch h.Name.Local {
		case sequenceTag:
			err = decodeSequence(p, el)
		case ackTag:
			err = decodeAck(p, el)
		case ackRequestedTag:
			var id Identifier
			if id, err = identifier(el); err == nil {
				p.AckRequested = append(p.AckRequested, AckRequested{ID: id})
			}
		case closeSequenceTag:
			err = decodeClose(p, el)
		}
		if err != nil {
			return nil, sequenceFault(message.FaultSender, SubcodeInvalidHeader,
				fmt.Sprintf("invalid %s header: %v", h.Name.Local, err))
		}
	}
	return p, nil
}

func decodeSequence(p *RMProperties, el *etree.Element) error {
	id, err := identifier(el)
	if err != nil {
		return err
	}
	n, err := number(el, "MessageNumber")
	if err != nil {
		return err
	}
	p.Sequence = &SequenceType{
		ID:          id,
		Number:      n,
		LastMessage: el.SelectElement("LastMessage") != nil,
	}
	return nil
}

func decodeAck(p *RMProperties, el *etree.Element) error {
	id, err := identifier(el)
	if err != nil {
		return err
	}
	ack := SequenceAcknowledgement{
		ID:    id,
		None:  el.SelectElement("None") != nil,
		Final: el.SelectElement("Final") != nil,
	}
	for _, re := range el.SelectElements("AcknowledgementRange") {
		lower, err1 := strconv.ParseUint(re.SelectAttrValue("Lower", ""), 10, 64)
		upper, err2 := strconv.ParseUint(re.SelectAttrValue("Upper", ""), 10, 64)
		if err1 != nil || err2 != nil || lower == 0 || upper < lower {
			return fmt.Errorf("bad acknowledgement range")
		}
		ack.Ranges = append(ack.Ranges, AckRange{Lower: lower, Upper: upper})
	}
	p.Acks = append(p.Acks, ack)
	return nil
}

func decodeClose(p *RMProperties, el *etree.Element) error {
	id, err := identifier(el)
	if err != nil {
		return err
	}
	c := &CloseSequence{ID: id}
	if el.SelectElement("LastMsgNumber") != nil {
		if c.LastMsgNumber, err = number(el, "LastMsgNumber"); err != nil {
			return err
		}
	}
	p.Close = c
	return nil
}

func identifier(el *etree.Element) (Identifier, error) {
	idEl := el.SelectElement("Identifier")
	if idEl == nil || strings.TrimSpace(idEl.Text()) == "" {
		return "", fmt.Errorf("missing identifier")
	}
	return Identifier(strings.TrimSpace(idEl.Text())), nil
}

func number(el *etree.Element, tag string) (uint64, error) {
	child := el.SelectElement(tag)
	if child == nil {
		return 0, fmt.Errorf("missing %s", tag)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(child.Text()), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("bad %s %q", tag, child.Text())
	}
	return n, nil
}
