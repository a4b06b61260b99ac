package envelope

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
	"github.com/glimte/relay/message"
)

const (
	// Namespace is the envelope namespace
	Namespace = "http://www.w3.org/2003/05/soap-envelope"
	// AddressingNamespace is the namespace of addressing headers
	AddressingNamespace = "http://www.w3.org/2005/08/addressing"

	envPrefix = "env"
	wsaPrefix = "wsa"
)

// Addressing header names
var (
	MessageIDName = message.QName{Space: AddressingNamespace, Local: "MessageID"}
	RelatesToName = message.QName{Space: AddressingNamespace, Local: "RelatesTo"}
	ReplyToName   = message.QName{Space: AddressingNamespace, Local: "ReplyTo"}
	ActionName    = message.QName{Space: AddressingNamespace, Local: "Action"}
	ToName        = message.QName{Space: AddressingNamespace, Local: "To"}
)

var (
	// ErrMalformed is returned for input that is not a well-formed envelope
	ErrMalformed = errors.New("envelope: malformed envelope")
)

// Body is the content of an envelope body: an XML payload or a fault
type Body struct {
	Payload []byte
	Fault   *message.Fault
}

// SetBody stores the body of a message
func SetBody(msg *message.Message, body Body) {
	message.SetContent(msg, body)
}

// BodyOf returns the body of a message
func BodyOf(msg *message.Message) (Body, bool) {
	return message.Content[Body](msg)
}

// Encode renders a message as an envelope document
func Encode(msg *message.Message) (*etree.Document, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement(envPrefix + ":Envelope")
	env.CreateAttr("xmlns:"+envPrefix, Namespace)
	env.CreateAttr("xmlns:"+wsaPrefix, AddressingNamespace)

	header := env.CreateElement(envPrefix + ":Header")
	writeAddressing(header, msg)
	for _, h := range msg.Headers() {
		el, err := headerElement(h)
		if err != nil {
			return nil, err
		}
		header.AddChild(el)
	}
	if len(header.ChildElements()) == 0 {
		env.RemoveChild(header)
	}

	bodyEl := env.CreateElement(envPrefix + ":Body")
	body, _ := BodyOf(msg)
	switch {
	case body.Fault != nil:
		writeFault(bodyEl, body.Fault)
	case len(body.Payload) > 0:
		payload := etree.NewDocument()
		if err := payload.ReadFromBytes(body.Payload); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		if payload.Root() == nil {
			return nil, fmt.Errorf("%w: payload has no root element", ErrMalformed)
		}
		bodyEl.AddChild(payload.Root().Copy())
	}

	return doc, nil
}

func writeAddressing(header *etree.Element, msg *message.Message) {
	add := func(name, value string) {
		if value == "" {
			return
		}
		header.CreateElement(wsaPrefix + ":" + name).SetText(value)
	}
	add(MessageIDName.Local, msg.ID())
	add(RelatesToName.Local, msg.GetString(message.RelatesToKey))
	if replyTo := msg.GetString(message.ReplyToKey); replyTo != "" {
		header.CreateElement(wsaPrefix + ":" + ReplyToName.Local).
			CreateElement(wsaPrefix + ":Address").SetText(replyTo)
	}
	add(ActionName.Local, msg.GetString(message.ActionKey))
	add(ToName.Local, msg.GetString(message.ToKey))
}

// headerElement renders a header record. Values that are elements are
// written as is; anything else is written as the text of a new element.
func headerElement(h message.Header) (*etree.Element, error) {
	var el *etree.Element
	switch v := h.Value.(type) {
	case *etree.Element:
		el = v.Copy()
	case string:
		el = textElement(h.Name, v)
	case fmt.Stringer:
		el = textElement(h.Name, v.String())
	case nil:
		el = textElement(h.Name, "")
	default:
		return nil, fmt.Errorf("envelope: header %s has unsupported value %T", h.Name, h.Value)
	}

	if h.MustUnderstand {
		el.CreateAttr(envPrefix+":mustUnderstand", "true")
	}
	if h.Role != "" {
		el.CreateAttr(envPrefix+":role", h.Role)
	}
	return el, nil
}

func textElement(name message.QName, text string) *etree.Element {
	el := etree.NewElement(name.Local)
	if name.Space != "" {
		el.Space = "h"
		el.CreateAttr("xmlns:h", name.Space)
	}
	el.SetText(text)
	return el
}

func writeFault(body *etree.Element, f *message.Fault) {
	fault := body.CreateElement(envPrefix + ":Fault")
	code := fault.CreateElement(envPrefix + ":Code")
	code.CreateElement(envPrefix + ":Value").SetText(envPrefix + ":" + string(f.Code))
	if f.Subcode != "" {
		code.CreateElement(envPrefix + ":Subcode").
			CreateElement(envPrefix + ":Value").SetText(f.Subcode)
	}
	text := fault.CreateElement(envPrefix + ":Reason").CreateElement(envPrefix + ":Text")
	text.CreateAttr("xml:lang", "en")
	text.SetText(f.Reason)
}

// Decode parses an envelope into the message: headers, addressing
// properties and the body. An envelope in a foreign namespace yields a
// VersionMismatch fault.
func Decode(msg *message.Message, r io.Reader) error {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return message.NewFault(message.FaultSender, fmt.Sprintf("%v: %v", ErrMalformed, err))
	}

	env := doc.Root()
	if env == nil || env.Tag != "Envelope" {
		return message.NewFault(message.FaultSender, ErrMalformed.Error())
	}
	if env.NamespaceURI() != Namespace {
		return message.NewFault(message.FaultVersionMismatch,
			fmt.Sprintf("envelope namespace %q is not supported", env.NamespaceURI()))
	}

	for _, child := range env.ChildElements() {
		if child.NamespaceURI() != Namespace {
			continue
		}
		switch child.Tag {
		case "Header":
			readHeaders(msg, child)
		case "Body":
			body, err := readBody(child)
			if err != nil {
				return err
			}
			SetBody(msg, body)
		}
	}
	return nil
}

func readHeaders(msg *message.Message, header *etree.Element) {
	for _, el := range header.ChildElements() {
		name := message.QName{Space: el.NamespaceURI(), Local: el.Tag}
		h := message.Header{
			Name:           name,
			MustUnderstand: isTrue(attrValue(el, "mustUnderstand")),
			Role:           attrValue(el, "role"),
			Value:          el,
		}
		msg.AddHeader(h)

		if name.Space != AddressingNamespace {
			continue
		}
		text := strings.TrimSpace(el.Text())
		switch name.Local {
		case MessageIDName.Local:
			msg.Put(message.MessageIDKey, text)
		case RelatesToName.Local:
			msg.Put(message.RelatesToKey, text)
		case ReplyToName.Local:
			if addr := el.SelectElement("Address"); addr != nil {
				msg.Put(message.ReplyToKey, strings.TrimSpace(addr.Text()))
			}
		case ActionName.Local:
			msg.Put(message.ActionKey, text)
		case ToName.Local:
			msg.Put(message.ToKey, text)
		}
	}
}

func readBody(bodyEl *etree.Element) (Body, error) {
	children := bodyEl.ChildElements()
	if len(children) == 0 {
		return Body{}, nil
	}
	first := children[0]
	if first.Tag == "Fault" && first.NamespaceURI() == Namespace {
		return Body{Fault: readFault(first)}, nil
	}

	payload := etree.NewDocument()
	root := first.Copy()
	// keep namespace declarations inherited from the envelope
	for _, ns := range inheritedNamespaces(first) {
		if root.SelectAttr(ns.FullKey()) == nil {
			root.CreateAttr(ns.FullKey(), ns.Value)
		}
	}
	payload.SetRoot(root)
	b, err := payload.WriteToBytes()
	if err != nil {
		return Body{}, fmt.Errorf("envelope: body: %w", err)
	}
	return Body{Payload: b}, nil
}

func inheritedNamespaces(el *etree.Element) []etree.Attr {
	var out []etree.Attr
	seen := make(map[string]bool)
	for p := el.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if (a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")) && !seen[a.FullKey()] {
				seen[a.FullKey()] = true
				out = append(out, a)
			}
		}
	}
	return out
}

func readFault(el *etree.Element) *message.Fault {
	f := &message.Fault{Code: message.FaultReceiver}
	if v := el.FindElement("./Code/Value"); v != nil {
		f.Code = message.FaultCode(localPart(v.Text()))
	}
	if v := el.FindElement("./Code/Subcode/Value"); v != nil {
		f.Subcode = strings.TrimSpace(v.Text())
	}
	if v := el.FindElement("./Reason/Text"); v != nil {
		f.Reason = v.Text()
	}
	return f
}

func attrValue(el *etree.Element, key string) string {
	for _, a := range el.Attr {
		if a.Key == key && a.NamespaceURI() == Namespace {
			return a.Value
		}
	}
	return ""
}

func isTrue(v string) bool {
	v = strings.TrimSpace(v)
	return v == "true" || v == "1"
}

func localPart(qname string) string {
	qname = strings.TrimSpace(qname)
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}
