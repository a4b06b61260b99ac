package interceptors

import (
	"context"
	"sort"
	"strings"

	"github.com/glimte/relay/message"
	"github.com/glimte/relay/phase"
)

// MustUnderstandName is the name of the header consensus interceptor
const MustUnderstandName = "MustUnderstandInterceptor"

// MustUnderstandPrefix starts the reason of every must-understand fault
const MustUnderstandPrefix = "Can not understand QNames: "

type interceptorLister interface {
	Interceptors() []Interceptor
}

// MustUnderstandInterceptor faults messages carrying mandatory headers that
// no other interceptor in the chain understands for the message's roles.
type MustUnderstandInterceptor struct {
	Base
	understood []message.QName
}

// NewMustUnderstandInterceptor creates the consensus interceptor. Extra names
// are treated as understood in addition to what the chain declares.
func NewMustUnderstandInterceptor(understood ...message.QName) *MustUnderstandInterceptor {
	return &MustUnderstandInterceptor{
		Base:       NewBase(MustUnderstandName, phase.PreProtocol),
		understood: understood,
	}
}

// HandleMessage implements Interceptor
func (i *MustUnderstandInterceptor) HandleMessage(ctx context.Context, msg *message.Message) error {
	roles := msg.Roles()

	var mandatory []message.QName
	for _, h := range msg.Headers() {
		if h.MustUnderstand && containsRole(roles, h.Role) {
			mandatory = append(mandatory, h.Name)
		}
	}
	if len(mandatory) == 0 {
		return nil
	}

	understood := make(map[message.QName]bool)
	for _, name := range i.understood {
		understood[name] = true
	}
	if lister, ok := msg.InterceptorChain().(interceptorLister); ok {
		for _, ic := range lister.Interceptors() {
			if ic.Name() == i.Name() {
				continue
			}
			hp, ok := ic.(HeaderProcessor)
			if !ok || !rolesIntersect(hp.Roles(), roles) {
				continue
			}
			for _, name := range hp.UnderstoodHeaders() {
				understood[name] = true
			}
		}
	}

	unmet := make(map[string]bool)
	for _, name := range mandatory {
		if !understood[name] {
			unmet[name.String()] = true
		}
	}
	if len(unmet) == 0 {
		return nil
	}

	names := make([]string, 0, len(unmet))
	for name := range unmet {
		names = append(names, name)
	}
	sort.Strings(names)
	return message.NewFault(message.FaultMustUnderstand, MustUnderstandPrefix+strings.Join(names, ", "))
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// An interceptor without declared roles acts in every role.
func rolesIntersect(declared, roles []string) bool {
	if len(declared) == 0 {
		return true
	}
	for _, d := range declared {
		if containsRole(roles, d) {
			return true
		}
	}
	return false
}
