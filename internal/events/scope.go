package events

// Scope buckets subscribers for ordered fan-out. Forward dispatch (events
// posted before driver execution) visits scopes in ForwardOrder; reverse
// dispatch (events posted after driver execution, including TestEnding /
// TestEnded / SessionEnded) visits them in the opposite order.
type Scope int

const (
	ScopeClassInternal Scope = iota
	ScopeGlobalInternal
	ScopeInternalPlugin
	ScopeAPIPlugin
	ScopeJARPlugin

	// ScopeTestMessage is a distinct scope for asynchronous test-to-plugin
	// message delivery; it is never part of ForwardOrder/ReverseOrder, so
	// none of the Bus Post* methods deliver to subscribers registered in it.
	ScopeTestMessage
)

// ForwardOrder is the scope visitation order for pre-driver fan-out.
var ForwardOrder = []Scope{
	ScopeClassInternal,
	ScopeGlobalInternal,
	ScopeInternalPlugin,
	ScopeAPIPlugin,
	ScopeJARPlugin,
}

// ReverseOrder is ForwardOrder reversed, used for post-driver fan-out.
func ReverseOrder() []Scope {
	out := make([]Scope, len(ForwardOrder))
	for i, s := range ForwardOrder {
		out[len(ForwardOrder)-1-i] = s
	}
	return out
}

func (s Scope) String() string {
	switch s {
	case ScopeClassInternal:
		return "CLASS_INTERNAL"
	case ScopeGlobalInternal:
		return "GLOBAL_INTERNAL"
	case ScopeInternalPlugin:
		return "INTERNAL_PLUGIN"
	case ScopeAPIPlugin:
		return "API_PLUGIN"
	case ScopeJARPlugin:
		return "JAR_PLUGIN"
	case ScopeTestMessage:
		return "TEST_MESSAGE"
	default:
		return "UNKNOWN_SCOPE"
	}
}
