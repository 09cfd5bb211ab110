package polar

import (
	jsoniter "github.com/json-iterator/go"
)

// json is configured to be a drop-in replacement for encoding/json (same
// struct-tag semantics) so MarshalJSON/UnmarshalJSON implementations
// written against the standard library's conventions still work; only
// the codec underneath changes. This is the one place the core touches
// serialization at all — failures crossing this boundary are reported
// as Operational errors.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventValue is the sealed payload of a QueryEvent, mirroring the
// TermValue pattern in term.go: one struct per variant, dispatched on
// with a type switch rather than virtual methods.
type eventValue interface {
	eventName() string
}

// QueryEvent is one step of query evaluation: either a result, the
// query's end, or a host-callback request the caller must answer before
// the query can proceed.
type QueryEvent struct {
	Value eventValue
}

type EventDebug struct {
	Message string `json:"message"`
}

func (EventDebug) eventName() string { return "Debug" }

// EventDone signals a query has produced every result it will produce.
// Exactly one Done is emitted per query, and it is always last.
type EventDone struct{}

func (EventDone) eventName() string { return "Done" }

// EventMakeExternal asks the host to construct an external instance.
// It is fire-and-forget: the host does not reply, it only has to have
// materialized instance_id by the time any later event references it.
type EventMakeExternal struct {
	InstanceID  uint64 `json:"instance_id"`
	Constructor Term   `json:"constructor"`
}

func (EventMakeExternal) eventName() string { return "MakeExternal" }

// EventExternalCall asks the host to look up an attribute (Args == nil)
// or call a method (Args != nil) on instance, or to call a bare function
// named Attribute when Instance == nil. The VM takes exactly one
// call_result per CallID: a term is bound as the result, nil fails the
// branch, and any further call_result for the same CallID is rejected
// as an unknown call_id. A host answering with several successive
// results is not iterated as alternatives.
type EventExternalCall struct {
	CallID    uint64 `json:"call_id"`
	Instance  *Term  `json:"instance,omitempty"`
	Attribute string `json:"attribute"`
	Args      []Term `json:"args,omitempty"`
	HasArgs   bool   `json:"-"`
}

func (EventExternalCall) eventName() string { return "ExternalCall" }

// EventExternalIsa asks whether instance is an instance of (a subclass
// of) class_tag. Answered with question_result.
type EventExternalIsa struct {
	CallID   uint64 `json:"call_id"`
	Instance Term   `json:"instance"`
	ClassTag string `json:"class_tag"`
}

func (EventExternalIsa) eventName() string { return "ExternalIsa" }

// EventExternalIsSubSpecializer asks whether instance_id is more
// specifically an instance of left_class_tag than of right_class_tag.
type EventExternalIsSubSpecializer struct {
	CallID        uint64 `json:"call_id"`
	InstanceID    uint64 `json:"instance_id"`
	LeftClassTag  string `json:"left_class_tag"`
	RightClassTag string `json:"right_class_tag"`
}

func (EventExternalIsSubSpecializer) eventName() string { return "ExternalIsSubSpecializer" }

// EventExternalIsSubclass asks whether left_class_tag is a (non-strict)
// subclass of right_class_tag, independent of any instance.
type EventExternalIsSubclass struct {
	CallID        uint64 `json:"call_id"`
	LeftClassTag  string `json:"left_class_tag"`
	RightClassTag string `json:"right_class_tag"`
}

func (EventExternalIsSubclass) eventName() string { return "ExternalIsSubclass" }

// EventExternalOp asks the host to evaluate a binary comparison operator
// between two external instances (used by unify's ExternalOp{Eq} case
// and by comparison operators over externals generally).
type EventExternalOp struct {
	CallID   uint64   `json:"call_id"`
	Operator Operator `json:"operator"`
	Args     []Term   `json:"args"`
}

func (EventExternalOp) eventName() string { return "ExternalOp" }

// EventResult carries one set of variable bindings satisfying the query.
type EventResult struct {
	Bindings map[string]Term `json:"bindings"`
}

func (EventResult) eventName() string { return "Result" }

// EventPrint is a policy `print(...)` call in event form. Nothing in
// this package emits it: Print output reaches the host out of band
// through MessageQueue (Query.NextMessage), never through the event
// stream; this variant exists for parity with the rest of the event set.
type EventPrint struct {
	Message string `json:"message"`
}

func (EventPrint) eventName() string { return "Print" }

// MarshalJSON renders e as a tagged envelope:
// {"value": {"<Variant>": <payload>}}.
func (e QueryEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"value": map[string]interface{}{
			e.Value.eventName(): e.Value,
		},
	})
}

// MarshalTerm renders a Term as the same tagged envelope values use:
// {"value": {"<Variant>": <payload>}}.
func MarshalTerm(t Term) ([]byte, error) {
	name, payload := termEnvelope(t)
	return json.Marshal(map[string]interface{}{
		"value": map[string]interface{}{name: payload},
	})
}

func termEnvelope(t Term) (string, interface{}) {
	switch v := t.Value.(type) {
	case Number:
		if v.IsFloat {
			return "Number", map[string]interface{}{"Float": v.F}
		}
		return "Number", map[string]interface{}{"Integer": v.I}
	case Boolean:
		return "Boolean", bool(v)
	case PString:
		return "String", string(v)
	case Symbol:
		return "Symbol", v.Name
	case Variable:
		return "Variable", v.Name
	case RestVariable:
		return "RestVariable", v.Name
	case List:
		items := make([]jsoniter.RawMessage, len(v.Items))
		for i, it := range v.Items {
			b, _ := MarshalTerm(it)
			items[i] = b
		}
		return "List", items
	case Dictionary:
		fields := make(map[string]jsoniter.RawMessage, len(v.Fields))
		for k, val := range v.Fields {
			b, _ := MarshalTerm(val)
			fields[k] = b
		}
		return "Dictionary", map[string]interface{}{"fields": fields}
	case Call:
		args := make([]jsoniter.RawMessage, len(v.Args))
		for i, a := range v.Args {
			b, _ := MarshalTerm(a)
			args[i] = b
		}
		return "Call", map[string]interface{}{"name": v.Name, "args": args}
	case Expression:
		args := make([]jsoniter.RawMessage, len(v.Args))
		for i, a := range v.Args {
			b, _ := MarshalTerm(a)
			args[i] = b
		}
		return "Expression", map[string]interface{}{"operator": v.Operator.String(), "args": args}
	case ExternalInstance:
		return "ExternalInstance", map[string]interface{}{"instance_id": v.InstanceID, "repr": v.Repr}
	case Pattern:
		fields := make(map[string]jsoniter.RawMessage, len(v.Fields))
		for k, val := range v.Fields {
			b, _ := MarshalTerm(val)
			fields[k] = b
		}
		return "Pattern", map[string]interface{}{"tag": v.InstanceTag, "fields": fields}
	default:
		return "Unknown", nil
	}
}
