// Package polar implements the Polar virtual machine: the policy
// interpreter at the core of an embeddable authorization engine. It owns
// term representation, the knowledge base, unification, rule selection,
// the goal/choice-point backtracking search, and the host-callback
// protocol that lets policy rules reach into application objects.
//
// Parsing, host-language bindings, and tooling (REPL, formatter,
// language server) live outside this package; it depends only on
// already-parsed rule ASTs and on the abstract host callback protocol
// described in events.go.
package polar

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Operator names the built-in operators a policy Expression can carry.
type Operator int

const (
	OpAnd Operator = iota
	OpOr
	OpNot
	OpUnify
	OpEq
	OpNeq
	OpLt
	OpLe
	OpGt
	OpGe
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpIn
	OpDot
	OpIsa
	OpCut
	OpForAll
	OpNew
	OpPrint
	OpDebug
	OpAssign
)

var operatorNames = map[Operator]string{
	OpAnd: "And", OpOr: "Or", OpNot: "Not", OpUnify: "Unify", OpEq: "Eq",
	OpNeq: "Neq", OpLt: "Lt", OpLe: "Le", OpGt: "Gt", OpGe: "Ge",
	OpAdd: "Add", OpSub: "Sub", OpMul: "Mul", OpDiv: "Div", OpMod: "Mod",
	OpIn: "In", OpDot: "Dot", OpIsa: "Isa", OpCut: "Cut", OpForAll: "ForAll",
	OpNew: "New", OpPrint: "Print", OpDebug: "Debug", OpAssign: "Assign",
}

func (o Operator) String() string {
	if name, ok := operatorNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// Span records the source-text location a term was parsed from, for
// diagnostics. The core never interprets a Span; it only carries it.
type Span struct {
	Start, End int
	Filename   string
}

// value is the sealed interface every term variant implements. It is
// unexported so that TermValue (see below) cannot be satisfied outside
// this package — the variant set is closed, never extended by anything
// outside this file.
type value interface {
	isTermValue()
}

// TermValue is the tagged payload of a Term. Centralized equality,
// printing, and traversal live in this file as a single handler table
// per operation (one switch each) rather than as a method on every
// variant, per the "tagged-term representation" design note: the core
// dispatches on kind, it does not rely on dynamic method dispatch.
type TermValue = value

// Term is an immutable policy value: a tagged variant plus metadata.
// Two Terms constructed with different IDs or Spans can still be Equal;
// equality is purely structural over Value (see Equal).
type Term struct {
	Value TermValue
	ID    uint64
	Span  *Span
}

func newTerm(v TermValue) Term { return Term{Value: v} }

// --- Variants ---

// Number is either a 64-bit signed integer or a 64-bit float. Arithmetic
// and comparison promote across the two; NaN is never equal to anything,
// including itself.
type Number struct {
	IsFloat bool
	I       int64
	F       float64
}

func (Number) isTermValue() {}

func (n Number) AsFloat() float64 {
	if n.IsFloat {
		return n.F
	}
	return float64(n.I)
}

func (n Number) String() string {
	if n.IsFloat {
		return strconvFloat(n.F)
	}
	return fmt.Sprintf("%d", n.I)
}

func strconvFloat(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	s := fmt.Sprintf("%g", f)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// Boolean is a Polar true/false literal.
type Boolean bool

func (Boolean) isTermValue() {}
func (b Boolean) String() string {
	if b {
		return "true"
	}
	return "false"
}

// PString is a Polar string literal. Named PString (not String) so it
// does not collide with the stdlib string type in this package's
// vocabulary.
type PString string

func (PString) isTermValue()   {}
func (s PString) String() string { return string(s) }

// Symbol is a bare identifier: a rule name, operator name, or class tag.
type Symbol struct{ Name string }

func (Symbol) isTermValue()    {}
func (s Symbol) String() string { return s.Name }

// Variable is an unbound-unless-bound-in-environment logic variable.
type Variable struct{ Name string }

func (Variable) isTermValue()    {}
func (v Variable) String() string { return v.Name }

// RestVariable matches the tail of a list in pattern position (Polar's
// `[first, *rest]` syntax).
type RestVariable struct{ Name string }

func (RestVariable) isTermValue()    {}
func (v RestVariable) String() string { return "*" + v.Name }

// List is an ordered sequence of terms.
type List struct{ Items []Term }

func (List) isTermValue() {}
func (l List) String() string {
	parts := make([]string, len(l.Items))
	for i, t := range l.Items {
		parts[i] = t.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Dictionary maps field name to value. Key order is not semantically
// significant; only the key set and the values matter for equality.
type Dictionary struct{ Fields map[string]Term }

func (Dictionary) isTermValue() {}
func (d Dictionary) String() string {
	keys := sortedKeys(d.Fields)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, d.Fields[k].String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func sortedKeys(m map[string]Term) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Call invokes a named rule (or, inside an Expression, a host method via
// Dot) with positional and optional keyword arguments.
type Call struct {
	Name   string
	Args   []Term
	Kwargs map[string]Term // nil when the call has no keyword arguments
}

func (Call) isTermValue() {}
func (c Call) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", c.Name, strings.Join(parts, ", "))
}

// Expression is an application of one of the built-in Operators to a
// list of argument terms.
type Expression struct {
	Operator Operator
	Args     []Term
}

func (Expression) isTermValue() {}
func (e Expression) String() string {
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Operator, strings.Join(parts, ", "))
}

// Pattern restricts a parameter or isa check. It is either a bare
// dictionary pattern (InstanceTag == "") or an instance literal
// (InstanceTag names the class).
type Pattern struct {
	InstanceTag string // "" for a plain Dictionary pattern
	Fields      map[string]Term
}

func (Pattern) isTermValue() {}
func (p Pattern) String() string {
	d := Dictionary{Fields: p.Fields}.String()
	if p.InstanceTag == "" {
		return d
	}
	return p.InstanceTag + d
}

// ExternalInstance is an opaque handle to a host-side object, identified
// by a globally unique instance ID. For a `new` expression the core mints
// the ID itself (KnowledgeBase.NewID) and announces it in a MakeExternal
// event; the host must have materialized the object by the time any
// later event references that ID.
type ExternalInstance struct {
	InstanceID  uint64
	Constructor *Term // the Call that produced it, if any
	Repr        string
}

func (ExternalInstance) isTermValue() {}
func (e ExternalInstance) String() string {
	if e.Repr != "" {
		return e.Repr
	}
	return fmt.Sprintf("^{id: %d}", e.InstanceID)
}

// --- Constructors ---

func Int(i int64) Term          { return newTerm(Number{I: i}) }
func Float(f float64) Term      { return newTerm(Number{IsFloat: true, F: f}) }
func Bool(b bool) Term          { return newTerm(Boolean(b)) }
func Str(s string) Term         { return newTerm(PString(s)) }
func Sym(name string) Term      { return newTerm(Symbol{Name: name}) }
func Var(name string) Term      { return newTerm(Variable{Name: name}) }
func Rest(name string) Term     { return newTerm(RestVariable{Name: name}) }
func Lst(items ...Term) Term    { return newTerm(List{Items: items}) }
func Dict(fields map[string]Term) Term {
	return newTerm(Dictionary{Fields: fields})
}
func NewCall(name string, args ...Term) Term {
	return newTerm(Call{Name: name, Args: args})
}
func Expr(op Operator, args ...Term) Term {
	return newTerm(Expression{Operator: op, Args: args})
}
func External(id uint64) Term {
	return newTerm(ExternalInstance{InstanceID: id})
}

// String renders a Term for diagnostics. It is not a serialization
// format (see events.go for the wire format).
func (t Term) String() string {
	if s, ok := t.Value.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", t.Value)
}

// IsVariable reports whether this term is an as-yet-unbound-in-the-caller
// logic variable (not whether it is currently bound in some environment —
// that question belongs to Bindings.Walk).
func (t Term) IsVariable() bool {
	_, ok := t.Value.(Variable)
	return ok
}

func (t Term) IsRestVariable() bool {
	_, ok := t.Value.(RestVariable)
	return ok
}

// Equal implements structural equality: numbers compare by numeric value
// with int/float coercion (NaN equal to nothing), lists elementwise,
// dictionaries as key/value sets, variables only equal themselves by
// name, external instances equal iff their IDs match.
func (t Term) Equal(other Term) bool {
	switch a := t.Value.(type) {
	case Number:
		b, ok := other.Value.(Number)
		if !ok {
			return false
		}
		return numbersEqual(a, b)
	case Boolean:
		b, ok := other.Value.(Boolean)
		return ok && a == b
	case PString:
		b, ok := other.Value.(PString)
		return ok && a == b
	case Symbol:
		b, ok := other.Value.(Symbol)
		return ok && a.Name == b.Name
	case Variable:
		b, ok := other.Value.(Variable)
		return ok && a.Name == b.Name
	case RestVariable:
		b, ok := other.Value.(RestVariable)
		return ok && a.Name == b.Name
	case List:
		b, ok := other.Value.(List)
		if !ok || len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !a.Items[i].Equal(b.Items[i]) {
				return false
			}
		}
		return true
	case Dictionary:
		b, ok := other.Value.(Dictionary)
		if !ok || len(a.Fields) != len(b.Fields) {
			return false
		}
		for k, v := range a.Fields {
			bv, ok := b.Fields[k]
			if !ok || !v.Equal(bv) {
				return false
			}
		}
		return true
	case Call:
		b, ok := other.Value.(Call)
		if !ok || a.Name != b.Name || len(a.Args) != len(b.Args) {
			return false
		}
		for i := range a.Args {
			if !a.Args[i].Equal(b.Args[i]) {
				return false
			}
		}
		return true
	case Expression:
		b, ok := other.Value.(Expression)
		if !ok || a.Operator != b.Operator || len(a.Args) != len(b.Args) {
			return false
		}
		for i := range a.Args {
			if !a.Args[i].Equal(b.Args[i]) {
				return false
			}
		}
		return true
	case ExternalInstance:
		b, ok := other.Value.(ExternalInstance)
		return ok && a.InstanceID == b.InstanceID
	default:
		return false
	}
}

func numbersEqual(a, b Number) bool {
	af, bf := a.AsFloat(), b.AsFloat()
	if math.IsNaN(af) || math.IsNaN(bf) {
		return false
	}
	if !a.IsFloat && !b.IsFloat {
		return a.I == b.I
	}
	return af == bf
}

// Visitor is called by Walk for every term in a pre-order, then
// post-order traversal of a term tree.
type Visitor struct {
	Pre  func(Term)
	Post func(Term)
}

// Walk traverses t and its children, invoking v.Pre before descending
// and v.Post after. Either hook may be nil.
func Walk(t Term, v Visitor) {
	if v.Pre != nil {
		v.Pre(t)
	}
	switch val := t.Value.(type) {
	case List:
		for _, item := range val.Items {
			Walk(item, v)
		}
	case Dictionary:
		for _, k := range sortedKeys(val.Fields) {
			Walk(val.Fields[k], v)
		}
	case Call:
		for _, a := range val.Args {
			Walk(a, v)
		}
	case Expression:
		for _, a := range val.Args {
			Walk(a, v)
		}
	case Pattern:
		for _, k := range sortedKeys(val.Fields) {
			Walk(val.Fields[k], v)
		}
	}
	if v.Post != nil {
		v.Post(t)
	}
}
