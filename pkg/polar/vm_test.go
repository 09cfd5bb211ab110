package polar

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// driveToResults runs q to completion, answering any ExternalIsa/
// ExternalCall suspension from the supplied host stub, and returns every
// Result's bindings in order, requiring that a terminal Done is observed
// exactly once, last.
func driveToResults(t *testing.T, q *Query, host *hostStub) []map[string]Term {
	t.Helper()
	var results []map[string]Term
	seenDone := false
	for {
		ev, err := q.NextEvent()
		require.NoError(t, err)
		switch v := ev.Value.(type) {
		case EventResult:
			require.False(t, seenDone, "Result observed after Done")
			results = append(results, v.Bindings)
		case EventDone:
			require.False(t, seenDone, "Done observed twice")
			seenDone = true
			return results
		case EventExternalIsa:
			require.NoError(t, q.QuestionResult(v.CallID, host.isa(v.Instance, v.ClassTag)))
		case EventExternalCall:
			host.calls = append(host.calls, v)
			answer := host.attr(v.Instance, v.Attribute)
			require.NoError(t, q.CallResult(v.CallID, answer))
		case EventExternalIsSubSpecializer:
			require.NoError(t, q.QuestionResult(v.CallID, host.subSpecializer(v.LeftClassTag, v.RightClassTag)))
		case EventMakeExternal:
			// fire-and-forget: nothing to answer.
		default:
			t.Fatalf("unhandled event %T", v)
		}
	}
}

type hostStub struct {
	isaFn            func(instance Term, classTag string) bool
	attrFn           func(instance Term, attribute string) *Term
	subSpecializerFn func(leftTag, rightTag string) bool
	calls            []EventExternalCall
}

func (h hostStub) isa(instance Term, classTag string) bool {
	if h.isaFn == nil {
		return false
	}
	return h.isaFn(instance, classTag)
}

func (h hostStub) attr(instance *Term, attribute string) *Term {
	if h.attrFn == nil || instance == nil {
		return nil
	}
	return h.attrFn(*instance, attribute)
}

func (h hostStub) subSpecializer(leftTag, rightTag string) bool {
	if h.subSpecializerFn == nil {
		return false
	}
	return h.subSpecializerFn(leftTag, rightTag)
}

func newKB() *KnowledgeBase { return NewKnowledgeBase(nil) }

// desugarFact builds a Rule whose head arguments are literal values: the
// real desugaring a parser performs, `allow("alice","GET",_r)` becomes
// `allow(p0,p1,p2) if p0="alice" and p1="GET";` — the core only ever
// sees rules in this Binding+body-unify form.
func desugarFact(name string, args ...Term) Rule {
	params := make([]Parameter, len(args))
	var conjuncts []Term
	for i, a := range args {
		binding := Gensym(i)
		params[i] = Parameter{Binding: binding}
		if _, isVar := a.Value.(Variable); isVar {
			continue // an unconstrained named/anonymous parameter
		}
		conjuncts = append(conjuncts, Expr(OpUnify, Var(binding), a))
	}
	body := Bool(true)
	if len(conjuncts) > 0 {
		body = Expr(OpAnd, conjuncts...)
	}
	return Rule{Name: name, Params: params, Body: body}
}

func Gensym(i int) string {
	return "p" + string(rune('0'+i))
}

func TestSimpleMembership(t *testing.T) {
	kb := newKB()
	kb.AddRule(desugarFact("allow", Str("alice"), Str("GET"), Var("_r")))

	eng := &Engine{kb: kb, log: kb.log, maxGoalDepth: defaultMaxGoalDepth}

	ok, err := eng.IsAllowed(Str("alice"), Str("GET"), Str("x"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = eng.IsAllowed(Str("bob"), Str("GET"), Str("x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDisjunctionAndBacktracking(t *testing.T) {
	kb := newKB()
	kb.AddRule(Rule{Name: "f", Params: []Parameter{{Binding: "x"}}, Body: Expr(OpUnify, Var("x"), Int(1))})
	kb.AddRule(Rule{Name: "f", Params: []Parameter{{Binding: "x"}}, Body: Expr(OpUnify, Var("x"), Int(2))})

	q := NewQuery(kb, NewCall("f", Var("a")), nil)
	results := driveToResults(t, q, &hostStub{})

	require.Len(t, results, 2)
	require.True(t, results[0]["a"].Equal(Int(1)))
	require.True(t, results[1]["a"].Equal(Int(2)))
}

func TestAttributeLookupViaHost(t *testing.T) {
	kb := newKB()
	// allow(u, "read", r) if r.owner = u;
	body := Expr(OpAnd,
		Expr(OpUnify, Var("action"), Str("read")),
		Expr(OpDot, Var("r"), Str("owner"), Var("u")),
	)
	kb.AddRule(Rule{
		Name: "allow",
		Params: []Parameter{
			{Binding: "u"}, {Binding: "action"}, {Binding: "r"},
		},
		Body: body,
	})

	owners := map[uint64]string{42: "alice"}
	host := hostStub{
		attrFn: func(instance Term, attribute string) *Term {
			if attribute != "owner" {
				return nil
			}
			ext, ok := instance.Value.(ExternalInstance)
			if !ok {
				return nil
			}
			if owner, ok := owners[ext.InstanceID]; ok {
				v := Str(owner)
				return &v
			}
			return nil
		},
	}

	doc := External(42)

	q1 := NewQuery(kb, NewCall("allow", Str("alice"), Str("read"), doc), nil)
	results := driveToResults(t, q1, &host)
	require.Len(t, results, 1)
	require.Len(t, host.calls, 1)
	require.Equal(t, "owner", host.calls[0].Attribute)

	host2 := hostStub{attrFn: host.attrFn}
	q2 := NewQuery(kb, NewCall("allow", Str("bob"), Str("read"), doc), nil)
	results2 := driveToResults(t, q2, &host2)
	require.Empty(t, results2)
}

func TestSpecificityOrdering(t *testing.T) {
	kb := newKB()
	kb.AddRule(Rule{Name: "p", Params: []Parameter{{Binding: "x"}}, Body: Bool(true)})
	integerSpec := Sym("Integer")
	kb.AddRule(Rule{Name: "p", Params: []Parameter{{Binding: "x", Specializer: &integerSpec}}, Body: Bool(true)})
	numberSpec := Sym("Number")
	kb.AddRule(Rule{Name: "p", Params: []Parameter{{Binding: "x", Specializer: &numberSpec}}, Body: Bool(true)})

	q := NewQuery(kb, NewCall("p", Int(1)), nil)
	results := driveToResults(t, q, &hostStub{})
	require.Len(t, results, 3)
}

func TestSpecificityOrderingAsksHostForClassTagOrder(t *testing.T) {
	kb := newKB()
	require.NoError(t, kb.RegisterClass("Animal", Sym("Animal")))
	require.NoError(t, kb.RegisterClass("Dog", Sym("Dog")))

	animalSpec := Sym("Animal")
	dogSpec := Sym("Dog")
	// Declared least-specific first: the host round trip below should
	// still order Dog ahead of Animal.
	kb.AddRule(Rule{Name: "p", Params: []Parameter{{Binding: "x", Specializer: &animalSpec}}, Body: Bool(true)})
	kb.AddRule(Rule{Name: "p", Params: []Parameter{{Binding: "x", Specializer: &dogSpec}}, Body: Bool(true)})

	host := hostStub{
		isaFn: func(instance Term, classTag string) bool {
			return classTag == "Animal" || classTag == "Dog"
		},
		subSpecializerFn: func(leftTag, rightTag string) bool {
			return leftTag == "Dog" && rightTag == "Animal"
		},
	}

	q := NewQuery(kb, NewCall("p", External(1)), nil)
	results := driveToResults(t, q, &host)
	require.Len(t, results, 2)
}

func TestStrictModeErrorsOnUndefinedRule(t *testing.T) {
	kb := newKB()
	eng := &Engine{kb: kb, log: kb.log, strict: true, maxGoalDepth: defaultMaxGoalDepth}
	_, err := eng.IsAllowed(Str("alice"), Str("GET"), Str("x"))
	require.Error(t, err)
}

func TestStrictModeRejectsUnknownSpecializer(t *testing.T) {
	kb := newKB()
	unregisteredSpec := Sym("Unregistered")
	parser := stubParser{rules: []Rule{
		{Name: "p", Params: []Parameter{{Binding: "x", Specializer: &unregisteredSpec}}, Body: Bool(true)},
	}}
	eng := &Engine{kb: kb, log: kb.log, strict: true, maxGoalDepth: defaultMaxGoalDepth, parser: parser}
	err := eng.Load(Source{Filename: "policy.polar"})
	require.Error(t, err)
}

type stubParser struct {
	rules []Rule
}

func (p stubParser) Parse(Source) ([]Rule, []Term, error) { return p.rules, nil, nil }

func TestApplicationErrorSurfacesWhenNoFurtherSolution(t *testing.T) {
	kb := newKB()
	body := Expr(OpDot, Var("r"), Str("owner"), Var("u"))
	kb.AddRule(Rule{Name: "p", Params: []Parameter{{Binding: "r"}, {Binding: "u"}}, Body: body})

	q := NewQuery(kb, NewCall("p", External(1), Var("a")), nil)
	ev, err := q.NextEvent()
	require.NoError(t, err)
	_, ok := ev.Value.(EventExternalCall)
	require.True(t, ok)

	q.ApplicationError("host attribute lookup blew up")
	_, err = q.NextEvent()
	require.Error(t, err)
	var perr *PolarError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindApplication, perr.Kind)
}

func TestUnboundVariableInArithmeticErrors(t *testing.T) {
	kb := newKB()
	q := NewQuery(kb, Expr(OpAdd, Var("x"), Int(1), Var("sum")), nil)
	_, err := q.NextEvent()
	require.Error(t, err)
}

func TestCutCommitsToFirstSolution(t *testing.T) {
	kb := newKB()
	kb.AddRule(Rule{
		Name:   "q",
		Params: []Parameter{{Binding: "x"}},
		Body:   Expr(OpAnd, Expr(OpUnify, Var("x"), Int(1)), Expr(OpCut)),
	})
	kb.AddRule(Rule{Name: "q", Params: []Parameter{{Binding: "x"}}, Body: Expr(OpUnify, Var("x"), Int(2))})

	q := NewQuery(kb, NewCall("q", Var("a")), nil)
	results := driveToResults(t, q, &hostStub{})
	require.Len(t, results, 1)
	require.True(t, results[0]["a"].Equal(Int(1)))
}

func TestUnifyReflexiveAndSymmetric(t *testing.T) {
	env := NewBindings()
	ok, pending := unify(Int(5), Int(5), env)
	require.Nil(t, pending)
	require.True(t, ok)

	env1 := NewBindings()
	ok1, _ := unify(Var("x"), Int(1), env1)
	require.True(t, ok1)

	env2 := NewBindings()
	ok2, _ := unify(Int(1), Var("x"), env2)
	require.True(t, ok2)

	v1, _ := env1.Lookup("x")
	v2, _ := env2.Lookup("x")
	require.True(t, v1.Equal(v2))
}

func TestNotFailsWhenGoalSucceeds(t *testing.T) {
	kb := newKB()
	q := NewQuery(kb, Expr(OpNot, Expr(OpUnify, Int(1), Int(1))), nil)
	results := driveToResults(t, q, &hostStub{})
	require.Empty(t, results)
}

func TestNotSucceedsWhenGoalFails(t *testing.T) {
	kb := newKB()
	q := NewQuery(kb, Expr(OpNot, Expr(OpUnify, Int(1), Int(2))), nil)
	results := driveToResults(t, q, &hostStub{})
	require.Len(t, results, 1)
}

func TestForAllOverList(t *testing.T) {
	kb := newKB()
	allPositive := Expr(OpForAll,
		Expr(OpIn, Var("x"), Lst(Int(1), Int(2), Int(3))),
		Expr(OpGt, Var("x"), Int(0)),
	)
	q := NewQuery(kb, allPositive, nil)
	results := driveToResults(t, q, &hostStub{})
	require.Len(t, results, 1)

	kb2 := newKB()
	notAllPositive := Expr(OpForAll,
		Expr(OpIn, Var("x"), Lst(Int(1), Int(-2), Int(3))),
		Expr(OpGt, Var("x"), Int(0)),
	)
	q2 := NewQuery(kb2, notAllPositive, nil)
	results2 := driveToResults(t, q2, &hostStub{})
	require.Empty(t, results2)
}

func TestArithmeticAndComparison(t *testing.T) {
	kb := newKB()
	q := NewQuery(kb, Expr(OpAnd,
		Expr(OpAdd, Int(2), Int(3), Var("sum")),
		Expr(OpGe, Var("sum"), Int(5)),
	), nil)
	results := driveToResults(t, q, &hostStub{})
	require.Len(t, results, 1)
	require.True(t, results[0]["sum"].Equal(Int(5)))
}

func TestDivideByZero(t *testing.T) {
	kb := newKB()
	q := NewQuery(kb, Expr(OpDiv, Int(1), Int(0), Var("r")), nil)
	_, err := q.NextEvent()
	require.Error(t, err)
}
