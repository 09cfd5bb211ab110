package polar

// lookupState is the suspendable state of one rule-dispatch step: which
// candidate rule and which of its parameters is currently being tested
// against the call's arguments. Filtering can suspend on ExternalIsa
// mid-candidate, so this lives on the heap and is threaded through
// goalLookupFilter rather than being local to a single stepLookup call.
type lookupState struct {
	call       Call
	cutBarrier int
	candidates []applicableRule
	matched    []applicableRule
	idx        int
	paramIdx   int
}

type goalLookupFilter struct{ state *lookupState }

func (goalLookupFilter) isGoal() {}

// stepLookup begins dispatching call: every rule registered under its
// name with matching arity is a candidate; candidates are then filtered
// by each specialized parameter's isa check and, once filtering
// settles, ordered most-specific-first before becoming a choice point
// of alternative rule bodies.
func (vm *VM) stepLookup(call Call, cutBarrier int) (QueryEvent, bool, error) {
	generic, ok := vm.kb.Rules(call.Name)
	if !ok || len(generic.Rules) == 0 {
		if vm.strict {
			return QueryEvent{}, false, errUndefinedRule(call.Name)
		}
		// Outside strict mode an undefined rule simply has no applicable
		// alternatives: the call fails rather than aborting the query, so
		// that e.g. an `allow` rule left undefined by a policy just denies
		// instead of erroring out every query that reaches it.
		return vm.failStep()
	}
	state := &lookupState{call: call, cutBarrier: cutBarrier}
	for i, r := range generic.Rules {
		if r.Arity() == len(call.Args) {
			state.candidates = append(state.candidates, applicableRule{rule: r, index: i})
		}
	}
	return vm.stepLookupFilter(state)
}

func (vm *VM) stepLookupFilter(state *lookupState) (QueryEvent, bool, error) {
	for state.idx < len(state.candidates) {
		cand := state.candidates[state.idx]
		rule := cand.rule
		failed := false
		for state.paramIdx < len(rule.Params) {
			param := rule.Params[state.paramIdx]
			if param.Specializer == nil {
				state.paramIdx++
				continue
			}
			argTerm := vm.env.Walk(state.call.Args[state.paramIdx])
			res := isaSync(argTerm, *param.Specializer, vm.env, vm.kb)
			if res.needsHost {
				callID := vm.nextCallID()
				st := state
				vm.pending[callID] = &pendingCall{
					kind: pendingIsa,
					onBoolean: func(vm *VM, answer bool) {
						if answer {
							st.paramIdx++
						} else {
							st.idx++
							st.paramIdx = 0
						}
						vm.push(goalLookupFilter{state: st})
					},
				}
				return vm.suspend(QueryEvent{Value: EventExternalIsa{
					CallID: callID, Instance: argTerm, ClassTag: res.classTag,
				}})
			}
			if !res.match {
				failed = true
				break
			}
			state.paramIdx++
		}
		if failed {
			state.idx++
			state.paramIdx = 0
			continue
		}
		state.matched = append(state.matched, cand)
		state.idx++
		state.paramIdx = 0
	}
	return vm.finishLookup(state)
}

// finishLookup hands the matched candidates to the specificity sort.
// Sorting can itself suspend — two rules specializing on distinct
// registered class tags are ordered by a host ExternalIsSubSpecializer
// round trip — so ordering proceeds as its own resumable step
// (stepSpecificitySort) rather than a single synchronous sort call.
func (vm *VM) finishLookup(state *lookupState) (QueryEvent, bool, error) {
	if len(state.matched) == 0 {
		return vm.failStep()
	}
	return vm.stepSpecificitySort(&sortState{call: state.call, matched: state.matched, i: 1, j: 1})
}

// sortState is the suspendable state of an insertion sort over matched
// candidates: insertion sort is used (rather than sort.SliceStable,
// which needs a synchronous comparator) because it only ever compares
// adjacent elements, so one ExternalIsSubSpecializer round trip settles
// one adjacent pair without needing to know the full ordering up front.
// i/j are the outer/inner indices of the classic algorithm; paramIdx
// resumes a multi-parameter rule comparison after a host answer settles
// the parameter that prompted it.
type sortState struct {
	call     Call
	matched  []applicableRule
	i, j     int
	paramIdx int
}

type goalSpecificitySort struct{ state *sortState }

func (goalSpecificitySort) isGoal() {}

func (vm *VM) stepSpecificitySort(state *sortState) (QueryEvent, bool, error) {
	for state.i < len(state.matched) {
		if state.j == 0 {
			state.i++
			state.j = state.i
			state.paramIdx = 0
			continue
		}
		outcome := compareRuleSpecificityStep(state.matched[state.j], state.matched[state.j-1], vm.kb, state.paramIdx)
		if outcome.needsHost {
			callID := vm.nextCallID()
			st := state
			resumeParamIdx := outcome.nextParamIdx
			var instanceID uint64
			if ext, ok := vm.env.Walk(state.call.Args[outcome.nextParamIdx-1]).Value.(ExternalInstance); ok {
				instanceID = ext.InstanceID
			}
			vm.pending[callID] = &pendingCall{
				kind: pendingIsSubSpecializer,
				onBoolean: func(vm *VM, answer bool) {
					if answer {
						st.matched[st.j], st.matched[st.j-1] = st.matched[st.j-1], st.matched[st.j]
						st.j--
						st.paramIdx = 0
					} else {
						st.paramIdx = resumeParamIdx
					}
					vm.push(goalSpecificitySort{state: st})
				},
			}
			return vm.suspend(QueryEvent{Value: EventExternalIsSubSpecializer{
				CallID:        callID,
				InstanceID:    instanceID,
				LeftClassTag:  outcome.leftTag,
				RightClassTag: outcome.rightTag,
			}})
		}
		if outcome.cmp < 0 {
			state.matched[state.j], state.matched[state.j-1] = state.matched[state.j-1], state.matched[state.j]
			state.j--
			state.paramIdx = 0
			continue
		}
		state.j = 0
	}
	return vm.finishSortedLookup(state)
}

// finishSortedLookup turns the now-ordered candidates into a choice
// point of rule-body alternatives, most-specific-first. cutBarrier is
// the choice-stack depth as it stands right before the new choice point
// is pushed: a Cut inside the chosen alternative's body commits back to
// exactly this depth, discarding the sibling-clause choice point (and
// anything nested under it) without also discarding choice points that
// existed before this rule dispatch began.
func (vm *VM) finishSortedLookup(state *sortState) (QueryEvent, bool, error) {
	cutBarrier := len(vm.choices)

	alts := make([][]goal, len(state.matched))
	for i, cand := range state.matched {
		alts[i] = []goal{vm.buildRuleInvocation(state.call, cand.rule, cutBarrier)}
	}
	vm.pushChoice(alts)
	return vm.succeed()
}

// buildRuleInvocation alpha-renames rule's parameters and body with
// fresh variable names (so one rule's local variables never collide
// with a caller's, or with another alternative's), then returns a
// single goal that unifies each call argument against the corresponding
// renamed parameter before running the renamed body.
func (vm *VM) buildRuleInvocation(call Call, rule Rule, cutBarrier int) goal {
	mapping := make(map[string]string)
	conjuncts := make([]Term, 0, len(rule.Params)+1)
	for i, param := range rule.Params {
		renamed := renameVar(param.Binding, mapping, vm.kb)
		conjuncts = append(conjuncts, Expr(OpUnify, call.Args[i], Var(renamed)))
	}
	body := rewriteVars(rule.Body, mapping, vm.kb)
	conjuncts = append(conjuncts, body)
	return queryGoal(Expr(OpAnd, conjuncts...), cutBarrier)
}

func renameVar(name string, mapping map[string]string, kb *KnowledgeBase) string {
	if fresh, ok := mapping[name]; ok {
		return fresh
	}
	fresh := kb.Gensym(name)
	mapping[name] = fresh
	return fresh
}

// rewriteVars recursively substitutes every Variable/RestVariable name
// in t per mapping, generating a fresh name on first encounter and
// reusing it for every later occurrence of the same source name within
// this one rewrite (so two uses of `x` in a rule body still refer to
// the same renamed variable).
func rewriteVars(t Term, mapping map[string]string, kb *KnowledgeBase) Term {
	switch v := t.Value.(type) {
	case Variable:
		return Var(renameVar(v.Name, mapping, kb))
	case RestVariable:
		return Rest(renameVar(v.Name, mapping, kb))
	case List:
		items := make([]Term, len(v.Items))
		for i, it := range v.Items {
			items[i] = rewriteVars(it, mapping, kb)
		}
		return Lst(items...)
	case Dictionary:
		fields := make(map[string]Term, len(v.Fields))
		for k, val := range v.Fields {
			fields[k] = rewriteVars(val, mapping, kb)
		}
		return Dict(fields)
	case Call:
		args := make([]Term, len(v.Args))
		for i, a := range v.Args {
			args[i] = rewriteVars(a, mapping, kb)
		}
		return newTerm(Call{Name: v.Name, Args: args, Kwargs: v.Kwargs})
	case Expression:
		args := make([]Term, len(v.Args))
		for i, a := range v.Args {
			args[i] = rewriteVars(a, mapping, kb)
		}
		return newTerm(Expression{Operator: v.Operator, Args: args})
	case Pattern:
		fields := make(map[string]Term, len(v.Fields))
		for k, val := range v.Fields {
			fields[k] = rewriteVars(val, mapping, kb)
		}
		return newTerm(Pattern{InstanceTag: v.InstanceTag, Fields: fields})
	default:
		return t
	}
}

// isaResult is the outcome of a (possibly host-dependent) isa check.
type isaResult struct {
	match     bool
	needsHost bool
	classTag  string
}

// isaSync decides isa(t, spec) without suspending whenever possible,
// reporting needsHost when t is an ExternalInstance and spec names a
// class the fixed primitive hierarchy doesn't know about.
func isaSync(t Term, spec Term, env *Bindings, kb *KnowledgeBase) isaResult {
	switch sv := spec.Value.(type) {
	case Symbol:
		if matches, known := isaPrimitive(t, sv.Name); known {
			return isaResult{match: matches}
		}
		if _, ok := t.Value.(ExternalInstance); ok {
			return isaResult{needsHost: true, classTag: sv.Name}
		}
		return isaResult{match: false}
	case Pattern:
		if sv.InstanceTag != "" {
			tagRes := isaSync(t, Sym(sv.InstanceTag), env, kb)
			if tagRes.needsHost || !tagRes.match {
				return tagRes
			}
		}
		if dict, ok := t.Value.(Dictionary); ok {
			return isaResult{match: matchDictFields(sv.Fields, dict, env)}
		}
		// A fielded pattern matched against an ExternalInstance narrows
		// to the tag check above; per-field attribute fetches would each
		// need their own ExternalCall round trip, which the concrete
		// scenarios this engine is built against never exercise (they
		// specialize on bare class tags), so it is treated as matching
		// once the tag itself matches.
		if _, ok := t.Value.(ExternalInstance); ok || len(sv.Fields) == 0 {
			return isaResult{match: true}
		}
		return isaResult{match: false}
	default:
		return isaResult{match: false}
	}
}

func (vm *VM) stepIsa(a, b Term) (QueryEvent, bool, error) {
	left := vm.env.Walk(a)
	res := isaSync(left, vm.env.Walk(b), vm.env, vm.kb)
	if res.needsHost {
		callID := vm.nextCallID()
		vm.pending[callID] = &pendingCall{
			kind: pendingIsa,
			onBoolean: func(vm *VM, answer bool) {
				if !answer {
					vm.fail()
				}
			},
		}
		return vm.suspend(QueryEvent{Value: EventExternalIsa{CallID: callID, Instance: left, ClassTag: res.classTag}})
	}
	return asBoolGoal(res.match, vm)
}

// unboundVariableIn reports the name of the first unbound Variable
// reachable at t's top level (after Deep resolution, so this only fires
// when nothing in the environment binds it to a value at all), for
// callers that require a fully resolved value and would otherwise
// mistake "unbound" for the wrong-type case.
func unboundVariableIn(t Term) (string, bool) {
	if v, ok := t.Value.(Variable); ok {
		return v.Name, true
	}
	return "", false
}

func (vm *VM) stepCompare(op Operator, a, b Term) (QueryEvent, bool, error) {
	left := vm.env.Deep(a)
	right := vm.env.Deep(b)
	if name, unbound := unboundVariableIn(left); unbound {
		return QueryEvent{}, false, errUnboundVariable(name)
	}
	if name, unbound := unboundVariableIn(right); unbound {
		return QueryEvent{}, false, errUnboundVariable(name)
	}
	_, lExt := left.Value.(ExternalInstance)
	_, rExt := right.Value.(ExternalInstance)
	if lExt && rExt {
		callID := vm.nextCallID()
		vm.pending[callID] = &pendingCall{
			kind: pendingExternalOp,
			onBoolean: func(vm *VM, answer bool) {
				if !answer {
					vm.fail()
				}
			},
		}
		return vm.suspend(QueryEvent{Value: EventExternalOp{CallID: callID, Operator: op, Args: []Term{left, right}}})
	}
	ln, lok := left.Value.(Number)
	rn, rok := right.Value.(Number)
	if !lok || !rok {
		return QueryEvent{}, false, errTypeMismatch(op, left, right)
	}
	lf, rf := ln.AsFloat(), rn.AsFloat()
	var result bool
	switch op {
	case OpLt:
		result = lf < rf
	case OpLe:
		result = lf <= rf
	case OpGt:
		result = lf > rf
	case OpGe:
		result = lf >= rf
	}
	return asBoolGoal(result, vm)
}

func (vm *VM) stepArith(op Operator, a, b, result Term) (QueryEvent, bool, error) {
	left := vm.env.Deep(a)
	right := vm.env.Deep(b)
	if name, unbound := unboundVariableIn(left); unbound {
		return QueryEvent{}, false, errUnboundVariable(name)
	}
	if name, unbound := unboundVariableIn(right); unbound {
		return QueryEvent{}, false, errUnboundVariable(name)
	}
	ln, lok := left.Value.(Number)
	rn, rok := right.Value.(Number)
	if !lok || !rok {
		return QueryEvent{}, false, errTypeMismatch(op, left, right)
	}
	useFloat := ln.IsFloat || rn.IsFloat
	var out Term
	switch op {
	case OpAdd:
		if useFloat {
			out = Float(ln.AsFloat() + rn.AsFloat())
		} else {
			out = Int(ln.I + rn.I)
		}
	case OpSub:
		if useFloat {
			out = Float(ln.AsFloat() - rn.AsFloat())
		} else {
			out = Int(ln.I - rn.I)
		}
	case OpMul:
		if useFloat {
			out = Float(ln.AsFloat() * rn.AsFloat())
		} else {
			out = Int(ln.I * rn.I)
		}
	case OpDiv:
		if useFloat {
			if rn.AsFloat() == 0 {
				return QueryEvent{}, false, errDivideByZero()
			}
			out = Float(ln.AsFloat() / rn.AsFloat())
		} else {
			if rn.I == 0 {
				return QueryEvent{}, false, errDivideByZero()
			}
			out = Int(ln.I / rn.I)
		}
	case OpMod:
		if useFloat {
			return QueryEvent{}, false, errTypeMismatch(op, left, right)
		}
		if rn.I == 0 {
			return QueryEvent{}, false, errDivideByZero()
		}
		out = Int(ln.I % rn.I)
	}
	return vm.stepUnify(result, out)
}

// stepIn implements `x in collection`, a generator over List membership:
// one alternative per element that unifies, so backtracking yields every
// matching element in order.
func (vm *VM) stepIn(x, collection Term) (QueryEvent, bool, error) {
	coll := vm.env.Walk(collection)
	list, ok := coll.Value.(List)
	if !ok {
		return QueryEvent{}, false, newError(KindRuntime, "right-hand side of 'in' is not a list: %s", coll)
	}
	if len(list.Items) == 0 {
		return vm.failStep()
	}
	alts := make([][]goal, len(list.Items))
	for i, item := range list.Items {
		alts[i] = []goal{queryGoal(Expr(OpUnify, x, item), 0)}
	}
	vm.pushChoice(alts)
	return vm.succeed()
}

// stepNew constructs an external instance: the core mints the instance
// ID itself and emits a fire-and-forget MakeExternal, then immediately
// binds result so later goals in the same body can reference the
// instance without waiting on a host reply — the host only has to have
// materialized it by the time anything else references it.
func (vm *VM) stepNew(result, constructor Term) (QueryEvent, bool, error) {
	ctor := vm.env.Deep(constructor)
	id := vm.kb.NewID()
	inst := newTerm(ExternalInstance{InstanceID: id, Constructor: &ctor})
	ok, pending := unify(result, inst, vm.env)
	if pending != nil || !ok {
		return QueryEvent{}, false, newError(KindRuntime, "cannot bind New result to %s", result)
	}
	return vm.suspend(QueryEvent{Value: EventMakeExternal{InstanceID: id, Constructor: ctor}})
}

func (vm *VM) stepAssign(target, value Term) (QueryEvent, bool, error) {
	walked := vm.env.Walk(target)
	if _, isVar := walked.Value.(Variable); !isVar {
		return QueryEvent{}, false, newError(KindRuntime, "cannot assign to a non-variable %s", target)
	}
	return vm.stepUnify(target, value)
}

// stepDot implements attribute access and method calls on instance via a
// host ExternalCall, binding result to whatever the host answers.
// Dot(instance, "name", result) is a plain attribute fetch; when attr is
// itself a Call term, its name and (deep-resolved) arguments become a
// method call instead. Only the single-answer case is supported: a
// host-side generator method that streams multiple call_results for one
// call_id is out of scope (see DESIGN.md).
func (vm *VM) stepDot(instance, attr, result Term) (QueryEvent, bool, error) {
	inst := vm.env.Walk(instance)
	var name string
	var args []Term
	hasArgs := false
	switch a := attr.Value.(type) {
	case PString:
		name = string(a)
	case Symbol:
		name = a.Name
	case Call:
		name = a.Name
		hasArgs = true
		args = make([]Term, len(a.Args))
		for i, arg := range a.Args {
			args[i] = vm.env.Deep(arg)
		}
	default:
		return QueryEvent{}, false, newError(KindRuntime, "invalid attribute/method name %s", attr)
	}
	callID := vm.nextCallID()
	vm.pending[callID] = &pendingCall{
		kind: pendingExternalCallAttr,
		onTerm: func(vm *VM, answer *Term) {
			if answer == nil {
				vm.fail()
				return
			}
			ok, pending := unify(result, *answer, vm.env)
			if pending != nil {
				vm.push(goalResumeExternalEq{pending: pending})
				return
			}
			if !ok {
				vm.fail()
			}
		},
	}
	ev := EventExternalCall{CallID: callID, Instance: &inst, Attribute: name}
	if hasArgs {
		ev.Args = args
		ev.HasArgs = true
	}
	return vm.suspend(QueryEvent{Value: ev})
}
