package polar

// unifyPair is one outstanding (left, right) equality obligation. The
// unifier works off an explicit stack of these instead of recursing, so
// that hitting an ExternalInstance mismatch mid-structure can suspend
// the whole operation and resume it later without unwinding a Go call
// stack across the FFI boundary (design note: coroutine-style suspension
// as an explicit state machine, not stackful recursion).
type unifyPair struct {
	Left, Right Term
}

// PendingExternalEq is returned by unify when deciding whether two terms
// match requires a host ExternalOp{Eq} round trip (two ExternalInstances
// with different IDs can still be equal from the host's point of view).
// Rest holds the remaining obligations to resume with once the host
// answers.
type PendingExternalEq struct {
	Left, Right Term
	Rest        []unifyPair
}

// unify attempts to make a and b structurally equal, binding variables
// in env as needed. It returns (true, nil) on success, (false, nil) on
// definite failure, or (false, pending) when the outcome depends on a
// host ExternalOp{Eq} answer the caller must obtain and then resume via
// resumeUnify.
func unify(a, b Term, env *Bindings) (bool, *PendingExternalEq) {
	return resumeUnify([]unifyPair{{a, b}}, env)
}

// resumeUnify drains a worklist of unification obligations, as produced
// by unify or by a previous call to resumeUnify that stopped at a
// pending external-equality check.
func resumeUnify(pairs []unifyPair, env *Bindings) (bool, *PendingExternalEq) {
	for len(pairs) > 0 {
		p := pairs[len(pairs)-1]
		pairs = pairs[:len(pairs)-1]

		left := env.Walk(p.Left)
		right := env.Walk(p.Right)

		if lv, ok := left.Value.(Variable); ok {
			if rv, ok := right.Value.(Variable); ok && lv.Name == rv.Name {
				continue
			}
			env.Bind(lv.Name, right)
			continue
		}
		if rv, ok := right.Value.(Variable); ok {
			env.Bind(rv.Name, left)
			continue
		}

		lList, lIsList := left.Value.(List)
		rList, rIsList := right.Value.(List)
		if lIsList && rIsList {
			more, ok := unifyListPairs(lList.Items, rList.Items, env)
			if !ok {
				return false, nil
			}
			pairs = append(pairs, more...)
			continue
		}

		lDict, lIsDict := left.Value.(Dictionary)
		rDict, rIsDict := right.Value.(Dictionary)
		if lIsDict && rIsDict {
			if len(lDict.Fields) != len(rDict.Fields) {
				return false, nil
			}
			for k, lv := range lDict.Fields {
				rv, ok := rDict.Fields[k]
				if !ok {
					return false, nil
				}
				pairs = append(pairs, unifyPair{lv, rv})
			}
			continue
		}

		lCall, lIsCall := left.Value.(Call)
		rCall, rIsCall := right.Value.(Call)
		if lIsCall && rIsCall {
			if lCall.Name != rCall.Name || len(lCall.Args) != len(rCall.Args) {
				return false, nil
			}
			for i := range lCall.Args {
				pairs = append(pairs, unifyPair{lCall.Args[i], rCall.Args[i]})
			}
			continue
		}

		lExpr, lIsExpr := left.Value.(Expression)
		rExpr, rIsExpr := right.Value.(Expression)
		if lIsExpr && rIsExpr {
			if lExpr.Operator != rExpr.Operator || len(lExpr.Args) != len(rExpr.Args) {
				return false, nil
			}
			for i := range lExpr.Args {
				pairs = append(pairs, unifyPair{lExpr.Args[i], rExpr.Args[i]})
			}
			continue
		}

		lExt, lIsExt := left.Value.(ExternalInstance)
		rExt, rIsExt := right.Value.(ExternalInstance)
		if lIsExt && rIsExt {
			if lExt.InstanceID == rExt.InstanceID {
				continue
			}
			return false, &PendingExternalEq{Left: left, Right: right, Rest: pairs}
		}

		// Primitive kinds (Number, Boolean, PString, Symbol, RestVariable)
		// and any remaining mixed-kind comparison fall back to structural
		// Equal; anything else fails.
		if left.Equal(right) {
			continue
		}
		return false, nil
	}
	return true, nil
}

// unifyListPairs unifies two lists pairwise: equal length, elementwise
// unify, with a trailing RestVariable on either side binding
// to the tail of the other. It returns the additional obligations
// produced (everything except the rest-variable binding, which it
// performs directly since a rest-variable binds to a composite List
// term rather than to another single obligation).
func unifyListPairs(left, right []Term, env *Bindings) ([]unifyPair, bool) {
	leftRest, leftHasRest, leftPrefix := restTail(left)
	rightRest, rightHasRest, rightPrefix := restTail(right)

	switch {
	case leftHasRest && rightHasRest:
		if leftPrefix > len(right) || rightPrefix > len(left) {
			return nil, false
		}
		// Both sides have a rest variable: unify the shared prefix and
		// bind each rest variable to what remains on the other side.
		prefixLen := minInt(leftPrefix, rightPrefix)
		pairs, ok := unifyPrefix(left[:prefixLen], right[:prefixLen])
		if !ok {
			return nil, false
		}
		if leftPrefix <= rightPrefix {
			env.Bind(leftRest.Name, Lst(right[leftPrefix:]...))
		} else {
			env.Bind(rightRest.Name, Lst(left[rightPrefix:]...))
		}
		return pairs, true
	case leftHasRest:
		if leftPrefix > len(right) {
			return nil, false
		}
		pairs, ok := unifyPrefix(left[:leftPrefix], right[:leftPrefix])
		if !ok {
			return nil, false
		}
		env.Bind(leftRest.Name, Lst(right[leftPrefix:]...))
		return pairs, true
	case rightHasRest:
		if rightPrefix > len(left) {
			return nil, false
		}
		pairs, ok := unifyPrefix(left[:rightPrefix], right[:rightPrefix])
		if !ok {
			return nil, false
		}
		env.Bind(rightRest.Name, Lst(left[rightPrefix:]...))
		return pairs, true
	default:
		if len(left) != len(right) {
			return nil, false
		}
		return unifyPrefix(left, right)
	}
}

// restTail reports whether items ends in a RestVariable, returning the
// variable, whether one was found, and the number of non-rest items
// preceding it.
func restTail(items []Term) (Variable, bool, int) {
	if len(items) == 0 {
		return Variable{}, false, 0
	}
	last := items[len(items)-1]
	if rv, ok := last.Value.(RestVariable); ok {
		return Variable{Name: rv.Name}, true, len(items) - 1
	}
	return Variable{}, false, 0
}

func unifyPrefix(left, right []Term) ([]unifyPair, bool) {
	pairs := make([]unifyPair, 0, len(left))
	for i := range left {
		pairs = append(pairs, unifyPair{left[i], right[i]})
	}
	return pairs, true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
