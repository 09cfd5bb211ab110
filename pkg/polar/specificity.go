package polar

// specializerKind classifies a parameter specializer for ordering
// purposes.
type specializerKind int

const (
	specNone specializerKind = iota
	specPrimitive
	specClassTag
	specDictPattern
	specInstanceLiteral
)

func classifySpecializer(spec *Term, kb *KnowledgeBase) specializerKind {
	if spec == nil {
		return specNone
	}
	switch v := spec.Value.(type) {
	case Symbol:
		if _, known := specializerRank(v.Name); known {
			return specPrimitive
		}
		return specClassTag
	case Pattern:
		if v.InstanceTag == "" {
			return specDictPattern
		}
		return specInstanceLiteral
	default:
		return specNone
	}
}

// specificityOrder ranks specializer kinds from most specific (lowest)
// to least specific (highest), independent of any host round trip:
// an InstanceLiteral or Dictionary pattern imposes field constraints on
// top of a class match, so it outranks a bare class tag; a bare class
// tag outranks the fixed primitive hierarchy only in the sense that
// user-registered classes and primitives are never compared to each
// other directly (a rule mixing `x: Integer` and `x: MyClass` can't
// both apply to the same argument), so their relative order here only
// matters for the "beats no specializer" comparison, where both beat
// specNone equally.
func specificityOrder(k specializerKind) int {
	switch k {
	case specInstanceLiteral, specDictPattern:
		return 0
	case specClassTag:
		return 1
	case specPrimitive:
		return 1
	default:
		return 2
	}
}

// applicableRule pairs a Rule with the index it held in GenericRule.Rules
// (its declaration order), which is the tiebreaker for equally specific
// rules.
type applicableRule struct {
	rule  Rule
	index int
}

// paramCompareOutcome is the result of comparing one pair of parameter
// specializers. decided carries a definite result (cmp < 0 means a is
// more specific, cmp > 0 means b is, cmp == 0 means this parameter
// doesn't distinguish them). needsHost means the two specializers name
// distinct registered class tags (or InstanceLiteral tags), which only
// the host can order via ExternalIsSubSpecializer; nextParamIdx is where
// a resumed comparison should continue if the host answers "no" (not a
// sub-specializer), since that only ties this one parameter rather than
// deciding the whole comparison.
type paramCompareOutcome struct {
	decided      bool
	cmp          int
	needsHost    bool
	leftTag      string
	rightTag     string
	nextParamIdx int
}

// compareParamSpecializer compares a single pair of specializers without
// ever suspending; when both name distinct registered class tags it
// reports needsHost instead of guessing.
func compareParamSpecializer(a, b Parameter, kb *KnowledgeBase) paramCompareOutcome {
	ak := classifySpecializer(a.Specializer, kb)
	bk := classifySpecializer(b.Specializer, kb)

	ao, bo := specificityOrder(ak), specificityOrder(bk)
	if ao != bo {
		if ao < bo {
			return paramCompareOutcome{decided: true, cmp: -1}
		}
		return paramCompareOutcome{decided: true, cmp: 1}
	}

	switch ak {
	case specNone:
		return paramCompareOutcome{decided: true}
	case specPrimitive:
		if bk != specPrimitive {
			return paramCompareOutcome{decided: true}
		}
		aTag := a.Specializer.Value.(Symbol).Name
		bTag := b.Specializer.Value.(Symbol).Name
		ar, _ := specializerRank(aTag)
		br, _ := specializerRank(bTag)
		switch {
		case ar == br:
			return paramCompareOutcome{decided: true}
		case ar < br:
			return paramCompareOutcome{decided: true, cmp: -1}
		default:
			return paramCompareOutcome{decided: true, cmp: 1}
		}
	case specClassTag:
		if bk != specClassTag {
			return paramCompareOutcome{decided: true}
		}
		aTag := a.Specializer.Value.(Symbol).Name
		bTag := b.Specializer.Value.(Symbol).Name
		if aTag == bTag {
			return paramCompareOutcome{decided: true}
		}
		return paramCompareOutcome{needsHost: true, leftTag: aTag, rightTag: bTag}
	case specInstanceLiteral:
		if bk != specInstanceLiteral {
			return paramCompareOutcome{decided: true}
		}
		ap := a.Specializer.Value.(Pattern)
		bp := b.Specializer.Value.(Pattern)
		if ap.InstanceTag == bp.InstanceTag {
			return paramCompareOutcome{decided: true}
		}
		return paramCompareOutcome{needsHost: true, leftTag: ap.InstanceTag, rightTag: bp.InstanceTag}
	default:
		// Dictionary patterns have no tag to compare via the host; they
		// are tied on specificity and fall back to declaration order.
		return paramCompareOutcome{decided: true}
	}
}

// compareRuleSpecificityStep compares a and b parameter by parameter,
// left to right, starting at paramIdx — the resume point a previous
// ExternalIsSubSpecializer round trip left off at. A "no" answer only
// ties the one parameter that prompted it, so the scan continues
// rightward exactly as the host-free case does; a "yes" answer (or any
// other decisive parameter) ends the comparison immediately, matching
// the original single-pass semantics.
func compareRuleSpecificityStep(a, b applicableRule, kb *KnowledgeBase, paramIdx int) paramCompareOutcome {
	n := len(a.rule.Params)
	if len(b.rule.Params) < n {
		n = len(b.rule.Params)
	}
	for ; paramIdx < n; paramIdx++ {
		outcome := compareParamSpecializer(a.rule.Params[paramIdx], b.rule.Params[paramIdx], kb)
		if outcome.needsHost {
			outcome.nextParamIdx = paramIdx + 1
			return outcome
		}
		if outcome.cmp != 0 {
			return outcome
		}
	}
	if a.index < b.index {
		return paramCompareOutcome{decided: true, cmp: -1}
	}
	if a.index > b.index {
		return paramCompareOutcome{decided: true, cmp: 1}
	}
	return paramCompareOutcome{decided: true}
}
