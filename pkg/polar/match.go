package polar

// primitiveClassOf reports which built-in class tag (if any) a Term
// belongs to directly. Number belongs to both "Integer"/"Float"
// (whichever matches its representation) and the supertype "Number".
func primitiveClassOf(t Term) (tags []string) {
	switch v := t.Value.(type) {
	case Number:
		if v.IsFloat {
			return []string{"Float", "Number"}
		}
		return []string{"Integer", "Number"}
	case Boolean:
		return []string{"Boolean"}
	case PString:
		return []string{"String"}
	case List:
		return []string{"List"}
	case Dictionary:
		return []string{"Dictionary"}
	default:
		return nil
	}
}

// isaPrimitive decides isa(t, classTag) when classTag names one of the
// built-in primitive classes and t is not an ExternalInstance. known is
// false when classTag isn't a recognized primitive tag at all, in which
// case the caller must fall back to a host ExternalIsa (for a
// user-registered class) — this function never needs to suspend.
func isaPrimitive(t Term, classTag string) (matches bool, known bool) {
	switch classTag {
	case "Integer", "Float", "Number", "Boolean", "String", "List", "Dictionary":
		known = true
	default:
		return false, false
	}
	for _, tag := range primitiveClassOf(t) {
		if tag == classTag {
			return true, true
		}
	}
	return false, true
}

// matchDictFields checks a Dictionary pattern's fields against a plain
// Dictionary term: every named field must be present and unify.
// An ExternalInstance's attributes are not fetched for pattern
// matching: isaSync (lookup.go) decides a pattern against an
// ExternalInstance by its tag alone.
func matchDictFields(fields map[string]Term, against Dictionary, env *Bindings) bool {
	for k, want := range fields {
		have, ok := against.Fields[k]
		if !ok {
			return false
		}
		ok2, pending := unify(want, have, env)
		if pending != nil {
			// A field value was itself a mismatched pair of external
			// instances; without a suspension point available here this
			// degrades to "no match" rather than silently guessing. VM
			// callers that can suspend should prefer unifying fields via
			// goals instead of this helper when externals are possible.
			return false
		}
		if !ok2 {
			return false
		}
	}
	return true
}

// specializerRank orders primitive specializer tags:
// Integer/Float are more specific than their supertype Number; any class
// specializer is more specific than none. Lower rank is more specific.
// Returns (-1, false) for a tag this fixed hierarchy doesn't know about
// (a registered class tag, compared instead via ExternalIsSubSpecializer).
func specializerRank(tag string) (rank int, known bool) {
	switch tag {
	case "Integer", "Float":
		return 0, true
	case "Number":
		return 1, true
	case "Boolean", "String", "List", "Dictionary":
		return 0, true
	default:
		return -1, false
	}
}
