package polar

import "testing"

func TestUnifyListsElementwise(t *testing.T) {
	env := NewBindings()
	ok, pending := unify(Lst(Int(1), Int(2), Int(3)), Lst(Int(1), Int(2), Int(3)), env)
	if pending != nil || !ok {
		t.Fatalf("expected identical lists to unify, got ok=%v pending=%v", ok, pending)
	}

	env2 := NewBindings()
	ok2, _ := unify(Lst(Int(1), Int(2)), Lst(Int(1), Int(3)), env2)
	if ok2 {
		t.Fatal("expected differing lists to fail to unify")
	}
}

func TestUnifyRestVariableBindsTail(t *testing.T) {
	env := NewBindings()
	ok, pending := unify(Lst(Int(1), Rest("rest")), Lst(Int(1), Int(2), Int(3)), env)
	if pending != nil || !ok {
		t.Fatalf("expected rest-variable unification to succeed, got ok=%v pending=%v", ok, pending)
	}
	rest, bound := env.Lookup("rest")
	if !bound {
		t.Fatal("expected rest to be bound")
	}
	want := Lst(Int(2), Int(3))
	if !rest.Equal(want) {
		t.Fatalf("rest = %s, want %s", rest, want)
	}
}

func TestUnifyDictionaryByFieldSet(t *testing.T) {
	env := NewBindings()
	a := Dict(map[string]Term{"x": Int(1), "y": Int(2)})
	b := Dict(map[string]Term{"y": Int(2), "x": Int(1)})
	ok, pending := unify(a, b, env)
	if pending != nil || !ok {
		t.Fatalf("expected field-order-independent dictionaries to unify, got ok=%v pending=%v", ok, pending)
	}
}

func TestUnifyNumericPromotion(t *testing.T) {
	env := NewBindings()
	ok, _ := unify(Int(2), Float(2.0), env)
	if !ok {
		t.Fatal("expected Int(2) and Float(2.0) to unify under numeric promotion")
	}
}

func TestUnifyExternalInstanceMismatchSuspends(t *testing.T) {
	env := NewBindings()
	ok, pending := unify(External(1), External(2), env)
	if ok {
		t.Fatal("expected mismatched instance IDs to not unify outright")
	}
	if pending == nil {
		t.Fatal("expected a PendingExternalEq for mismatched instance IDs")
	}
}

func TestUnifyExternalInstanceSameIDSucceeds(t *testing.T) {
	env := NewBindings()
	ok, pending := unify(External(7), External(7), env)
	if pending != nil || !ok {
		t.Fatalf("expected identical instance IDs to unify without a host round trip, got ok=%v pending=%v", ok, pending)
	}
}

func TestBindingsUndoRestoresPriorState(t *testing.T) {
	env := NewBindings()
	env.Bind("x", Int(1))
	mark := env.Mark()
	env.Bind("y", Int(2))
	if _, ok := env.Lookup("y"); !ok {
		t.Fatal("expected y to be bound before Undo")
	}
	env.Undo(mark)
	if _, ok := env.Lookup("y"); ok {
		t.Fatal("expected y to be unbound after Undo")
	}
	if v, ok := env.Lookup("x"); !ok || !v.Equal(Int(1)) {
		t.Fatal("expected x to remain bound after Undo to a later mark")
	}
}

func TestBindingsDeepResolvesNestedStructure(t *testing.T) {
	env := NewBindings()
	env.Bind("x", Int(1))
	nested := Lst(Var("x"), Dict(map[string]Term{"k": Var("x")}))
	resolved := env.Deep(nested)
	want := Lst(Int(1), Dict(map[string]Term{"k": Int(1)}))
	if !resolved.Equal(want) {
		t.Fatalf("Deep(%s) = %s, want %s", nested, resolved, want)
	}
}
