package polar

import (
	"fmt"

	hclog "github.com/hashicorp/go-hclog"
)

// maxGoalDepth bounds the goal stack so a runaway rule (infinite
// recursion with no base case) fails with a Runtime error instead of
// exhausting memory. Configurable via EngineOption.
const defaultMaxGoalDepth = 1 << 16

// goal is the sealed set of operations the VM's single-step loop knows
// how to run. Like Term and QueryEvent, dispatch is by type switch in
// one place (vm.step) rather than by a method per variant.
type goal interface {
	isGoal()
}

// goalQuery carries the cut barrier in effect for term: the choice-stack
// depth a bare Cut inside term (or any And/Or nested under it) commits
// back to. Only rule dispatch (goalLookup) introduces a new barrier, for
// the body of whichever rule alternative it selects; And/Or propagate
// the barrier of their parent unchanged, which is what makes `cut`
// inside a conjunction or disjunction refer to the rule's own choice
// point rather than some accidental inner one.
type goalQuery struct {
	term       Term
	cutBarrier int
}
type goalLookup struct {
	call       Call
	cutBarrier int
}
type goalResumeExternalEq struct {
	pending *PendingExternalEq
}
type goalNotBarrier struct{ trailMark, choiceMark int }

func (goalQuery) isGoal()            {}
func (goalLookup) isGoal()           {}
func (goalResumeExternalEq) isGoal() {}
func (goalNotBarrier) isGoal()       {}

func queryGoal(term Term, cutBarrier int) goal {
	return goalQuery{term: term, cutBarrier: cutBarrier}
}

// choicePoint is a saved alternative-selection point: everything needed
// to resume with the next untried alternative.
type choicePoint struct {
	alternatives [][]goal // remaining alternative goal-lists, most-specific-first
	trailMark    int
	goalsSnap    []goal // the goal stack as it was just before this choice committed
	cutBarrier   int    // choice-stack depth a Cut inside this choice's body commits back to
}

// pendingCall records what the VM was doing when it suspended for a
// host answer, keyed by call_id so a reply can resume the right
// continuation.
type pendingCall struct {
	kind      pendingKind
	onBoolean func(vm *VM, answer bool)
	onTerm    func(vm *VM, answer *Term) // nil answer == no (more) results
}

type pendingKind int

const (
	pendingUnifyExternal pendingKind = iota
	pendingIsa
	pendingIsSubSpecializer
	pendingIsSubclass
	pendingExternalCallAttr
	pendingExternalOp
)

// VM is one query's Polar virtual machine: goal stack, choice-point
// stack, and binding trail, stepped one goal at a time. It never blocks
// — running it either makes progress, produces a Result/Done event, or
// suspends by returning a host-callback event.
type VM struct {
	kb  *KnowledgeBase
	env *Bindings

	goals   []goal
	choices []choicePoint

	pending    map[uint64]*pendingCall
	callIDs    *counter
	instanceID *counter

	topLevelVars []string // variable names to report in Result bindings
	strict       bool     // dispatching an undefined rule name errors instead of failing
	maxGoalDepth int

	// appErr holds the most recent host-reported application error, if
	// the branch it failed never finds another solution: Run surfaces it
	// as the query's terminal error instead of a plain Done. A later
	// Result clears it, since a different branch succeeding means the
	// application error didn't actually sink the query.
	appErr *PolarError

	log      hclog.Logger
	messages *MessageQueue

	// done is set once the query has exhausted every choice point and
	// emitted its final Done.
	done bool
	// atSuccess is set when the goal stack just emptied out (every
	// conjunct succeeded) and a Result was handed back; the next Run
	// call must backtrack before doing anything else, since emptying
	// the goal stack means "this branch succeeded", not "try again".
	atSuccess bool
}

// NewVM constructs a VM ready to evaluate goal against kb.
func NewVM(kb *KnowledgeBase, log hclog.Logger) *VM {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &VM{
		kb:           kb,
		env:          NewBindings(),
		pending:      make(map[uint64]*pendingCall),
		callIDs:      newCounter(),
		instanceID:   kb.ids,
		maxGoalDepth: defaultMaxGoalDepth,
		log:          log.Named("vm"),
		messages:     newMessageQueue(),
	}
}

// PushQuery pushes term as the next goal to run, typically the
// top-level Call a Query wraps. It has no enclosing rule, so a bare Cut
// at this level commits back to the state of the choice stack at the
// time it runs.
func (vm *VM) PushQuery(term Term) {
	vm.push(goalQuery{term: term, cutBarrier: len(vm.choices)})
}

// Bind pre-binds a top-level variable before the first Step.
func (vm *VM) Bind(name string, value Term) {
	vm.env.Bind(name, value)
}

func (vm *VM) push(g goal) {
	vm.goals = append(vm.goals, g)
}

func (vm *VM) pushAll(gs []goal) {
	vm.goals = append(vm.goals, gs...)
}

func (vm *VM) nextCallID() uint64 { return vm.callIDs.Next() }

// snapshotGoals copies the current goal stack for storage in a choice
// point: an alternative resumes from exactly this stack, so a choice
// point records it in full rather than relying on the live stack still
// looking the same by the time Backtrack runs.
func (vm *VM) snapshotGoals() []goal {
	snap := make([]goal, len(vm.goals))
	copy(snap, vm.goals)
	return snap
}

// pushChoiceRaw records a choice point without trying any alternative
// itself, leaving the caller to push whatever goals should run first
// (used when the "first attempt" isn't just alternatives[0], e.g.
// pushNegation, which runs the negated goal before ever consulting the
// catch alternative).
func (vm *VM) pushChoiceRaw(alternatives [][]goal) {
	vm.choices = append(vm.choices, choicePoint{
		alternatives: alternatives,
		trailMark:    vm.env.Mark(),
		goalsSnap:    vm.snapshotGoals(),
		cutBarrier:   len(vm.choices),
	})
}

// pushChoice records a choice point whose alternatives are goal-lists to
// try in order, most-specific/first-declared first, and immediately
// commits to the first one — the rest remain on the choice point for a
// future Backtrack. The goal stack at the moment of the choice (not
// including any alternative) is captured so Backtrack can restore it
// exactly.
func (vm *VM) pushChoice(alternatives [][]goal) {
	if len(alternatives) == 0 {
		vm.fail()
		return
	}
	first := alternatives[0]
	vm.pushChoiceRaw(alternatives[1:])
	vm.pushAll(first)
}

// fail abandons the current branch and backtracks to the nearest choice
// point with an untried alternative. It returns false if there is
// nothing left to backtrack to (the whole query has failed).
func (vm *VM) fail() bool {
	for len(vm.choices) > 0 {
		cp := &vm.choices[len(vm.choices)-1]
		vm.env.Undo(cp.trailMark)
		if len(cp.alternatives) == 0 {
			vm.choices = vm.choices[:len(vm.choices)-1]
			continue
		}
		next := cp.alternatives[0]
		cp.alternatives = cp.alternatives[1:]
		vm.goals = append(append([]goal(nil), cp.goalsSnap...), next...)
		if len(cp.alternatives) == 0 {
			vm.choices = vm.choices[:len(vm.choices)-1]
		}
		return true
	}
	// No choice point left to retry: this branch, and every alternative
	// to it, is exhausted. Mark done here rather than just clearing
	// goals, since an empty goal stack otherwise means "the conjunction
	// just succeeded" to Run's main loop — fail() must not leave that
	// ambiguous for callers (pendingCall closures, ApplicationError)
	// that call it directly, outside Run's own backtrack handling.
	vm.goals = nil
	vm.done = true
	return false
}

// cut discards every choice point pushed since the enclosing rule
// invocation's choice was made, committing to the current branch.
func (vm *VM) cut(toDepth int) {
	if toDepth < len(vm.choices) {
		vm.choices = vm.choices[:toDepth]
	}
}

// Run steps the VM until it produces a Result, a Done, or a host
// callback event, or returns an error for an unrecoverable failure that
// aborts the whole query rather than just the current branch.
func (vm *VM) Run() (QueryEvent, error) {
	for {
		if vm.done {
			// fail() sets done directly once every choice point is
			// exhausted, from wherever it was called; an application
			// error that was never superseded by a later Result is the
			// query's terminal error instead of a plain Done.
			if vm.appErr != nil {
				err := vm.appErr
				vm.appErr = nil
				return QueryEvent{}, err
			}
			return QueryEvent{Value: EventDone{}}, nil
		}
		if vm.atSuccess {
			vm.atSuccess = false
			vm.fail()
			continue
		}
		if len(vm.goals) == 0 {
			vm.atSuccess = true
			// A solution was found down this branch, so whatever
			// application error sank an earlier branch no longer sinks
			// the query as a whole.
			vm.appErr = nil
			return QueryEvent{Value: EventResult{Bindings: vm.env.TopLevelBindings(vm.topLevelVars)}}, nil
		}
		if len(vm.goals) > vm.maxGoalDepth {
			return QueryEvent{}, errStackOverflow(vm.maxGoalDepth)
		}

		g := vm.goals[len(vm.goals)-1]
		vm.goals = vm.goals[:len(vm.goals)-1]

		ev, suspended, err := vm.step(g)
		if err != nil {
			return QueryEvent{}, err
		}
		if suspended {
			return ev, nil
		}
	}
}

// step executes exactly one goal. It returns either a host-callback
// QueryEvent to hand back to the caller (suspended == true: a host reply
// is required before Run can continue), or no event at all (suspended ==
// false), meaning the loop should keep going. Results are produced by Run
// itself when the goal stack empties, never by step.
func (vm *VM) step(g goal) (QueryEvent, bool, error) {
	switch gv := g.(type) {
	case goalQuery:
		return vm.stepQueryWithBarrier(gv.term, gv.cutBarrier)
	case goalLookup:
		return vm.stepLookup(gv.call, gv.cutBarrier)
	case goalResumeExternalEq:
		return vm.stepResumeExternalEq(gv.pending)
	case goalNotBarrier:
		return vm.stepNotBarrier(gv)
	case goalLookupFilter:
		return vm.stepLookupFilter(gv.state)
	case goalSpecificitySort:
		return vm.stepSpecificitySort(gv.state)
	default:
		return QueryEvent{}, false, fmt.Errorf("polar: unknown goal %T", g)
	}
}

// succeed is the common case of a goal finishing without producing an
// event or failing: nothing more to do for this step, just let the loop
// pick up whatever's next on the goal stack.
func (vm *VM) succeed() (QueryEvent, bool, error) { return QueryEvent{}, false, nil }

func (vm *VM) failStep() (QueryEvent, bool, error) {
	vm.fail()
	return QueryEvent{}, false, nil
}

func (vm *VM) suspend(ev QueryEvent) (QueryEvent, bool, error) {
	return ev, true, nil
}

// AnswerQuestion resolves a boolean host answer (question_result) for a
// previously suspended ExternalIsa/ExternalIsSubSpecializer/
// ExternalIsSubclass/ExternalOp request. It only updates internal goal
// and choice state; the caller must invoke Run again to continue.
func (vm *VM) AnswerQuestion(callID uint64, answer bool) error {
	p, ok := vm.pending[callID]
	if !ok {
		return errInvalidCallID(callID)
	}
	if p.onBoolean == nil {
		return errUnexpectedAnswerKind(callID)
	}
	delete(vm.pending, callID)
	p.onBoolean(vm, answer)
	return nil
}

// AnswerCall resolves one ExternalCall/MakeExternal-adjacent term answer
// (call_result). answer == nil signals the host has no (more) results.
func (vm *VM) AnswerCall(callID uint64, answer *Term) error {
	p, ok := vm.pending[callID]
	if !ok {
		return errInvalidCallID(callID)
	}
	if p.onTerm == nil {
		return errUnexpectedAnswerKind(callID)
	}
	delete(vm.pending, callID)
	p.onTerm(vm, answer)
	return nil
}

// ApplicationError aborts the current branch with a host-reported
// error. It fails the branch rather than returning immediately, since a
// different choice point may still produce a Result; if the query
// instead runs out of alternatives with no further Result in between,
// Run surfaces this as the query's terminal error instead of a plain
// Done.
func (vm *VM) ApplicationError(message string) {
	vm.log.Warn("application error", "message", message)
	vm.appErr = errApplication(message)
	vm.fail()
}
