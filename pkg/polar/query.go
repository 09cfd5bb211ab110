package polar

import (
	hclog "github.com/hashicorp/go-hclog"
	uuid "github.com/google/uuid"
)

// Runnable is the suspend/resume surface a query driver needs from
// whatever is actually evaluating goals. VM is the only Runnable this
// package ships, but keeping Query built against the interface (rather
// than a concrete *VM) leaves room for a trivial constant-result
// Runnable — e.g. a future short-circuit for a statically-known
// `allow` outcome — without teaching Query a second code path.
type Runnable interface {
	Run() (QueryEvent, error)
	AnswerCall(callID uint64, answer *Term) error
	AnswerQuestion(callID uint64, answer bool) error
	ApplicationError(message string)
}

// Query drives one Runnable through a single top-level call, exposing
// the suspend/resume surface a host binding drives: pull events with
// NextEvent, answer suspensions, drain messages.
type Query struct {
	// ID correlates this query's log lines and diagnostics across a
	// process running many queries against one shared engine; it plays
	// no part in the protocol itself (call_id/instance_id remain the
	// spec's wrapping integer counters).
	ID   string
	vm   *VM
	run  Runnable
	log  hclog.Logger
}

// NewQuery builds a Query that will evaluate goal against kb. Every
// distinct variable name appearing in goal is reported in each Result's
// bindings.
func NewQuery(kb *KnowledgeBase, goal Term, log hclog.Logger) *Query {
	vm := NewVM(kb, log)
	vm.topLevelVars = collectVarNames(goal)
	vm.PushQuery(goal)
	id := uuid.NewString()
	vm.log = vm.log.With("query_id", id)
	return &Query{ID: id, vm: vm, run: vm, log: vm.log}
}

// collectVarNames returns every distinct Variable name reachable in t,
// in first-occurrence order.
func collectVarNames(t Term) []string {
	seen := make(map[string]bool)
	var names []string
	Walk(t, Visitor{Pre: func(term Term) {
		if v, ok := term.Value.(Variable); ok && !seen[v.Name] {
			seen[v.Name] = true
			names = append(names, v.Name)
		}
	}})
	return names
}

// Bind pre-binds a variable before the first NextEvent call.
func (q *Query) Bind(name string, value Term) {
	q.vm.Bind(name, value)
}

// NextEvent advances the query to its next Result, Done, or host
// callback request.
func (q *Query) NextEvent() (QueryEvent, error) {
	return q.run.Run()
}

// CallResult answers a suspended ExternalCall/MakeExternal-adjacent
// request with one term, or nil to signal no more results.
func (q *Query) CallResult(callID uint64, term *Term) error {
	return q.run.AnswerCall(callID, term)
}

// QuestionResult answers a suspended ExternalIsa/ExternalIsSubSpecializer
// /ExternalIsSubclass/ExternalOp request with a boolean.
func (q *Query) QuestionResult(callID uint64, answer bool) error {
	return q.run.AnswerQuestion(callID, answer)
}

// ApplicationError reports a host-side failure for the in-flight
// request, failing the current branch rather than resuming it.
func (q *Query) ApplicationError(message string) {
	q.run.ApplicationError(message)
}

// NextMessage drains the query's out-of-band Print/Warning queue.
func (q *Query) NextMessage() (Message, bool) {
	return q.vm.messages.Next()
}
