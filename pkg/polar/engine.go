package polar

import (
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
)

// Parser turns policy source text into rules and inline test queries.
// The PVM core never parses Polar syntax itself; an embedding supplies
// a concrete Parser (typically backed by a generated grammar) when
// constructing an Engine.
type Parser interface {
	Parse(source Source) (rules []Rule, inlineQueries []Term, err error)
}

// EngineOption configures an Engine at construction time, following the
// functional-options idiom the rest of the pack's services use for
// optional, growable configuration surfaces.
type EngineOption func(*Engine)

// WithLogger overrides the engine's hclog.Logger (defaults to a null
// logger, matching every other constructor in this package).
func WithLogger(log hclog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithStrict enables strict mode: validation warnings (a RegisterConstant
// call that shadows an existing constant, or a rule specializing on an
// unregistered class tag) are returned as errors, from RegisterConstant
// and Load respectively, instead of only being logged, and a query that dispatches a rule name with no matching
// definition at all errors instead of silently failing.
func WithStrict(strict bool) EngineOption {
	return func(e *Engine) { e.strict = strict }
}

// WithMaxGoalDepth overrides the per-query goal-stack depth bound.
func WithMaxGoalDepth(depth int) EngineOption {
	return func(e *Engine) { e.maxGoalDepth = depth }
}

// Engine is the embeddable authorization engine: a knowledge base plus
// the parser needed to load policy text into it, and the query
// entrypoints a host actually calls.
type Engine struct {
	kb           *KnowledgeBase
	parser       Parser
	log          hclog.Logger
	strict       bool
	maxGoalDepth int
}

// NewEngine constructs an Engine with an empty knowledge base.
func NewEngine(parser Parser, opts ...EngineOption) *Engine {
	log := hclog.NewNullLogger()
	e := &Engine{
		parser:       parser,
		log:          log,
		maxGoalDepth: defaultMaxGoalDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.kb = NewKnowledgeBase(e.log)
	return e
}

// Load parses source and adds every rule it defines to the knowledge
// base, then runs any inline test queries (`?= ...;`), aggregating every
// failure — parse errors, inline query failures, and (in strict mode)
// rules specializing on an unknown class tag — into a single multierror.Error so a host
// sees every problem in one Load call instead of stopping at the first.
func (e *Engine) Load(source Source) error {
	if !strings.HasSuffix(source.Filename, ".polar") {
		return errIncorrectFileType(source.Filename)
	}
	var result *multierror.Error

	rules, inlineQueries, err := e.parser.Parse(source)
	if err != nil {
		result = multierror.Append(result, err)
		return result.ErrorOrNil()
	}
	e.kb.AddSource(source)
	for _, r := range rules {
		e.kb.AddRule(r)
		for _, tag := range e.kb.UnknownSpecializers(r) {
			e.log.Warn("unknown specializer", "rule", r.Name, "tag", tag)
			if e.strict {
				result = multierror.Append(result, errUnknownSpecializer(tag))
			}
		}
	}
	for i, q := range inlineQueries {
		if err := e.runInlineQuery(q); err != nil {
			result = multierror.Append(result, wrapError(KindValidation, err, "inline query %d in %s failed", i, source.Filename))
		}
	}
	return result.ErrorOrNil()
}

// runInlineQuery requires the query to succeed at least once and not
// invoke any host callback — inline test queries run at Load time,
// before any host binding is necessarily attached.
func (e *Engine) runInlineQuery(goal Term) error {
	q := NewQuery(e.kb, goal, e.log)
	for {
		ev, err := q.NextEvent()
		if err != nil {
			return err
		}
		switch ev.Value.(type) {
		case EventResult:
			return nil
		case EventDone:
			return newError(KindValidation, "inline query had no solutions")
		default:
			return newError(KindValidation, "inline query required a host callback (%s), which Load cannot service", ev.Value.eventName())
		}
	}
}

// RegisterClass associates tag with a host class, so rules may specialize
// parameters on it and `new Tag(...)` calls can be constructed against
// it.
func (e *Engine) RegisterClass(tag string, classInstance Term) error {
	return e.kb.RegisterClass(tag, classInstance)
}

// RegisterConstant binds name as a global constant visible to every
// policy query. Shadowing an existing constant is logged as a warning;
// in strict mode it is also returned as an error (the new value is
// stored either way).
func (e *Engine) RegisterConstant(name string, value Term) error {
	shadowed := e.kb.RegisterConstant(name, value)
	if shadowed && e.strict {
		return newError(KindValidation, "constant %q already registered", name)
	}
	return nil
}

// NewQueryForTerm starts a query evaluating goal directly.
func (e *Engine) NewQueryForTerm(goal Term) *Query {
	q := NewQuery(e.kb, goal, e.log)
	q.vm.maxGoalDepth = e.maxGoalDepth
	q.vm.strict = e.strict
	return q
}

// QueryRule starts a query for name(args...), the common host
// entrypoint for driving an arbitrary rule by name.
func (e *Engine) QueryRule(name string, args ...Term) *Query {
	return e.NewQueryForTerm(NewCall(name, args...))
}

// IsAllowed runs the conventional three-argument `allow` rule and
// reports whether it has at least one solution, abandoning the rest of
// the query's choice points (the host only needs a yes/no answer, not every
// binding set) once a result is found.
func (e *Engine) IsAllowed(actor, action, resource Term) (bool, error) {
	q := e.QueryRule("allow", actor, action, resource)
	for {
		ev, err := q.NextEvent()
		if err != nil {
			return false, err
		}
		switch ev.Value.(type) {
		case EventResult:
			return true, nil
		case EventDone:
			return false, nil
		default:
			return false, newError(KindOperational, "IsAllowed cannot service host callback %s; use QueryRule directly", ev.Value.eventName())
		}
	}
}

// KnowledgeBase exposes the underlying knowledge base for advanced
// embeddings that need direct access (e.g. a REPL inspecting loaded
// rules).
func (e *Engine) KnowledgeBase() *KnowledgeBase { return e.kb }
