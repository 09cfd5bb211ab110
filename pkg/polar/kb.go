package polar

import (
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
)

// Parameter is one formal parameter of a Rule: a binding name plus an
// optional specializer term (a class-tag Symbol, a Pattern, or nil for
// an unspecialized parameter).
type Parameter struct {
	Binding     string
	Specializer *Term
}

// Rule is `name(params) if body;`. Body is typically an And expression;
// a fact (no `if`) is represented as body == Bool(true).
type Rule struct {
	Name   string
	Params []Parameter
	Body   Term
	Source *Span
}

func (r Rule) Arity() int { return len(r.Params) }

// GenericRule is every Rule registered under one head name, kept in
// declaration order — declaration order is the tiebreaker for rules of
// equal specificity.
type GenericRule struct {
	Name  string
	Rules []Rule
}

// ClassType records what register_class associated with a class tag:
// enough for isa/specificity decisions inside the core, with the actual
// host-side class object opaque to us (identified by Tag alone when
// talking to the host).
type ClassType struct {
	Tag string
}

// relationData mirrors gokando's pldb.go relationData: a
// copy-on-write-friendly per-name record. Rules are not deduplicated the
// way ground facts are (two textually identical rules are two
// alternatives), so this only needs an ordered append, not an index.
type relationData struct {
	rule GenericRule
}

// KnowledgeBase is the named collection of rules plus registered
// constants and class tags a Query resolves against. It is mutable only
// via AddRule/RegisterClass/RegisterConstant, which the embedding must
// serialize against any in-flight query — the RWMutex here guards the
// core's own bookkeeping, not the "no query running" invariant, which
// is the embedding's responsibility.
type KnowledgeBase struct {
	mu        sync.RWMutex
	rules     map[string]*relationData
	constants map[string]Term
	types     map[string]ClassType
	sources   *Sources

	ids    *counter
	gensym *counter

	log hclog.Logger
}

// NewKnowledgeBase builds an empty KB with the built-in primitive
// classes pre-registered: Boolean, Integer, Float, String, List,
// Dictionary, Number.
func NewKnowledgeBase(log hclog.Logger) *KnowledgeBase {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	kb := &KnowledgeBase{
		rules:     make(map[string]*relationData),
		constants: make(map[string]Term),
		types:     make(map[string]ClassType),
		sources:   newSources(),
		ids:       newCounter(),
		gensym:    newCounter(),
		log:       log.Named("kb"),
	}
	for _, tag := range []string{"Boolean", "Integer", "Float", "Number", "String", "List", "Dictionary"} {
		kb.types[tag] = ClassType{Tag: tag}
	}
	return kb
}

// AddRule appends rule to its named GenericRule, preserving declaration
// order.
func (kb *KnowledgeBase) AddRule(r Rule) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	rd, ok := kb.rules[r.Name]
	if !ok {
		rd = &relationData{rule: GenericRule{Name: r.Name}}
		kb.rules[r.Name] = rd
	}
	rd.rule.Rules = append(rd.rule.Rules, r)
}

// Rules returns the GenericRule registered under name, if any.
func (kb *KnowledgeBase) Rules(name string) (GenericRule, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	rd, ok := kb.rules[name]
	if !ok {
		return GenericRule{}, false
	}
	return rd.rule, true
}

// RegisterClass inserts tag into types and constants. It fails if the
// tag is already registered with a different definition;
// re-registering the same tag is a no-op, not an error.
func (kb *KnowledgeBase) RegisterClass(tag string, instance Term) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if _, registered := kb.types[tag]; registered {
		if existing, ok := kb.constants[tag]; ok && !existing.Equal(instance) {
			return newError(KindValidation, "class %q already registered with a different definition", tag)
		}
	}
	kb.types[tag] = ClassType{Tag: tag}
	kb.constants[tag] = instance
	kb.log.Debug("registered class", "tag", tag)
	return nil
}

// RegisterConstant inserts or overwrites name in constants, logging a
// warning on the KB's logger when it shadows an existing constant.
func (kb *KnowledgeBase) RegisterConstant(name string, val Term) (shadowed bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	_, shadowed = kb.constants[name]
	kb.constants[name] = val
	if shadowed {
		kb.log.Warn("constant shadowed", "name", name)
	}
	return shadowed
}

// Constant looks up a registered constant by name.
func (kb *KnowledgeBase) Constant(name string) (Term, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	t, ok := kb.constants[name]
	return t, ok
}

// IsClassTag reports whether tag was registered via RegisterClass (or is
// one of the built-in primitive classes).
func (kb *KnowledgeBase) IsClassTag(tag string) bool {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	_, ok := kb.types[tag]
	return ok
}

// NewID returns the next instance/call ID, wrapping rather than
// overflowing once it passes the largest exactly representable
// IEEE-754 double.
func (kb *KnowledgeBase) NewID() uint64 { return kb.ids.Next() }

// Gensym returns a fresh variable name derived from prefix, guaranteed
// unique within this KB's lifetime: "_" alone becomes "_<n>"; a prefix
// already starting with "_" is not double-prefixed; anything else
// becomes "_<prefix>_<n>".
func (kb *KnowledgeBase) Gensym(prefix string) string {
	n := kb.gensym.Next()
	if prefix == "_" {
		return fmt.Sprintf("_%d", n)
	}
	if len(prefix) > 0 && prefix[0] == '_' {
		return fmt.Sprintf("%s_%d", prefix, n)
	}
	return fmt.Sprintf("_%s_%d", prefix, n)
}

// AddSource registers a loaded policy file's text for later diagnostics.
func (kb *KnowledgeBase) AddSource(src Source) { kb.sources.Add(src) }

// UnknownSpecializers returns every class tag r's parameters specialize
// on that names neither a primitive nor a class registered via
// RegisterClass — a rule that can never actually match anything, most
// often a typo'd or not-yet-registered class name.
func (kb *KnowledgeBase) UnknownSpecializers(r Rule) []string {
	var tags []string
	for _, p := range r.Params {
		if p.Specializer == nil {
			continue
		}
		switch classifySpecializer(p.Specializer, kb) {
		case specClassTag:
			if tag := p.Specializer.Value.(Symbol).Name; !kb.IsClassTag(tag) {
				tags = append(tags, tag)
			}
		case specInstanceLiteral:
			if tag := p.Specializer.Value.(Pattern).InstanceTag; !kb.IsClassTag(tag) {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func (kb *KnowledgeBase) Logger() hclog.Logger { return kb.log }
