// Package commands maps command verbs and their aliases to handlers and
// dispatches raw text lines to them.
package commands

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/buildkite/shellwords"
	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
)

var (
	ErrDuplicateVerb = errors.New("duplicate verb")
)

// Handler runs a command. args are the tokens after the verb.
type Handler[E any] func(env E, args []string) error

type Spec[E any] struct {
	Verb    string
	Aliases []string
	Usage   string
	Help    string
	Handler Handler[E]
}

func (s *Spec[E]) names() []string {
	return append([]string{s.Verb}, s.Aliases...)
}

// Registry is an immutable-once-published table of command specs.
type Registry[E any] struct {
	version uint64
	specs   []*Spec[E]
	byName  map[string]*Spec[E]
}

func NewRegistry[E any]() *Registry[E] {
	return &Registry[E]{
		byName: map[string]*Spec[E]{},
	}
}

// Register adds spec. It fails without changing the registry if the verb or
// any alias is already taken.
func (r *Registry[E]) Register(spec Spec[E]) error {
	if spec.Handler == nil {
		return errors.Errorf("%q has no handler", spec.Verb)
	}
	s := &spec
	s.Verb = strings.ToLower(s.Verb)
	aliases := make([]string, len(s.Aliases))
	for i, alias := range s.Aliases {
		aliases[i] = strings.ToLower(alias)
	}
	s.Aliases = aliases
	seen := map[string]bool{}
	for _, name := range s.names() {
		if name == "" {
			return errors.Errorf("%q has an empty name", spec.Verb)
		}
		if _, found := r.byName[name]; found || seen[name] {
			return errors.Wrapf(ErrDuplicateVerb, "%q", name)
		}
		seen[name] = true
	}
	for name := range seen {
		r.byName[name] = s
	}
	r.specs = append(r.specs, s)
	return nil
}

// MustRegister registers every spec, panicking on collisions. Built-in command
// tables use it, since a collision there is a programming error.
func (r *Registry[E]) MustRegister(specs ...Spec[E]) *Registry[E] {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry[E]) Lookup(name string) (*Spec[E], bool) {
	s, found := r.byName[strings.ToLower(name)]
	return s, found
}

// Specs returns the registered specs sorted by verb.
func (r *Registry[E]) Specs() []*Spec[E] {
	result := make([]*Spec[E], len(r.specs))
	copy(result, r.specs)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Verb < result[j].Verb
	})
	return result
}

func (r *Registry[E]) Version() uint64 {
	return r.version
}

// Tokenize splits line into words, honoring shell quoting. Lines with
// unbalanced quotes fall back to plain whitespace splitting.
func Tokenize(line string) []string {
	words, err := shellwords.SplitPosix(line)
	if err != nil {
		return strings.Fields(line)
	}
	return words
}

// Dispatcher resolves lines against the currently published registry.
type Dispatcher[E any] struct {
	current atomic.Pointer[Registry[E]]
	// Logger receives handler failures. Defaults to the standard logger.
	Logger *log.Logger
	// OnError, if set, is also told about handler failures so that the caller
	// can report them where the command came from.
	OnError func(env E, verb string, err error)
}

func NewDispatcher[E any](r *Registry[E]) *Dispatcher[E] {
	d := &Dispatcher[E]{}
	d.Swap(r)
	return d
}

// Swap publishes a fully built registry. Concurrent Dispatch calls see either
// the old or the new registry, never a partial one.
func (d *Dispatcher[E]) Swap(r *Registry[E]) {
	if prev := d.current.Load(); prev != nil {
		r.version = prev.version + 1
	} else {
		r.version = 1
	}
	d.current.Store(r)
}

// Reload builds a new registry with build and publishes it if build succeeds.
func (d *Dispatcher[E]) Reload(build func(*Registry[E]) error) error {
	r := NewRegistry[E]()
	if err := build(r); err != nil {
		return swarmbot.WithStack(err)
	}
	d.Swap(r)
	return nil
}

func (d *Dispatcher[E]) Registry() *Registry[E] {
	return d.current.Load()
}

func (d *Dispatcher[E]) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

// Dispatch runs the handler for the first word of line. It returns false if
// no handler matched. Handler errors and panics are logged, never returned.
func (d *Dispatcher[E]) Dispatch(env E, line string) bool {
	words := Tokenize(line)
	if len(words) == 0 {
		return false
	}
	r := d.current.Load()
	if r == nil {
		return false
	}
	spec, found := r.Lookup(words[0])
	if !found {
		return false
	}
	d.invoke(spec, env, words[1:])
	return true
}

func (d *Dispatcher[E]) invoke(spec *Spec[E], env E, args []string) {
	defer func() {
		if e := recover(); e != nil {
			d.fail(spec, env, errors.Errorf("panic: %v", e))
		}
	}()
	if err := spec.Handler(env, args); err != nil {
		d.fail(spec, env, err)
	}
}

func (d *Dispatcher[E]) fail(spec *Spec[E], env E, err error) {
	d.logf("%s: %v", spec.Verb, err)
	if trace := swarmbot.StackTrace(err); trace != "" {
		d.logf("%s", trace)
	}
	if d.OnError != nil {
		d.OnError(env, spec.Verb, err)
	}
}

// Usage formats a usage line for spec.
func Usage[E any](spec *Spec[E]) string {
	if spec.Usage == "" {
		return fmt.Sprintf("usage: %s", spec.Verb)
	}
	return fmt.Sprintf("usage: %s %s", spec.Verb, spec.Usage)
}
