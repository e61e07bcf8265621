package traitable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
)

// Session is one logical unit of execution. It owns the execution context
// stack, the set of pairs it is currently computing and the active AsOf scopes;
// none of these are shared with other sessions.
//
// A Session is not safe for concurrent use. Run one Session per goroutine;
// sessions of the same Runtime share its instance cache and dependency graph.
type Session struct {
	rt     *Runtime
	logger *slog.Logger
	who    string

	// stack starts with the base context of Config.Session, which is never
	// popped.
	stack ContextStack

	// frames are the evaluations in progress, innermost last.
	frames    []*frame
	computing map[nodeKey]struct{}

	asOf []asOfScope
}

// frame records the sources read by one evaluation of a computed pair.
type frame struct {
	key     nodeKey
	sources map[nodeKey]uint64
	// volatile is set when the evaluation read an object the graph does not
	// track, whose writes would never invalidate the result.
	volatile bool
}

// NewSession starts a session. The session logs through the logger carried by
// ctx (see component.Logger) and acts on behalf of the configured Who.
func (rt *Runtime) NewSession(ctx context.Context) *Session {
	s := &Session{
		rt:        rt,
		logger:    component.Logger(ctx).With("traitable.session", rt.nextSessionID()),
		who:       rt.config.Who,
		computing: make(map[nodeKey]struct{}),
	}
	s.stack.Push(rt.config.Session.Flags())
	return s
}

// Runtime returns the runtime the session belongs to.
func (s *Session) Runtime() *Runtime { return s.rt }

// Logger returns the session's logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Who returns the acting identity recorded in history entries.
func (s *Session) Who() string { return s.who }

// SetWho changes the acting identity recorded by subsequent saves.
func (s *Session) SetWho(who string) { s.who = who }

// Flags returns the effective flags of the innermost context.
func (s *Session) Flags() Effective { return s.stack.Current() }

// Stack exposes the session's context stack.
func (s *Session) Stack() *ContextStack { return &s.stack }

// Enter pushes a context and returns the function that pops it; pair it with
// defer:
//
//	defer s.Enter(traitable.GraphOff)()
//
// A release that finds the stack corrupted repairs it and logs the repair.
func (s *Session) Enter(f Flags) (release func()) {
	h := s.stack.Push(f)
	return func() {
		if err := s.stack.Pop(h); err != nil {
			s.logger.Warn("Repaired execution context stack", "error", err, "flags", f.String())
		}
	}
}

// Within runs fn inside a context with the given flags. The context is popped
// on every exit path of fn, including a panic (which is then re-raised). A
// corrupted stack is repaired and reported alongside fn's error.
func (s *Session) Within(f Flags, fn func() error) (err error) {
	h := s.stack.Push(f)
	defer func() {
		if popErr := s.stack.Pop(h); popErr != nil {
			err = errors.Join(err, popErr)
		}
	}()
	return fn()
}

// asOfScope is one active AsOf context.
type asOfScope struct {
	at      time.Time
	classes map[string]struct{} // Nil applies to every class that keeps history.
}

func (a asOfScope) covers(c *Class) bool {
	if a.classes == nil {
		return c.KeepsHistory()
	}
	_, ok := a.classes[c.name]
	return ok
}

// AsOf enters a context in which loads of the given classes resolve to their
// history as of at rather than to the live documents. Without classes, it
// applies to every class that keeps history. Pair with defer:
//
//	defer s.AsOf(t1)()
func (s *Session) AsOf(at time.Time, classes ...*Class) (release func()) {
	scope := asOfScope{at: at}
	if len(classes) > 0 {
		scope.classes = make(map[string]struct{}, len(classes))
		for _, c := range classes {
			scope.classes[c.name] = struct{}{}
		}
	}
	depth := len(s.asOf)
	s.asOf = append(s.asOf, scope)
	return func() {
		if depth < len(s.asOf) {
			s.asOf = s.asOf[:depth]
		}
	}
}

// asOfFor returns the time of the innermost AsOf context covering c.
func (s *Session) asOfFor(c *Class) (time.Time, bool) {
	for i := len(s.asOf) - 1; i >= 0; i-- {
		if s.asOf[i].covers(c) {
			return s.asOf[i].at, true
		}
	}
	return time.Time{}, false
}

// reachable fails with *OriginUnreachableError when o is a historical snapshot
// accessed outside of an AsOf context equivalent to the one it was loaded in.
func (s *Session) reachable(o *Object) error {
	if o.origin == nil {
		return nil
	}
	if at, ok := s.asOfFor(o.class); ok && at.Equal(o.origin.at) {
		return nil
	}
	return &OriginUnreachableError{Identity: o.id, AsOf: o.origin.at}
}

// enter marks k as computing by this session. It fails with a
// *CyclicDependencyError when k is already being computed.
func (s *Session) enter(k nodeKey) (*frame, error) {
	if _, cyclic := s.computing[k]; cyclic {
		path := make([]string, 0, len(s.frames)+1)
		for _, f := range s.frames {
			path = append(path, f.key.String())
		}
		path = append(path, k.String())
		return nil, &CyclicDependencyError{
			Class:    k.obj.class.name,
			Trait:    k.trait,
			Identity: k.obj.describe(),
			Path:     path,
		}
	}
	f := &frame{key: k, sources: make(map[nodeKey]uint64)}
	s.computing[k] = struct{}{}
	s.frames = append(s.frames, f)
	return f, nil
}

// exit unmarks the innermost computing frame.
func (s *Session) exit(f *frame) {
	delete(s.computing, f.key)
	if n := len(s.frames); n > 0 && s.frames[n-1] == f {
		s.frames = s.frames[:n-1]
	}
	if n := len(s.frames); n > 0 && f.volatile {
		s.frames[n-1].volatile = true
	}
}

// record notes that the innermost evaluation read k, when graph tracking is on.
func (s *Session) record(k nodeKey) {
	if len(s.frames) == 0 || !s.Flags().Graph {
		return
	}
	f := s.frames[len(s.frames)-1]
	if !k.obj.tracked() {
		f.volatile = true
		return
	}
	if _, seen := f.sources[k]; !seen {
		f.sources[k] = s.rt.graph.version(k)
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session(who=%s, depth=%d)", s.who, s.stack.Depth())
}
