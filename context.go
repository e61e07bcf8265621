package traitable

import (
	"fmt"
	"strings"
)

// Mode is a tri-state execution flag. An Unspecified mode inherits the value of
// the enclosing context.
type Mode uint8

const (
	Unspecified Mode = iota
	On
	Off
)

func (m Mode) String() string {
	switch m {
	case Unspecified:
		return "unspecified"
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Flags are the overrides a single execution context applies.
type Flags struct {
	// Graph routes reads and writes through the dependency graph engine.
	Graph Mode
	// Debug rejects writes of mismatched types that could not be converted.
	Debug Mode
	// Convert invokes converters on writes of mismatched types.
	Convert Mode
}

// Predefined single-flag contexts; combine them with Flags.With.
var (
	GraphOn    = Flags{Graph: On}
	GraphOff   = Flags{Graph: Off}
	DebugOn    = Flags{Debug: On}
	DebugOff   = Flags{Debug: Off}
	ConvertOn  = Flags{Convert: On}
	ConvertOff = Flags{Convert: Off}
)

// With returns f overridden by every flag that other specifies.
func (f Flags) With(other Flags) Flags {
	if other.Graph != Unspecified {
		f.Graph = other.Graph
	}
	if other.Debug != Unspecified {
		f.Debug = other.Debug
	}
	if other.Convert != Unspecified {
		f.Convert = other.Convert
	}
	return f
}

func (f Flags) String() string {
	var parts []string
	if f.Graph != Unspecified {
		parts = append(parts, "graph="+f.Graph.String())
	}
	if f.Debug != Unspecified {
		parts = append(parts, "debug="+f.Debug.String())
	}
	if f.Convert != Unspecified {
		parts = append(parts, "convert="+f.Convert.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Effective is the resolved value of every flag at some point of execution.
type Effective struct {
	Graph   bool
	Debug   bool
	Convert bool
}

// Handle identifies one pushed context. It is only meaningful to the stack that
// returned it.
type Handle struct {
	depth int // Stack length before the push.
	seq   uint64
}

// ContextStack is an explicit stack of execution contexts. The zero value is an
// empty stack whose effective flags are all off.
//
// A ContextStack belongs to one Session and is not safe for concurrent use.
type ContextStack struct {
	frames []contextFrame
	seq    uint64
}

type contextFrame struct {
	flags    Flags
	resolved Effective
	seq      uint64
}

// Push enters a context overriding the given flags and returns the handle to
// pop it with.
func (cs *ContextStack) Push(f Flags) Handle {
	resolved := cs.Current()
	if f.Graph != Unspecified {
		resolved.Graph = f.Graph == On
	}
	if f.Debug != Unspecified {
		resolved.Debug = f.Debug == On
	}
	if f.Convert != Unspecified {
		resolved.Convert = f.Convert == On
	}
	cs.seq++
	h := Handle{depth: len(cs.frames), seq: cs.seq}
	cs.frames = append(cs.frames, contextFrame{flags: f, resolved: resolved, seq: cs.seq})
	return h
}

// Pop exits the context identified by h.
//
// When h is not the innermost context, every context pushed after it is
// discarded along with it, and Pop reports ErrContextStackCorrupted. Popping a
// handle that was already popped is a no-op that also reports the corruption.
func (cs *ContextStack) Pop(h Handle) error {
	if h.depth < len(cs.frames) && cs.frames[h.depth].seq == h.seq {
		innermost := h.depth == len(cs.frames)-1
		cs.frames = cs.frames[:h.depth]
		if !innermost {
			return fmt.Errorf("pop context at depth %d: %w", h.depth, ErrContextStackCorrupted)
		}
		return nil
	}
	return fmt.Errorf("pop stale context at depth %d: %w", h.depth, ErrContextStackCorrupted)
}

// Current returns the effective flags of the innermost context.
func (cs *ContextStack) Current() Effective {
	if len(cs.frames) == 0 {
		return Effective{}
	}
	return cs.frames[len(cs.frames)-1].resolved
}

// Depth returns the number of active contexts.
func (cs *ContextStack) Depth() int { return len(cs.frames) }
