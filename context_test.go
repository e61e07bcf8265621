package traitable_test

import (
	"errors"
	"testing"

	"github.com/go-digitaltwin/go-traitable"
)

func TestContextStackResolvesFlags(t *testing.T) {
	var cs traitable.ContextStack
	if got := cs.Current(); got != (traitable.Effective{}) {
		t.Errorf("Current() of an empty stack = %+v, want all off", got)
	}

	outer := cs.Push(traitable.GraphOn.With(traitable.ConvertOn))
	inner := cs.Push(traitable.GraphOff.With(traitable.DebugOn))
	if got, want := cs.Current(), (traitable.Effective{Graph: false, Debug: true, Convert: true}); got != want {
		t.Errorf("Current() inside = %+v, want %+v", got, want)
	}
	if err := cs.Pop(inner); err != nil {
		t.Fatal("Pop(inner):", err)
	}
	if got, want := cs.Current(), (traitable.Effective{Graph: true, Convert: true}); got != want {
		t.Errorf("Current() after Pop = %+v, want %+v", got, want)
	}
	if err := cs.Pop(outer); err != nil {
		t.Fatal("Pop(outer):", err)
	}
	if got := cs.Depth(); got != 0 {
		t.Errorf("Depth() = %d, want 0", got)
	}
}

func TestContextStackRepairsOutOfOrderPop(t *testing.T) {
	var cs traitable.ContextStack
	base := cs.Push(traitable.DebugOn)
	outer := cs.Push(traitable.GraphOn)
	inner := cs.Push(traitable.ConvertOn)

	if err := cs.Pop(outer); !errors.Is(err, traitable.ErrContextStackCorrupted) {
		t.Errorf("Pop(outer) error = %v, want ErrContextStackCorrupted", err)
	}
	if got := cs.Depth(); got != 1 {
		t.Errorf("Depth() after repair = %d, want 1", got)
	}
	if got, want := cs.Current(), (traitable.Effective{Debug: true}); got != want {
		t.Errorf("Current() after repair = %+v, want %+v", got, want)
	}

	// The inner handle was discarded by the repair.
	if err := cs.Pop(inner); !errors.Is(err, traitable.ErrContextStackCorrupted) {
		t.Errorf("Pop(inner) error = %v, want ErrContextStackCorrupted", err)
	}
	if got := cs.Depth(); got != 1 {
		t.Errorf("Depth() after stale pop = %d, want 1", got)
	}

	// A handle is not reused by a later push at the same depth.
	cs.Push(traitable.GraphOff)
	if err := cs.Pop(outer); !errors.Is(err, traitable.ErrContextStackCorrupted) {
		t.Errorf("Pop(outer) twice error = %v, want ErrContextStackCorrupted", err)
	}
	if err := cs.Pop(base); !errors.Is(err, traitable.ErrContextStackCorrupted) {
		t.Errorf("Pop(base) with a context left above error = %v, want ErrContextStackCorrupted", err)
	}
	if got := cs.Depth(); got != 0 {
		t.Errorf("Depth() = %d, want 0", got)
	}
}

func TestWithinPopsOnEveryPath(t *testing.T) {
	f := newFixture(t)
	s := f.rt.NewSession(t.Context())
	depth := s.Stack().Depth()

	sentinel := errors.New("sentinel")
	err := s.Within(traitable.GraphOn, func() error {
		if !s.Flags().Graph {
			t.Error("Flags().Graph inside Within = false, want true")
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Within() error = %v, want sentinel", err)
	}
	if got := s.Stack().Depth(); got != depth {
		t.Errorf("Depth() after an error = %d, want %d", got, depth)
	}

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("recovered %v, want boom", r)
			}
		}()
		_ = s.Within(traitable.GraphOn, func() error { panic("boom") })
	}()
	if got := s.Stack().Depth(); got != depth {
		t.Errorf("Depth() after a panic = %d, want %d", got, depth)
	}
	if s.Flags().Graph {
		t.Error("Flags().Graph after Within = true, want false")
	}
}

func TestWithinReportsCorruption(t *testing.T) {
	f := newFixture(t)
	s := f.rt.NewSession(t.Context())
	depth := s.Stack().Depth()

	err := s.Within(traitable.GraphOn, func() error {
		// Leaked: never popped by fn.
		s.Stack().Push(traitable.DebugOn)
		return nil
	})
	if !errors.Is(err, traitable.ErrContextStackCorrupted) {
		t.Errorf("Within() error = %v, want ErrContextStackCorrupted", err)
	}
	if got := s.Stack().Depth(); got != depth {
		t.Errorf("Depth() after repair = %d, want %d", got, depth)
	}
}

func TestEnterRelease(t *testing.T) {
	f := newFixture(t)
	s := f.rt.NewSession(t.Context())

	release := s.Enter(traitable.DebugOn.With(traitable.ConvertOn))
	if got, want := s.Flags(), (traitable.Effective{Debug: true, Convert: true}); got != want {
		t.Errorf("Flags() = %+v, want %+v", got, want)
	}
	release()
	if got := s.Flags(); got != (traitable.Effective{}) {
		t.Errorf("Flags() after release = %+v, want all off", got)
	}
	// Releasing twice repairs nothing and must not disturb the base context.
	release()
	if got := s.Stack().Depth(); got != 1 {
		t.Errorf("Depth() = %d, want the base context only", got)
	}
}

func TestSessionBaseFlagsFromConfig(t *testing.T) {
	yes := true
	config := traitable.DefaultConfig()
	config.Session.Graph = &yes
	f := newFixture(t, traitable.WithConfig(config))

	s := f.rt.NewSession(t.Context())
	if got, want := s.Flags(), (traitable.Effective{Graph: true}); got != want {
		t.Errorf("Flags() = %+v, want %+v", got, want)
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags traitable.Flags
		want  string
	}{
		{traitable.Flags{}, "{}"},
		{traitable.GraphOn, "{graph=on}"},
		{traitable.GraphOn.With(traitable.DebugOff), "{graph=on,debug=off}"},
		{traitable.GraphOn.With(traitable.GraphOff).With(traitable.ConvertOn), "{graph=off,convert=on}"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("%#v.String() = %q, want %q", tt.flags, got, tt.want)
		}
	}
}
