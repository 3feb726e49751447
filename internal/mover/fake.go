package mover

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call is one recorded Fake invocation.
type Call struct {
	Op   string
	Args []string
}

// Fake is an in-memory Mover that records calls. Errors are keyed by
// "<op> <ref>", e.g. "pull library/redis:7".
type Fake struct {
	Errors  map[string]error
	Sizes   map[string]int64
	Digests map[string]string
	// OnCall, when set, runs before each call is recorded. It must not call
	// back into the Fake.
	OnCall func(op, ref string)

	mu    sync.Mutex
	calls []Call
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Errors:  make(map[string]error),
		Sizes:   make(map[string]int64),
		Digests: make(map[string]string),
	}
}

// FailOn makes op on ref return err.
func (f *Fake) FailOn(op, ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[op+" "+ref] = err
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the recorded calls of one operation.
func (f *Fake) CallsFor(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) record(op, ref string, args ...string) error {
	if f.OnCall != nil {
		f.OnCall(op, ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Args: append([]string{ref}, args...)})
	if err, ok := f.Errors[op+" "+ref]; ok {
		return &Error{Op: op, Ref: ref, Err: err}
	}
	return nil
}

func (f *Fake) Pull(_ context.Context, ref, platform string) error {
	return f.record(OpPull, ref, platform)
}

func (f *Fake) Login(_ context.Context, registry, username, _ string) error {
	return f.record(OpLogin, registry, username)
}

func (f *Fake) Tag(_ context.Context, src, dst string) error {
	return f.record(OpTag, src, dst)
}

func (f *Fake) Push(_ context.Context, ref string) error {
	return f.record(OpPush, ref)
}

func (f *Fake) InspectSize(_ context.Context, ref string) (int64, error) {
	if err := f.record(OpSize, ref); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Sizes[ref], nil
}

func (f *Fake) InspectDigest(_ context.Context, ref string) (string, error) {
	if err := f.record(OpDigest, ref); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Digests[ref], nil
}

func (f *Fake) RemoveLocal(_ context.Context, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	return f.record(OpRemove, strings.Join(refs, " "))
}

func (c Call) String() string {
	return fmt.Sprintf("%s(%s)", c.Op, strings.Join(c.Args, ", "))
}
