package firmware

import (
	"context"
	"sync"
)

// Call records one FakeProgrammer invocation.
type Call struct {
	Path   string
	Verify bool
	Reset  bool
}

// FakeProgrammer records calls and returns Err when set.
type FakeProgrammer struct {
	mu    sync.Mutex
	calls []Call
	Err   error
}

// Program implements Programmer.
func (f *FakeProgrammer) Program(_ context.Context, path string, verify, reset bool) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{path, verify, reset})
	return Outcome{Path: path, Verified: verify, Reset: reset}, f.Err
}

// Calls returns a copy of recorded calls.
func (f *FakeProgrammer) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}
