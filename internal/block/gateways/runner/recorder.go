package runner

import (
	"context"
	"strings"
	"sync"
)

// Call is one command seen by a Recorder.
type Call struct {
	Name  string
	Args  []string
	Stdin string
}

// Line renders the call as a shell-like command line.
func (c Call) Line() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Recorder is a Runner that records calls and answers from a table. It stands
// in for the real control tools in tests and dry runs.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	// Respond, when set, decides the output of each call.
	Respond func(c Call) ([]byte, error)
}

// Run implements Runner.
func (r *Recorder) Run(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	c := Call{Name: name, Args: append([]string{}, args...), Stdin: string(stdin)}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	respond := r.Respond
	r.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	return respond(c)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call{}, r.calls...)
}

// Lines returns the recorded command lines.
func (r *Recorder) Lines() []string {
	calls := r.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Line())
	}
	return out
}

// Reset forgets recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

var _ Runner = (*Recorder)(nil)
