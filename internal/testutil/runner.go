// Package testutil provides fakes for the external programs and daemons the
// daemon drives, and a private D-Bus bus for integration tests.
package testutil

import (
	"context"
	"sync"

	"github.com/nikicat/netctld/internal/backend"
)

// Runner is a backend.Runner that records every command. Handle, when set,
// produces the result; otherwise commands succeed with no output.
type Runner struct {
	Handle func(cmd backend.Command) ([]byte, error)

	mu    sync.Mutex
	calls []backend.Command
}

// Run implements backend.Runner.
func (r *Runner) Run(ctx context.Context, cmd backend.Command) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	h := r.Handle
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h != nil {
		return h(cmd)
	}
	return nil, nil
}

// Calls returns the recorded commands.
func (r *Runner) Calls() []backend.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.Command(nil), r.calls...)
}

// Commands returns the recorded commands as command lines.
func (r *Runner) Commands() []string {
	var out []string
	for _, c := range r.Calls() {
		out = append(out, c.String())
	}
	return out
}
