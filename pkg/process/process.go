// Package process defines the contract between the job runtime and the
// processes it executes, plus a small registry of built-in processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/3leaps/geoproc/pkg/request"
)

// ErrUnknownProcess indicates no process is registered under an identifier.
var ErrUnknownProcess = errors.New("unknown process")

// Sink receives progress and outputs from a running process.
type Sink interface {
	// Progress reports percent done (0..100) and a status message.
	Progress(percent int, message string) error
	// Output records a named output value.
	Output(id string, value any) error
}

// Process is a stateless process definition shared by every job that runs it.
type Process interface {
	Identifier() string
	Title() string
	Inputs() []request.InputSpec
	// Run executes the process. Returning an error fails the job.
	Run(ctx context.Context, req *request.Request, sink Sink) error
}

// Info summarizes a registered process.
type Info struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
}

// Registry resolves process identifiers.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Process
}

// NewRegistry returns a registry holding procs.
func NewRegistry(procs ...Process) *Registry {
	r := &Registry{procs: make(map[string]Process, len(procs))}
	for _, p := range procs {
		r.Register(p)
	}
	return r
}

// Default returns a registry with the built-in processes.
func Default() *Registry {
	return NewRegistry(Returner{}, Sleep{}, Fail{})
}

// Register adds or replaces a process.
func (r *Registry) Register(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Identifier()] = p
}

// Resolve returns the process registered under id.
func (r *Registry) Resolve(id string) (Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcess, id)
	}
	return p, nil
}

// List returns registered processes sorted by identifier.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, Info{Identifier: p.Identifier(), Title: p.Title()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
