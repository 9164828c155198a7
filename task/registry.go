// Package task provides the process-local registry mapping operation names
// to handler implementations and their parameter schemas. The registry
// performs no I/O and no network activity.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/protocol"
)

// Handler is the callable implementation of a task. Parameters have been
// schema-validated and defaults applied before the handler runs.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// registration pairs a descriptor with its handler.
type registration struct {
	descriptor protocol.TaskDescriptor
	handler    Handler
}

// Registry is a thread-safe mapping from task name to handler and schema.
// It is mutated only from the device's own control flow, never by inbound
// messages; the mutex exists because List and Resolve run from the
// transport delivery path.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*registration
	order     []string // first-registration order for List
	watches   map[int]func()
	nextWatch int
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registration),
		watches: make(map[int]func()),
	}
}

// Register adds or replaces a task. Registration never fails: re-registering
// an existing name overwrites it (last-write-wins). This is deliberate, to
// support interactive redefinition of tasks during development. A nil
// handler registers a task that always fails, which is still a valid
// descriptor for discovery.
func (r *Registry) Register(name string, handler Handler, schema []protocol.ParameterSpec, summary string) {
	r.mu.Lock()
	if _, exists := r.entries[name]; !exists {
		r.order = append(r.order, name)
	}
	r.entries[name] = &registration{
		descriptor: protocol.TaskDescriptor{
			Name:            name,
			ParameterSchema: schema,
			Summary:         summary,
		},
		handler: handler,
	}
	watches := make([]func(), 0, len(r.watches))
	for _, fn := range r.watches {
		watches = append(watches, fn)
	}
	r.mu.Unlock()

	// Notify outside the lock so a watch can call back into the registry.
	for _, fn := range watches {
		fn()
	}
}

// Resolve looks up a task by name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrTaskNotFound, name),
			"Registry", "Resolve", "task lookup")
	}
	if entry.handler == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q has no handler", errors.ErrTaskNotFound, name),
			"Registry", "Resolve", "task lookup")
	}
	return entry.handler, nil
}

// Descriptor returns the descriptor for a registered task.
func (r *Registry) Descriptor(name string) (protocol.TaskDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[name]
	if !exists {
		return protocol.TaskDescriptor{}, false
	}
	return entry.descriptor, true
}

// List returns descriptors in first-registration order.
func (r *Registry) List() []protocol.TaskDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.TaskDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].descriptor)
	}
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Watch registers a callback invoked after every Register call. The device
// agent uses this to re-announce capabilities when the task set changes.
// The returned function removes the watch; a stopped agent must detach
// its watch so registrations no longer trigger announcements.
func (r *Registry) Watch(fn func()) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextWatch
	r.nextWatch++
	r.watches[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watches, id)
	}
}
