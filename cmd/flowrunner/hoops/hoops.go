package hoops

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/botkita/flowcore/common/sdk"
)

// Classification tells the engine how to drive a handler.
type Classification int

const (
	// Action produces an output and routes forward on success
	Action Classification = iota
	// Branch selects the next node and records no output
	Branch
	// PassThrough is skipped entirely
	PassThrough
)

// Request is everything a handler may consult for one node execution. Input
// is the rendered primary input; Upstream is the referenced node's stored
// output when input_from is set.
type Request struct {
	Flow     *sdk.Flow
	Node     *sdk.Node
	Input    map[string]sdk.Value
	Upstream map[string]sdk.Value
	Context  *sdk.FlowContext
	Snapshot map[string]sdk.Value
}

// Result is a handler's outcome. NextID overrides routing when non-empty;
// branch handlers set it, action handlers normally leave it empty.
type Result struct {
	Output map[string]sdk.Value
	NextID string
}

// Handler is the uniform node-execution contract. RequiredFields lets the
// engine surface contract violations before invoking Execute; Timeout zero
// means use the engine default.
type Handler interface {
	Kind() string
	Classification() Classification
	RequiredFields() []string
	Timeout() time.Duration
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps hoop kinds to handlers. Registration happens at startup;
// lookups are concurrent afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Duplicate kinds are a wiring bug.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := h.Kind()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for hoop kind: %s", kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister panics on duplicate registration. Startup wiring only.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for a hoop kind, if registered.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists the registered hoop kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// stringField extracts a required string field from a rendered input.
func stringField(input map[string]sdk.Value, name string) (string, error) {
	v, ok := input[name]
	if !ok {
		return "", sdk.Errf(sdk.ErrInvalidInput, "missing required field: %s", name)
	}
	s, ok := v.AsString()
	if !ok {
		return "", sdk.Errf(sdk.ErrInvalidInput, "field %s must be a string", name)
	}
	return s, nil
}

// optionalString extracts an optional string field, empty when absent.
func optionalString(input map[string]sdk.Value, name string) string {
	v, ok := input[name]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}
