package sdk

import (
	"fmt"
	"time"
)

// Flow is a named execution plan: an ordered sequence of nodes plus an
// optional seed context. Flows are immutable once loaded and may be shared
// across concurrent executions.
type Flow struct {
	FlowID    string       `json:"flow_id"`
	TriggerID string       `json:"trigger_id,omitempty"`
	Context   *ContextSeed `json:"context,omitempty"`
	Nodes     []*Node      `json:"nodes"`

	index map[string]int
}

// Node is a single step in a flow. An empty Hoop means pass-through: the
// engine skips the node without invoking a handler.
type Node struct {
	ID         string           `json:"id"`
	Hoop       string           `json:"hoop,omitempty"`
	Parameters map[string]Value `json:"parameters,omitempty"`
	InputFrom  string           `json:"input_from,omitempty"`
	TruePath   string           `json:"true_path,omitempty"`
	FalsePath  string           `json:"false_path,omitempty"`
	JumpTo     string           `json:"jump_to,omitempty"`
}

// ContextSeed is the optional "context" object of a flow file: identity
// fields and a freeform input map merged into the execution context.
type ContextSeed struct {
	UserID    string           `json:"user_id,omitempty"`
	TenantID  string           `json:"tenant_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Input     map[string]Value `json:"input,omitempty"`
}

// BuildIndex rebuilds the node-id lookup table. The loader calls this after
// parsing; callers constructing flows by hand must call it themselves.
func (f *Flow) BuildIndex() {
	f.index = make(map[string]int, len(f.Nodes))
	for i, n := range f.Nodes {
		f.index[n.ID] = i
	}
}

// Node returns the node with the given id, if any.
func (f *Flow) Node(id string) (*Node, bool) {
	if f.index == nil {
		f.BuildIndex()
	}
	i, ok := f.index[id]
	if !ok {
		return nil, false
	}
	return f.Nodes[i], true
}

// After returns the node declared immediately after the given one, or nil if
// it is the last node. Declaration order is the stable fallback ordering.
func (f *Flow) After(id string) *Node {
	if f.index == nil {
		f.BuildIndex()
	}
	i, ok := f.index[id]
	if !ok || i+1 >= len(f.Nodes) {
		return nil
	}
	return f.Nodes[i+1]
}

// FlowContext is the mutable state of one execution: identity fields, the
// caller-supplied input, and per-node outputs. A single execution exclusively
// owns its FlowContext; it is never shared.
type FlowContext struct {
	UserID    string
	TenantID  string
	SessionID string
	Input     map[string]Value
	Outputs   map[string]map[string]Value
}

// NewFlowContext creates an execution context from a flow's seed.
func NewFlowContext(seed *ContextSeed) *FlowContext {
	fc := &FlowContext{
		Input:   make(map[string]Value),
		Outputs: make(map[string]map[string]Value),
	}
	if seed != nil {
		fc.UserID = seed.UserID
		fc.TenantID = seed.TenantID
		fc.SessionID = seed.SessionID
		for k, v := range seed.Input {
			fc.Input[k] = v
		}
	}
	return fc
}

// Execution status labels.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// ExecutionEvent records one attempted node execution. Exactly one event is
// produced per attempted node; ownership moves to the publisher.
type ExecutionEvent struct {
	EventID   string           `json:"event_id"`
	TraceID   string           `json:"trace_id"`
	FlowID    string           `json:"flow_id"`
	NodeID    string           `json:"node_id"`
	Hoop      string           `json:"hoop"`
	Input     map[string]Value `json:"input,omitempty"`
	Output    map[string]Value `json:"output,omitempty"`
	UserID    string           `json:"user_id"`
	TenantID  string           `json:"tenant_id"`
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ErrorKind classifies handler and engine failures.
type ErrorKind string

const (
	ErrInvalidInput      ErrorKind = "invalid_input"
	ErrRemoteUnavailable ErrorKind = "remote_unavailable"
	ErrRemoteError       ErrorKind = "remote_error"
	ErrTimeout           ErrorKind = "timeout"
	ErrUnknownHoop       ErrorKind = "unknown_hoop"
	ErrMissingUpstream   ErrorKind = "missing_upstream_output"
	ErrDanglingNext      ErrorKind = "dangling_next"
	ErrFlowTimeout       ErrorKind = "flow_timeout"
)

// ExecError is the structured failure surfaced to callers: the originating
// node, its hoop kind, the error kind, and a short message. Handlers return
// it with NodeID/Hoop empty; the engine fills them in.
type ExecError struct {
	NodeID  string    `json:"node_id,omitempty"`
	Hoop    string    `json:"hoop,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("node %s (%s): %s: %s", e.NodeID, e.Hoop, e.Kind, e.Message)
}

// Errf builds an ExecError with a formatted message.
func Errf(kind ErrorKind, format string, args ...interface{}) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
