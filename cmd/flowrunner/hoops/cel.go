package hoops

import (
	"context"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/botkita/flowcore/common/sdk"
)

// CelNode routes on a CEL expression evaluated against the upstream output
// ("output") and the context snapshot ("ctx"). Compiled programs are cached
// by expression; flows reuse the same handful of expressions across runs.
type CelNode struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewCelNode creates the CEL branch handler with an empty program cache
func NewCelNode() *CelNode {
	return &CelNode{
		cache: make(map[string]cel.Program),
	}
}

func (h *CelNode) Kind() string                   { return "CelNode" }
func (h *CelNode) Classification() Classification { return Branch }
func (h *CelNode) RequiredFields() []string       { return []string{"expression"} }
func (h *CelNode) Timeout() time.Duration         { return 0 }

func (h *CelNode) Execute(_ context.Context, req *Request) (*Result, error) {
	expr, err := stringField(req.Input, "expression")
	if err != nil {
		return nil, err
	}

	prg, err := h.program(expr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": sdk.ObjectToAny(req.Upstream),
		"ctx":    sdk.ObjectToAny(req.Snapshot),
	})
	if err != nil {
		return nil, sdk.Errf(sdk.ErrInvalidInput, "expression evaluation failed: %v", err)
	}

	match, ok := out.Value().(bool)
	if !ok {
		return nil, sdk.Errf(sdk.ErrInvalidInput, "expression did not return a boolean, got %T", out.Value())
	}

	next := req.Node.FalsePath
	if match {
		next = req.Node.TruePath
	}
	return &Result{NextID: next}, nil
}

func (h *CelNode) program(expr string) (cel.Program, error) {
	h.mu.RLock()
	prg, exists := h.cache[expr]
	h.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, sdk.Errf(sdk.ErrInvalidInput, "create expression env: %v", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, sdk.Errf(sdk.ErrInvalidInput, "compile expression: %v", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, sdk.Errf(sdk.ErrInvalidInput, "build expression program: %v", err)
	}

	h.mu.Lock()
	h.cache[expr] = prg
	h.mu.Unlock()
	return prg, nil
}

// CacheSize returns the number of cached programs. Test helper.
func (h *CelNode) CacheSize() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cache)
}
