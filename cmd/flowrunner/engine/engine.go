package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/botkita/flowcore/cmd/flowrunner/hoops"
	"github.com/botkita/flowcore/cmd/flowrunner/publisher"
	"github.com/botkita/flowcore/cmd/flowrunner/renderer"
	"github.com/botkita/flowcore/common/config"
	"github.com/botkita/flowcore/common/logger"
	"github.com/botkita/flowcore/common/metrics"
	"github.com/botkita/flowcore/common/sdk"
)

// terminalNodeID is the conventional fallback output node: when a flow ends
// without any action having run, its stored output (if any) is returned.
const terminalNodeID = "fetch_answer"

// Engine executes flows node by node. Flows and the registry are read-only
// and shared; each run owns its FlowContext, so Run is safe to call
// concurrently.
type Engine struct {
	registry  *hoops.Registry
	publisher publisher.Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	cfg       config.EngineConfig
}

// New creates an engine. A nil publisher disables event delivery.
func New(registry *hoops.Registry, pub publisher.Publisher, m *metrics.Metrics, log *logger.Logger, cfg config.EngineConfig) *Engine {
	if pub == nil {
		pub = publisher.Nop{}
	}
	return &Engine{
		registry:  registry,
		publisher: pub,
		metrics:   m,
		log:       log,
		cfg:       cfg,
	}
}

// Run executes a flow against the given input and returns the terminal
// output and final status. On failure the error is a *sdk.ExecError naming
// the offending node, its hoop, and the error kind.
func (e *Engine) Run(ctx context.Context, flow *sdk.Flow, input map[string]sdk.Value) (map[string]sdk.Value, string, error) {
	traceID := uuid.NewString()
	log := e.log.WithFlowID(flow.FlowID).WithTraceID(traceID)

	if e.cfg.FlowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.FlowTimeout)
		defer cancel()
	}

	fc := sdk.NewFlowContext(flow.Context)
	for k, v := range input {
		fc.Input[k] = v
	}
	promoteIdentity(fc)

	log.Info("flow started", "user_id", fc.UserID, "tenant_id", fc.TenantID)

	if len(flow.Nodes) == 0 {
		return e.finish(flow, nil, fc, log)
	}

	current := flow.Nodes[0]
	var lastOutput map[string]sdk.Value

	for current != nil {
		if current.Hoop == "" {
			current = flow.After(current.ID)
			continue
		}

		handler, ok := e.registry.Lookup(current.Hoop)
		if !ok {
			return e.fail(ctx, flow, fc, current, nil,
				sdk.Errf(sdk.ErrUnknownHoop, "no handler registered for hoop: %s", current.Hoop), traceID, log)
		}

		var upstream map[string]sdk.Value
		if current.InputFrom != "" {
			upstream, ok = fc.Outputs[current.InputFrom]
			if !ok {
				return e.fail(ctx, flow, fc, current, nil,
					sdk.Errf(sdk.ErrMissingUpstream, "node %s has not produced output", current.InputFrom), traceID, log)
			}
		}

		// Non-empty parameters are the primary input; otherwise the
		// upstream output is fed through as-is.
		var raw map[string]sdk.Value
		switch {
		case len(current.Parameters) > 0:
			raw = current.Parameters
		case upstream != nil:
			raw = cloneOutput(upstream)
		default:
			raw = map[string]sdk.Value{}
		}

		snapshot := renderer.Snapshot(fc)
		rendered := renderer.Render(raw, snapshot)

		if execErr := checkRequired(handler, rendered); execErr != nil {
			return e.fail(ctx, flow, fc, current, rendered, execErr, traceID, log)
		}

		req := &hoops.Request{
			Flow:     flow,
			Node:     current,
			Input:    rendered,
			Upstream: upstream,
			Context:  fc,
			Snapshot: snapshot,
		}

		start := time.Now()
		var result *hoops.Result
		var execErr *sdk.ExecError

		if handler.Classification() == hoops.Branch {
			var err error
			result, err = handler.Execute(ctx, req)
			if err != nil {
				execErr = e.classify(err, ctx)
			}
		} else {
			result, execErr = e.invoke(ctx, handler, req)
		}
		e.metrics.NodeDuration.WithLabelValues(current.ID, current.Hoop).Observe(time.Since(start).Seconds())

		if execErr != nil {
			return e.fail(ctx, flow, fc, current, rendered, execErr, traceID, log)
		}

		var nextHint string
		if result != nil {
			nextHint = result.NextID
		}

		if handler.Classification() != hoops.Branch {
			output := map[string]sdk.Value{}
			if result != nil && result.Output != nil {
				output = result.Output
			}
			fc.Outputs[current.ID] = output
			lastOutput = output
			e.emit(ctx, flow, fc, current, rendered, output, sdk.StatusSuccess, "", traceID)
		} else {
			e.emit(ctx, flow, fc, current, rendered, nil, sdk.StatusSuccess, "", traceID)
		}

		next, routeErr := e.next(flow, current, nextHint)
		if routeErr != nil {
			return e.fail(ctx, flow, fc, current, rendered, routeErr, traceID, log)
		}
		current = next
	}

	return e.finish(flow, lastOutput, fc, log)
}

// invoke runs an action handler under its deadline, retrying only
// remote_unavailable with exponential backoff inside the same budget.
func (e *Engine) invoke(ctx context.Context, handler hoops.Handler, req *hoops.Request) (*hoops.Result, *sdk.ExecError) {
	timeout := handler.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.NodeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := e.cfg.BackoffBase
	var lastErr *sdk.ExecError

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result, err := handler.Execute(cctx, req)
		if err == nil {
			return result, nil
		}

		execErr := e.classify(err, ctx)
		if execErr.Kind != sdk.ErrRemoteUnavailable {
			return nil, execErr
		}
		lastErr = execErr

		if attempt == e.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-cctx.Done():
			return nil, e.classify(cctx.Err(), ctx)
		}

		backoff = time.Duration(float64(backoff) * e.cfg.BackoffFactor)
		if backoff > e.cfg.BackoffCap {
			backoff = e.cfg.BackoffCap
		}
	}

	return nil, lastErr
}

// classify normalizes handler errors. A deadline hit while the run context
// itself is done is the flow deadline, not the node's.
func (e *Engine) classify(err error, runCtx context.Context) *sdk.ExecError {
	var execErr *sdk.ExecError
	if errors.As(err, &execErr) {
		if execErr.Kind == sdk.ErrTimeout && runCtx.Err() != nil {
			return sdk.Errf(sdk.ErrFlowTimeout, "flow deadline exceeded")
		}
		return execErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if runCtx.Err() != nil {
			return sdk.Errf(sdk.ErrFlowTimeout, "flow deadline exceeded")
		}
		return sdk.Errf(sdk.ErrTimeout, "node deadline exceeded")
	}

	return sdk.Errf(sdk.ErrRemoteError, "%v", err)
}

// next resolves the routing precedence: handler next id, then jump_to, then
// the positionally next node, then end.
func (e *Engine) next(flow *sdk.Flow, node *sdk.Node, handlerNext string) (*sdk.Node, *sdk.ExecError) {
	if handlerNext != "" {
		n, ok := flow.Node(handlerNext)
		if !ok {
			return nil, sdk.Errf(sdk.ErrDanglingNext, "next id points to unknown node: %s", handlerNext)
		}
		return n, nil
	}
	if node.JumpTo != "" {
		n, ok := flow.Node(node.JumpTo)
		if !ok {
			return nil, sdk.Errf(sdk.ErrDanglingNext, "jump_to points to unknown node: %s", node.JumpTo)
		}
		return n, nil
	}
	return flow.After(node.ID), nil
}

func (e *Engine) finish(flow *sdk.Flow, lastOutput map[string]sdk.Value, fc *sdk.FlowContext, log *logger.Logger) (map[string]sdk.Value, string, error) {
	e.metrics.FlowExecutions.WithLabelValues(flow.FlowID, sdk.StatusSuccess).Inc()

	final := lastOutput
	if final == nil {
		final = fc.Outputs[terminalNodeID]
	}

	log.Info("flow finished", "status", sdk.StatusSuccess)
	return final, sdk.StatusSuccess, nil
}

func (e *Engine) fail(ctx context.Context, flow *sdk.Flow, fc *sdk.FlowContext, node *sdk.Node, input map[string]sdk.Value, execErr *sdk.ExecError, traceID string, log *logger.Logger) (map[string]sdk.Value, string, error) {
	execErr.NodeID = node.ID
	execErr.Hoop = node.Hoop

	e.emit(ctx, flow, fc, node, input, nil, sdk.StatusFail, execErr.Error(), traceID)
	e.metrics.FlowExecutions.WithLabelValues(flow.FlowID, sdk.StatusFail).Inc()

	log.Error("flow failed", "node_id", node.ID, "hoop", node.Hoop, "kind", string(execErr.Kind), "error", execErr.Message)
	return nil, sdk.StatusFail, execErr
}

// emit hands one execution event to the publisher. Publication failures are
// recorded but never fail the node. Events survive run-context cancellation
// so a flow-timeout failure is still reported.
func (e *Engine) emit(ctx context.Context, flow *sdk.Flow, fc *sdk.FlowContext, node *sdk.Node, input, output map[string]sdk.Value, status, errMsg, traceID string) {
	event := sdk.ExecutionEvent{
		EventID:   uuid.NewString(),
		TraceID:   traceID,
		FlowID:    flow.FlowID,
		NodeID:    node.ID,
		Hoop:      node.Hoop,
		Input:     input,
		Output:    output,
		UserID:    fc.UserID,
		TenantID:  fc.TenantID,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.log.Error("encode execution event", "node_id", node.ID, "error", err)
		return
	}

	if err := e.publisher.Publish(context.WithoutCancel(ctx), fc.UserID, payload); err != nil {
		e.metrics.PublishFailures.Inc()
		e.log.Warn("event publish failed", "node_id", node.ID, "error", err)
	}
}

// checkRequired surfaces handler contract violations uniformly before the
// handler runs.
func checkRequired(handler hoops.Handler, input map[string]sdk.Value) *sdk.ExecError {
	for _, field := range handler.RequiredFields() {
		v, ok := input[field]
		if !ok || v.IsNull() {
			return sdk.Errf(sdk.ErrInvalidInput, "missing required field: %s", field)
		}
	}
	return nil
}

// promoteIdentity fills empty identity fields from the execution input,
// preferring top-level keys over the nested input map. First write wins;
// identities seeded by the flow are never overridden.
func promoteIdentity(fc *sdk.FlowContext) {
	promote := func(key string, dst *string) {
		if *dst != "" {
			return
		}
		if v, ok := fc.Input[key]; ok {
			if s, isStr := v.AsString(); isStr && s != "" {
				*dst = s
				return
			}
		}
		nested, ok := fc.Input["input"]
		if !ok {
			return
		}
		obj, isObj := nested.AsObject()
		if !isObj {
			return
		}
		if v, ok := obj[key]; ok {
			if s, isStr := v.AsString(); isStr && s != "" {
				*dst = s
			}
		}
	}

	promote("user_id", &fc.UserID)
	promote("tenant_id", &fc.TenantID)
	promote("session_id", &fc.SessionID)
}

func cloneOutput(m map[string]sdk.Value) map[string]sdk.Value {
	out := make(map[string]sdk.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
