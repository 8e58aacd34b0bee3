package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/botkita/flowcore/cmd/flowrunner/hoops"
	"github.com/botkita/flowcore/cmd/flowrunner/loader"
	"github.com/botkita/flowcore/common/config"
	"github.com/botkita/flowcore/common/logger"
	"github.com/botkita/flowcore/common/metrics"
	"github.com/botkita/flowcore/common/queue"
	"github.com/botkita/flowcore/common/sdk"
)

type stubHandler struct {
	kind     string
	class    hoops.Classification
	required []string
	timeout  time.Duration
	fn       func(ctx context.Context, req *hoops.Request) (*hoops.Result, error)
}

func (h *stubHandler) Kind() string                         { return h.kind }
func (h *stubHandler) Classification() hoops.Classification { return h.class }
func (h *stubHandler) RequiredFields() []string             { return h.required }
func (h *stubHandler) Timeout() time.Duration               { return h.timeout }
func (h *stubHandler) Execute(ctx context.Context, req *hoops.Request) (*hoops.Result, error) {
	return h.fn(ctx, req)
}

func action(kind string, fn func(ctx context.Context, req *hoops.Request) (*hoops.Result, error)) *stubHandler {
	return &stubHandler{kind: kind, class: hoops.Action, fn: fn}
}

func fixedOutput(kind string, output map[string]sdk.Value) *stubHandler {
	return action(kind, func(context.Context, *hoops.Request) (*hoops.Result, error) {
		return &hoops.Result{Output: output}, nil
	})
}

// recorder collects published events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []sdk.ExecutionEvent
	keys   []string
}

func (r *recorder) Publish(_ context.Context, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var event sdk.ExecutionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	r.events = append(r.events, event)
	r.keys = append(r.keys, key)
	return nil
}

func (r *recorder) all() []sdk.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sdk.ExecutionEvent(nil), r.events...)
}

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		NodeTimeout:   250 * time.Millisecond,
		FlowTimeout:   5 * time.Second,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Millisecond,
		BackoffFactor: 2,
		BackoffCap:    10 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, handlers ...hoops.Handler) (*Engine, *recorder, *metrics.Metrics) {
	t.Helper()

	registry := hoops.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, registry.Register(h))
	}

	rec := &recorder{}
	m := metrics.New(nil)
	eng := New(registry, rec, m, logger.New("error", "json"), cfg)
	return eng, rec, m
}

func mustParse(t *testing.T, doc string) *sdk.Flow {
	t.Helper()
	flow, err := loader.Parse([]byte(doc))
	require.NoError(t, err)
	return flow
}

func TestRunFAQFlow(t *testing.T) {
	var gotQuery, gotTenant string
	fetch := action("rag_search_faq", func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
		gotQuery = req.Input["query"].Text()
		gotTenant = req.Input["tenant_id"].Text()
		return &hoops.Result{Output: map[string]sdk.Value{"answer": sdk.String("08:00-17:00")}}, nil
	})

	memq := queue.NewMemoryQueue(logger.New("error", "json"))
	reply := hoops.NewSendBotReply(memq, "bot.replies", 0)

	eng, rec, _ := newTestEngine(t, testConfig(), fetch, reply)

	flow := mustParse(t, `{
		"flow_id": "faq",
		"nodes": [
			{"id": "fetch", "hoop": "rag_search_faq", "parameters": {"query": "{{input.query}}", "tenant_id": "{{tenant_id}}"}},
			{"id": "reply", "hoop": "SendBotReply", "input_from": "fetch", "parameters": {"message": "{{fetch.answer}}"}}
		]
	}`)

	output, status, err := eng.Run(context.Background(), flow, sdk.ObjectFromAny(map[string]interface{}{
		"tenant_id": "t1",
		"input":     map[string]interface{}{"query": "jam buka"},
	}))
	require.NoError(t, err)
	require.Equal(t, sdk.StatusSuccess, status)

	require.Equal(t, "jam buka", gotQuery)
	require.Equal(t, "t1", gotTenant)
	require.Equal(t, "08:00-17:00", output["message"].Text())

	events := rec.all()
	require.Len(t, events, 2)
	for _, event := range events {
		require.Equal(t, sdk.StatusSuccess, event.Status)
		require.Equal(t, "t1", event.TenantID)
		require.Equal(t, "faq", event.FlowID)
		require.NotEmpty(t, event.EventID)
		require.NotEmpty(t, event.TraceID)
	}
	require.Equal(t, "fetch", events[0].NodeID)
	require.Equal(t, "reply", events[1].NodeID)
}

func TestBranchSelectsTruePath(t *testing.T) {
	var executed []string
	track := func(kind string, output map[string]sdk.Value) *stubHandler {
		return action(kind, func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
			executed = append(executed, req.Node.ID)
			return &hoops.Result{Output: output}, nil
		})
	}

	eng, rec, _ := newTestEngine(t, testConfig(),
		track("score", map[string]sdk.Value{"score": sdk.Number(0.82)}),
		hoops.NewIfNode(),
		track("done", map[string]sdk.Value{"path": sdk.String("taken")}),
	)

	flow := mustParse(t, `{
		"flow_id": "branching",
		"nodes": [
			{"id": "score", "hoop": "score"},
			{"id": "chk", "hoop": "IfNode", "input_from": "score",
			 "parameters": {"field": "score", "operator": ">=", "value": 0.7},
			 "true_path": "ok", "false_path": "fallback"},
			{"id": "fallback", "hoop": "done"},
			{"id": "ok", "hoop": "done"}
		]
	}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Equal(t, sdk.StatusSuccess, status)
	require.Equal(t, []string{"score", "ok"}, executed)

	// The branch emits an event too, with no output
	events := rec.all()
	require.Len(t, events, 3)
	require.Equal(t, "chk", events[1].NodeID)
	require.Nil(t, events[1].Output)
}

func TestRoutingPrecedence(t *testing.T) {
	var executed []string
	record := func(next string) *stubHandler {
		h := action("", nil)
		h.fn = func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
			executed = append(executed, req.Node.ID)
			return &hoops.Result{Output: map[string]sdk.Value{}, NextID: next}, nil
		}
		return h
	}

	jumper := record("c") // handler next id beats jump_to
	jumper.kind = "jumper"
	plain := record("")
	plain.kind = "plain"

	eng, _, _ := newTestEngine(t, testConfig(), jumper, plain)

	flow := mustParse(t, `{
		"flow_id": "routing",
		"nodes": [
			{"id": "a", "hoop": "jumper", "jump_to": "d"},
			{"id": "b", "hoop": "plain"},
			{"id": "c", "hoop": "plain", "jump_to": "e"},
			{"id": "d", "hoop": "plain"},
			{"id": "e", "hoop": "plain"}
		]
	}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Equal(t, sdk.StatusSuccess, status)
	require.Equal(t, []string{"a", "c", "e"}, executed)
}

func TestMissingUpstreamOutput(t *testing.T) {
	eng, rec, m := newTestEngine(t, testConfig(),
		fixedOutput("act", map[string]sdk.Value{}),
	)

	flow := mustParse(t, `{
		"flow_id": "upstream",
		"nodes": [
			{"id": "use", "hoop": "act", "input_from": "later"},
			{"id": "later", "hoop": "act"}
		]
	}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.Equal(t, sdk.StatusFail, status)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrMissingUpstream, execErr.Kind)
	require.Equal(t, "use", execErr.NodeID)

	events := rec.all()
	require.Len(t, events, 1)
	require.Equal(t, sdk.StatusFail, events[0].Status)
	require.Equal(t, "use", events[0].NodeID)

	require.Equal(t, float64(1), testutil.ToFloat64(m.FlowExecutions.WithLabelValues("upstream", sdk.StatusFail)))
}

func TestRetryOnRemoteUnavailable(t *testing.T) {
	attempts := 0
	flaky := action("flaky", func(context.Context, *hoops.Request) (*hoops.Result, error) {
		attempts++
		if attempts < 3 {
			return nil, sdk.Errf(sdk.ErrRemoteUnavailable, "connection refused")
		}
		return &hoops.Result{Output: map[string]sdk.Value{"ok": sdk.Bool(true)}}, nil
	})

	eng, _, _ := newTestEngine(t, testConfig(), flaky)
	flow := mustParse(t, `{"flow_id": "retry", "nodes": [{"id": "a", "hoop": "flaky"}]}`)

	start := time.Now()
	_, status, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Equal(t, sdk.StatusSuccess, status)
	require.Equal(t, 3, attempts)
	// Two backoff waits happened (2ms then 4ms)
	require.GreaterOrEqual(t, time.Since(start), 6*time.Millisecond)
}

func TestRetryExhaustion(t *testing.T) {
	attempts := 0
	down := action("down", func(context.Context, *hoops.Request) (*hoops.Result, error) {
		attempts++
		return nil, sdk.Errf(sdk.ErrRemoteUnavailable, "connection refused")
	})

	eng, _, _ := newTestEngine(t, testConfig(), down)
	flow := mustParse(t, `{"flow_id": "retry", "nodes": [{"id": "a", "hoop": "down"}]}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.Equal(t, sdk.StatusFail, status)
	require.Equal(t, 3, attempts)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrRemoteUnavailable, execErr.Kind)
}

func TestNoRetryOnRemoteError(t *testing.T) {
	attempts := 0
	broken := action("broken", func(context.Context, *hoops.Request) (*hoops.Result, error) {
		attempts++
		return nil, sdk.Errf(sdk.ErrRemoteError, "peer said no")
	})

	eng, _, _ := newTestEngine(t, testConfig(), broken)
	flow := mustParse(t, `{"flow_id": "noretry", "nodes": [{"id": "a", "hoop": "broken"}]}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.Equal(t, sdk.StatusFail, status)
	require.Equal(t, 1, attempts)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrRemoteError, execErr.Kind)
}

func TestNodeDeadline(t *testing.T) {
	attempts := 0
	slow := &stubHandler{kind: "slow", class: hoops.Action, timeout: 60 * time.Millisecond}
	slow.fn = func(ctx context.Context, _ *hoops.Request) (*hoops.Result, error) {
		attempts++
		select {
		case <-time.After(30 * time.Second):
			return &hoops.Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	eng, _, _ := newTestEngine(t, testConfig(), slow)
	flow := mustParse(t, `{"flow_id": "deadline", "nodes": [{"id": "a", "hoop": "slow"}]}`)

	start := time.Now()
	_, status, err := eng.Run(context.Background(), flow, nil)
	elapsed := time.Since(start)

	require.Equal(t, sdk.StatusFail, status)
	require.Equal(t, 1, attempts, "timeouts are not retried")
	require.Less(t, elapsed, 2*time.Second)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrTimeout, execErr.Kind)
}

func TestFlowDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.FlowTimeout = 50 * time.Millisecond
	cfg.NodeTimeout = 10 * time.Second

	slow := action("slow", func(ctx context.Context, _ *hoops.Request) (*hoops.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	eng, _, _ := newTestEngine(t, cfg, slow)
	flow := mustParse(t, `{"flow_id": "flowdeadline", "nodes": [{"id": "a", "hoop": "slow"}]}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.Equal(t, sdk.StatusFail, status)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrFlowTimeout, execErr.Kind)
}

func TestEmptyHoopSkipped(t *testing.T) {
	var executed []string
	track := action("act", nil)
	track.fn = func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
		executed = append(executed, req.Node.ID)
		return &hoops.Result{Output: map[string]sdk.Value{}}, nil
	}

	eng, rec, _ := newTestEngine(t, testConfig(), track)

	flow := mustParse(t, `{
		"flow_id": "skip",
		"nodes": [
			{"id": "a", "hoop": "act"},
			{"id": "gap"},
			{"id": "b", "hoop": "act"}
		]
	}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Equal(t, sdk.StatusSuccess, status)
	require.Equal(t, []string{"a", "b"}, executed)

	events := rec.all()
	require.Len(t, events, 2, "pass-through nodes emit no events")
	for _, event := range events {
		require.NotEqual(t, "gap", event.NodeID)
	}
}

func TestUnknownHoop(t *testing.T) {
	eng, rec, _ := newTestEngine(t, testConfig())
	flow := mustParse(t, `{"flow_id": "unknown", "nodes": [{"id": "a", "hoop": "ghost"}]}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.Equal(t, sdk.StatusFail, status)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrUnknownHoop, execErr.Kind)
	require.Len(t, rec.all(), 1)
}

func TestDanglingHandlerNext(t *testing.T) {
	rogue := action("rogue", func(context.Context, *hoops.Request) (*hoops.Result, error) {
		return &hoops.Result{Output: map[string]sdk.Value{}, NextID: "nowhere"}, nil
	})

	eng, _, _ := newTestEngine(t, testConfig(), rogue)
	flow := mustParse(t, `{"flow_id": "dangling", "nodes": [{"id": "a", "hoop": "rogue"}]}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.Equal(t, sdk.StatusFail, status)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrDanglingNext, execErr.Kind)
}

func TestRequiredFieldsChecked(t *testing.T) {
	strict := &stubHandler{kind: "strict", class: hoops.Action, required: []string{"message"}}
	strict.fn = func(context.Context, *hoops.Request) (*hoops.Result, error) {
		t.Fatalf("handler must not run without required fields")
		return nil, nil
	}

	eng, _, _ := newTestEngine(t, testConfig(), strict)
	flow := mustParse(t, `{"flow_id": "strict", "nodes": [{"id": "a", "hoop": "strict", "parameters": {"other": "x"}}]}`)

	_, status, err := eng.Run(context.Background(), flow, nil)
	require.Equal(t, sdk.StatusFail, status)

	var execErr *sdk.ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, sdk.ErrInvalidInput, execErr.Kind)
}

func TestIdentityPromotion(t *testing.T) {
	var seenTenant, seenUser string
	probe := action("probe", func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
		seenTenant = req.Context.TenantID
		seenUser = req.Context.UserID
		return &hoops.Result{Output: map[string]sdk.Value{}}, nil
	})

	eng, rec, _ := newTestEngine(t, testConfig(), probe)
	flow := mustParse(t, `{"flow_id": "identity", "nodes": [{"id": "a", "hoop": "probe"}]}`)

	_, _, err := eng.Run(context.Background(), flow, sdk.ObjectFromAny(map[string]interface{}{
		"input": map[string]interface{}{"tenant_id": "t9", "user_id": "u9"},
	}))
	require.NoError(t, err)
	require.Equal(t, "t9", seenTenant)
	require.Equal(t, "u9", seenUser)

	events := rec.all()
	require.Equal(t, "t9", events[0].TenantID)
	require.Equal(t, "u9", events[0].UserID)
	require.Equal(t, []string{"u9"}, rec.keys, "events are keyed by user id")
}

func TestSeededIdentityNotOverridden(t *testing.T) {
	var seenTenant string
	probe := action("probe", func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
		seenTenant = req.Context.TenantID
		return &hoops.Result{Output: map[string]sdk.Value{}}, nil
	})

	eng, _, _ := newTestEngine(t, testConfig(), probe)
	flow := mustParse(t, `{
		"flow_id": "seeded",
		"context": {"tenant_id": "seeded"},
		"nodes": [{"id": "a", "hoop": "probe"}]
	}`)

	_, _, err := eng.Run(context.Background(), flow, sdk.ObjectFromAny(map[string]interface{}{
		"input": map[string]interface{}{"tenant_id": "t9"},
	}))
	require.NoError(t, err)
	require.Equal(t, "seeded", seenTenant)
}

func TestMetricTotality(t *testing.T) {
	ok := fixedOutput("ok", map[string]sdk.Value{})
	eng, _, m := newTestEngine(t, testConfig(), ok)
	flow := mustParse(t, `{"flow_id": "metered", "nodes": [{"id": "a", "hoop": "ok"}]}`)

	_, _, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	_, _, err = eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)

	require.Equal(t, float64(2), testutil.ToFloat64(m.FlowExecutions.WithLabelValues("metered", sdk.StatusSuccess)))
	require.Equal(t, float64(0), testutil.ToFloat64(m.FlowExecutions.WithLabelValues("metered", sdk.StatusFail)))
}

func TestOutputAddressability(t *testing.T) {
	producer := fixedOutput("producer", map[string]sdk.Value{
		"answer": sdk.String("yes"),
		"score":  sdk.Number(0.5),
	})

	var rendered string
	consumer := action("consumer", func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
		rendered = req.Input["text"].Text()
		return &hoops.Result{Output: map[string]sdk.Value{}}, nil
	})

	eng, _, _ := newTestEngine(t, testConfig(), producer, consumer)
	flow := mustParse(t, `{
		"flow_id": "address",
		"nodes": [
			{"id": "first", "hoop": "producer"},
			{"id": "second", "hoop": "consumer", "parameters": {"text": "{{first.answer}}/{{first.score}}"}}
		]
	}`)

	_, _, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Equal(t, "yes/0.5", rendered)
}

func TestUpstreamFedThroughWhenNoParameters(t *testing.T) {
	producer := fixedOutput("producer", map[string]sdk.Value{"answer": sdk.String("x")})

	var got map[string]sdk.Value
	consumer := action("consumer", func(_ context.Context, req *hoops.Request) (*hoops.Result, error) {
		got = req.Input
		return &hoops.Result{Output: map[string]sdk.Value{}}, nil
	})

	eng, _, _ := newTestEngine(t, testConfig(), producer, consumer)
	flow := mustParse(t, `{
		"flow_id": "feed",
		"nodes": [
			{"id": "first", "hoop": "producer"},
			{"id": "second", "hoop": "consumer", "input_from": "first"}
		]
	}`)

	_, _, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Equal(t, "x", got["answer"].Text())
}

func TestPublisherFailureDoesNotFailRun(t *testing.T) {
	registry := hoops.NewRegistry()
	require.NoError(t, registry.Register(fixedOutput("ok", map[string]sdk.Value{})))

	m := metrics.New(nil)
	eng := New(registry, failingPublisher{}, m, logger.New("error", "json"), testConfig())

	flow := mustParse(t, `{"flow_id": "pubfail", "nodes": [{"id": "a", "hoop": "ok"}]}`)
	_, status, err := eng.Run(context.Background(), flow, nil)
	require.NoError(t, err)
	require.Equal(t, sdk.StatusSuccess, status)
	require.Equal(t, float64(1), testutil.ToFloat64(m.PublishFailures))
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("sink unreachable")
}
