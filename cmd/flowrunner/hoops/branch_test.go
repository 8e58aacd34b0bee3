package hoops

import (
	"context"
	"errors"
	"testing"

	"github.com/botkita/flowcore/common/sdk"
)

func branchRequest(field, operator string, value sdk.Value, upstream map[string]sdk.Value) *Request {
	return &Request{
		Node: &sdk.Node{
			ID:        "chk",
			Hoop:      "IfNode",
			InputFrom: "score",
			TruePath:  "ok",
			FalsePath: "fallback",
		},
		Input: map[string]sdk.Value{
			"field":    sdk.String(field),
			"operator": sdk.String(operator),
			"value":    value,
		},
		Upstream: upstream,
		Context:  sdk.NewFlowContext(nil),
	}
}

func TestIfNodeNumericComparison(t *testing.T) {
	upstream := map[string]sdk.Value{"score": sdk.Number(0.82)}

	tests := []struct {
		operator string
		value    float64
		wantNext string
	}{
		{">=", 0.7, "ok"},
		{">", 0.82, "fallback"},
		{"<", 1, "ok"},
		{"<=", 0.5, "fallback"},
		{"==", 0.82, "ok"},
		{"!=", 0.82, "fallback"},
	}

	h := NewIfNode()
	for _, tt := range tests {
		t.Run(tt.operator, func(t *testing.T) {
			req := branchRequest("score", tt.operator, sdk.Number(tt.value), upstream)
			res, err := h.Execute(context.Background(), req)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if res.NextID != tt.wantNext {
				t.Errorf("next = %q, want %q", res.NextID, tt.wantNext)
			}
			if res.Output != nil {
				t.Errorf("branch must not produce output")
			}
		})
	}
}

func TestIfNodeStringEquality(t *testing.T) {
	upstream := map[string]sdk.Value{"emotion": sdk.String("angry")}
	h := NewIfNode()

	res, err := h.Execute(context.Background(), branchRequest("emotion", "==", sdk.String("angry"), upstream))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.NextID != "ok" {
		t.Errorf("next = %q, want ok", res.NextID)
	}

	res, err = h.Execute(context.Background(), branchRequest("emotion", "!=", sdk.String("calm"), upstream))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.NextID != "ok" {
		t.Errorf("next = %q, want ok", res.NextID)
	}
}

func TestIfNodeNoStringCoercion(t *testing.T) {
	// "0.9" stays a string, so ordering against a number is a contract error
	upstream := map[string]sdk.Value{"score": sdk.String("0.9")}
	h := NewIfNode()

	_, err := h.Execute(context.Background(), branchRequest("score", ">=", sdk.Number(0.7), upstream))
	assertErrKind(t, err, sdk.ErrInvalidInput)
}

func TestIfNodeErrors(t *testing.T) {
	h := NewIfNode()
	upstream := map[string]sdk.Value{"score": sdk.Number(1)}

	t.Run("unknown operator", func(t *testing.T) {
		_, err := h.Execute(context.Background(), branchRequest("score", "~=", sdk.Number(1), upstream))
		assertErrKind(t, err, sdk.ErrInvalidInput)
	})

	t.Run("missing field in upstream", func(t *testing.T) {
		_, err := h.Execute(context.Background(), branchRequest("ghost", "==", sdk.Number(1), upstream))
		assertErrKind(t, err, sdk.ErrInvalidInput)
	})

	t.Run("no upstream", func(t *testing.T) {
		_, err := h.Execute(context.Background(), branchRequest("score", "==", sdk.Number(1), nil))
		assertErrKind(t, err, sdk.ErrInvalidInput)
	})
}

func TestCelNode(t *testing.T) {
	h := NewCelNode()
	req := &Request{
		Node: &sdk.Node{ID: "chk", Hoop: "CelNode", TruePath: "ok", FalsePath: "fallback"},
		Input: map[string]sdk.Value{
			"expression": sdk.String(`output.score >= 0.7 && ctx.tenant_id == "t1"`),
		},
		Upstream: map[string]sdk.Value{"score": sdk.Number(0.82)},
		Snapshot: map[string]sdk.Value{"tenant_id": sdk.String("t1")},
		Context:  sdk.NewFlowContext(nil),
	}

	res, err := h.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.NextID != "ok" {
		t.Errorf("next = %q, want ok", res.NextID)
	}

	// Same expression again comes from the program cache
	if _, err := h.Execute(context.Background(), req); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if h.CacheSize() != 1 {
		t.Errorf("cache size = %d, want 1", h.CacheSize())
	}
}

func TestCelNodeNonBooleanExpression(t *testing.T) {
	h := NewCelNode()
	req := &Request{
		Node:     &sdk.Node{ID: "chk", Hoop: "CelNode"},
		Input:    map[string]sdk.Value{"expression": sdk.String(`output.score`)},
		Upstream: map[string]sdk.Value{"score": sdk.Number(1)},
		Snapshot: map[string]sdk.Value{},
		Context:  sdk.NewFlowContext(nil),
	}

	_, err := h.Execute(context.Background(), req)
	assertErrKind(t, err, sdk.ErrInvalidInput)
}

func assertErrKind(t *testing.T, err error, kind sdk.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error of kind %s", kind)
	}
	var execErr *sdk.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error is %T, want *sdk.ExecError", err)
	}
	if execErr.Kind != kind {
		t.Errorf("kind = %s, want %s", execErr.Kind, kind)
	}
}
