package hoops

import (
	"context"
	"time"

	"github.com/botkita/flowcore/common/sdk"
)

// IfNode compares one field of the upstream output against a rendered value
// and routes to true_path or false_path. It records no output.
//
// Comparison rules: when both operands are numbers, all six operators apply
// numerically. Otherwise == and != compare the textual forms, and the
// ordering operators fail with invalid_input. There is no implicit parsing
// of numeric strings.
type IfNode struct{}

// NewIfNode creates the branch handler
func NewIfNode() *IfNode {
	return &IfNode{}
}

func (h *IfNode) Kind() string                   { return "IfNode" }
func (h *IfNode) Classification() Classification { return Branch }
func (h *IfNode) RequiredFields() []string       { return []string{"field", "operator", "value"} }
func (h *IfNode) Timeout() time.Duration         { return 0 }

func (h *IfNode) Execute(_ context.Context, req *Request) (*Result, error) {
	field, err := stringField(req.Input, "field")
	if err != nil {
		return nil, err
	}
	operator, err := stringField(req.Input, "operator")
	if err != nil {
		return nil, err
	}

	if req.Upstream == nil {
		return nil, sdk.Errf(sdk.ErrInvalidInput, "IfNode requires input_from")
	}

	left, ok := req.Upstream[field]
	if !ok {
		return nil, sdk.Errf(sdk.ErrInvalidInput, "upstream output has no field: %s", field)
	}
	right := req.Input["value"]

	match, err := compare(left, right, operator)
	if err != nil {
		return nil, err
	}

	next := req.Node.FalsePath
	if match {
		next = req.Node.TruePath
	}
	return &Result{NextID: next}, nil
}

func compare(left, right sdk.Value, operator string) (bool, error) {
	lnum, lok := left.AsNumber()
	rnum, rok := right.AsNumber()

	if lok && rok {
		switch operator {
		case "==":
			return lnum == rnum, nil
		case "!=":
			return lnum != rnum, nil
		case ">":
			return lnum > rnum, nil
		case "<":
			return lnum < rnum, nil
		case ">=":
			return lnum >= rnum, nil
		case "<=":
			return lnum <= rnum, nil
		default:
			return false, sdk.Errf(sdk.ErrInvalidInput, "unknown operator: %s", operator)
		}
	}

	switch operator {
	case "==":
		return left.Text() == right.Text(), nil
	case "!=":
		return left.Text() != right.Text(), nil
	case ">", "<", ">=", "<=":
		return false, sdk.Errf(sdk.ErrInvalidInput, "operator %s requires numeric operands", operator)
	default:
		return false, sdk.Errf(sdk.ErrInvalidInput, "unknown operator: %s", operator)
	}
}
