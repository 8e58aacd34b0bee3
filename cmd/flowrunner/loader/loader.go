package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/botkita/flowcore/common/sdk"
)

// LoadErrorKind classifies structural load failures.
type LoadErrorKind string

const (
	ErrMalformed   LoadErrorKind = "malformed"
	ErrMissing     LoadErrorKind = "missing_field"
	ErrDuplicateID LoadErrorKind = "duplicate_id"
	ErrDanglingRef LoadErrorKind = "dangling_reference"
)

// LoadError names the offending field of a flow that failed to load. No
// partial flows are ever returned alongside one.
type LoadError struct {
	Kind    LoadErrorKind
	Field   string
	Message string
}

func (e *LoadError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Field, e.Message)
}

func loadErrf(kind LoadErrorKind, field, format string, args ...interface{}) *LoadError {
	return &LoadError{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Parse decodes a textual flow and validates it. Unknown fields are ignored.
func Parse(data []byte) (*sdk.Flow, error) {
	var flow sdk.Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, loadErrf(ErrMalformed, "", "decode flow: %v", err)
	}

	if err := Validate(&flow); err != nil {
		return nil, err
	}

	flow.BuildIndex()
	return &flow, nil
}

// ParseFile reads and parses a textual flow file.
func ParseFile(path string) (*sdk.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErrf(ErrMalformed, "", "read flow file: %v", err)
	}
	return Parse(data)
}

// Load decodes a flow from either form, sniffing the leading byte: a JSON
// object starts with '{', anything else is treated as the binary wire form.
func Load(data []byte) (*sdk.Flow, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return Parse(data)
	}
	return DecodeBinary(data)
}

// LoadFile reads a flow file in either form.
func LoadFile(path string) (*sdk.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErrf(ErrMalformed, "", "read flow file: %v", err)
	}
	return Load(data)
}

// ApplyOverrides merge-patches a textual flow document before it is parsed,
// so callers can override parameters per run without rewriting the file.
func ApplyOverrides(doc, patch []byte) ([]byte, error) {
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, loadErrf(ErrMalformed, "", "apply overrides: %v", err)
	}
	return merged, nil
}

// Validate asserts the structural invariants of a flow: non-empty flow_id,
// at least one node, unique node ids, and every node reference resolving to
// an existing id.
func Validate(flow *sdk.Flow) error {
	if flow.FlowID == "" {
		return loadErrf(ErrMissing, "flow_id", "flow_id must be non-empty")
	}

	if len(flow.Nodes) == 0 {
		return loadErrf(ErrMissing, "nodes", "flow must declare at least one node")
	}

	ids := make(map[string]bool, len(flow.Nodes))
	for _, node := range flow.Nodes {
		if node.ID == "" {
			return loadErrf(ErrMissing, "nodes.id", "node id must be non-empty")
		}
		if ids[node.ID] {
			return loadErrf(ErrDuplicateID, "nodes.id", "duplicate node id: %s", node.ID)
		}
		ids[node.ID] = true
	}

	for _, node := range flow.Nodes {
		refs := []struct {
			field  string
			target string
		}{
			{"input_from", node.InputFrom},
			{"true_path", node.TruePath},
			{"false_path", node.FalsePath},
			{"jump_to", node.JumpTo},
		}
		for _, ref := range refs {
			if ref.target == "" {
				continue
			}
			if !ids[ref.target] {
				return loadErrf(ErrDanglingRef, fmt.Sprintf("%s.%s", node.ID, ref.field),
					"%s references unknown node: %s", ref.field, ref.target)
			}
		}
	}

	return nil
}
