package renderer

import (
	"regexp"

	"github.com/botkita/flowcore/common/sdk"
)

// Renderer handles placeholder substitution in node parameters.
// A placeholder is {{dotted.path}}; segments are [A-Za-z0-9_]+. Only
// top-level string values of the parameter map are scanned, so nested maps
// used as structured payloads pass through untouched. Paths that do not
// resolve leave the placeholder literal; optional variables are a feature,
// and handlers validate their own required inputs.

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

var pathSegmentPattern = regexp.MustCompile(`[^.]+`)

// Render resolves all placeholders in the top-level string values of params
// against the snapshot. Non-string values are returned unchanged.
func Render(params map[string]sdk.Value, snapshot map[string]sdk.Value) map[string]sdk.Value {
	rendered := make(map[string]sdk.Value, len(params))
	for key, value := range params {
		s, ok := value.AsString()
		if !ok {
			rendered[key] = value
			continue
		}
		rendered[key] = sdk.String(RenderString(s, snapshot))
	}
	return rendered
}

// RenderString substitutes every resolvable placeholder in one string.
func RenderString(s string, snapshot map[string]sdk.Value) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := Resolve(snapshot, path)
		if !ok {
			// Unresolved placeholders stay literal
			return match
		}
		return value.Text()
	})
}

// Resolve walks a dotted path through the snapshot. Every intermediate step
// must be an object containing the next segment.
func Resolve(snapshot map[string]sdk.Value, path string) (sdk.Value, bool) {
	segments := pathSegmentPattern.FindAllString(path, -1)
	if len(segments) == 0 {
		return sdk.Null(), false
	}

	current, ok := snapshot[segments[0]]
	if !ok {
		return sdk.Null(), false
	}

	for _, segment := range segments[1:] {
		obj, isObj := current.AsObject()
		if !isObj {
			return sdk.Null(), false
		}
		current, ok = obj[segment]
		if !ok {
			return sdk.Null(), false
		}
	}

	return current, true
}

// Snapshot builds the per-node context view: identity fields, then the
// entries of the execution input spread into the root, then per-node outputs
// keyed by node id. Later keys win. The caller-supplied input is also
// exposed as a nested "input" map unless the input itself carries one, so
// both {{user_id}} and {{input.user_id}} resolve.
func Snapshot(fc *sdk.FlowContext) map[string]sdk.Value {
	snap := make(map[string]sdk.Value, len(fc.Input)+len(fc.Outputs)+4)

	snap["user_id"] = sdk.String(fc.UserID)
	snap["tenant_id"] = sdk.String(fc.TenantID)
	snap["session_id"] = sdk.String(fc.SessionID)

	for k, v := range fc.Input {
		snap[k] = v
	}

	if _, ok := snap["input"]; !ok {
		snap["input"] = sdk.Object(fc.Input)
	}

	for nodeID, output := range fc.Outputs {
		snap[nodeID] = sdk.Object(output)
	}

	return snap
}
