package loader

import (
	"encoding/json"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/botkita/flowcore/common/sdk"
)

// Binary wire form: the textual schema one-for-one, encoded as field-tagged,
// length-prefixed records. The whole payload carries a leading uvarint
// length so a reader can frame it inside a record stream. Field numbers are
// stable; parameters and the context input travel as embedded JSON so the
// two forms round-trip losslessly.

// Flow message fields.
const (
	fieldFlowID    = 1
	fieldTriggerID = 2
	fieldContext   = 3
	fieldNode      = 4
)

// Context message fields.
const (
	fieldCtxUserID    = 1
	fieldCtxTenantID  = 2
	fieldCtxSessionID = 3
	fieldCtxInput     = 4
)

// Node message fields.
const (
	fieldNodeID        = 1
	fieldNodeHoop      = 2
	fieldNodeParams    = 3
	fieldNodeInputFrom = 4
	fieldNodeTruePath  = 5
	fieldNodeFalsePath = 6
	fieldNodeJumpTo    = 7
)

// EncodeBinary serializes a flow into the binary wire form.
func EncodeBinary(flow *sdk.Flow) ([]byte, error) {
	var body []byte

	body = appendStringField(body, fieldFlowID, flow.FlowID)
	body = appendStringField(body, fieldTriggerID, flow.TriggerID)

	if flow.Context != nil {
		ctx, err := encodeContext(flow.Context)
		if err != nil {
			return nil, err
		}
		body = protowire.AppendTag(body, fieldContext, protowire.BytesType)
		body = protowire.AppendBytes(body, ctx)
	}

	for _, node := range flow.Nodes {
		rec, err := encodeNode(node)
		if err != nil {
			return nil, err
		}
		body = protowire.AppendTag(body, fieldNode, protowire.BytesType)
		body = protowire.AppendBytes(body, rec)
	}

	out := protowire.AppendVarint(nil, uint64(len(body)))
	return append(out, body...), nil
}

// DecodeBinary parses the binary wire form and validates the result.
func DecodeBinary(data []byte) (*sdk.Flow, error) {
	length, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, loadErrf(ErrMalformed, "", "truncated length prefix")
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, loadErrf(ErrMalformed, "", "payload shorter than declared length")
	}
	data = data[:length]

	flow := &sdk.Flow{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, loadErrf(ErrMalformed, "", "bad field tag")
		}
		data = data[n:]

		if typ != protowire.BytesType {
			return nil, loadErrf(ErrMalformed, "", "unexpected wire type %d for field %d", typ, num)
		}

		chunk, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, loadErrf(ErrMalformed, "", "truncated field %d", num)
		}
		data = data[n:]

		switch num {
		case fieldFlowID:
			flow.FlowID = string(chunk)
		case fieldTriggerID:
			flow.TriggerID = string(chunk)
		case fieldContext:
			ctx, err := decodeContext(chunk)
			if err != nil {
				return nil, err
			}
			flow.Context = ctx
		case fieldNode:
			node, err := decodeNode(chunk)
			if err != nil {
				return nil, err
			}
			flow.Nodes = append(flow.Nodes, node)
		default:
			// Unknown fields are ignored, matching the textual form
		}
	}

	if err := Validate(flow); err != nil {
		return nil, err
	}
	flow.BuildIndex()
	return flow, nil
}

// DecodeBinaryFile reads and parses a binary flow file.
func DecodeBinaryFile(path string) (*sdk.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErrf(ErrMalformed, "", "read flow file: %v", err)
	}
	return DecodeBinary(data)
}

// CompileFile converts a textual flow file into its binary form on disk.
func CompileFile(jsonPath, binPath string) error {
	flow, err := ParseFile(jsonPath)
	if err != nil {
		return err
	}

	data, err := EncodeBinary(flow)
	if err != nil {
		return err
	}

	if err := os.WriteFile(binPath, data, 0o644); err != nil {
		return loadErrf(ErrMalformed, "", "write compiled flow: %v", err)
	}
	return nil
}

func encodeContext(seed *sdk.ContextSeed) ([]byte, error) {
	var rec []byte
	rec = appendStringField(rec, fieldCtxUserID, seed.UserID)
	rec = appendStringField(rec, fieldCtxTenantID, seed.TenantID)
	rec = appendStringField(rec, fieldCtxSessionID, seed.SessionID)

	if len(seed.Input) > 0 {
		input, err := json.Marshal(seed.Input)
		if err != nil {
			return nil, loadErrf(ErrMalformed, "context.input", "encode input: %v", err)
		}
		rec = protowire.AppendTag(rec, fieldCtxInput, protowire.BytesType)
		rec = protowire.AppendBytes(rec, input)
	}
	return rec, nil
}

func decodeContext(data []byte) (*sdk.ContextSeed, error) {
	seed := &sdk.ContextSeed{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return nil, loadErrf(ErrMalformed, "context", "bad context field")
		}
		data = data[n:]

		chunk, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, loadErrf(ErrMalformed, "context", "truncated context field %d", num)
		}
		data = data[n:]

		switch num {
		case fieldCtxUserID:
			seed.UserID = string(chunk)
		case fieldCtxTenantID:
			seed.TenantID = string(chunk)
		case fieldCtxSessionID:
			seed.SessionID = string(chunk)
		case fieldCtxInput:
			if err := json.Unmarshal(chunk, &seed.Input); err != nil {
				return nil, loadErrf(ErrMalformed, "context.input", "decode input: %v", err)
			}
		}
	}
	return seed, nil
}

func encodeNode(node *sdk.Node) ([]byte, error) {
	var rec []byte
	rec = appendStringField(rec, fieldNodeID, node.ID)
	rec = appendStringField(rec, fieldNodeHoop, node.Hoop)

	if len(node.Parameters) > 0 {
		params, err := json.Marshal(node.Parameters)
		if err != nil {
			return nil, loadErrf(ErrMalformed, node.ID+".parameters", "encode parameters: %v", err)
		}
		rec = protowire.AppendTag(rec, fieldNodeParams, protowire.BytesType)
		rec = protowire.AppendBytes(rec, params)
	}

	rec = appendStringField(rec, fieldNodeInputFrom, node.InputFrom)
	rec = appendStringField(rec, fieldNodeTruePath, node.TruePath)
	rec = appendStringField(rec, fieldNodeFalsePath, node.FalsePath)
	rec = appendStringField(rec, fieldNodeJumpTo, node.JumpTo)
	return rec, nil
}

func decodeNode(data []byte) (*sdk.Node, error) {
	node := &sdk.Node{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return nil, loadErrf(ErrMalformed, "nodes", "bad node field")
		}
		data = data[n:]

		chunk, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, loadErrf(ErrMalformed, "nodes", "truncated node field %d", num)
		}
		data = data[n:]

		switch num {
		case fieldNodeID:
			node.ID = string(chunk)
		case fieldNodeHoop:
			node.Hoop = string(chunk)
		case fieldNodeParams:
			if err := json.Unmarshal(chunk, &node.Parameters); err != nil {
				return nil, loadErrf(ErrMalformed, "nodes.parameters", "decode parameters: %v", err)
			}
		case fieldNodeInputFrom:
			node.InputFrom = string(chunk)
		case fieldNodeTruePath:
			node.TruePath = string(chunk)
		case fieldNodeFalsePath:
			node.FalsePath = string(chunk)
		case fieldNodeJumpTo:
			node.JumpTo = string(chunk)
		}
	}
	return node, nil
}

// appendStringField appends a length-delimited string field, skipping empty
// values the way proto3 omits defaults.
func appendStringField(rec []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return rec
	}
	rec = protowire.AppendTag(rec, num, protowire.BytesType)
	rec = protowire.AppendString(rec, s)
	return rec
}
