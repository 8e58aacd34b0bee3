package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBinaryRoundTrip(t *testing.T) {
	original, err := Parse([]byte(faqFlow))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	data, err := EncodeBinary(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.FlowID != original.FlowID || decoded.TriggerID != original.TriggerID {
		t.Errorf("header fields changed: %+v", decoded)
	}
	if decoded.Context == nil || decoded.Context.TenantID != original.Context.TenantID {
		t.Errorf("context changed: %+v", decoded.Context)
	}
	if !decoded.Context.Input["query"].Equal(original.Context.Input["query"]) {
		t.Errorf("context input changed")
	}
	if len(decoded.Nodes) != len(original.Nodes) {
		t.Fatalf("nodes = %d, want %d", len(decoded.Nodes), len(original.Nodes))
	}
	for i := range original.Nodes {
		on, dn := original.Nodes[i], decoded.Nodes[i]
		if on.ID != dn.ID || on.Hoop != dn.Hoop || on.InputFrom != dn.InputFrom ||
			on.TruePath != dn.TruePath || on.FalsePath != dn.FalsePath || on.JumpTo != dn.JumpTo {
			t.Errorf("node %d scalar fields changed: %+v vs %+v", i, on, dn)
		}
		if len(on.Parameters) != len(dn.Parameters) {
			t.Errorf("node %s parameter count changed", on.ID)
		}
		for k, v := range on.Parameters {
			if !v.Equal(dn.Parameters[k]) {
				t.Errorf("node %s parameter %s changed", on.ID, k)
			}
		}
	}
}

func TestLoadSniffsFormat(t *testing.T) {
	fromText, err := Load([]byte("  \n" + faqFlow))
	if err != nil {
		t.Fatalf("load text: %v", err)
	}

	binary, err := EncodeBinary(fromText)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fromBinary, err := Load(binary)
	if err != nil {
		t.Fatalf("load binary: %v", err)
	}

	if fromText.FlowID != fromBinary.FlowID || len(fromText.Nodes) != len(fromBinary.Nodes) {
		t.Errorf("formats disagree: %+v vs %+v", fromText, fromBinary)
	}
}

func TestDecodeBinaryMalformed(t *testing.T) {
	flow, _ := Parse([]byte(faqFlow))
	good, _ := EncodeBinary(flow)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated payload", good[:len(good)/2]},
		{"garbage", []byte{0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBinary(tt.data)
			if err == nil {
				t.Fatalf("expected error")
			}
			var loadErr *LoadError
			if !errors.As(err, &loadErr) || loadErr.Kind != ErrMalformed {
				t.Errorf("err = %v, want malformed LoadError", err)
			}
		})
	}
}

func TestCompileFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "faq.json")
	binPath := filepath.Join(dir, "faq.bin")

	if err := os.WriteFile(jsonPath, []byte(faqFlow), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := CompileFile(jsonPath, binPath); err != nil {
		t.Fatalf("compile: %v", err)
	}

	flow, err := LoadFile(binPath)
	if err != nil {
		t.Fatalf("load compiled: %v", err)
	}
	if flow.FlowID != "faq" || len(flow.Nodes) != 2 {
		t.Errorf("compiled flow wrong: %+v", flow)
	}
}
