package engine

import (
	"context"
	"os"

	"github.com/botkita/flowcore/cmd/flowrunner/loader"
	"github.com/botkita/flowcore/common/sdk"
)

// Compiler converts a textual flow file into its binary form. The remote
// compiler collaborator implements it; local compilation is the fallback.
type Compiler interface {
	Compile(ctx context.Context, jsonPath, outputPath string) error
}

// RunFlowFromFile loads a flow from disk and runs it with no caller input.
func (e *Engine) RunFlowFromFile(ctx context.Context, path string) (string, error) {
	return e.RunFlowFromFileWithInput(ctx, path, nil)
}

// RunFlowFromFileWithInput loads a flow from disk, merges the caller input,
// and runs it.
func (e *Engine) RunFlowFromFileWithInput(ctx context.Context, path string, input map[string]interface{}) (string, error) {
	_, status, err := e.runFile(ctx, path, input)
	return status, err
}

// RunFlowAndReturnOutput is RunFlowFromFileWithInput returning the terminal
// output map in plain decoded-JSON form.
func (e *Engine) RunFlowAndReturnOutput(ctx context.Context, path string, input map[string]interface{}) (map[string]interface{}, error) {
	output, _, err := e.runFile(ctx, path, input)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, nil
	}
	return sdk.ObjectToAny(output), nil
}

// RunFlowWithOverrides merge-patches the textual flow document before
// parsing, then runs the result.
func (e *Engine) RunFlowWithOverrides(ctx context.Context, path string, patch []byte, input map[string]interface{}) (string, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return sdk.StatusFail, &loader.LoadError{Kind: loader.ErrMalformed, Message: err.Error()}
	}

	if len(patch) > 0 {
		doc, err = loader.ApplyOverrides(doc, patch)
		if err != nil {
			return sdk.StatusFail, err
		}
	}

	flow, err := loader.Parse(doc)
	if err != nil {
		return sdk.StatusFail, err
	}

	_, status, err := e.Run(ctx, flow, sdk.ObjectFromAny(input))
	return status, err
}

// RunBinaryFlowFromFile runs the compiled form of a textual flow, compiling
// it first when the binary is absent or stale. A nil compiler compiles
// locally.
func (e *Engine) RunBinaryFlowFromFile(ctx context.Context, jsonPath, binPath string, compiler Compiler) (string, error) {
	if stale, err := binaryStale(jsonPath, binPath); err != nil {
		return sdk.StatusFail, err
	} else if stale {
		if compiler != nil {
			if err := compiler.Compile(ctx, jsonPath, binPath); err != nil {
				return sdk.StatusFail, err
			}
		} else if err := loader.CompileFile(jsonPath, binPath); err != nil {
			return sdk.StatusFail, err
		}
	}

	flow, err := loader.DecodeBinaryFile(binPath)
	if err != nil {
		return sdk.StatusFail, err
	}

	_, status, err := e.Run(ctx, flow, nil)
	return status, err
}

func (e *Engine) runFile(ctx context.Context, path string, input map[string]interface{}) (map[string]sdk.Value, string, error) {
	flow, err := loader.LoadFile(path)
	if err != nil {
		return nil, sdk.StatusFail, err
	}
	return e.Run(ctx, flow, sdk.ObjectFromAny(input))
}

func binaryStale(jsonPath, binPath string) (bool, error) {
	binInfo, err := os.Stat(binPath)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, &loader.LoadError{Kind: loader.ErrMalformed, Message: err.Error()}
	}

	jsonInfo, err := os.Stat(jsonPath)
	if err != nil {
		// No source alongside the binary: run what we have
		return false, nil
	}
	return jsonInfo.ModTime().After(binInfo.ModTime()), nil
}
