package clients

import (
	"context"
)

// CompilerClient calls the flow-compiler collaborator, which converts a
// textual flow file into its binary wire form on disk.
type CompilerClient struct {
	http    *HTTPClient
	baseURL string
}

// NewCompilerClient creates a compiler client for the given base URL
func NewCompilerClient(http *HTTPClient, baseURL string) *CompilerClient {
	return &CompilerClient{
		http:    http,
		baseURL: baseURL,
	}
}

// Compile asks the collaborator to compile jsonPath into outputPath.
func (c *CompilerClient) Compile(ctx context.Context, jsonPath, outputPath string) error {
	_, err := c.http.PostJSON(ctx, c.baseURL+"/v1/compile", map[string]interface{}{
		"input_path":  jsonPath,
		"output_path": outputPath,
	})
	return err
}
