package clients

import (
	"context"
)

// DocumentClient calls the tenant-scoped document CRUD collaborator.
type DocumentClient struct {
	http    *HTTPClient
	baseURL string
}

// NewDocumentClient creates a document client for the given base URL
func NewDocumentClient(http *HTTPClient, baseURL string) *DocumentClient {
	return &DocumentClient{
		http:    http,
		baseURL: baseURL,
	}
}

// Create stores a new document and returns the collaborator's result string.
func (c *DocumentClient) Create(ctx context.Context, tenantID, content string) (string, error) {
	resp, err := c.http.PostJSON(ctx, c.baseURL+"/v1/documents/create", map[string]interface{}{
		"tenant_id": tenantID,
		"content":   content,
	})
	if err != nil {
		return "", err
	}
	return resp.Get("result").String(), nil
}

// Update replaces a document's content by id.
func (c *DocumentClient) Update(ctx context.Context, tenantID, documentID, content string) (string, error) {
	resp, err := c.http.PostJSON(ctx, c.baseURL+"/v1/documents/update", map[string]interface{}{
		"tenant_id":   tenantID,
		"document_id": documentID,
		"content":     content,
	})
	if err != nil {
		return "", err
	}
	return resp.Get("result").String(), nil
}

// Delete removes a document by id.
func (c *DocumentClient) Delete(ctx context.Context, tenantID, documentID string) (string, error) {
	resp, err := c.http.PostJSON(ctx, c.baseURL+"/v1/documents/delete", map[string]interface{}{
		"tenant_id":   tenantID,
		"document_id": documentID,
	})
	if err != nil {
		return "", err
	}
	return resp.Get("result").String(), nil
}

// UpdateBySearch updates the best-matching document for a query.
func (c *DocumentClient) UpdateBySearch(ctx context.Context, tenantID, query, content string) (string, error) {
	resp, err := c.http.PostJSON(ctx, c.baseURL+"/v1/documents/update-by-search", map[string]interface{}{
		"tenant_id": tenantID,
		"query":     query,
		"content":   content,
	})
	if err != nil {
		return "", err
	}
	return resp.Get("result").String(), nil
}
