package clients

import (
	"context"
	"fmt"

	"github.com/botkita/flowcore/common/sdk"
)

// Document is one fuzzy-search hit.
type Document struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// SearchClient calls the search/QA collaborator: fuzzy FAQ lookup and
// LLM-generated answers, both tenant-scoped.
type SearchClient struct {
	http      *HTTPClient
	searchURL string
	answerURL string
}

// NewSearchClient creates a search client for the given base URLs
func NewSearchClient(http *HTTPClient, searchURL, answerURL string) *SearchClient {
	return &SearchClient{
		http:      http,
		searchURL: searchURL,
		answerURL: answerURL,
	}
}

// FuzzySearch returns documents matching the query, best score first.
func (c *SearchClient) FuzzySearch(ctx context.Context, tenantID, query string, threshold float64) ([]Document, error) {
	resp, err := c.http.PostJSON(ctx, c.searchURL+"/v1/search", map[string]interface{}{
		"tenant_id": tenantID,
		"query":     query,
		"threshold": threshold,
	})
	if err != nil {
		return nil, err
	}

	var docs []Document
	for _, hit := range resp.Get("documents").Array() {
		docs = append(docs, Document{
			Content: hit.Get("content").String(),
			Score:   hit.Get("score").Float(),
		})
	}
	return docs, nil
}

// GenerateAnswer asks the LLM collaborator for an answer to a question.
func (c *SearchClient) GenerateAnswer(ctx context.Context, tenantID, question string) (string, error) {
	resp, err := c.http.PostJSON(ctx, c.answerURL+"/v1/answer", map[string]interface{}{
		"tenant_id": tenantID,
		"question":  question,
	})
	if err != nil {
		return "", err
	}

	answer := resp.Get("answer")
	if !answer.Exists() {
		return "", sdk.Errf(sdk.ErrRemoteError, "answer service response missing answer field")
	}
	return answer.String(), nil
}

// String implements fmt.Stringer for log output.
func (d Document) String() string {
	return fmt.Sprintf("%.2f %s", d.Score, d.Content)
}
