package clients

import (
	"context"

	"github.com/botkita/flowcore/common/sdk"
)

// Complaint holds the fields of one complaint record.
type Complaint struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Product string `json:"product,omitempty"`
	Source  string `json:"source,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// ComplaintClient calls the complaint-log collaborator.
type ComplaintClient struct {
	http    *HTTPClient
	baseURL string
}

// NewComplaintClient creates a complaint client for the given base URL
func NewComplaintClient(http *HTTPClient, baseURL string) *ComplaintClient {
	return &ComplaintClient{
		http:    http,
		baseURL: baseURL,
	}
}

// Create logs a complaint and returns its id.
func (c *ComplaintClient) Create(ctx context.Context, complaint Complaint) (string, error) {
	resp, err := c.http.PostJSON(ctx, c.baseURL+"/v1/complaints", complaint)
	if err != nil {
		return "", err
	}

	id := resp.Get("complaint_id")
	if !id.Exists() {
		return "", sdk.Errf(sdk.ErrRemoteError, "complaint service response missing complaint_id field")
	}
	return id.String(), nil
}
