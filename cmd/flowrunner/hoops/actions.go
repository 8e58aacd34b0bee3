package hoops

import (
	"context"
	"time"

	"github.com/botkita/flowcore/common/clients"
	"github.com/botkita/flowcore/common/sdk"
)

// Collaborator contracts the action hoops depend on. Concrete HTTP clients
// live in common/clients; tests inject stubs.

// Searcher is the search/QA collaborator.
type Searcher interface {
	FuzzySearch(ctx context.Context, tenantID, query string, threshold float64) ([]clients.Document, error)
	GenerateAnswer(ctx context.Context, tenantID, question string) (string, error)
}

// DocumentStore is the tenant-scoped document CRUD collaborator.
type DocumentStore interface {
	Create(ctx context.Context, tenantID, content string) (string, error)
	Update(ctx context.Context, tenantID, documentID, content string) (string, error)
	Delete(ctx context.Context, tenantID, documentID string) (string, error)
	UpdateBySearch(ctx context.Context, tenantID, query, content string) (string, error)
}

// ComplaintLog is the complaint-log collaborator.
type ComplaintLog interface {
	Create(ctx context.Context, complaint clients.Complaint) (string, error)
}

// defaultSearchThreshold applies when a rag_search_faq node does not set one.
const defaultSearchThreshold = 0.75

// RagSearchFAQ answers a question from the tenant's FAQ corpus: fuzzy search
// first, falling back to a generated answer when nothing clears the
// threshold. Output: {answer}.
type RagSearchFAQ struct {
	search  Searcher
	timeout time.Duration
}

// NewRagSearchFAQ creates the FAQ lookup handler
func NewRagSearchFAQ(search Searcher, timeout time.Duration) *RagSearchFAQ {
	return &RagSearchFAQ{search: search, timeout: timeout}
}

func (h *RagSearchFAQ) Kind() string                   { return "rag_search_faq" }
func (h *RagSearchFAQ) Classification() Classification { return Action }
func (h *RagSearchFAQ) RequiredFields() []string       { return []string{"query", "tenant_id"} }
func (h *RagSearchFAQ) Timeout() time.Duration         { return h.timeout }

func (h *RagSearchFAQ) Execute(ctx context.Context, req *Request) (*Result, error) {
	query, err := stringField(req.Input, "query")
	if err != nil {
		return nil, err
	}
	tenantID, err := stringField(req.Input, "tenant_id")
	if err != nil {
		return nil, err
	}

	threshold := defaultSearchThreshold
	if v, ok := req.Input["threshold"]; ok {
		if f, isNum := v.AsNumber(); isNum {
			threshold = f
		}
	}

	docs, err := h.search.FuzzySearch(ctx, tenantID, query, threshold)
	if err != nil {
		return nil, err
	}

	if len(docs) > 0 {
		return &Result{Output: map[string]sdk.Value{
			"answer": sdk.String(docs[0].Content),
		}}, nil
	}

	answer, err := h.search.GenerateAnswer(ctx, tenantID, query)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]sdk.Value{
		"answer": sdk.String(answer),
	}}, nil
}

// LLMAnswer asks the LLM collaborator directly, skipping the FAQ corpus.
// Output: {answer}.
type LLMAnswer struct {
	search  Searcher
	timeout time.Duration
}

// NewLLMAnswer creates the direct-answer handler
func NewLLMAnswer(search Searcher, timeout time.Duration) *LLMAnswer {
	return &LLMAnswer{search: search, timeout: timeout}
}

func (h *LLMAnswer) Kind() string                   { return "llm_answer" }
func (h *LLMAnswer) Classification() Classification { return Action }
func (h *LLMAnswer) RequiredFields() []string       { return []string{"query", "tenant_id"} }
func (h *LLMAnswer) Timeout() time.Duration         { return h.timeout }

func (h *LLMAnswer) Execute(ctx context.Context, req *Request) (*Result, error) {
	query, err := stringField(req.Input, "query")
	if err != nil {
		return nil, err
	}
	tenantID, err := stringField(req.Input, "tenant_id")
	if err != nil {
		return nil, err
	}

	answer, err := h.search.GenerateAnswer(ctx, tenantID, query)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]sdk.Value{
		"answer": sdk.String(answer),
	}}, nil
}

// LogComplaint records a complaint with the collaborator. Output:
// {complaint_id}.
type LogComplaint struct {
	complaints ComplaintLog
	timeout    time.Duration
}

// NewLogComplaint creates the complaint handler
func NewLogComplaint(complaints ComplaintLog, timeout time.Duration) *LogComplaint {
	return &LogComplaint{complaints: complaints, timeout: timeout}
}

func (h *LogComplaint) Kind() string                   { return "log_complaint" }
func (h *LogComplaint) Classification() Classification { return Action }
func (h *LogComplaint) RequiredFields() []string       { return []string{"user_id", "message"} }
func (h *LogComplaint) Timeout() time.Duration         { return h.timeout }

func (h *LogComplaint) Execute(ctx context.Context, req *Request) (*Result, error) {
	userID, err := stringField(req.Input, "user_id")
	if err != nil {
		return nil, err
	}
	message, err := stringField(req.Input, "message")
	if err != nil {
		return nil, err
	}

	id, err := h.complaints.Create(ctx, clients.Complaint{
		UserID:  userID,
		Message: message,
		Product: optionalString(req.Input, "product"),
		Source:  optionalString(req.Input, "source"),
		Emotion: optionalString(req.Input, "emotion"),
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]sdk.Value{
		"complaint_id": sdk.String(id),
	}}, nil
}

// documentOp distinguishes the four CRUD hoops sharing one handler shape.
type documentOp string

const (
	opCreate         documentOp = "create_document"
	opUpdate         documentOp = "update_document"
	opDelete         documentOp = "delete_document"
	opUpdateBySearch documentOp = "update_document_by_search"
)

// DocumentAction is one tenant-scoped document CRUD hoop. Output: {result}.
type DocumentAction struct {
	docs    DocumentStore
	op      documentOp
	timeout time.Duration
}

// NewDocumentActions creates the four document CRUD handlers
func NewDocumentActions(docs DocumentStore, timeout time.Duration) []*DocumentAction {
	ops := []documentOp{opCreate, opUpdate, opDelete, opUpdateBySearch}
	handlers := make([]*DocumentAction, len(ops))
	for i, op := range ops {
		handlers[i] = &DocumentAction{docs: docs, op: op, timeout: timeout}
	}
	return handlers
}

func (h *DocumentAction) Kind() string                   { return string(h.op) }
func (h *DocumentAction) Classification() Classification { return Action }
func (h *DocumentAction) Timeout() time.Duration         { return h.timeout }

func (h *DocumentAction) RequiredFields() []string {
	switch h.op {
	case opCreate:
		return []string{"tenant_id", "content"}
	case opUpdate:
		return []string{"tenant_id", "document_id", "content"}
	case opDelete:
		return []string{"tenant_id", "document_id"}
	default:
		return []string{"tenant_id", "query", "content"}
	}
}

func (h *DocumentAction) Execute(ctx context.Context, req *Request) (*Result, error) {
	tenantID, err := stringField(req.Input, "tenant_id")
	if err != nil {
		return nil, err
	}

	var result string
	switch h.op {
	case opCreate:
		content, ferr := stringField(req.Input, "content")
		if ferr != nil {
			return nil, ferr
		}
		result, err = h.docs.Create(ctx, tenantID, content)
	case opUpdate:
		documentID, ferr := stringField(req.Input, "document_id")
		if ferr != nil {
			return nil, ferr
		}
		content, ferr := stringField(req.Input, "content")
		if ferr != nil {
			return nil, ferr
		}
		result, err = h.docs.Update(ctx, tenantID, documentID, content)
	case opDelete:
		documentID, ferr := stringField(req.Input, "document_id")
		if ferr != nil {
			return nil, ferr
		}
		result, err = h.docs.Delete(ctx, tenantID, documentID)
	default:
		query, ferr := stringField(req.Input, "query")
		if ferr != nil {
			return nil, ferr
		}
		content, ferr := stringField(req.Input, "content")
		if ferr != nil {
			return nil, ferr
		}
		result, err = h.docs.UpdateBySearch(ctx, tenantID, query, content)
	}
	if err != nil {
		return nil, err
	}

	return &Result{Output: map[string]sdk.Value{
		"result": sdk.String(result),
	}}, nil
}
