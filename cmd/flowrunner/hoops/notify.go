package hoops

import (
	"context"
	"encoding/json"
	"time"

	"github.com/botkita/flowcore/common/queue"
	"github.com/botkita/flowcore/common/sdk"
)

// SendBotReply serializes its rendered input and hands it to the notification
// topic, keyed by the executing user so deliveries per user stay ordered. The
// rendered input is echoed back as the node output, which lets downstream
// nodes and callers read the message that was sent. With no queue configured
// the publish is skipped and the echo still happens.
type SendBotReply struct {
	queue   queue.Queue
	topic   string
	timeout time.Duration
}

// NewSendBotReply creates the bot-reply handler
func NewSendBotReply(q queue.Queue, topic string, timeout time.Duration) *SendBotReply {
	return &SendBotReply{queue: q, topic: topic, timeout: timeout}
}

func (h *SendBotReply) Kind() string                   { return "SendBotReply" }
func (h *SendBotReply) Classification() Classification { return Action }
func (h *SendBotReply) RequiredFields() []string       { return []string{"message"} }
func (h *SendBotReply) Timeout() time.Duration         { return h.timeout }

func (h *SendBotReply) Execute(ctx context.Context, req *Request) (*Result, error) {
	if _, err := stringField(req.Input, "message"); err != nil {
		return nil, err
	}

	if h.queue != nil {
		payload, err := json.Marshal(req.Input)
		if err != nil {
			return nil, sdk.Errf(sdk.ErrInvalidInput, "encode reply payload: %v", err)
		}
		if err := h.queue.Publish(ctx, h.topic, req.Context.UserID, payload); err != nil {
			return nil, sdk.Errf(sdk.ErrRemoteUnavailable, "publish reply: %v", err)
		}
	}

	output := make(map[string]sdk.Value, len(req.Input))
	for k, v := range req.Input {
		output[k] = v
	}
	return &Result{Output: output}, nil
}

// Notify publishes an arbitrary rendered map to the notification topic and
// reports only that the send happened. Output: {status:"sent"}.
type Notify struct {
	queue   queue.Queue
	topic   string
	timeout time.Duration
}

// NewNotify creates the generic notification handler
func NewNotify(q queue.Queue, topic string, timeout time.Duration) *Notify {
	return &Notify{queue: q, topic: topic, timeout: timeout}
}

func (h *Notify) Kind() string                   { return "notify" }
func (h *Notify) Classification() Classification { return Action }
func (h *Notify) RequiredFields() []string       { return nil }
func (h *Notify) Timeout() time.Duration         { return h.timeout }

func (h *Notify) Execute(ctx context.Context, req *Request) (*Result, error) {
	if h.queue != nil {
		payload, err := json.Marshal(req.Input)
		if err != nil {
			return nil, sdk.Errf(sdk.ErrInvalidInput, "encode notification payload: %v", err)
		}
		if err := h.queue.Publish(ctx, h.topic, req.Context.UserID, payload); err != nil {
			return nil, sdk.Errf(sdk.ErrRemoteUnavailable, "publish notification: %v", err)
		}
	}

	return &Result{Output: map[string]sdk.Value{
		"status": sdk.String("sent"),
	}}, nil
}
