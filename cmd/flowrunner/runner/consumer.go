package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/botkita/flowcore/cmd/flowrunner/engine"
	"github.com/botkita/flowcore/cmd/flowrunner/store"
	"github.com/botkita/flowcore/common/logger"
	"github.com/botkita/flowcore/common/sdk"
)

const (
	consumerGroup = "flow_runners"

	// startedKeyTTL bounds how long a request id stays claimed
	startedKeyTTL = 24 * time.Hour
)

// RunRequest asks the runner to execute one stored flow with caller input.
// Binary requests run the compiled form, compiling first when it is stale.
type RunRequest struct {
	RequestID string                 `json:"request_id"`
	FlowName  string                 `json:"flow_name"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Binary    bool                   `json:"binary,omitempty"`
	CreatedAt int64                  `json:"created_at,omitempty"`
}

// ConsumerOpts wires a RunRequestConsumer. Files and BinaryDir are needed
// only for binary requests; Compiler nil means compile locally.
type ConsumerOpts struct {
	Redis     *redis.Client
	Engine    *engine.Engine
	Flows     store.Source
	Files     *store.FileSource
	BinaryDir string
	Compiler  engine.Compiler
	Log       *logger.Logger
	Stream    string
}

// RunRequestConsumer pulls run requests off a Redis stream and executes
// them. Requests are claimed with SetNX before execution, so redelivered
// messages do not start a second run.
type RunRequestConsumer struct {
	redis        *redis.Client
	engine       *engine.Engine
	flows        store.Source
	files        *store.FileSource
	binaryDir    string
	compiler     engine.Compiler
	log          *logger.Logger
	stream       string
	consumerName string
}

// NewRunRequestConsumer creates a consumer on the given stream
func NewRunRequestConsumer(opts *ConsumerOpts) *RunRequestConsumer {
	return &RunRequestConsumer{
		redis:        opts.Redis,
		engine:       opts.Engine,
		flows:        opts.Flows,
		files:        opts.Files,
		binaryDir:    opts.BinaryDir,
		compiler:     opts.Compiler,
		log:          opts.Log,
		stream:       opts.Stream,
		consumerName: fmt.Sprintf("runner_%s", uuid.New().String()[:8]),
	}
}

// Start processes run requests until the context is cancelled.
func (c *RunRequestConsumer) Start(ctx context.Context) error {
	c.log.Info("starting run request consumer",
		"stream", c.stream,
		"consumer_group", consumerGroup,
		"consumer_name", c.consumerName)

	err := c.redis.XGroupCreateMkStream(ctx, c.stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("run request consumer stopping")
			return nil
		default:
			if err := c.processNextMessage(ctx); err != nil {
				c.log.Error("process run request", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (c *RunRequestConsumer) processNextMessage(ctx context.Context) error {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()

	if err == redis.Nil {
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("XREADGROUP: %w", err)
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			if err := c.handleMessage(ctx, message); err != nil {
				c.log.Error("handle run request", "message_id", message.ID, "error", err)
			}

			if err := c.redis.XAck(ctx, c.stream, consumerGroup, message.ID).Err(); err != nil {
				c.log.Error("ack run request", "message_id", message.ID, "error", err)
			}
		}
	}

	return nil
}

func (c *RunRequestConsumer) handleMessage(ctx context.Context, message redis.XMessage) error {
	requestJSON, ok := message.Values["request"].(string)
	if !ok {
		return fmt.Errorf("message missing request field")
	}

	var request RunRequest
	if err := json.Unmarshal([]byte(requestJSON), &request); err != nil {
		return fmt.Errorf("decode run request: %w", err)
	}

	if request.FlowName == "" {
		return fmt.Errorf("run request missing flow_name")
	}
	if request.RequestID == "" {
		request.RequestID = message.ID
	}

	log := c.log.WithFields(map[string]any{
		"request_id": request.RequestID,
		"flow_name":  request.FlowName,
	})
	log.Info("processing run request")

	startedKey := fmt.Sprintf("flow:run:started:%s", request.RequestID)
	wasSet, err := c.redis.SetNX(ctx, startedKey, "1", startedKeyTTL).Result()
	if err != nil {
		return fmt.Errorf("claim run request: %w", err)
	}
	if !wasSet {
		log.Info("run already started, skipping")
		return nil
	}

	if request.Binary {
		if c.files == nil {
			return fmt.Errorf("binary runs require a file flow source")
		}
		jsonPath := c.files.Path(request.FlowName)
		binPath := filepath.Join(c.binaryDir, request.FlowName+".bin")

		status, runErr := c.engine.RunBinaryFlowFromFile(ctx, jsonPath, binPath, c.compiler)
		if runErr != nil {
			log.Warn("binary flow run failed", "status", status, "error", runErr)
			return nil
		}
		log.Info("binary flow run finished", "status", status)
		return nil
	}

	flow, err := c.flows.Get(ctx, request.FlowName)
	if err != nil {
		return fmt.Errorf("load flow: %w", err)
	}

	_, status, runErr := c.engine.Run(ctx, flow, sdk.ObjectFromAny(request.Input))
	if runErr != nil {
		// The run itself reported the failure through events and metrics;
		// the message is handled either way.
		log.Warn("flow run failed", "status", status, "error", runErr)
		return nil
	}

	log.Info("flow run finished", "status", status)
	return nil
}
