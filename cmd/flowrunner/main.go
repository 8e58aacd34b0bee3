package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botkita/flowcore/cmd/flowrunner/engine"
	"github.com/botkita/flowcore/cmd/flowrunner/hoops"
	"github.com/botkita/flowcore/cmd/flowrunner/publisher"
	"github.com/botkita/flowcore/cmd/flowrunner/runner"
	"github.com/botkita/flowcore/cmd/flowrunner/server"
	"github.com/botkita/flowcore/cmd/flowrunner/store"
	"github.com/botkita/flowcore/common/clients"
	"github.com/botkita/flowcore/common/config"
	"github.com/botkita/flowcore/common/logger"
	"github.com/botkita/flowcore/common/metrics"
	"github.com/botkita/flowcore/common/queue"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("flowrunner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("flowrunner starting", "environment", cfg.Service.Environment)

	deps, err := initializeDependencies(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.shutdown(log)

	components := createComponents(cfg, deps, log)

	errChan := startComponents(ctx, components, deps, log)

	log.Info("flowrunner started",
		"flow_source", cfg.Flows.Source,
		"events_enabled", cfg.Events.Enabled(),
		"hoops", components.registry.Kinds())

	waitForShutdown(ctx, cancel, errChan, log)

	log.Info("flowrunner shutting down gracefully")
}

// dependencies holds the external connections the service runs against.
type dependencies struct {
	redisClient *redis.Client
	metrics     *metrics.Metrics
	flows       store.Source
	files       *store.FileSource
	pub         publisher.Publisher
	notifyQueue queue.Queue
}

// components holds the long-running pieces of the service.
type components struct {
	registry    *hoops.Registry
	engine      *engine.Engine
	opsServer   *server.Server
	runConsumer *runner.RunRequestConsumer
}

func initializeDependencies(ctx context.Context, cfg *config.Config, log *logger.Logger) (*dependencies, error) {
	deps := &dependencies{
		metrics: metrics.New(nil),
	}

	if cfg.Events.Enabled() {
		deps.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Events.BrokerAddr,
			Password: cfg.Events.BrokerPassword,
		})
		if err := deps.redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping event broker: %w", err)
		}
		log.Info("connected to event broker", "addr", cfg.Events.BrokerAddr)

		q := queue.NewRedisQueue(deps.redisClient, "flowcore", log)
		deps.notifyQueue = q
		deps.pub = publisher.NewQueuePublisher(q, cfg.Events.Stream)
	} else {
		log.Info("no event broker configured, events disabled")
		deps.pub = publisher.Nop{}
	}

	deps.files = store.NewFileSource(cfg.Flows.TextDir)
	switch cfg.Flows.Source {
	case "postgres":
		pool, err := store.NewPool(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("connect flow repository: %w", err)
		}
		deps.flows = store.NewFlowRepository(pool, log)
	default:
		deps.flows = deps.files
	}

	return deps, nil
}

func createComponents(cfg *config.Config, deps *dependencies, log *logger.Logger) *components {
	httpClient := clients.NewHTTPClient(&http.Client{Timeout: 30 * time.Second}, log)
	search := clients.NewSearchClient(httpClient, cfg.Collaborators.SearchURL, cfg.Collaborators.AnswerURL)
	documents := clients.NewDocumentClient(httpClient, cfg.Collaborators.DocumentURL)
	complaints := clients.NewComplaintClient(httpClient, cfg.Collaborators.ComplaintURL)

	registry := hoops.NewRegistry()
	registry.MustRegister(hoops.NewIfNode())
	registry.MustRegister(hoops.NewCelNode())
	registry.MustRegister(hoops.NewRagSearchFAQ(search, 0))
	registry.MustRegister(hoops.NewLLMAnswer(search, 0))
	registry.MustRegister(hoops.NewLogComplaint(complaints, 0))
	for _, h := range hoops.NewDocumentActions(documents, 0) {
		registry.MustRegister(h)
	}
	registry.MustRegister(hoops.NewSendBotReply(deps.notifyQueue, cfg.Collaborators.NotifyTopic, 0))
	registry.MustRegister(hoops.NewNotify(deps.notifyQueue, cfg.Collaborators.NotifyTopic, 0))

	eng := engine.New(registry, deps.pub, deps.metrics, log, cfg.Engine)

	c := &components{
		registry:  registry,
		engine:    eng,
		opsServer: server.New(cfg.Service.OpsPort, deps.metrics, deps.redisClient, cfg.Events.RunStream, log),
	}

	if deps.redisClient != nil {
		var compiler engine.Compiler
		if cfg.Collaborators.CompilerURL != "" {
			compiler = clients.NewCompilerClient(httpClient, cfg.Collaborators.CompilerURL)
		}
		c.runConsumer = runner.NewRunRequestConsumer(&runner.ConsumerOpts{
			Redis:     deps.redisClient,
			Engine:    eng,
			Flows:     deps.flows,
			Files:     deps.files,
			BinaryDir: cfg.Flows.BinaryDir,
			Compiler:  compiler,
			Log:       log,
			Stream:    cfg.Events.RunStream,
		})
	}

	return c
}

func startComponents(ctx context.Context, c *components, deps *dependencies, log *logger.Logger) chan error {
	errChan := make(chan error, 2)

	go func() {
		if err := c.opsServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("ops server error: %w", err)
		}
	}()

	if c.runConsumer != nil {
		go func() {
			log.Info("starting run request consumer")
			if err := c.runConsumer.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("run request consumer error: %w", err)
			}
		}()
	}

	return errChan
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, log *logger.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("component failed", "error", err)
		cancel()
		os.Exit(1)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
	}
}

func (d *dependencies) shutdown(log *logger.Logger) {
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			log.Warn("close event broker connection", "error", err)
		}
	}
}
