package evidenceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semgate/answerer"
	"github.com/c360studio/semgate/artifact"
	"github.com/c360studio/semgate/budget"
	"github.com/c360studio/semgate/cache"
	"github.com/c360studio/semgate/graphstore"
	"github.com/c360studio/semgate/pipeline"
	"github.com/c360studio/semgate/policy"
	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Component implements the evidence API processor: it consumes assembly
// requests from JetStream, runs the pipeline, and publishes responses.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	logger     *slog.Logger

	registry  *policy.Registry
	assembler *pipeline.Assembler

	// JetStream consumer
	consumer jetstream.Consumer
	stream   jetstream.Stream

	// KV bucket for storing responses (for HTTP queries)
	responseBucket jetstream.KeyValue

	// Lifecycle state machine
	// States: 0=stopped, 1=starting, 2=running, 3=stopping
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	requestsProcessed atomic.Int64
	requestsFailed    atomic.Int64
	lastActivityMu    sync.RWMutex
	lastActivity      time.Time
}

const (
	stateStopped  = 0
	stateStarting = 1
	stateRunning  = 2
	stateStopping = 3
)

// NewComponent creates a new evidence API processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	var config Config
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply defaults
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.InputSubjectPattern == "" {
		config.InputSubjectPattern = defaults.InputSubjectPattern
	}
	if config.OutputSubjectPrefix == "" {
		config.OutputSubjectPrefix = defaults.OutputSubjectPrefix
	}
	if config.GraphGatewayURL == "" {
		config.GraphGatewayURL = defaults.GraphGatewayURL
	}
	if config.PoliciesPath == "" {
		config.PoliciesPath = defaults.PoliciesPath
	}
	if config.LLMAPIKeyEnv == "" {
		config.LLMAPIKeyEnv = defaults.LLMAPIKeyEnv
	}
	if config.BudgetBytes == 0 {
		config.BudgetBytes = defaults.BudgetBytes
	}
	if config.TimeoutSeconds == 0 {
		config.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if config.ResponseBucketName == "" {
		config.ResponseBucketName = defaults.ResponseBucketName
	}
	if config.ResponseTTLHours == 0 {
		config.ResponseTTLHours = defaults.ResponseTTLHours
	}
	if config.Ports == nil {
		config.Ports = defaults.Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()

	registry, err := policy.LoadRegistry(config.PoliciesPath)
	if err != nil {
		return nil, fmt.Errorf("load role profiles: %w", err)
	}

	return &Component{
		name:       "evidence-api",
		config:     config,
		natsClient: deps.NATSClient,
		logger:     logger,
		registry:   registry,
	}, nil
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized evidence-api",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"roles", len(c.registry.Roles()))
	return nil
}

// Start begins processing assembly requests.
// Uses a state machine to prevent race conditions between Start and Stop.
func (c *Component) Start(ctx context.Context) error {
	// Atomically transition from stopped to starting
	if !c.state.CompareAndSwap(stateStopped, stateStarting) {
		currentState := c.state.Load()
		if currentState == stateRunning || currentState == stateStarting {
			return fmt.Errorf("component already running or starting")
		}
		return fmt.Errorf("component in invalid state: %d", currentState)
	}

	// Ensure we transition to stopped if setup fails
	defer func() {
		if c.state.Load() == stateStarting {
			c.state.Store(stateStopped)
		}
	}()

	if c.natsClient == nil {
		return fmt.Errorf("NATS client required")
	}

	js, err := c.natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", c.config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       c.config.ConsumerName,
		FilterSubject: c.config.InputSubjectPattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second,
		MaxDeliver:    3,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	responseBucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      c.config.ResponseBucketName,
		Description: "Evidence assembly responses for HTTP queries",
		TTL:         time.Duration(c.config.ResponseTTLHours) * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create response bucket: %w", err)
	}

	assembler, err := c.buildAssembler(ctx)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.stream = stream
	c.consumer = consumer
	c.responseBucket = responseBucket
	c.assembler = assembler
	c.cancel = cancel
	c.startTime = time.Now()
	c.mu.Unlock()

	c.state.Store(stateRunning)

	go c.consumeLoop(subCtx)

	c.logger.Info("evidence-api started",
		"stream", c.config.StreamName,
		"consumer", c.config.ConsumerName,
		"subject", c.config.InputSubjectPattern)

	return nil
}

// buildAssembler wires the pipeline stages from configuration.
func (c *Component) buildAssembler(ctx context.Context) (*pipeline.Assembler, error) {
	resolver, err := policy.NewResolver(c.registry)
	if err != nil {
		return nil, err
	}

	evidenceCache, err := cache.NewStore(ctx, c.natsClient, c.logger)
	if err != nil {
		return nil, fmt.Errorf("create evidence cache: %w", err)
	}

	artifacts, err := artifact.NewWriter(ctx, c.natsClient, c.logger)
	if err != nil {
		return nil, fmt.Errorf("create artifact writer: %w", err)
	}

	var generator answerer.Generator
	if c.config.LLMBaseURL != "" {
		var opts []answerer.Option
		if c.config.LLMAPIKeyEnv != "" {
			if key := os.Getenv(c.config.LLMAPIKeyEnv); key != "" {
				opts = append(opts, answerer.WithAPIKey(key))
			}
		}
		generator = answerer.NewClient(c.config.LLMBaseURL, c.config.LLMModel, c.logger, opts...)
	}

	return pipeline.New(pipeline.Config{
		Resolver:  resolver,
		Expander:  graphstore.NewClient(c.config.GraphGatewayURL),
		Cache:     evidenceCache,
		Artifacts: artifacts,
		Generator: generator,
		Gate:      budget.NewGate(c.config.BudgetBytes),
		Logger:    c.logger,
		Timeout:   time.Duration(c.config.TimeoutSeconds) * time.Second,
	})
}

// consumeLoop continuously consumes messages from the JetStream consumer.
func (c *Component) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.state.Load() != stateRunning {
			return
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case <-ctx.Done():
				// NAK the message so it can be redelivered
				if err := msg.Nak(); err != nil {
					c.logger.Warn("Failed to NAK message during shutdown", "error", err)
				}
				return
			default:
				c.handleMessage(ctx, msg)
			}
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// handleMessage processes a single assembly request.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message during shutdown", "error", err)
		}
		return
	}

	c.requestsProcessed.Add(1)
	c.updateLastActivity()

	var baseMsg message.BaseMessage
	if err := json.Unmarshal(msg.Data(), &baseMsg); err != nil {
		c.logger.Error("Failed to parse message", "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	var req AssembleRequestPayload
	payloadBytes, err := json.Marshal(baseMsg.Payload())
	if err != nil {
		c.logger.Error("Failed to marshal payload", "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}
	if err := json.Unmarshal(payloadBytes, &req); err != nil {
		c.logger.Error("Failed to unmarshal request", "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	// Callers may omit the request ID; responses still need one to be
	// addressable over the output subject and the response bucket.
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	c.logger.Info("Processing assembly request",
		"request_id", req.RequestID,
		"anchor_id", req.AnchorID,
		"role", req.Actor.Role)

	if err := req.Validate(); err != nil {
		c.logger.Error("Invalid request", "error", err)
		c.requestsFailed.Add(1)
		requestsTotal.WithLabelValues("invalid").Inc()
		c.publishErrorResponse(ctx, req.RequestID, fmt.Sprintf("invalid request: %v", err))
		// ACK invalid requests - they won't succeed on retry
		if err := msg.Ack(); err != nil {
			c.logger.Warn("Failed to ACK message", "error", err)
		}
		return
	}

	start := time.Now()
	response, err := c.assembler.Assemble(ctx, &req.Request)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.requestsFailed.Add(1)
		c.logger.Error("Assembly failed",
			"request_id", req.RequestID,
			"error", err)
		if isPermanent(err) {
			requestsTotal.WithLabelValues("rejected").Inc()
			c.publishErrorResponse(ctx, req.RequestID, err.Error())
			// Policy failures won't succeed on retry
			if err := msg.Ack(); err != nil {
				c.logger.Warn("Failed to ACK message", "error", err)
			}
			return
		}
		requestsTotal.WithLabelValues("error").Inc()
		// NAK transient errors for retry
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	c.recordOutcome(response)

	if err := c.publishResponse(ctx, &AssembleResponsePayload{Response: *response}); err != nil {
		c.logger.Error("Failed to publish response",
			"request_id", req.RequestID,
			"error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("Failed to NAK message", "error", err)
		}
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Warn("Failed to ACK message", "error", err)
	}

	c.logger.Info("Evidence assembled",
		"request_id", req.RequestID,
		"cache_hit", response.CacheHit,
		"fallback", response.FallbackUsed,
		"allowed_ids", len(response.AllowedIDs))
}

// isPermanent reports whether an assembly error cannot succeed on retry.
func isPermanent(err error) bool {
	return errors.Is(err, policy.ErrPolicyUnresolved)
}

func (c *Component) recordOutcome(resp *pipeline.Response) {
	requestsTotal.WithLabelValues("ok").Inc()
	if resp.CacheHit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	if resp.FallbackUsed {
		fallbackTotal.Inc()
	}
	if len(resp.Trace.PolicyWithheld) > 0 {
		withheldTotal.WithLabelValues("policy").Add(float64(len(resp.Trace.PolicyWithheld)))
	}
	if len(resp.Trace.BudgetClipped) > 0 {
		withheldTotal.WithLabelValues("budget").Add(float64(len(resp.Trace.BudgetClipped)))
	}
}

// publishResponse publishes a response and stores it in KV for HTTP queries.
func (c *Component) publishResponse(ctx context.Context, response *AssembleResponsePayload) error {
	baseMsg := message.NewBaseMessage(AssembleResponseType, response, "evidence-api")

	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", c.config.OutputSubjectPrefix, response.RequestID)
	if err := c.natsClient.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}

	// Store response in KV bucket for HTTP queries
	if err := c.storeResponse(ctx, response); err != nil {
		// Log but don't fail the request - KV storage is secondary
		c.logger.Warn("Failed to store response in KV",
			"request_id", response.RequestID,
			"error", err)
	}

	return nil
}

// storeResponse persists a response to the KV bucket for HTTP queries.
func (c *Component) storeResponse(ctx context.Context, response *AssembleResponsePayload) error {
	c.mu.RLock()
	bucket := c.responseBucket
	c.mu.RUnlock()

	if bucket == nil {
		return fmt.Errorf("response bucket not initialized")
	}

	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	_, err = bucket.Put(ctx, response.RequestID, data)
	return err
}

// publishErrorResponse publishes an error response.
func (c *Component) publishErrorResponse(ctx context.Context, requestID, errMsg string) {
	response := &AssembleResponsePayload{Error: errMsg}
	response.RequestID = requestID

	if err := c.publishResponse(ctx, response); err != nil {
		c.logger.Error("Failed to publish error response",
			"request_id", requestID,
			"error", err)
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	if !c.state.CompareAndSwap(stateRunning, stateStopping) {
		currentState := c.state.Load()
		if currentState == stateStopped {
			return nil
		}
		if currentState == stateStopping {
			return nil
		}
		return fmt.Errorf("component in unexpected state: %d", currentState)
	}

	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.state.Store(stateStopped)

	c.logger.Info("evidence-api stopped",
		"requests_processed", c.requestsProcessed.Load(),
		"requests_failed", c.requestsFailed.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "evidence-api",
		Type:        "processor",
		Description: "Assembles policy-filtered, budgeted evidence and validated answers for decisions",
		Version:     "0.1.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionInput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Direction:   component.DirectionOutput,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return evidenceAPISchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	state := c.state.Load()
	running := state == stateRunning

	c.mu.RLock()
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	switch state {
	case stateStarting:
		status = "starting"
	case stateRunning:
		status = "running"
	case stateStopping:
		status = "stopping"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.requestsFailed.Load()),
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
