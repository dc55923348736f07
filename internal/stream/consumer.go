package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// Handler processes one decoded request event.
type Handler interface {
	HandleEvent(ctx context.Context, ev model.RequestEvent) (model.ResponseEvent, error)
}

// Config controls which stream a Consumer reads and how.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// ResponseStream receives a ResponseEvent for each handled message.
	// Empty disables response publishing.
	ResponseStream string
	BatchSize      int64
	Block          time.Duration
	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Consumer reads request events from a Log and hands them to a Handler one
// at a time. Each message is acknowledged exactly once, after it has been
// handled or dead-lettered.
type Consumer struct {
	log     Log
	handler Handler
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer

	stop     chan struct{}
	stopOnce sync.Once

	messages    metric.Int64Counter
	dlqFailures metric.Int64Counter
}

// NewConsumer creates a Consumer. Call Run to start it.
func NewConsumer(log Log, handler Handler, cfg Config, logger *slog.Logger) *Consumer {
	meter := telemetry.Meter("michi/stream")
	messages, _ := meter.Int64Counter("michi.stream.messages",
		metric.WithDescription("Stream messages acknowledged, by outcome"))
	dlqFailures, _ := meter.Int64Counter("michi.stream.dlq_publish_failures",
		metric.WithDescription("Dead-letter publishes that failed"))

	return &Consumer{
		log:         log,
		handler:     handler,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		tracer:      telemetry.Tracer("michi/stream"),
		stop:        make(chan struct{}),
		messages:    messages,
		dlqFailures: dlqFailures,
	}
}

// DeadLetterStream returns the stream that receives failed messages.
func (c *Consumer) DeadLetterStream() string {
	return c.cfg.Stream + DLQSuffix
}

// RequestShutdown asks Run to return after the current batch. Safe to call
// more than once and from any goroutine.
func (c *Consumer) RequestShutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run ensures the consumer group exists and processes messages until ctx is
// cancelled or RequestShutdown is called. Messages already read are always
// finished before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.log.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	c.logger.Info("stream: consumer started",
		"stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.Consumer)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-readCtx.Done():
		}
	}()

	// Handling is detached from cancellation so that a claimed message is
	// never abandoned between execution and ack.
	handleCtx := context.WithoutCancel(ctx)

	for readCtx.Err() == nil {
		msgs, err := c.log.Read(readCtx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if readCtx.Err() != nil {
				break
			}
			c.logger.Error("stream: read failed", "stream", c.cfg.Stream, "error", err)
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-readCtx.Done():
			}
			continue
		}
		for _, msg := range msgs {
			c.handle(handleCtx, msg)
		}
	}

	c.logger.Info("stream: consumer stopped", "stream", c.cfg.Stream, "consumer", c.cfg.Consumer)
	return nil
}

// handle processes one message: decode, route and execute, publish the
// response, dead-letter on any failure, then ack.
func (c *Consumer) handle(ctx context.Context, msg Message) {
	ctx, span := c.tracer.Start(ctx, "stream.handle", trace.WithAttributes(
		attribute.String("michi.stream", c.cfg.Stream),
		attribute.String("michi.message_id", msg.ID),
	))
	fields := DecodeFields(msg.Values)

	err := c.process(ctx, fields)
	outcome := "acked"
	if err != nil {
		outcome = "dead_lettered"
		c.logger.Error("stream: failed to process message",
			"stream", c.sourceStream(msg), "message_id", msg.ID, "error", err)
		c.deadLetter(ctx, msg, fields, err)
	}
	c.ack(ctx, msg.ID)

	if c.messages != nil {
		c.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	telemetry.EndSpan(span, err)
}

func (c *Consumer) process(ctx context.Context, fields map[string]any) error {
	ev, err := DecodeEvent(fields)
	if err != nil {
		return err
	}
	resp, err := c.handler.HandleEvent(ctx, ev)
	if err != nil {
		return err
	}
	c.publishResponse(ctx, resp)
	return nil
}

func (c *Consumer) publishResponse(ctx context.Context, resp model.ResponseEvent) {
	if c.cfg.ResponseStream == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("stream: encode response", "execution_id", resp.ExecutionID, "error", err)
		return
	}
	if _, err := c.log.Publish(ctx, c.cfg.ResponseStream, map[string]any{"event": string(body)}); err != nil {
		c.logger.Error("stream: publish response",
			"stream", c.cfg.ResponseStream, "execution_id", resp.ExecutionID, "error", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg Message, fields map[string]any, cause error) {
	// fields holds only strings, so encoding cannot fail.
	payload, _ := json.Marshal(fields)
	dl := model.DeadLetter{
		MessageID: msg.ID,
		Stream:    c.sourceStream(msg),
		Error:     cause.Error(),
		Payload:   string(payload),
	}
	if _, err := c.log.Publish(ctx, c.DeadLetterStream(), dl.Values()); err != nil {
		if c.dlqFailures != nil {
			c.dlqFailures.Add(ctx, 1)
		}
		c.logger.Error("stream: publish to dead-letter stream",
			"stream", c.DeadLetterStream(), "message_id", msg.ID, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.log.Ack(ctx, c.cfg.Stream, c.cfg.Group, id); err != nil {
		c.logger.Error("stream: ack failed", "stream", c.cfg.Stream, "message_id", id, "error", err)
	}
}

func (c *Consumer) sourceStream(msg Message) string {
	if msg.Stream != "" {
		return msg.Stream
	}
	return c.cfg.Stream
}
