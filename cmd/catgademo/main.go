// Command catgademo is a thin composition root demonstrating how a host
// wires catga end-to-end: load Config, build a Mediator/Generator pair via
// catgacfg.Builder, register a request handler and an event handler, and
// drive a couple of Send/Publish calls through the pipeline. It is not a
// service — no HTTP router, no auth, no admin API (spec.md's Non-goals
// treat hosts as an external collaborator) — mirroring the structure, not
// the content, of the teacher's cmd/*/main.go composition roots.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.catga.dev/internal/catga/catgacfg"
	"go.catga.dev/internal/catga/catgametrics"
	"go.catga.dev/internal/catga/deadletter"
	"go.catga.dev/internal/catga/idempotency"
	"go.catga.dev/internal/catga/mediator"
	"go.catga.dev/internal/catga/message"
	"go.catga.dev/internal/catga/outbox"
	"go.catga.dev/internal/catga/resilience"
	"go.catga.dev/internal/catga/result"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("CATGA_DEV") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("catgademo: exiting on error", "error", err)
		os.Exit(1)
	}
}

// CreateOrder is the sample request dispatched through the pipeline. It
// implements message.Request's embedding convention directly (no provider
// interfaces) so it takes the mediator's plain dispatch path rather than
// the AutoBatcher.
type CreateOrder struct {
	message.Request
	CustomerId string
	Amount     int64
}

// OrderCreated is the sample event published after a CreateOrder succeeds.
type OrderCreated struct {
	message.Event
	OrderId    uint64
	CustomerId string
}

type createOrderHandler struct {
	logger *slog.Logger
	outbox outbox.Store
}

// Handle fails deliberately for a negative Amount so the demo's circuit
// breaker and dead-letter wiring below have a failure path to exercise,
// and otherwise appends an outbox record atomically alongside "persisting"
// the order — the pattern spec §4.7 exists to support.
func (h *createOrderHandler) Handle(ctx context.Context, req CreateOrder) result.Result[uint64] {
	if req.Amount < 0 {
		return result.Failure[uint64](result.New(result.ErrCodeInvalidArgument, "order amount must be non-negative"))
	}

	orderId := req.MessageId
	payload, err := json.Marshal(OrderCreated{OrderId: orderId, CustomerId: req.CustomerId})
	if err != nil {
		return result.Failure[uint64](result.Wrap(result.ErrCodeInternal, "marshal OrderCreated for outbox", err))
	}
	record := &outbox.Record{
		MessageId:   orderId,
		MessageType: "OrderCreated",
		Payload:     payload,
		MaxRetries:  5,
	}
	if err := h.outbox.Add(ctx, record); err != nil {
		return result.Failure[uint64](result.Wrap(result.ErrCodeInternal, "append outbox record", err))
	}

	h.logger.Info("catgademo: order created", "orderId", orderId, "customerId", req.CustomerId, "amount", req.Amount)
	return result.Success(orderId)
}

type orderCreatedLogger struct {
	logger *slog.Logger
}

func (h *orderCreatedLogger) Handle(ctx context.Context, evt OrderCreated) {
	h.logger.Info("catgademo: OrderCreated observed by subscriber", "orderId", evt.OrderId)
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg := catgacfg.Config{
		WorkerId:      catgacfg.WorkerIdConfig{EnvVar: "CATGA_WORKER_ID", DevModeAllowed: true},
		EnableLogging: true,
	}
	if path := os.Getenv("CATGA_CONFIG_FILE"); path != "" {
		loaded, err := catgacfg.LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}

	metrics := catgametrics.New(nil)

	built, err := catgacfg.NewBuilder(cfg).
		WithLogger(logger).
		WithMetrics(metrics).
		Build()
	if err != nil {
		return fmt.Errorf("build mediator: %w", err)
	}
	m := built.Mediator
	idGen := built.IdGen

	outboxStore := outbox.NewMemoryStore()
	idempotencyStore := idempotency.NewMemoryStore()
	deadLetters := deadletter.NewInMemoryQueue(100)

	breakerCfg := resilience.DefaultCircuitBreakerConfig("createOrder")
	breakerCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("catgademo: circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	limiter := rate.NewLimiter(rate.Limit(50), 10)

	mediator.RegisterRequestHandler[CreateOrder, uint64](
		m,
		&createOrderHandler{logger: logger, outbox: outboxStore},
		resilience.RateLimitBehavior[uint64](limiter),
		resilience.CircuitBreakerBehavior[uint64](breakerCfg),
	)
	mediator.RegisterEventHandler[OrderCreated](m, &orderCreatedLogger{logger: logger})
	mediator.Subscribe[OrderCreated](m, func(ctx context.Context, evt OrderCreated) {
		logger.Debug("catgademo: OrderCreated observed by ad-hoc subscriber", "orderId", evt.OrderId)
	})

	flushOutbox := func(ctx context.Context) {
		pending, err := outboxStore.GetPending(ctx, 10)
		if err != nil {
			logger.Error("catgademo: outbox GetPending failed", "error", err)
			return
		}
		for _, rec := range pending {
			var evt OrderCreated
			if err := json.Unmarshal(rec.Payload, &evt); err != nil {
				_ = outboxStore.MarkFailed(ctx, rec.MessageId, err)
				_ = deadLetters.Send(ctx, rec.MessageId, rec.MessageType, rec.Payload, err, rec.RetryCount)
				continue
			}
			mediator.Publish[OrderCreated](m, ctx, evt)
			if err := outboxStore.MarkPublished(ctx, rec.MessageId); err != nil {
				logger.Error("catgademo: outbox MarkPublished failed", "error", err)
			}
		}
	}

	for i := 0; i < 3; i++ {
		orderId := idGen.NextId()
		req := CreateOrder{
			Request:    message.Request{Message: message.Message{MessageId: orderId}},
			CustomerId: fmt.Sprintf("customer-%d", i),
			Amount:     int64(1000 * (i + 1)),
		}

		fingerprint := fmt.Sprintf("create-order:%d", orderId)
		if processed, _ := idempotencyStore.HasBeenProcessed(ctx, fingerprint); processed {
			logger.Info("catgademo: skipping replayed request", "fingerprint", fingerprint)
			continue
		}

		res := mediator.Send[CreateOrder, uint64](m, ctx, req)
		if res.IsFailure() {
			logger.Error("catgademo: CreateOrder failed", "error", res.Error())
			_ = deadLetters.Send(ctx, orderId, "CreateOrder", nil, res.Error(), 0)
			continue
		}
		_ = idempotencyStore.MarkProcessed(ctx, fingerprint, []byte(fmt.Sprintf("%d", res.Value())), 5*time.Minute)

		flushOutbox(ctx)
	}

	failOrder := CreateOrder{
		Request:    message.Request{Message: message.Message{MessageId: idGen.NextId()}},
		CustomerId: "customer-bad",
		Amount:     -1,
	}
	if res := mediator.Send[CreateOrder, uint64](m, ctx, failOrder); res.IsFailure() {
		logger.Info("catgademo: expected failure demonstrated", "error", res.Error())
		_ = deadLetters.Send(ctx, failOrder.MessageId, "CreateOrder", nil, res.Error(), 0)
	}

	failed, err := deadLetters.GetFailed(ctx, 10)
	if err != nil {
		return fmt.Errorf("read dead letters: %w", err)
	}
	logger.Info("catgademo: run complete", "deadLetterCount", len(failed))

	select {
	case <-ctx.Done():
		logger.Info("catgademo: shutdown signal received")
	case <-time.After(50 * time.Millisecond):
	}
	return nil
}
