package delivery

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tr0ublekat/marketplace/internal/entity"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Statuses an order's delivery moves through, in order. Terminal at
// "delivered".
var Statuses = []string{"in_assembly", "on_the_way", "delivered"}

// Publisher publishes delivery.action events to the marketplace exchange.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, payload interface{}) error
}

// Coordinator consumes delivery.send messages and drives one status run per
// order. Runs hold no durable checkpoint: a crash mid-sequence drops the
// remaining transitions. Duplicate delivery.send messages spawn duplicate
// runs; at-least-once delivery is taken as-is, without a dedup layer.
type Coordinator struct {
	bus Publisher

	// Delay bounds before each status publish, modelling assembly and
	// transit time. Tests shrink them to keep runs fast.
	MinDelay time.Duration
	MaxDelay time.Duration

	wg sync.WaitGroup
}

func NewCoordinator(bus Publisher) *Coordinator {
	return &Coordinator{
		bus:      bus,
		MinDelay: 5 * time.Second,
		MaxDelay: 10 * time.Second,
	}
}

// HandleSend is the delivery.send consumer handler. The message is acked as
// soon as the order id parses; the status run continues detached from it. A
// payload that can never parse is logged and acked rather than requeued
// forever.
func (c *Coordinator) HandleSend(ctx context.Context, body []byte) error {
	var event entity.DeliverySendEvent
	if err := json.Unmarshal(body, &event); err != nil {
		logger.Error().Err(err).Msg("Malformed delivery.send payload")
		return nil
	}

	c.wg.Add(1)
	go c.run(event.OrderID)

	return nil
}

// run publishes the three delivery statuses in strict sequence, each gated
// on a randomized delay. A publish failure aborts the run: skipping a
// status to emit the next one would reorder the sequence.
func (c *Coordinator) run(orderID int) {
	defer c.wg.Done()

	for _, status := range Statuses {
		time.Sleep(c.delay())

		event := entity.DeliveryActionEvent{OrderID: orderID, Status: status}
		if err := c.bus.PublishJSON(context.Background(), entity.EventDeliveryAction, event); err != nil {
			logger.Error().Err(err).Int("order_id", orderID).Str("status", status).
				Msg("Failed to publish delivery.action, abandoning run")
			return
		}
		logger.Info().Int("order_id", orderID).Str("status", status).Msg("Published delivery.action")
	}
}

func (c *Coordinator) delay() time.Duration {
	if c.MaxDelay <= c.MinDelay {
		return c.MinDelay
	}
	return c.MinDelay + time.Duration(rand.Int63n(int64(c.MaxDelay-c.MinDelay)))
}

// Drain waits for every in-flight status run to finish, bounded by ctx.
// Shutdown calls it so runs are joined instead of silently abandoned.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
