package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Exchange is the single durable direct exchange all marketplace services
// publish to and consume from.
const Exchange = "marketplace"

const (
	reconnectAttempts = 5
	reconnectBackoff  = time.Second
	maxBackoff        = 30 * time.Second
)

// ErrClosed is returned for operations on an explicitly closed connection.
var ErrClosed = errors.New("rabbit: connection closed")

// PublishError marks a failed publish. Callers that publish after a
// committed transaction log it instead of failing the request.
type PublishError struct {
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type binding struct {
	queue      string
	routingKey string
}

// amqpChannel is the subset of *amqp.Channel the connection uses; tests
// substitute a recording fake.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Connection wraps a single AMQP connection and channel with automatic
// redial. Exchange and queue topology is re-declared after every reconnect
// so publishing and consuming resume without operator intervention.
type Connection struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	bindings []binding
	closed   bool
}

// Dial connects to the broker and declares the marketplace exchange.
func Dial(url string) (*Connection, error) {
	c := &Connection{url: url}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(
		Exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.ch = ch
	return nil
}

// reconnectLocked redials with exponential backoff and re-declares the
// recorded topology. Caller holds c.mu.
func (c *Connection) reconnectLocked() error {
	backoff := reconnectBackoff
	var lastErr error

	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		if c.closed {
			return ErrClosed
		}
		if lastErr = c.connect(); lastErr == nil {
			for _, b := range c.bindings {
				if err := c.declareBindingLocked(b); err != nil {
					lastErr = err
					break
				}
			}
			if lastErr == nil {
				logger.Info().Msg("Reconnected to RabbitMQ")
				return nil
			}
		}

		logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("RabbitMQ reconnect failed")
		time.Sleep(backoff)
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

func (c *Connection) channel() (amqpChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	return c.ch, nil
}

func (c *Connection) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
}

func (c *Connection) declareBindingLocked(b binding) error {
	if _, err := c.ch.QueueDeclare(
		b.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return err
	}
	return c.ch.QueueBind(b.queue, b.routingKey, Exchange, false, nil)
}

// BindDurableQueue declares a durable queue bound to the marketplace
// exchange. Idempotent; the binding is replayed after every reconnect.
func (c *Connection) BindDurableQueue(queue, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	b := binding{queue: queue, routingKey: routingKey}
	if err := c.declareBindingLocked(b); err != nil {
		return err
	}
	c.bindings = append(c.bindings, b)
	return nil
}

// PublishJSON publishes a persistent JSON message to the marketplace
// exchange. A transport failure triggers one reconnect-and-retry before the
// error is surfaced.
func (c *Connection) PublishJSON(ctx context.Context, routingKey string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &PublishError{RoutingKey: routingKey, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return &PublishError{RoutingKey: routingKey, Err: err}
		}

		ch, err := c.channel()
		if err != nil {
			lastErr = err
			continue
		}

		err = ch.Publish(Exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		c.invalidate()
	}
	return &PublishError{RoutingKey: routingKey, Err: lastErr}
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error leaves it to be redelivered, so handlers must tolerate duplicates.
type Handler func(ctx context.Context, body []byte) error

// Consume delivers messages from queue to handler until ctx is cancelled or
// the connection is closed. Each message sits in an explicit ack scope:
// handler success acks, handler error nacks with requeue. A dropped channel
// is re-established with backoff.
func (c *Connection) Consume(ctx context.Context, queue string, handler Handler) error {
	return c.consume(ctx, queue, handler, 1)
}

// ConsumeWorkers is Consume with deliveries fanned out over a fixed pool of
// workers, each acking its own messages. Ordering across messages is lost;
// the ack scope per message is kept.
func (c *Connection) ConsumeWorkers(ctx context.Context, queue string, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}
	return c.consume(ctx, queue, handler, workers)
}

func (c *Connection) consume(ctx context.Context, queue string, handler Handler, workers int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, err := c.channel()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			logger.Error().Err(err).Str("queue", queue).Msg("Consume channel unavailable, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		deliveries, err := ch.Consume(
			queue,
			"",    // consumer tag
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,
		)
		if err != nil {
			logger.Error().Err(err).Str("queue", queue).Msg("Consume failed, retrying")
			c.invalidate()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectBackoff):
			}
			continue
		}

		if err := c.drainDeliveries(ctx, deliveries, handler, workers); err != nil {
			return err
		}
		// Channel closed underneath us; loop around and reconnect.
		logger.Warn().Str("queue", queue).Msg("Consumer channel lost, reconnecting")
	}
}

// drainDeliveries pulls from the delivery channel with the given number of
// workers until it closes or ctx is cancelled. On cancellation workers keep
// draining until the channel closes, which closing the connection does.
func (c *Connection) drainDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler, workers int) error {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range deliveries {
				c.handleDelivery(ctx, msg, handler)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Connection) handleDelivery(ctx context.Context, msg amqp.Delivery, handler Handler) {
	if err := handler(ctx, msg.Body); err != nil {
		logger.Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("Handler failed, requeueing message")
		if err := msg.Nack(false, true); err != nil {
			logger.Error().Err(err).Msg("Nack failed")
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error().Err(err).Msg("Ack failed")
	}
}

// Close shuts the connection down. Further operations return ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
