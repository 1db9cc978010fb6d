package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tr0ublekat/marketplace/internal/entity"
)

type recordingBus struct {
	mu           sync.Mutex
	events       []entity.DeliveryActionEvent
	failOnStatus string
}

func (b *recordingBus) PublishJSON(ctx context.Context, routingKey string, payload interface{}) error {
	event, ok := payload.(entity.DeliveryActionEvent)
	if !ok {
		return errors.New("unexpected payload type")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOnStatus != "" && event.Status == b.failOnStatus {
		return errors.New("broker down")
	}
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) recorded() []entity.DeliveryActionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]entity.DeliveryActionEvent(nil), b.events...)
}

func fastCoordinator(bus Publisher) *Coordinator {
	c := NewCoordinator(bus)
	c.MinDelay = time.Millisecond
	c.MaxDelay = 3 * time.Millisecond
	return c
}

func drain(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Drain(ctx))
}

func TestRunPublishesStatusesInStrictOrder(t *testing.T) {
	bus := &recordingBus{}
	c := fastCoordinator(bus)

	require.NoError(t, c.HandleSend(context.Background(), []byte(`{"order_id":7}`)))
	drain(t, c)

	events := bus.recorded()
	require.Len(t, events, 3)
	for i, status := range Statuses {
		assert.Equal(t, entity.DeliveryActionEvent{OrderID: 7, Status: status}, events[i])
	}
}

func TestDuplicateSendSpawnsIndependentRuns(t *testing.T) {
	bus := &recordingBus{}
	c := fastCoordinator(bus)
	ctx := context.Background()

	// At-least-once delivery can hand the coordinator the same message
	// twice; each one gets its own full run.
	require.NoError(t, c.HandleSend(ctx, []byte(`{"order_id":7}`)))
	require.NoError(t, c.HandleSend(ctx, []byte(`{"order_id":7}`)))
	drain(t, c)

	events := bus.recorded()
	require.Len(t, events, 6)

	counts := make(map[string]int)
	for _, event := range events {
		assert.Equal(t, 7, event.OrderID)
		counts[event.Status]++
	}
	for _, status := range Statuses {
		assert.Equal(t, 2, counts[status])
	}
}

func TestInterleavedOrdersKeepPerOrderSequence(t *testing.T) {
	bus := &recordingBus{}
	c := fastCoordinator(bus)
	ctx := context.Background()

	require.NoError(t, c.HandleSend(ctx, []byte(`{"order_id":1}`)))
	require.NoError(t, c.HandleSend(ctx, []byte(`{"order_id":2}`)))
	require.NoError(t, c.HandleSend(ctx, []byte(`{"order_id":3}`)))
	drain(t, c)

	perOrder := make(map[int][]string)
	for _, event := range bus.recorded() {
		perOrder[event.OrderID] = append(perOrder[event.OrderID], event.Status)
	}

	require.Len(t, perOrder, 3)
	for orderID, sequence := range perOrder {
		assert.Equal(t, Statuses, sequence, "order %d", orderID)
	}
}

func TestPublishFailureAbortsRunWithoutSkipping(t *testing.T) {
	bus := &recordingBus{failOnStatus: "on_the_way"}
	c := fastCoordinator(bus)

	require.NoError(t, c.HandleSend(context.Background(), []byte(`{"order_id":7}`)))
	drain(t, c)

	events := bus.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, "in_assembly", events[0].Status)
	// In particular no "delivered" after a lost "on_the_way".
}

func TestMalformedPayloadIsAckedNotRequeued(t *testing.T) {
	bus := &recordingBus{}
	c := fastCoordinator(bus)

	require.NoError(t, c.HandleSend(context.Background(), []byte(`not json`)),
		"a payload that can never parse must be acked, not redelivered forever")
	drain(t, c)

	assert.Empty(t, bus.recorded())
}

func TestDrainTimesOutOnStuckRun(t *testing.T) {
	bus := &recordingBus{}
	c := NewCoordinator(bus)
	c.MinDelay = time.Minute
	c.MaxDelay = 2 * time.Minute

	require.NoError(t, c.HandleSend(context.Background(), []byte(`{"order_id":7}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Drain(ctx), context.DeadlineExceeded)
}
