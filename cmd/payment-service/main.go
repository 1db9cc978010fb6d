package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"os/signal"
	"syscall"

	"github.com/tr0ublekat/marketplace/internal/config"
	"github.com/tr0ublekat/marketplace/internal/entity"
	"github.com/tr0ublekat/marketplace/internal/rabbit"
)

const (
	queueName   = "payments_queue"
	workerCount = 10
)

func mockGetPaymentStatus() bool {
	return rand.Intn(100) >= 2
}

type paymentProcessor struct {
	conn *rabbit.Connection
}

func (p *paymentProcessor) handle(ctx context.Context, body []byte) error {
	var order entity.OrderCreatedEvent
	if err := json.Unmarshal(body, &order); err != nil {
		log.Printf("Malformed order.created payload: %v", err)
		return nil
	}

	isSuccess := mockGetPaymentStatus()
	log.Printf("Payment for order %d, amount %.2f: %t", order.OrderID, order.TotalPrice, isSuccess)

	action := entity.PaymentActionEvent{
		OrderID:    order.OrderID,
		TotalPrice: order.TotalPrice,
		IsSuccess:  isSuccess,
	}
	return p.conn.PublishJSON(ctx, entity.EventPaymentAction, action)
}

func main() {
	conn, err := rabbit.Dial(config.RabbitURL())
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer conn.Close()

	if err := conn.BindDurableQueue(queueName, entity.EventOrderCreated); err != nil {
		log.Fatalf("Failed to bind queue: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	processor := &paymentProcessor{conn: conn}

	log.Printf("payment-service started")

	if err := conn.ConsumeWorkers(ctx, queueName, workerCount, processor.handle); err != nil && ctx.Err() == nil {
		log.Printf("Consumer stopped: %v", err)
	}
}
