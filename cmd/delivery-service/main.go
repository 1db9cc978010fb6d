package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/tr0ublekat/marketplace/internal/config"
	"github.com/tr0ublekat/marketplace/internal/delivery"
	"github.com/tr0ublekat/marketplace/internal/entity"
	"github.com/tr0ublekat/marketplace/internal/rabbit"
)

const queueName = "delivery_send_queue"

func main() {
	conn, err := rabbit.Dial(config.RabbitURL())
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer conn.Close()

	if err := conn.BindDurableQueue(queueName, entity.EventDeliverySend); err != nil {
		log.Fatalf("Failed to bind queue: %v", err)
	}

	coordinator := delivery.NewCoordinator(conn)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("delivery-service started")

	if err := conn.Consume(ctx, queueName, coordinator.HandleSend); err != nil && ctx.Err() == nil {
		log.Printf("Consumer stopped: %v", err)
	}

	// Join the in-flight status runs instead of abandoning them.
	drainCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := coordinator.Drain(drainCtx); err != nil {
		log.Printf("Shutdown with delivery runs still in flight: %v", err)
	}
}
