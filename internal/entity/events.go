package entity

// Routing keys on the marketplace exchange.
const (
	EventOrderCreated   = "order.created"
	EventDeliverySend   = "delivery.send"
	EventDeliveryAction = "delivery.action"
	EventPaymentAction  = "payment.action"
)

type OrderCreatedEvent struct {
	OrderID    int     `json:"order_id"`
	UserID     int     `json:"user_id"`
	TotalPrice float64 `json:"total_price"`
	Status     string  `json:"status"`
}

type DeliverySendEvent struct {
	OrderID int `json:"order_id"`
}

type DeliveryActionEvent struct {
	OrderID int    `json:"order_id"`
	Status  string `json:"status"`
}

type PaymentActionEvent struct {
	OrderID    int     `json:"order_id"`
	TotalPrice float64 `json:"total_price"`
	IsSuccess  bool    `json:"is_success"`
}
