package entity

// Order is immutable once persisted; status annotations on responses are
// never written back to storage.
type Order struct {
	ID     int         `json:"id"`
	UserID int         `json:"user_id"`
	Items  []OrderItem `json:"items"`
	Total  float64     `json:"total_price"`
	Status string      `json:"status"` // e.g. "created"
}

// OrderItem snapshots the unit price at order-creation time. Later catalog
// price changes never touch persisted rows.
type OrderItem struct {
	OrderID   int     `json:"order_id"`
	ProductID int     `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	LineTotal float64 `json:"line_total"`
}

type Product struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type ItemRequest struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

type OrderCreateRequest struct {
	UserID int           `json:"user_id"`
	Items  []ItemRequest `json:"items"`
}

type OrderSummary struct {
	OrderID    int         `json:"order_id"`
	UserID     int         `json:"user_id"`
	Items      []OrderItem `json:"items"`
	TotalPrice float64     `json:"total_price"`
	Status     string      `json:"status"`
}
