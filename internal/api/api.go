package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/tr0ublekat/marketplace/internal/cache"
	"github.com/tr0ublekat/marketplace/internal/entity"
	"github.com/tr0ublekat/marketplace/internal/service"
)

// OrderStore reads persisted orders.
type OrderStore interface {
	GetOrderByID(ctx context.Context, id int) (*entity.Order, error)
	ListOrders(ctx context.Context, offset, limit int) ([]*entity.Order, error)
}

// ProductStore reads and writes the product catalog.
type ProductStore interface {
	GetProductByID(ctx context.Context, id int) (*entity.Product, error)
	ListProducts(ctx context.Context, offset, limit int) ([]*entity.Product, error)
	CreateProduct(ctx context.Context, product *entity.Product) (*entity.Product, error)
}

// DBPinger reports database liveness for the health endpoint; *sql.DB
// satisfies it.
type DBPinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	orderService *service.OrderService
	orders       OrderStore
	products     ProductStore
	priceCache   *cache.PriceCache
	db           DBPinger
	rdb          *redis.Client
}

func NewHandler(orderService *service.OrderService, orders OrderStore, products ProductStore, priceCache *cache.PriceCache, db DBPinger, rdb *redis.Client) *Handler {
	return &Handler{
		orderService: orderService,
		orders:       orders,
		products:     products,
		priceCache:   priceCache,
		db:           db,
		rdb:          rdb,
	}
}

func (h *Handler) CreateOrder(c echo.Context) error {
	req := entity.OrderCreateRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}

	summary, err := h.orderService.CreateOrder(c.Request().Context(), req.UserID, req.Items)
	if err != nil {
		var notFound *service.PriceNotFoundError
		var unavailable *cache.UnavailableError
		switch {
		case errors.Is(err, service.ErrEmptyOrder):
			return c.JSON(400, map[string]string{"error": err.Error()})
		case errors.As(err, &notFound):
			return c.JSON(404, map[string]string{"error": err.Error()})
		case errors.As(err, &unavailable):
			return c.JSON(503, map[string]string{"error": "prices temporarily unavailable"})
		default:
			return c.JSON(500, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(200, summary)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid ID"})
	}

	order, err := h.orders.GetOrderByID(c.Request().Context(), id)
	if err != nil {
		return c.JSON(404, map[string]string{"error": "Order not found"})
	}

	return c.JSON(200, order)
}

func (h *Handler) ListOrders(c echo.Context) error {
	offset, limit := pagination(c)

	orders, err := h.orders.ListOrders(c.Request().Context(), offset, limit)
	if err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}

	return c.JSON(200, orders)
}

func (h *Handler) GetProduct(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid ID"})
	}

	product, err := h.products.GetProductByID(c.Request().Context(), id)
	if err != nil {
		return c.JSON(404, map[string]string{"error": "Product not found"})
	}

	return c.JSON(200, product)
}

func (h *Handler) ListProducts(c echo.Context) error {
	offset, limit := pagination(c)

	products, err := h.products.ListProducts(c.Request().Context(), offset, limit)
	if err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}

	return c.JSON(200, products)
}

func (h *Handler) CreateProduct(c echo.Context) error {
	product := entity.Product{}
	if err := c.Bind(&product); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}

	created, err := h.products.CreateProduct(c.Request().Context(), &product)
	if err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}

	return c.JSON(200, created)
}

// RefreshProductCache re-reads one product from the system of record and
// overwrites its cached price with the default TTL.
func (h *Handler) RefreshProductCache(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid ID"})
	}

	ctx := c.Request().Context()
	product, err := h.products.GetProductByID(ctx, id)
	if err != nil {
		return c.JSON(404, map[string]string{"error": "Product not found"})
	}

	if err := h.priceCache.Set(ctx, product.ID, product.Price, 0); err != nil {
		return c.JSON(503, map[string]string{"error": "cache unavailable"})
	}

	return c.JSON(200, map[string]interface{}{
		"status":     "cache updated",
		"product_id": product.ID,
		"price":      product.Price,
	})
}

func (h *Handler) Health(c echo.Context) error {
	ctx := c.Request().Context()

	dbStatus := "connected"
	if err := h.db.PingContext(ctx); err != nil {
		dbStatus = "error: " + err.Error()
	}

	redisStatus := "healthy"
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		redisStatus = "error: " + err.Error()
	}

	return c.JSON(200, map[string]interface{}{
		"status":   "ok",
		"service":  "order-service",
		"database": dbStatus,
		"redis":    redisStatus,
	})
}

func pagination(c echo.Context) (offset, limit int) {
	offset, _ = strconv.Atoi(c.QueryParam("skip"))
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = 10
	}
	return offset, limit
}
