package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tr0ublekat/marketplace/internal/cache"
	"github.com/tr0ublekat/marketplace/internal/entity"
	"github.com/tr0ublekat/marketplace/internal/service"
)

type stubPrices struct {
	prices map[int]float64
	err    error
}

func (s *stubPrices) GetBulk(ctx context.Context, productIDs []int) (map[int]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	result := make(map[int]float64)
	for _, id := range productIDs {
		if price, ok := s.prices[id]; ok {
			result[id] = price
		}
	}
	return result, nil
}

type stubOrderStore struct{}

func (s *stubOrderStore) CreateOrder(ctx context.Context, order *entity.Order) (*entity.Order, error) {
	order.ID = 1
	return order, nil
}

type stubBus struct{}

func (s *stubBus) PublishJSON(ctx context.Context, routingKey string, payload interface{}) error {
	return nil
}

func postOrders(t *testing.T, prices *stubPrices, body string) *httptest.ResponseRecorder {
	t.Helper()

	svc := service.NewOrderService(prices, &stubOrderStore{}, &stubBus{})
	handler := NewHandler(svc, nil, nil, nil, nil, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	require.NoError(t, handler.CreateOrder(e.NewContext(req, rec)))
	return rec
}

func TestCreateOrderResponse(t *testing.T) {
	prices := &stubPrices{prices: map[int]float64{111: 100, 222: 50}}
	rec := postOrders(t, prices, `{"user_id":50,"items":[{"product_id":111,"quantity":1},{"product_id":222,"quantity":2}]}`)

	assert.Equal(t, http.StatusOK, rec.Code)

	var summary entity.OrderSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 200.0, summary.TotalPrice)
	assert.Equal(t, 50, summary.UserID)
	assert.Equal(t, "created", summary.Status)
}

func TestCreateOrderEmptyItemsIs400(t *testing.T) {
	rec := postOrders(t, &stubPrices{}, `{"user_id":50,"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrderUnknownProductIs404(t *testing.T) {
	prices := &stubPrices{prices: map[int]float64{111: 100}}
	rec := postOrders(t, prices, `{"user_id":50,"items":[{"product_id":999,"quantity":1}]}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "999")
}

func TestCreateOrderCacheDownIs503(t *testing.T) {
	prices := &stubPrices{err: &cache.UnavailableError{Err: errors.New("connection refused")}}
	rec := postOrders(t, prices, `{"user_id":50,"items":[{"product_id":111,"quantity":1}]}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type stubOrderReader struct {
	orders map[int]*entity.Order
}

func (s *stubOrderReader) GetOrderByID(ctx context.Context, id int) (*entity.Order, error) {
	order, ok := s.orders[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	return order, nil
}

func (s *stubOrderReader) ListOrders(ctx context.Context, offset, limit int) ([]*entity.Order, error) {
	var result []*entity.Order
	for _, order := range s.orders {
		result = append(result, order)
	}
	return result, nil
}

func getPath(t *testing.T, handler *Handler, route func(*Handler) echo.HandlerFunc, path, paramName, paramValue string) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if paramName != "" {
		c.SetParamNames(paramName)
		c.SetParamValues(paramValue)
	}
	require.NoError(t, route(handler)(c))
	return rec
}

func TestGetOrderReturnsPersistedOrder(t *testing.T) {
	orders := &stubOrderReader{orders: map[int]*entity.Order{
		7: {
			ID:     7,
			UserID: 50,
			Total:  200,
			Status: "created",
			Items: []entity.OrderItem{
				{OrderID: 7, ProductID: 111, Quantity: 1, UnitPrice: 100, LineTotal: 100},
				{OrderID: 7, ProductID: 222, Quantity: 2, UnitPrice: 50, LineTotal: 100},
			},
		},
	}}
	handler := NewHandler(nil, orders, nil, nil, nil, nil)

	rec := getPath(t, handler, func(h *Handler) echo.HandlerFunc { return h.GetOrder }, "/orders/7", "id", "7")
	assert.Equal(t, http.StatusOK, rec.Code)

	var order entity.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, 7, order.ID)
	assert.Equal(t, 200.0, order.Total)
	require.Len(t, order.Items, 2)
	assert.Equal(t, 100.0, order.Items[0].UnitPrice)
}

func TestGetOrderUnknownIs404(t *testing.T) {
	handler := NewHandler(nil, &stubOrderReader{}, nil, nil, nil, nil)

	rec := getPath(t, handler, func(h *Handler) echo.HandlerFunc { return h.GetOrder }, "/orders/7", "id", "7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOrdersCarriesItems(t *testing.T) {
	orders := &stubOrderReader{orders: map[int]*entity.Order{
		1: {
			ID:     1,
			UserID: 2,
			Total:  300,
			Status: "created",
			Items:  []entity.OrderItem{{OrderID: 1, ProductID: 111, Quantity: 3, UnitPrice: 100, LineTotal: 300}},
		},
	}}
	handler := NewHandler(nil, orders, nil, nil, nil, nil)

	rec := getPath(t, handler, func(h *Handler) echo.HandlerFunc { return h.ListOrders }, "/orders", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var listed []entity.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Len(t, listed[0].Items, 1)
	assert.Equal(t, 300.0, listed[0].Items[0].LineTotal)
}

type stubDB struct {
	err error
}

func (s *stubDB) PingContext(ctx context.Context) error { return s.err }

func TestHealthReportsDatabaseStatus(t *testing.T) {
	// The Redis client points nowhere; health must still answer and report
	// the failure instead of erroring out.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	handler := NewHandler(nil, nil, nil, nil, &stubDB{}, rdb)
	rec := getPath(t, handler, func(h *Handler) echo.HandlerFunc { return h.Health }, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"connected"`)

	handler = NewHandler(nil, nil, nil, nil, &stubDB{err: errors.New("dial tcp: refused")}, rdb)
	rec = getPath(t, handler, func(h *Handler) echo.HandlerFunc { return h.Health }, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"error: dial tcp: refused"`)
}
