package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	priceKeyPrefix = "product_price:"
	lockKey        = "preload_prices_lock"
	completeKey    = "preload_prices_complete"
)

// ErrLockTimeout means a preload waiter exhausted its bounded wait without
// observing the completion marker; the stale lock has been force-cleared.
var ErrLockTimeout = errors.New("cache: preload lock wait timed out")

// ErrPreloadInterrupted means the lock holder disappeared before setting the
// completion marker. The caller may retry the preload.
var ErrPreloadInterrupted = errors.New("cache: preload lock released without completion")

// UnavailableError marks a transport failure of the cache backend. It is
// distinct from a missing price: absent ids are simply omitted from results.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("cache backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// PriceCache is the shared product price cache. All processes of the
// order-service point at the same backend; the preload protocol in
// preload.go keeps the bulk reload single-flight across them.
type PriceCache struct {
	store Store
	group singleflight.Group

	DefaultTTL   time.Duration // per-key writes outside a full preload
	PreloadTTL   time.Duration // keys written by a full preload
	LockTTL      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

func New(store Store) *PriceCache {
	return &PriceCache{
		store:        store,
		DefaultTTL:   time.Hour,
		PreloadTTL:   24 * time.Hour,
		LockTTL:      30 * time.Second,
		WaitTimeout:  30 * time.Second,
		PollInterval: time.Second,
	}
}

func priceKey(productID int) string {
	return priceKeyPrefix + strconv.Itoa(productID)
}

// GetBulk returns the prices of the ids actually present in the cache.
// Absent ids are missing from the result, not an error.
func (c *PriceCache) GetBulk(ctx context.Context, productIDs []int) (map[int]float64, error) {
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = priceKey(id)
	}

	values, err := c.store.MGet(ctx, keys)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}

	prices := make(map[int]float64, len(productIDs))
	for i, value := range values {
		if value == nil {
			continue
		}
		price, err := strconv.ParseFloat(*value, 64)
		if err != nil {
			logger.Error().Err(err).Int("product_id", productIDs[i]).Msg("Malformed price value in cache")
			continue
		}
		prices[productIDs[i]] = price
	}
	return prices, nil
}

// Set overwrites a single price. A zero ttl means the default TTL.
func (c *PriceCache) Set(ctx context.Context, productID int, price float64, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.DefaultTTL
	}
	if err := c.store.Set(ctx, priceKey(productID), formatPrice(price), ttl); err != nil {
		return &UnavailableError{Err: err}
	}
	return nil
}

// SetBulk overwrites a batch of prices in one round trip.
func (c *PriceCache) SetBulk(ctx context.Context, prices map[int]float64, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.DefaultTTL
	}
	values := make(map[string]string, len(prices))
	for id, price := range prices {
		values[priceKey(id)] = formatPrice(price)
	}
	if err := c.store.SetBulk(ctx, values, ttl); err != nil {
		return &UnavailableError{Err: err}
	}
	return nil
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}
