package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tr0ublekat/marketplace/internal/api"
	"github.com/tr0ublekat/marketplace/internal/cache"
	"github.com/tr0ublekat/marketplace/internal/config"
	"github.com/tr0ublekat/marketplace/internal/rabbit"
	"github.com/tr0ublekat/marketplace/internal/repository"
	"github.com/tr0ublekat/marketplace/internal/service"
	"github.com/tr0ublekat/marketplace/migrations"
)

func connectDB(dsn string) (*sql.DB, error) {
	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("mysql", dsn)
		if err == nil {
			err = db.Ping()
			if err == nil {
				log.Printf("Connected to DB")
				return db, nil
			}
		}
		log.Printf("Retry %d: failed to connect to DB: %v", i+1, err)
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to DB after retries: %v", err)
}

func preloadPrices(ctx context.Context, priceCache *cache.PriceCache, productRepo *repository.ProductRepository) {
	err := priceCache.Preload(ctx, productRepo)
	if errors.Is(err, cache.ErrPreloadInterrupted) {
		// The previous holder died mid-reload; one retry is enough to take
		// over the lease ourselves.
		err = priceCache.Preload(ctx, productRepo)
	}
	if err != nil {
		log.Printf("Price preload degraded, starting with a cold cache: %v", err)
	}
}

func main() {
	dsn := config.Getenv("DATABASE_DSN", "marketplace:marketplace@tcp(localhost:3306)/marketplace")
	db, err := connectDB(dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := migrations.AutoMigrate(3, db); err != nil {
		log.Fatalf("Failed to migrate tables: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: config.RedisAddr(),
	})
	defer rdb.Close()

	conn, err := rabbit.Dial(config.RabbitURL())
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer conn.Close()

	orderRepo := repository.NewOrderRepository(db)
	productRepo := repository.NewProductRepository(db)
	priceCache := cache.New(cache.NewRedisStore(rdb))
	orderService := service.NewOrderService(priceCache, orderRepo, conn)
	handler := api.NewHandler(orderService, orderRepo, productRepo, priceCache, db, rdb)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	preloadPrices(ctx, priceCache, productRepo)
	cancel()

	e := echo.New()

	limiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(100),
				Burst:     300,
				ExpiresIn: 3 * time.Minute,
			}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.Request().RemoteAddr, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(429, map[string]string{"error": "rate limit exceeded"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(429, map[string]string{"error": "rate limit exceeded"})
		},
	}

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiterWithConfig(limiterConfig))

	e.POST("/orders", handler.CreateOrder)
	e.GET("/orders", handler.ListOrders)
	e.GET("/orders/:id", handler.GetOrder)
	e.GET("/products", handler.ListProducts)
	e.POST("/products", handler.CreateProduct)
	e.GET("/products/:id", handler.GetProduct)
	e.POST("/products/:id/refresh-cache", handler.RefreshProductCache)
	e.GET("/health", handler.Health)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := e.Start(":" + config.Getenv("PORT", "8082")); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal(err)
		}
	}()

	<-sigCtx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
}
