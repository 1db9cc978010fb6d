package cache

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// PriceSource is the system of record the cache is populated from.
type PriceSource interface {
	AllPrices(ctx context.Context) (map[int]float64, error)
}

// Preload loads the full product price set into the cache exactly once
// across all running instances. Concurrent callers within one process are
// collapsed by a singleflight group; across processes a TTL-leased lock key
// arbitrates, and a completion marker tells late starters the reload
// already ran.
func (c *PriceCache) Preload(ctx context.Context, source PriceSource) error {
	_, err, _ := c.group.Do("preload", func() (interface{}, error) {
		return nil, c.preload(ctx, source)
	})
	return err
}

func (c *PriceCache) preload(ctx context.Context, source PriceSource) error {
	done, err := c.store.Exists(ctx, completeKey)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	if done {
		return nil
	}

	token := uuid.NewString()
	acquired, err := c.store.SetNX(ctx, lockKey, token, c.LockTTL)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	if !acquired {
		return c.waitForCompletion(ctx)
	}

	// The lease TTL bounds the damage if we crash here, but on every normal
	// path the lock must go away immediately.
	defer c.releaseLock(context.Background(), token)

	// Another instance may have finished between the first check and the
	// lock acquisition.
	done, err = c.store.Exists(ctx, completeKey)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	if done {
		return nil
	}

	prices, err := source.AllPrices(ctx)
	if err != nil {
		return err
	}
	if err := c.SetBulk(ctx, prices, c.PreloadTTL); err != nil {
		return err
	}
	if err := c.store.Set(ctx, completeKey, "1", c.PreloadTTL); err != nil {
		return &UnavailableError{Err: err}
	}

	logger.Info().Int("count", len(prices)).Msg("Preloaded product prices to cache")
	return nil
}

// releaseLock deletes the lock only while our token is still in it. If the
// lease expired mid-reload another instance may hold the key now; deleting
// blindly would cut its lease short.
func (c *PriceCache) releaseLock(ctx context.Context, token string) {
	value, ok, err := c.store.Get(ctx, lockKey)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read preload lock for release")
		return
	}
	if !ok {
		return
	}
	if value != token {
		logger.Warn().Msg("Preload lock was taken over after lease expiry, leaving it")
		return
	}
	if err := c.store.Del(ctx, lockKey); err != nil {
		logger.Error().Err(err).Msg("Failed to release preload lock")
	}
}

// waitForCompletion polls for the completion marker while another instance
// holds the preload lock. If the lock vanishes first the holder died
// mid-reload and the caller gets ErrPreloadInterrupted so it can retry. If
// neither happens within WaitTimeout the lock is considered stale and is
// force-cleared.
func (c *PriceCache) waitForCompletion(ctx context.Context) error {
	deadline := time.Now().Add(c.WaitTimeout)
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		done, err := c.store.Exists(ctx, completeKey)
		if err != nil {
			return &UnavailableError{Err: err}
		}
		if done {
			return nil
		}

		held, err := c.store.Exists(ctx, lockKey)
		if err != nil {
			return &UnavailableError{Err: err}
		}
		if !held {
			// A finishing holder sets the marker before releasing the lock,
			// so a missing lock with no marker means the holder died.
			done, err := c.store.Exists(ctx, completeKey)
			if err != nil {
				return &UnavailableError{Err: err}
			}
			if done {
				return nil
			}
			return ErrPreloadInterrupted
		}

		if time.Now().After(deadline) {
			logger.Warn().Msg("Preload lock looks stale, force-clearing it")
			if err := c.store.Del(ctx, lockKey); err != nil {
				logger.Error().Err(err).Msg("Failed to clear stale preload lock")
			}
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
