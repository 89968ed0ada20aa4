package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jkaninda/mauzo/internal/ratelimit"
)

// FanoutResult is one item's outcome. Each item gets its own row: one item's
// failure never corrupts another's result or aborts the batch.
type FanoutResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"` // "completed" or "failed".
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FanoutFunc processes one item.
type FanoutFunc func(ctx context.Context, item any) (any, error)

// FanoutConfig bounds a batch.
type FanoutConfig struct {
	Workers int                // Default: 4.
	Limiter *ratelimit.Limiter // nil = unlimited. Shared across workers.
	Key     string             // Rate-limit key, usually the org ID.
	Logger  *slog.Logger
}

// RunFanout processes items concurrently with a bounded worker set and a
// shared rate limit. Results are returned in item order; panics are contained
// per item. Cancellation marks the not-yet-started items failed with the
// context error and returns what completed.
func RunFanout(ctx context.Context, items []any, cfg FanoutConfig, fn FanoutFunc) []FanoutResult {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(items) {
		workers = len(items)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]FanoutResult, len(items))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = runItem(ctx, i, items[i], cfg, logger, fn)
			}
		}()
	}

feed:
	for i := range items {
		select {
		case <-ctx.Done():
			break feed
		case indexes <- i:
		}
	}
	close(indexes)
	wg.Wait()

	// Items the feeder never handed out.
	for i := range results {
		if results[i].Status == "" {
			results[i] = FanoutResult{Index: i, Status: "failed", Error: ctx.Err().Error()}
		}
	}
	return results
}

func runItem(ctx context.Context, index int, item any, cfg FanoutConfig, logger *slog.Logger, fn FanoutFunc) (res FanoutResult) {
	res = FanoutResult{Index: index}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("fan-out item panicked",
				slog.Int("index", index),
				slog.Any("panic", r),
			)
			res.Status = "failed"
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	if cfg.Limiter != nil {
		if err := cfg.Limiter.Wait(ctx, cfg.Key); err != nil {
			res.Status = "failed"
			res.Error = err.Error()
			return res
		}
	}

	out, err := fn(ctx, item)
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
		return res
	}
	res.Status = "completed"
	res.Output = out
	return res
}
