package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rednebmas/mem/internal/store"
)

// keepLock refreshes holder's lock every interval until stop is called.
// A refresh that finds the lock taken over is logged; the run then fails
// its commit check.
func keepLock(ctx context.Context, db *store.DB, holder string, interval time.Duration, clock func() time.Time, log *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.RefreshLock(ctx, holder, clock()); err != nil && ctx.Err() == nil {
					log.Warn("refresh lock", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// lockInterval refreshes well inside the stale window.
func lockInterval(staleAfter time.Duration) time.Duration {
	return max(staleAfter/3, time.Second)
}
