package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type reapTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

type tickerFactory func(time.Duration) reapTicker

// StartReaper periodically purges sessions older than the retention window.
// The returned function stops the reaper and waits for it to exit.
func StartReaper(ctx context.Context, logger *slog.Logger, store Store, retention, interval time.Duration) func() {
	return startReaperWithTicker(ctx, logger, store, retention, interval, func(d time.Duration) reapTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReaperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store Store,
	retention time.Duration,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || interval <= 0 || retention <= 0 {
		return func() {}
	}
	reaperCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})

	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-reaperCtx.Done():
				return
			case <-ticker.C():
				cutoff := time.Now().Add(-retention)
				purged, err := store.PurgeBefore(reaperCtx, cutoff)
				if err != nil {
					logger.Error("failed to purge expired view sessions", "error", err)
					continue
				}
				if purged > 0 {
					logger.Info("purged expired view sessions", "count", purged, "cutoff", cutoff)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
