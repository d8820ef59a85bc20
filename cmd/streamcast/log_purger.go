package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamcast/internal/storage"
)

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startLogPurgeWorker periodically drops log entries older than retention.
// The returned function stops the worker and waits for it to exit.
func startLogPurgeWorker(ctx context.Context, logger *slog.Logger, repo storage.Repository, retention, interval time.Duration) func() {
	return startLogPurgeWorkerWithTicker(ctx, logger, repo, retention, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startLogPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	repo storage.Repository,
	retention time.Duration,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if repo == nil || retention <= 0 || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				cutoff := time.Now().UTC().Add(-retention)
				removed, err := repo.PurgeLogs(workerCtx, cutoff)
				if err != nil {
					if logger != nil {
						logger.Error("failed to purge old log entries", "error", err)
					}
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("purged old log entries", "removed", removed, "cutoff", cutoff)
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
