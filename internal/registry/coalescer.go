package registry

import (
	"context"
	"log/slog"
	"time"
)

// shutdownFlushTimeout bounds the last flush after the run context ends.
const shutdownFlushTimeout = 10 * time.Second

// Coalescer periodically writes dirty files so that a burst of edits costs
// one store write per interval.
type Coalescer struct {
	reg      *Registry
	interval time.Duration
	log      *slog.Logger
}

func NewCoalescer(reg *Registry, interval time.Duration, log *slog.Logger) *Coalescer {
	return &Coalescer{reg: reg, interval: interval, log: log.With("component", "coalescer")}
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (c *Coalescer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.reg.FlushDirty(ctx); err != nil {
				c.log.Error("flush failed", "err", err)
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			defer cancel()
			if err := c.reg.FlushDirty(flushCtx); err != nil {
				c.log.Error("final flush failed", "err", err)
				return err
			}
			c.log.Info("final flush done")
			return nil
		}
	}
}
