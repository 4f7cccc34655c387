package engine

import (
	"context"
	"time"
)

// Prober checks whether the remote is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// WatchConnectivity probes p immediately and then every interval, and
// reports each result through SetOnline. It blocks until ctx is done.
func (e *Engine) WatchConnectivity(ctx context.Context, p Prober, interval time.Duration) {
	probe := func() {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		defer cancel()
		err := p.Ping(pctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Debug("remote unreachable", "error", err)
		}
		e.SetOnline(err == nil)
	}

	probe()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
