package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/layer-3/fillwatch/ports"
)

// NonceSweeper periodically drops expired challenges
type NonceSweeper struct {
	store    ports.NonceStore
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewNonceSweeper creates a sweeper running every interval
func NewNonceSweeper(store ports.NonceStore, interval time.Duration, logger *slog.Logger) *NonceSweeper {
	return &NonceSweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps until ctx is done
func (s *NonceSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Sweep(ctx, s.now())
			if err != nil {
				s.logger.Error("nonce sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("expired nonces removed", "count", removed)
			}
		}
	}
}
