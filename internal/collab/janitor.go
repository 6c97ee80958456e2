package collab

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/livesync/internal/logging"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metrics"
)

// Sweep evicts cache entries idle for longer than the retention window and
// cancels their pending timers. It returns the number evicted.
func (s *Service) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.CacheRetention)
	evicted := 0

	for _, id := range s.cache.Idle(cutoff) {
		unlock := s.fileMu.Lock(id)
		if s.cache.RemoveIfIdle(id, cutoff) {
			if s.scheduler.Cancel(id) {
				logging.Warn("evicted file with pending save", logging.File(id.String()))
			}
			evicted++
		}
		unlock()
	}

	metrics.RecordCacheEvictions(evicted)
	return evicted
}

func (s *Service) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				logging.Info("evicted idle files", zap.Int("count", n), zap.Int("remaining", s.cache.Len()))
			}
		}
	}
}
