package devhub

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/db"
)

// CloseResolved closes conversations that have sat in Resolved longer than
// the configured grace period and announces each closure.
func (s *Server) CloseResolved(ctx context.Context) (int, error) {
	now := s.clock.Now()
	closed, err := db.CloseResolved(s.db, now.Add(-s.resolvedAfter), now)
	for i := range closed {
		s.hub.announceStatus(ctx, &closed[i])
	}
	s.hub.metrics.autoClosed.Add(float64(len(closed)))
	if err != nil {
		return len(closed), fmt.Errorf("devhub: auto-close: %w", err)
	}
	return len(closed), nil
}

// runAutoClose schedules CloseResolved on the cron schedule until ctx is done.
func (s *Server) runAutoClose(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, err := s.CloseResolved(ctx)
		if err != nil {
			s.log.Error("devhub: auto-close", zap.Error(err))
		}
		if n > 0 {
			s.log.Info("devhub: auto-closed conversations", zap.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("devhub: auto-close schedule %q: %w", schedule, err)
	}

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
	}
	return nil
}
