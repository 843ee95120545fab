package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/tabrelay/internal/logging"
	"github.com/roelfdiedericks/tabrelay/internal/pool"
)

// schedule registers the pool sweep and the metrics save.
func (s *Server) schedule(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	cfg := s.app.Config()

	if spec := cfg.Pool.SweepSchedule; spec != "" {
		if _, err := c.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
			return nil, fmt.Errorf("pool.sweepSchedule %q: %w", spec, err)
		}
	}
	if spec := cfg.Metrics.SaveSchedule; spec != "" && s.store != nil {
		if _, err := c.AddFunc(spec, s.saveMetrics); err != nil {
			return nil, fmt.Errorf("metrics.saveSchedule %q: %w", spec, err)
		}
	}
	return c, nil
}

func (s *Server) sweep(ctx context.Context) {
	if err := s.app.Pool.Sweep(ctx); err != nil && !errors.Is(err, pool.ErrPoolClosed) {
		L_debug("server: sweep", "error", err)
	}
}

func (s *Server) saveMetrics() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.app.Metrics); err != nil {
		L_warn("server: saving metrics failed", "error", err)
	}
}
