package vecsafe

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// monitor periodically reconciles catalog and disk in the background.
// A rate limiter caps scan frequency independently of the configured
// interval, so an aggressive interval cannot starve foreground I/O.
func (m *Manager) monitor() {
	defer m.wg.Done()

	interval := m.cfg.Monitor.Interval
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(m.cfg.Monitor.ScansPerMin)), 1)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !limiter.Allow() {
				continue
			}
			m.monitorScan()
		}
	}
}

func (m *Manager) monitorScan() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Monitor.Interval)
	defer cancel()

	report := m.checker.Check(ctx, false)
	if report.Err != nil {
		m.logger.Error("background check failed", slog.Any("error", report.Err))
		return
	}

	issues := 0
	for _, issue := range report.Issues {
		// Collections mid-operation look inconsistent for a moment;
		// the lock tells us to discount them.
		if m.coord.Locked(issue.CollectionID) {
			continue
		}
		issues++
	}

	if issues > 0 {
		m.logger.Warn("background check found issues",
			slog.Int("issues", issues),
			slog.String("status", string(report.Status)))
	} else {
		m.logger.Debug("background check clean")
	}
}
