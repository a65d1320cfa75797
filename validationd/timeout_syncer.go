package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/execution/engine"
)

// deadlineSyncer periodically expires dispatched steps whose deadline passed
// without a callback, and sweeps old callback receipts.
type deadlineSyncer struct {
	logger    *slog.Logger
	engine    *engine.Engine
	interval  time.Duration
	retention time.Duration

	lastPurge time.Time
}

func startDeadlineSyncer(ctx context.Context, logger *slog.Logger, eng *engine.Engine, interval time.Duration, retention time.Duration) {
	if eng == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &deadlineSyncer{
		logger:    logger,
		engine:    eng,
		interval:  interval,
		retention: retention,
	}

	go s.run(ctx)
}

func (s *deadlineSyncer) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *deadlineSyncer) syncOnce(ctx context.Context) {
	expired, err := s.engine.ExpireDeadlines(ctx)
	if err != nil {
		s.log("deadline sweep failed", "error", err)
	} else if expired > 0 {
		s.logger.Info("expired overdue steps", "component", "deadline_syncer", "count", expired)
	}

	if s.retention <= 0 {
		return
	}
	if time.Since(s.lastPurge) < time.Hour {
		return
	}
	deleted, err := s.engine.PurgeReceipts(ctx, s.retention)
	if err != nil {
		s.log("receipt purge failed", "error", err)
		return
	}
	s.lastPurge = time.Now().UTC()
	if deleted > 0 {
		s.logger.Info("purged callback receipts", "component", "deadline_syncer", "count", deleted)
	}
}

func (s *deadlineSyncer) log(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	fields := []any{"component", "deadline_syncer"}
	fields = append(fields, attrs...)
	s.logger.Warn(msg, fields...)
}
