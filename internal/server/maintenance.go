package server

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// retentionSchedule is when the nightly retention sweep runs.
const retentionSchedule = "10 3 * * *"

// entitySyncTimeout bounds one periodic full resync against Home
// Assistant.
const entitySyncTimeout = 30 * time.Second

// maintenanceLoop drives the periodic chores: retention pruning on a
// cron schedule and the full entity resync on the configured interval.
// Settings are re-read every tick, so interval changes apply without a
// restart.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastRetention := time.Now()
	lastSync := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			doc, err := s.settings.Document()
			if err != nil {
				s.log.Warn("maintenance: load settings", zap.Error(err))
				continue
			}
			if scheduleDue(retentionSchedule, lastRetention, now) {
				lastRetention = now
				s.runRetention(now, doc.Events.RetentionDays, doc.RuleLogs.RetentionDays)
			}
			interval := time.Duration(doc.EntitySync.IntervalSeconds) * time.Second
			if s.ha != nil && interval > 0 && now.Sub(lastSync) >= interval {
				lastSync = now
				s.runEntitySync(ctx)
			}
		}
	}
}

// scheduleDue reports whether a cron spec has a fire time in (last, now].
func scheduleDue(schedule string, last, now time.Time) bool {
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return false
	}
	return !spec.Next(last).After(now)
}

// runRetention prunes aged alarm events, detections and rule log rows.
// Alarm events and detections share the event retention window.
func (s *Server) runRetention(now time.Time, eventDays, logDays int) {
	if eventDays > 0 {
		cutoff := now.AddDate(0, 0, -eventDays)
		if n, err := s.alarmStore.PruneEvents(cutoff); err != nil {
			s.log.Warn("prune alarm events", zap.Error(err))
		} else if n > 0 {
			s.log.Info("pruned alarm events", zap.Int64("rows", n))
		}
		if n, err := s.detections.Prune(cutoff); err != nil {
			s.log.Warn("prune detections", zap.Error(err))
		} else if n > 0 {
			s.log.Info("pruned detections", zap.Int64("rows", n))
		}
	}
	if logDays > 0 {
		cutoff := now.AddDate(0, 0, -logDays)
		if n, err := s.ruleLog.Prune(cutoff); err != nil {
			s.log.Warn("prune rule logs", zap.Error(err))
		} else if n > 0 {
			s.log.Info("pruned rule logs", zap.Int64("rows", n))
		}
	}
}

// runEntitySync refreshes the entity store from Home Assistant. The
// connect-time sync covers reconnects; this catches drift in between.
func (s *Server) runEntitySync(ctx context.Context) {
	if !s.ha.Connected() {
		return
	}
	syncCtx, cancel := context.WithTimeout(ctx, entitySyncTimeout)
	defer cancel()
	res, err := s.ha.Sync(syncCtx)
	if err != nil {
		s.log.Warn("periodic entity sync", zap.Error(err))
		return
	}
	s.log.Debug("entity sync complete",
		zap.Int("imported", res.Imported), zap.Int("updated", res.Updated))
}
