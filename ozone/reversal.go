package ozone

import (
	"context"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
)

// ReversalWorker automatically reverses time-boxed takedowns once they
// expire, by emitting compensating events through the normal coordinator
// path. Mutes need no worker: muteUntil is compared against the clock at read
// time.
type ReversalWorker struct {
	db       *gorm.DB
	service  *Service
	logger   *slog.Logger
	actor    Actor
	interval time.Duration
}

func NewReversalWorker(db *gorm.DB, service *Service, logger *slog.Logger, serviceDid syntax.DID, interval time.Duration) *ReversalWorker {
	return &ReversalWorker{
		db:       db,
		service:  service,
		logger:   logger.With("component", "reversal"),
		actor:    Actor{Did: serviceDid, Role: RoleAdmin},
		interval: interval,
	}
}

func (w *ReversalWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ReverseExpired(ctx); err != nil {
				w.logger.Error("expired action sweep failed", "error", err)
			}
		}
	}
}

// ReverseExpired finds takedown events whose duration has elapsed and which
// no compensating event references yet, and reverses each one. Subjects no
// longer takendown are skipped: a moderator may have restored one through a
// revert that references a different event, and re-attempting it every sweep
// would conflict forever.
func (w *ReversalWorker) ReverseExpired(ctx context.Context) error {
	var due []models.ModerationEvent
	err := w.db.WithContext(ctx).
		Where("kind = ?", EventTakedown).
		Where("duration_in_hours IS NOT NULL").
		Where("expires_at < ?", time.Now().UTC()).
		Where("NOT EXISTS (SELECT 1 FROM moderation_events r WHERE r.ref_event_id = moderation_events.id AND r.kind IN ?)",
			[]EventKind{EventReverseTakedown, EventRevert}).
		Where(`EXISTS (SELECT 1 FROM moderation_subject_statuses s
			WHERE s.did = moderation_events.subject_did
			AND ((moderation_events.subject_uri IS NULL AND s.record_path = '')
				OR (s.record_path <> '' AND moderation_events.subject_uri LIKE '%' || s.record_path))
			AND s.takendown)`).
		Order("id asc").
		Find(&due).Error
	if err != nil {
		return err
	}

	for _, evt := range due {
		refID := evt.ID
		comment := "automatically reversing expired takedown"
		_, _, err := w.service.EmitEvent(ctx, w.actor, EventInput{
			Kind:       EventReverseTakedown,
			Subject:    subjectFromEvent(&evt),
			Comment:    &comment,
			RefEventID: &refID,
		})
		if err != nil {
			// a moderator may have restored the subject by hand already
			if _, ok := err.(*ConflictError); ok {
				w.logger.Debug("expired takedown already reversed", "event", evt.ID)
				continue
			}
			return err
		}
		expiredActionsReversed.Inc()
		w.logger.Info("reversed expired takedown", "event", evt.ID, "subject", evt.SubjectDid)
	}
	return nil
}
