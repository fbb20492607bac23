package ozone

import (
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
)

// EventKind is the closed set of moderation event variants. The log itself
// stores the string form, so unknown kinds written by a newer version of the
// service round-trip unchanged.
type EventKind string

const (
	EventTakedown        EventKind = "takedown"
	EventReverseTakedown EventKind = "reverseTakedown"
	EventAcknowledge     EventKind = "acknowledge"
	EventEscalate        EventKind = "escalate"
	EventReport          EventKind = "report"
	EventMute            EventKind = "mute"
	EventUnmute          EventKind = "unmute"
	EventComment         EventKind = "comment"
	EventLabel           EventKind = "label"
	EventEmail           EventKind = "email"
	EventRevert          EventKind = "revert"
)

// IsRevert reports whether the kind compensates a prior event and therefore
// carries a refEventId.
func (k EventKind) IsRevert() bool {
	return k == EventRevert || k == EventReverseTakedown
}

// The kinds whose deltas change a subject's materialized status. Revert kinds
// are resolved through this set but are not members of it: the backward scan
// must never mistake one revert for the action another revert undoes.
var statusAffectingKinds = []EventKind{
	EventAcknowledge,
	EventReport,
	EventEscalate,
	EventTakedown,
	EventMute,
}

// appendEvent writes one immutable row to the moderation log and lets the
// store assign the next id. Content validation happens upstream in EmitEvent.
func appendEvent(tx *gorm.DB, evt *models.ModerationEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if evt.DurationInHours != nil && evt.ExpiresAt == nil {
		exp := evt.CreatedAt.Add(time.Duration(*evt.DurationInHours) * time.Hour)
		evt.ExpiresAt = &exp
	}
	if err := tx.Create(evt).Error; err != nil {
		return &StorageError{Op: "append event", Err: err}
	}
	return nil
}

func getEvent(tx *gorm.DB, id uint64) (*models.ModerationEvent, error) {
	var evt models.ModerationEvent
	if err := tx.First(&evt, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &NotFoundError{What: "moderation event", ID: strconv.FormatUint(id, 10)}
		}
		return nil, &StorageError{Op: "read event", Err: err}
	}
	return &evt, nil
}

// forSubject narrows an event query to one subject identity. Account subjects
// match only account-level rows; record subjects match on uri and cid.
func forSubject(q *gorm.DB, subj Subject) *gorm.DB {
	if subj.IsRecord() {
		return q.Where("subject_uri = ? AND subject_cid = ?", subj.Uri.String(), subj.Cid.String())
	}
	return q.Where("subject_did = ? AND subject_uri IS NULL", subj.Did.String())
}

// lastStatusEventBefore finds the most recent status-affecting event for the
// subject strictly before beforeID, skipping revert kinds. Returns nil when
// the subject had no status-affecting history at that point.
func lastStatusEventBefore(tx *gorm.DB, subj Subject, beforeID uint64) (*models.ModerationEvent, error) {
	var evt models.ModerationEvent
	q := forSubject(tx.Model(&models.ModerationEvent{}), subj).
		Where("id < ?", beforeID).
		Where("kind IN ?", statusAffectingKinds).
		Order("id desc")
	if err := q.First(&evt).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, &StorageError{Op: "scan event history", Err: err}
	}
	return &evt, nil
}

// EventFilter narrows ListEvents. Cursor is the stringified id of the last
// row of the previous page; results are newest first.
type EventFilter struct {
	Subject       *Subject
	Kinds         []EventKind
	CreatedBy     string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Cursor        string
	Limit         int
}

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 100
)

func queryEvents(db *gorm.DB, f EventFilter) ([]models.ModerationEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultEventPageSize
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}

	q := db.Model(&models.ModerationEvent{})
	if f.Subject != nil {
		q = forSubject(q, *f.Subject)
	}
	if len(f.Kinds) > 0 {
		q = q.Where("kind IN ?", f.Kinds)
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at > ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.Cursor != "" {
		cursor, err := strconv.ParseUint(f.Cursor, 10, 64)
		if err != nil {
			return nil, &ValidationError{Msg: "malformed cursor", Value: f.Cursor}
		}
		q = q.Where("id < ?", cursor)
	}

	var out []models.ModerationEvent
	if err := q.Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, &StorageError{Op: "query events", Err: err}
	}
	return out, nil
}
