package ozone

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bluesky-social/ozone/models"
)

const (
	ReviewOpen      = "open"
	ReviewEscalated = "escalated"
	ReviewClosed    = "closed"
)

// mutes with no explicit duration effectively never expire
const indefiniteMuteYears = 100

// StatusPatch is a partial update to a subject's materialized status. Nil
// fields are left untouched by the upsert. A pointer to the zero value
// (empty string, zero time) clears the column to NULL; Takendown is a plain
// bool column so false is expressed directly.
type StatusPatch struct {
	ReviewState    *string
	Takendown      *bool
	MuteUntil      *time.Time
	SuspendUntil   *time.Time
	LastReviewedAt *time.Time
	LastReviewedBy *string
	LastReportedAt *time.Time
	Comment        *string
	BlobCids       *string

	// a Report must not downgrade a subject a moderator already escalated
	keepEscalated bool
}

func (p StatusPatch) IsEmpty() bool {
	return p.ReviewState == nil && p.Takendown == nil && p.MuteUntil == nil &&
		p.SuspendUntil == nil && p.LastReviewedAt == nil && p.LastReviewedBy == nil &&
		p.LastReportedAt == nil && p.Comment == nil && p.BlobCids == nil
}

// deltaFor is the reducer's transition table: the status patch produced by a
// single event of the given kind. The event's own timestamp is used as "now"
// so that replaying the log reproduces identical rows.
func deltaFor(kind EventKind, at time.Time, by string, durationInHours *int64) StatusPatch {
	switch kind {
	case EventAcknowledge:
		state := ReviewClosed
		return StatusPatch{ReviewState: &state, LastReviewedAt: &at, LastReviewedBy: &by}
	case EventReport:
		state := ReviewOpen
		return StatusPatch{ReviewState: &state, LastReportedAt: &at, keepEscalated: true}
	case EventEscalate:
		state := ReviewEscalated
		return StatusPatch{ReviewState: &state, LastReviewedAt: &at, LastReviewedBy: &by}
	case EventTakedown:
		takendown := true
		patch := StatusPatch{Takendown: &takendown, LastReviewedAt: &at, LastReviewedBy: &by}
		if durationInHours != nil {
			until := at.Add(time.Duration(*durationInHours) * time.Hour)
			patch.SuspendUntil = &until
		}
		return patch
	case EventMute:
		var until time.Time
		if durationInHours != nil {
			until = at.Add(time.Duration(*durationInHours) * time.Hour)
		} else {
			until = at.AddDate(indefiniteMuteYears, 0, 0)
		}
		return StatusPatch{MuteUntil: &until}
	case EventUnmute:
		var clear time.Time
		return StatusPatch{MuteUntil: &clear}
	default:
		// comments, labels, emails, and unknown kinds leave status untouched
		return StatusPatch{}
	}
}

// baselinePatch resets the derived fields to their unset defaults. Used when
// a revert finds no status-affecting history before the referenced event:
// with no evidence of a prior state there is nothing to restore, so the
// subject returns to baseline.
func baselinePatch(at time.Time, by string) StatusPatch {
	var clearState string
	var clearTime time.Time
	takendown := false
	return StatusPatch{
		ReviewState:    &clearState,
		Takendown:      &takendown,
		MuteUntil:      &clearTime,
		SuspendUntil:   &clearTime,
		LastReviewedAt: &at,
		LastReviewedBy: &by,
	}
}

// resolveRevertPatch computes the patch for a compensating event. The patch is
// recomputed from the last status-affecting event before the referenced one,
// not from the revert's own kind: intervening comments or labels must not be
// mistaken for the action being undone.
func resolveRevertPatch(tx *gorm.DB, evt *models.ModerationEvent, subj Subject) (StatusPatch, *models.ModerationEvent, error) {
	if evt.RefEventID == nil {
		return StatusPatch{}, nil, &ValidationError{Msg: "revert event requires refEventId", Value: string(evt.Kind)}
	}
	refEvent, err := getEvent(tx, *evt.RefEventID)
	if err != nil {
		return StatusPatch{}, nil, err
	}
	refSubj := subjectFromEvent(refEvent)
	if refSubj.Did != subj.Did || refSubj.RecordPath() != subj.RecordPath() {
		return StatusPatch{}, nil, &ValidationError{Msg: "refEventId does not reference this subject", Value: refSubj.String()}
	}

	prior, err := lastStatusEventBefore(tx, subj, *evt.RefEventID)
	if err != nil {
		return StatusPatch{}, nil, err
	}

	var patch StatusPatch
	if prior != nil {
		patch = deltaFor(EventKind(prior.Kind), evt.CreatedAt, evt.CreatedBy, evt.DurationInHours)
	} else {
		patch = baselinePatch(evt.CreatedAt, evt.CreatedBy)
	}

	// undoing a takedown must clear the flag even when the restored state
	// does not mention it
	if EventKind(refEvent.Kind) == EventTakedown && patch.Takendown == nil {
		takendown := false
		patch.Takendown = &takendown
	}

	return patch, refEvent, nil
}

func (p StatusPatch) applyTo(row *models.ModerationSubjectStatus) {
	if p.ReviewState != nil && *p.ReviewState != "" {
		row.ReviewState = p.ReviewState
	}
	if p.Takendown != nil {
		row.Takendown = *p.Takendown
	}
	if p.MuteUntil != nil && !p.MuteUntil.IsZero() {
		row.MuteUntil = p.MuteUntil
	}
	if p.SuspendUntil != nil && !p.SuspendUntil.IsZero() {
		row.SuspendUntil = p.SuspendUntil
	}
	if p.LastReviewedAt != nil {
		row.LastReviewedAt = p.LastReviewedAt
	}
	if p.LastReviewedBy != nil {
		row.LastReviewedBy = p.LastReviewedBy
	}
	if p.LastReportedAt != nil {
		row.LastReportedAt = p.LastReportedAt
	}
	if p.Comment != nil {
		row.Comment = p.Comment
	}
	if p.BlobCids != nil {
		row.BlobCids = p.BlobCids
	}
}

// assignments builds the ON CONFLICT update set. Zero-value pointers map to
// NULL so a patch can clear a column.
func (p StatusPatch) assignments(updatedAt time.Time) map[string]interface{} {
	out := map[string]interface{}{
		"updated_at": updatedAt,
	}
	if p.ReviewState != nil {
		if *p.ReviewState == "" {
			out["review_state"] = nil
		} else if p.keepEscalated {
			out["review_state"] = gorm.Expr("CASE WHEN review_state = ? THEN review_state ELSE ? END", ReviewEscalated, *p.ReviewState)
		} else {
			out["review_state"] = *p.ReviewState
		}
	}
	if p.Takendown != nil {
		out["takendown"] = *p.Takendown
	}
	if p.MuteUntil != nil {
		if p.MuteUntil.IsZero() {
			out["mute_until"] = nil
		} else {
			out["mute_until"] = *p.MuteUntil
		}
	}
	if p.SuspendUntil != nil {
		if p.SuspendUntil.IsZero() {
			out["suspend_until"] = nil
		} else {
			out["suspend_until"] = *p.SuspendUntil
		}
	}
	if p.LastReviewedAt != nil {
		out["last_reviewed_at"] = *p.LastReviewedAt
	}
	if p.LastReviewedBy != nil {
		out["last_reviewed_by"] = *p.LastReviewedBy
	}
	if p.LastReportedAt != nil {
		out["last_reported_at"] = *p.LastReportedAt
	}
	if p.Comment != nil {
		out["comment"] = *p.Comment
	}
	if p.BlobCids != nil {
		out["blob_cids"] = *p.BlobCids
	}
	return out
}

// upsertSubjectStatus creates or patches the one status row for a subject.
// The write is a single conflict-aware insert against the (did, record_path)
// unique index, so two concurrent first events for a brand-new subject land
// on the same row instead of racing blind inserts.
func upsertSubjectStatus(tx *gorm.DB, subj Subject, patch StatusPatch, at time.Time) (*models.ModerationSubjectStatus, error) {
	row := models.ModerationSubjectStatus{
		Did:        subj.Did.String(),
		RecordPath: subj.RecordPath(),
		RecordCid:  subj.cidString(),
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	patch.applyTo(&row)

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}, {Name: "record_path"}},
		DoUpdates: clause.Assignments(patch.assignments(at)),
	}).Create(&row).Error
	if err != nil {
		return nil, &StorageError{Op: "upsert subject status", Err: err}
	}

	return getSubjectStatus(tx, subj)
}

func getSubjectStatus(tx *gorm.DB, subj Subject) (*models.ModerationSubjectStatus, error) {
	var row models.ModerationSubjectStatus
	err := tx.Where("did = ? AND record_path = ?", subj.Did.String(), subj.RecordPath()).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &NotFoundError{What: "subject status", ID: subj.String()}
		}
		return nil, &StorageError{Op: "read subject status", Err: err}
	}
	return &row, nil
}

// getSubjectStatusForUpdate reads the status row under a row lock, so two
// concurrent transitions for the same subject serialize on it instead of both
// seeing the stale state. Sqlite has no FOR UPDATE; its single writer gives
// the same guarantee.
func getSubjectStatusForUpdate(tx *gorm.DB, subj Subject) (*models.ModerationSubjectStatus, error) {
	if tx.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return getSubjectStatus(tx, subj)
}

// applyEventToStatus runs one event through the reducer and materializes the
// resulting patch. This is the single reduction path shared by the live
// coordinator and the legacy migration replay.
func applyEventToStatus(tx *gorm.DB, evt *models.ModerationEvent) (*models.ModerationSubjectStatus, error) {
	subj := subjectFromEvent(evt)

	var patch StatusPatch
	if EventKind(evt.Kind).IsRevert() {
		var err error
		patch, _, err = resolveRevertPatch(tx, evt, subj)
		if err != nil {
			return nil, err
		}
	} else {
		patch = deltaFor(EventKind(evt.Kind), evt.CreatedAt, evt.CreatedBy, evt.DurationInHours)
		switch EventKind(evt.Kind) {
		case EventAcknowledge, EventEscalate, EventTakedown:
			if evt.Comment != nil {
				patch.Comment = evt.Comment
			}
		}
		if EventKind(evt.Kind) == EventTakedown && evt.SubjectBlobCids != nil {
			patch.BlobCids = evt.SubjectBlobCids
		}
	}

	if patch.IsEmpty() {
		status, err := getSubjectStatus(tx, subj)
		if _, ok := err.(*NotFoundError); ok {
			return nil, nil
		}
		return status, err
	}

	return upsertSubjectStatus(tx, subj, patch, evt.CreatedAt)
}
