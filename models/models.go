package models

import (
	"time"
)

// ModerationEvent is a single row in the append-only moderation log. Rows are
// written once by the event coordinator and never updated or deleted; the id
// sequence is the total order of the log.
type ModerationEvent struct {
	ID         uint64 `gorm:"primaryKey"`
	Kind       string `gorm:"not null;index"`
	SubjectDid string `gorm:"not null;index:idx_moderation_event_subject"`
	SubjectUri *string
	SubjectCid *string
	CreatedBy  string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	Comment    *string
	// space-separated label values, same encoding the legacy action table used
	CreateLabelVals *string
	NegateLabelVals *string
	DurationInHours *int64
	ExpiresAt       *time.Time
	RefEventID      *uint64
	// space-separated blob CIDs implicated by the event (record subjects only)
	SubjectBlobCids *string
	// set by the legacy migration for rows projected from moderation_report
	LegacyRefID *uint64 `gorm:"index"`
}

// ModerationSubjectStatus is the materialized review state for one subject,
// derived from the event log. Account-level rows have an empty RecordPath;
// the (did, record_path) pair is unique so concurrent first-event upserts
// land on the same row.
type ModerationSubjectStatus struct {
	ID         uint64 `gorm:"primaryKey"`
	Did        string `gorm:"not null;uniqueIndex:idx_status_did_record_path"`
	RecordPath string `gorm:"not null;default:'';uniqueIndex:idx_status_did_record_path"`
	RecordCid  *string

	ReviewState    *string
	Takendown      bool `gorm:"not null;default:false"`
	MuteUntil      *time.Time
	SuspendUntil   *time.Time
	LastReviewedAt *time.Time
	LastReviewedBy *string
	LastReportedAt *time.Time
	Comment        *string
	// space-separated blob CIDs carried over from takedown events
	BlobCids *string

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Label is one issued (or negated) moderation label on a subject.
type Label struct {
	ID        uint64 `gorm:"primaryKey"`
	SourceDid string `gorm:"not null;uniqueIndex:idx_label_identity"`
	Uri       string `gorm:"not null;uniqueIndex:idx_label_identity"`
	Cid       *string
	Val       string `gorm:"not null;uniqueIndex:idx_label_identity"`
	NegatedAt *time.Time
	CreatedAt time.Time `gorm:"not null"`
}

// MigrationState tracks per-phase progress of the legacy backfill so an
// interrupted run resumes at the last committed chunk.
type MigrationState struct {
	Phase           string `gorm:"primaryKey"`
	LastProcessedID uint64 `gorm:"not null;default:0"`
	Done            bool   `gorm:"not null;default:false"`
	UpdatedAt       time.Time
}
