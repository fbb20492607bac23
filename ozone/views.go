package ozone

import (
	"strings"
	"time"

	"github.com/bluesky-social/ozone/models"
)

// Wire shapes returned by the HTTP layer.

type SubjectView struct {
	Did string  `json:"did"`
	Uri *string `json:"uri,omitempty"`
	Cid *string `json:"cid,omitempty"`
}

type EventView struct {
	Id              uint64      `json:"id"`
	Kind            string      `json:"kind"`
	Subject         SubjectView `json:"subject"`
	SubjectBlobCids []string    `json:"subjectBlobCids,omitempty"`
	CreatedBy       string      `json:"createdBy"`
	CreatedAt       string      `json:"createdAt"`
	Comment         *string     `json:"comment,omitempty"`
	CreateLabelVals []string    `json:"createLabelVals,omitempty"`
	NegateLabelVals []string    `json:"negateLabelVals,omitempty"`
	DurationInHours *int64      `json:"durationInHours,omitempty"`
	ExpiresAt       *string     `json:"expiresAt,omitempty"`
	RefEventId      *uint64     `json:"refEventId,omitempty"`
}

type SubjectStatusView struct {
	Id             uint64  `json:"id"`
	Did            string  `json:"did"`
	RecordPath     string  `json:"recordPath,omitempty"`
	RecordCid      *string `json:"recordCid,omitempty"`
	ReviewState    *string `json:"reviewState,omitempty"`
	Takendown      bool    `json:"takendown"`
	MuteUntil      *string `json:"muteUntil,omitempty"`
	SuspendUntil   *string `json:"suspendUntil,omitempty"`
	LastReviewedAt *string `json:"lastReviewedAt,omitempty"`
	LastReviewedBy *string `json:"lastReviewedBy,omitempty"`
	LastReportedAt *string `json:"lastReportedAt,omitempty"`
	Comment        *string `json:"comment,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	out := t.UTC().Format(time.RFC3339)
	return &out
}

func splitVals(joined *string) []string {
	if joined == nil {
		return nil
	}
	return strings.Fields(*joined)
}

func FormatEvent(evt *models.ModerationEvent) *EventView {
	return &EventView{
		Id:   evt.ID,
		Kind: evt.Kind,
		Subject: SubjectView{
			Did: evt.SubjectDid,
			Uri: evt.SubjectUri,
			Cid: evt.SubjectCid,
		},
		SubjectBlobCids: splitVals(evt.SubjectBlobCids),
		CreatedBy:       evt.CreatedBy,
		CreatedAt:       evt.CreatedAt.UTC().Format(time.RFC3339),
		Comment:         evt.Comment,
		CreateLabelVals: splitVals(evt.CreateLabelVals),
		NegateLabelVals: splitVals(evt.NegateLabelVals),
		DurationInHours: evt.DurationInHours,
		ExpiresAt:       formatTime(evt.ExpiresAt),
		RefEventId:      evt.RefEventID,
	}
}

func FormatSubjectStatus(row *models.ModerationSubjectStatus) *SubjectStatusView {
	return &SubjectStatusView{
		Id:             row.ID,
		Did:            row.Did,
		RecordPath:     row.RecordPath,
		RecordCid:      row.RecordCid,
		ReviewState:    row.ReviewState,
		Takendown:      row.Takendown,
		MuteUntil:      formatTime(row.MuteUntil),
		SuspendUntil:   formatTime(row.SuspendUntil),
		LastReviewedAt: formatTime(row.LastReviewedAt),
		LastReviewedBy: row.LastReviewedBy,
		LastReportedAt: formatTime(row.LastReportedAt),
		Comment:        row.Comment,
		CreatedAt:      row.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      row.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
