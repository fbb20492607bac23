package ozone

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bluesky-social/ozone/models"
)

// LabelCommand asks the label collaborator to create and/or negate label
// values on one subject.
type LabelCommand struct {
	Subject   Subject
	Create    []string
	Negate    []string
	CreatedAt time.Time
}

// LabelIssuer is the label-issuance collaborator boundary. The default
// implementation writes to the service's own label store inside the
// coordinator transaction; tests swap in a recorder.
type LabelIssuer interface {
	ApplyLabels(ctx context.Context, tx *gorm.DB, cmd LabelCommand) error
}

// storeLabelIssuer materializes labels as rows in the labels table, keyed on
// (source, uri, val). Negation is a timestamp on the same row, so re-applying
// a previously negated value revives it.
type storeLabelIssuer struct {
	// DID the issued labels are attributed to (the service account)
	sourceDid string
}

func NewStoreLabelIssuer(sourceDid string) LabelIssuer {
	return &storeLabelIssuer{sourceDid: sourceDid}
}

func (s *storeLabelIssuer) ApplyLabels(ctx context.Context, tx *gorm.DB, cmd LabelCommand) error {
	if err := s.write(tx, cmd.Subject, cmd.Create, nil, cmd.CreatedAt); err != nil {
		return err
	}
	if len(cmd.Negate) > 0 {
		negatedAt := cmd.CreatedAt
		return s.write(tx, cmd.Subject, cmd.Negate, &negatedAt, cmd.CreatedAt)
	}
	return nil
}

func (s *storeLabelIssuer) write(tx *gorm.DB, subj Subject, vals []string, negatedAt *time.Time, at time.Time) error {
	if len(vals) == 0 {
		return nil
	}
	rows := make([]models.Label, 0, len(vals))
	for _, val := range vals {
		rows = append(rows, models.Label{
			SourceDid: s.sourceDid,
			Uri:       subj.LabelUri(),
			Cid:       subj.cidString(),
			Val:       val,
			NegatedAt: negatedAt,
			CreatedAt: at,
		})
	}

	var negatedVal interface{}
	if negatedAt != nil {
		negatedVal = *negatedAt
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_did"}, {Name: "uri"}, {Name: "val"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"negated_at": negatedVal}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("writing label rows: %w", err)
	}
	return nil
}
