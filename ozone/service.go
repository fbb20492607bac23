package ozone

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
)

var tracer = otel.Tracer("ozone")

// Service is the transaction coordinator: the only component that writes the
// event log and the materialized status store. All mutations flow through
// EmitEvent.
type Service struct {
	db          *gorm.DB
	logger      *slog.Logger
	labels      LabelIssuer
	enforcement Enforcement

	statusCache *lru.Cache[string, *models.ModerationSubjectStatus]
}

func NewService(db *gorm.DB, logger *slog.Logger, labels LabelIssuer, enforcement Enforcement) (*Service, error) {
	cache, err := lru.New[string, *models.ModerationSubjectStatus](50_000)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:          db,
		logger:      logger.With("component", "moderation"),
		labels:      labels,
		enforcement: enforcement,
		statusCache: cache,
	}, nil
}

// Actor is the authenticated identity emitting an event.
type Actor struct {
	Did  syntax.DID
	Role Role
}

// EventInput is an already-validated emit request; wire decoding happens in
// the HTTP layer.
type EventInput struct {
	Kind            EventKind
	Subject         Subject
	Comment         *string
	CreateLabelVals []string
	NegateLabelVals []string
	DurationInHours *int64
	RefEventID      *uint64

	// defaults to now; the migration job sets historical timestamps
	CreatedAt time.Time
}

// characters that would corrupt the space-separated label encoding or any
// downstream label query
var labelBadChars = []string{" ", ",", ";", "'", `"`}

func validateLabelVals(vals []string) error {
	for _, val := range vals {
		if val == "" {
			return &ValidationError{Msg: "invalid label", Value: val}
		}
		for _, c := range labelBadChars {
			if strings.Contains(val, c) {
				return &ValidationError{Msg: "invalid label", Value: val}
			}
		}
	}
	return nil
}

func joinLabelVals(vals []string) *string {
	if len(vals) == 0 {
		return nil
	}
	out := strings.Join(vals, " ")
	return &out
}

func statusCacheKey(subj Subject) string {
	return subj.Did.String() + "\x00" + subj.RecordPath()
}

// EmitEvent authorizes, validates, and commits one moderation event together
// with its derived status patch and side-effect commands, as a single unit of
// work. On any failure nothing is visible.
func (s *Service) EmitEvent(ctx context.Context, actor Actor, input EventInput) (*models.ModerationEvent, *models.ModerationSubjectStatus, error) {
	ctx, span := tracer.Start(ctx, "EmitEvent")
	defer span.End()

	if err := Authorize(actor.Role, input.Kind, input.Subject.Kind()); err != nil {
		eventsRejected.WithLabelValues("unauthorized").Inc()
		return nil, nil, err
	}

	if input.Kind == EventLabel {
		if err := validateLabelVals(input.CreateLabelVals); err != nil {
			eventsRejected.WithLabelValues("validation").Inc()
			return nil, nil, err
		}
		if err := validateLabelVals(input.NegateLabelVals); err != nil {
			eventsRejected.WithLabelValues("validation").Inc()
			return nil, nil, err
		}
	}

	if input.Kind.IsRevert() && input.RefEventID == nil {
		eventsRejected.WithLabelValues("validation").Inc()
		return nil, nil, &ValidationError{Msg: "revert event requires refEventId", Value: string(input.Kind)}
	}

	if input.Kind == EventTakedown || input.Kind == EventReverseTakedown {
		// fast path: reject obvious conflicts before opening a transaction.
		// The store is read directly; a stale cache entry must not decide a
		// conflict check.
		status, err := getSubjectStatus(s.db.WithContext(ctx), input.Subject)
		if err != nil {
			if _, ok := err.(*NotFoundError); !ok {
				return nil, nil, err
			}
		}
		if err := checkTakedownTransition(&input, status); err != nil {
			eventsRejected.WithLabelValues("conflict").Inc()
			return nil, nil, err
		}
	}

	var evt *models.ModerationEvent
	var status *models.ModerationSubjectStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// the authoritative read takes a row lock; under read-committed
		// postgres two concurrent transitions for the same subject would
		// otherwise both see the pre-transition state and both commit
		prior, err := getSubjectStatusForUpdate(tx, input.Subject)
		if err != nil {
			if _, ok := err.(*NotFoundError); !ok {
				return err
			}
			prior = nil
		}

		if input.Kind == EventTakedown || input.Kind == EventReverseTakedown {
			if err := checkTakedownTransition(&input, prior); err != nil {
				eventsRejected.WithLabelValues("conflict").Inc()
				return err
			}
		}

		evt = &models.ModerationEvent{
			Kind:            string(input.Kind),
			SubjectDid:      input.Subject.Did.String(),
			SubjectUri:      input.Subject.uriString(),
			SubjectCid:      input.Subject.cidString(),
			SubjectBlobCids: input.Subject.blobCidString(),
			CreatedBy:       actor.Did.String(),
			CreatedAt:       input.CreatedAt,
			Comment:         input.Comment,
			CreateLabelVals: joinLabelVals(input.CreateLabelVals),
			NegateLabelVals: joinLabelVals(input.NegateLabelVals),
			DurationInHours: input.DurationInHours,
			RefEventID:      input.RefEventID,
		}

		if err := appendEvent(tx, evt); err != nil {
			return err
		}

		status, err = applyEventToStatus(tx, evt)
		if err != nil {
			return err
		}

		if err := s.issueLabelCommands(ctx, tx, evt, input.Subject); err != nil {
			return err
		}

		return s.issueEnforcementCommands(ctx, input.Subject, evt, prior, status)
	})
	if err != nil {
		return nil, nil, err
	}

	s.statusCache.Remove(statusCacheKey(input.Subject))
	eventsEmitted.WithLabelValues(string(input.Kind)).Inc()
	s.logger.InfoContext(ctx, "emitted moderation event",
		"id", evt.ID, "kind", evt.Kind, "subject", input.Subject.String(), "createdBy", evt.CreatedBy)

	return evt, status, nil
}

// checkTakedownTransition enforces the takedown/reverse pairing against the
// given status row. For reversals of record subjects it also carries the
// blobs recorded on the status onto the input, so the restore covers them.
func checkTakedownTransition(input *EventInput, status *models.ModerationSubjectStatus) error {
	takendown := status != nil && status.Takendown
	if input.Kind == EventTakedown && takendown {
		return &ConflictError{Msg: "subject is already taken down"}
	}
	if input.Kind == EventReverseTakedown && !takendown {
		return &ConflictError{Msg: "subject is not taken down"}
	}
	if input.Kind == EventReverseTakedown && input.Subject.IsRecord() && status.BlobCids != nil {
		input.Subject.BlobCids = strings.Fields(*status.BlobCids)
	}
	return nil
}

// issueLabelCommands forwards the event's label values (or, for reverts, the
// inverse of the referenced event's values) to the label collaborator.
func (s *Service) issueLabelCommands(ctx context.Context, tx *gorm.DB, evt *models.ModerationEvent, subj Subject) error {
	create := evt.CreateLabelVals
	negate := evt.NegateLabelVals

	if EventKind(evt.Kind).IsRevert() && evt.RefEventID != nil {
		refEvent, err := getEvent(tx, *evt.RefEventID)
		if err != nil {
			return err
		}
		// undo: retract what the referenced event created, revive what it
		// negated
		create = refEvent.NegateLabelVals
		negate = refEvent.CreateLabelVals
	}

	if create == nil && negate == nil {
		return nil
	}
	cmd := LabelCommand{
		Subject:   subj,
		CreatedAt: evt.CreatedAt,
	}
	if create != nil {
		cmd.Create = strings.Fields(*create)
	}
	if negate != nil {
		cmd.Negate = strings.Fields(*negate)
	}
	if err := s.labels.ApplyLabels(ctx, tx, cmd); err != nil {
		return &SideEffectError{Op: "labels", Err: err}
	}
	labelsIssued.Add(float64(len(cmd.Create) + len(cmd.Negate)))
	return nil
}

// issueEnforcementCommands compares the pre- and post-patch takedown state
// and issues at most one command per transition. Comparing materialized state
// (not event kinds) means a reversal emits exactly one restore even when
// multiple prior takedown events exist.
func (s *Service) issueEnforcementCommands(ctx context.Context, subj Subject, evt *models.ModerationEvent, prior, status *models.ModerationSubjectStatus) error {
	wasTakendown := prior != nil && prior.Takendown
	isTakendown := status != nil && status.Takendown

	switch {
	case !wasTakendown && isTakendown:
		var blobCids []string
		if evt.SubjectBlobCids != nil {
			blobCids = strings.Fields(*evt.SubjectBlobCids)
		}
		if err := s.enforcement.ApplyTakedown(ctx, subj, blobCids); err != nil {
			s.logger.ErrorContext(ctx, "enforcement takedown failed; rolling back event",
				"subject", subj.String(), "error", err)
			return &SideEffectError{Op: "takedown", Err: err}
		}
		enforcementCommands.WithLabelValues("takedown").Inc()
	case wasTakendown && !isTakendown:
		if err := s.enforcement.ReverseTakedown(ctx, subj); err != nil {
			s.logger.ErrorContext(ctx, "enforcement restore failed; rolling back event",
				"subject", subj.String(), "error", err)
			return &SideEffectError{Op: "restore", Err: err}
		}
		enforcementCommands.WithLabelValues("restore").Inc()
	}
	return nil
}

// GetSubjectStatus returns the materialized status for a subject, via a small
// read cache. EmitEvent invalidates the entry on every committed write.
func (s *Service) GetSubjectStatus(ctx context.Context, subj Subject) (*models.ModerationSubjectStatus, error) {
	ctx, span := tracer.Start(ctx, "GetSubjectStatus")
	defer span.End()

	key := statusCacheKey(subj)
	if status, ok := s.statusCache.Get(key); ok {
		return status, nil
	}
	status, err := getSubjectStatus(s.db.WithContext(ctx), subj)
	if err != nil {
		return nil, err
	}
	s.statusCache.Add(key, status)
	return status, nil
}

// GetEvent returns one event row by id.
func (s *Service) GetEvent(ctx context.Context, id uint64) (*models.ModerationEvent, error) {
	return getEvent(s.db.WithContext(ctx), id)
}

// ListEvents pages through the log, newest first. The returned cursor is
// empty when the page is short.
func (s *Service) ListEvents(ctx context.Context, filter EventFilter) ([]models.ModerationEvent, string, error) {
	ctx, span := tracer.Start(ctx, "ListEvents")
	defer span.End()

	events, err := queryEvents(s.db.WithContext(ctx), filter)
	if err != nil {
		return nil, "", err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventPageSize
	}
	if limit > maxEventPageSize {
		limit = maxEventPageSize
	}
	cursor := ""
	if len(events) == limit {
		cursor = strconv.FormatUint(events[len(events)-1].ID, 10)
	}
	return events, cursor, nil
}
