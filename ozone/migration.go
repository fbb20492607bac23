package ozone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bluesky-social/ozone/models"
)

const migrationChunkSize = 2500

// migration phases, executed in order. Each phase records its cursor in
// migration_state after every committed chunk, so an interrupted run resumes
// without double-applying anything.
const (
	phaseEventsFromActions = "events-from-actions"
	phaseEventsFromReports = "events-from-reports"
	phaseStatusReplay      = "status-replay"
	phaseUnresolvedReports = "unresolved-reports"
	phaseLastReportedAt    = "last-reported-at"
	phaseBlobSync          = "blob-sync"
)

var migrationPhases = []string{
	phaseEventsFromActions,
	phaseEventsFromReports,
	phaseStatusReplay,
	phaseUnresolvedReports,
	phaseLastReportedAt,
	phaseBlobSync,
}

// legacy moderation_action values mapped onto unified event kinds. The old
// "flag" action has no unified equivalent and collapses into acknowledge.
var legacyActionKinds = map[string]EventKind{
	"takedown":    EventTakedown,
	"flag":        EventAcknowledge,
	"acknowledge": EventAcknowledge,
}

// LegacyMigration backfills the unified moderation_events log and the
// materialized status rows from the pre-unification moderation_action and
// moderation_report tables. Projected action events keep their legacy ids so
// reversal references stay valid; report events record the legacy report id
// in legacy_ref_id.
type LegacyMigration struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewLegacyMigration(db *gorm.DB, logger *slog.Logger) *LegacyMigration {
	return &LegacyMigration{
		db:     db,
		logger: logger.With("component", "migration"),
	}
}

func (m *LegacyMigration) Run(ctx context.Context) error {
	var actionCount, reportCount int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.db.WithContext(egCtx).Model(&models.ModerationAction{}).Count(&actionCount).Error
	})
	eg.Go(func() error {
		return m.db.WithContext(egCtx).Model(&models.ModerationReport{}).Count(&reportCount).Error
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("counting legacy rows: %w", err)
	}
	m.logger.Info("starting legacy migration", "actions", actionCount, "reports", reportCount)

	start := time.Now()
	for _, phase := range migrationPhases {
		state, err := m.loadState(ctx, phase)
		if err != nil {
			return err
		}
		if state.Done {
			m.logger.Info("phase already complete, skipping", "phase", phase)
			continue
		}
		m.logger.Info("running phase", "phase", phase, "cursor", state.LastProcessedID)
		if err := m.runPhase(ctx, phase, state); err != nil {
			return fmt.Errorf("phase %s: %w", phase, err)
		}
	}
	m.logger.Info("legacy migration complete", "duration", time.Since(start))
	return nil
}

func (m *LegacyMigration) runPhase(ctx context.Context, phase string, state *models.MigrationState) error {
	switch phase {
	case phaseEventsFromActions:
		return m.eventsFromActions(ctx, state)
	case phaseEventsFromReports:
		return m.eventsFromReports(ctx, state)
	case phaseStatusReplay:
		return m.statusReplay(ctx, state)
	case phaseUnresolvedReports:
		return m.unresolvedReports(ctx, state)
	case phaseLastReportedAt:
		return m.lastReportedAt(ctx, state)
	case phaseBlobSync:
		return m.blobSync(ctx, state)
	default:
		return fmt.Errorf("unknown migration phase: %s", phase)
	}
}

func (m *LegacyMigration) loadState(ctx context.Context, phase string) (*models.MigrationState, error) {
	state := models.MigrationState{Phase: phase}
	err := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&state).Error
	if err != nil {
		return nil, err
	}
	if err := m.db.WithContext(ctx).First(&state, "phase = ?", phase).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

func saveState(tx *gorm.DB, state *models.MigrationState) error {
	state.UpdatedAt = time.Now().UTC()
	return tx.Save(state).Error
}

// eventsFromActions projects moderation_action rows into moderation_events,
// preserving the legacy ids. Insertion order follows id order so the event
// log's id sequence stays the total order of history.
func (m *LegacyMigration) eventsFromActions(ctx context.Context, state *models.MigrationState) error {
	for {
		var actions []models.ModerationAction
		err := m.db.WithContext(ctx).
			Where("id > ?", state.LastProcessedID).
			Order("id asc").
			Limit(migrationChunkSize).
			Find(&actions).Error
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			break
		}

		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, action := range actions {
				kind, ok := legacyActionKinds[action.Action]
				if !ok {
					return fmt.Errorf("action %d has unknown legacy action %q", action.ID, action.Action)
				}
				evt := models.ModerationEvent{
					ID:              action.ID,
					Kind:            string(kind),
					SubjectDid:      action.SubjectDid,
					SubjectUri:      action.SubjectUri,
					SubjectCid:      action.SubjectCid,
					CreatedBy:       action.CreatedByDid,
					CreatedAt:       action.CreatedAt,
					CreateLabelVals: action.CreateLabelVals,
					NegateLabelVals: action.NegateLabelVals,
					DurationInHours: action.DurationInHours,
					ExpiresAt:       action.ExpiresAt,
				}
				if action.Reason != "" {
					reason := action.Reason
					evt.Comment = &reason
				}
				// re-running a chunk after a crash must not duplicate rows
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&evt).Error; err != nil {
					return err
				}
			}
			state.LastProcessedID = actions[len(actions)-1].ID
			return saveState(tx, state)
		})
		if err != nil {
			return err
		}
		migrationRowsProcessed.WithLabelValues(phaseEventsFromActions).Add(float64(len(actions)))
		m.logger.Info("projected action chunk", "count", len(actions), "cursor", state.LastProcessedID)
	}

	// explicit-id inserts leave the serial sequence behind; later report
	// events would collide without this (sqlite handles it natively)
	if m.db.Dialector.Name() == "postgres" {
		err := m.db.WithContext(ctx).
			Exec("SELECT setval(pg_get_serial_sequence('moderation_events', 'id'), (SELECT MAX(id) FROM moderation_events))").Error
		if err != nil {
			return err
		}
		m.logger.Info("reset moderation_events id sequence")
	}
	return m.markDone(ctx, state)
}

// eventsFromReports projects moderation_report rows into report events. These
// get fresh event ids; legacy_ref_id ties them back to the source report so
// re-runs and incremental syncs can tell what has been migrated.
func (m *LegacyMigration) eventsFromReports(ctx context.Context, state *models.MigrationState) error {
	for {
		var reports []models.ModerationReport
		err := m.db.WithContext(ctx).
			Where("id > ?", state.LastProcessedID).
			Order("id asc").
			Limit(migrationChunkSize).
			Find(&reports).Error
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			break
		}

		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, report := range reports {
				legacyID := report.ID
				var existing int64
				if err := tx.Model(&models.ModerationEvent{}).
					Where("kind = ? AND legacy_ref_id = ?", EventReport, legacyID).
					Count(&existing).Error; err != nil {
					return err
				}
				if existing > 0 {
					continue
				}
				evt := models.ModerationEvent{
					Kind:        string(EventReport),
					SubjectDid:  report.SubjectDid,
					SubjectUri:  report.SubjectUri,
					SubjectCid:  report.SubjectCid,
					CreatedBy:   report.ReportedByDid,
					CreatedAt:   report.CreatedAt,
					Comment:     report.Reason,
					LegacyRefID: &legacyID,
				}
				if err := tx.Create(&evt).Error; err != nil {
					return err
				}
			}
			state.LastProcessedID = reports[len(reports)-1].ID
			return saveState(tx, state)
		})
		if err != nil {
			return err
		}
		migrationRowsProcessed.WithLabelValues(phaseEventsFromReports).Add(float64(len(reports)))
		m.logger.Info("projected report chunk", "count", len(reports), "cursor", state.LastProcessedID)
	}
	return m.markDone(ctx, state)
}

// statusReplay runs the projected events of every non-reversed legacy action
// through the same reducer the live path uses, materializing status rows.
func (m *LegacyMigration) statusReplay(ctx context.Context, state *models.MigrationState) error {
	for {
		var actions []models.ModerationAction
		err := m.db.WithContext(ctx).
			Where("reversed_at IS NULL").
			Where("id > ?", state.LastProcessedID).
			Order("id asc").
			Limit(migrationChunkSize).
			Find(&actions).Error
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			break
		}

		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, action := range actions {
				var evt models.ModerationEvent
				if err := tx.First(&evt, "id = ?", action.ID).Error; err != nil {
					return fmt.Errorf("loading projected event %d: %w", action.ID, err)
				}
				if _, err := applyEventToStatus(tx, &evt); err != nil {
					return err
				}
			}
			state.LastProcessedID = actions[len(actions)-1].ID
			return saveState(tx, state)
		})
		if err != nil {
			return err
		}
		migrationRowsProcessed.WithLabelValues(phaseStatusReplay).Add(float64(len(actions)))
		m.logger.Info("replayed action chunk", "count", len(actions), "cursor", state.LastProcessedID)
	}
	return m.markDone(ctx, state)
}

// unresolvedReports replays report events for legacy reports no action ever
// resolved, so still-open reports surface as reviewOpen statuses.
func (m *LegacyMigration) unresolvedReports(ctx context.Context, state *models.MigrationState) error {
	for {
		var events []models.ModerationEvent
		err := m.db.WithContext(ctx).
			Where("kind = ?", EventReport).
			Where("legacy_ref_id IS NOT NULL").
			Where("legacy_ref_id > ?", state.LastProcessedID).
			Where("NOT EXISTS (SELECT 1 FROM moderation_report_resolutions res WHERE res.report_id = moderation_events.legacy_ref_id)").
			Order("legacy_ref_id asc").
			Limit(migrationChunkSize).
			Find(&events).Error
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}

		err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for i := range events {
				if _, err := applyEventToStatus(tx, &events[i]); err != nil {
					return err
				}
			}
			state.LastProcessedID = *events[len(events)-1].LegacyRefID
			return saveState(tx, state)
		})
		if err != nil {
			return err
		}
		migrationRowsProcessed.WithLabelValues(phaseUnresolvedReports).Add(float64(len(events)))
		m.logger.Info("replayed unresolved report chunk", "count", len(events), "cursor", state.LastProcessedID)
	}
	return m.markDone(ctx, state)
}

// lastReportedAt stamps each status row with the newest legacy report time
// for its subject, where the replay did not already set a newer one.
func (m *LegacyMigration) lastReportedAt(ctx context.Context, state *models.MigrationState) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		didSync := tx.Exec(`
			UPDATE moderation_subject_statuses
			SET last_reported_at = reports.reported_at
			FROM (
				SELECT subject_did, MAX(created_at) AS reported_at
				FROM moderation_reports
				WHERE subject_uri IS NULL
				GROUP BY subject_did
			) AS reports
			WHERE reports.subject_did = moderation_subject_statuses.did
			  AND record_path = ''
			  AND (last_reported_at IS NULL OR last_reported_at < reports.reported_at)
		`)
		if didSync.Error != nil {
			return didSync.Error
		}
		recordSync := tx.Exec(`
			UPDATE moderation_subject_statuses
			SET last_reported_at = reports.reported_at
			FROM (
				SELECT subject_did, subject_uri, MAX(created_at) AS reported_at
				FROM moderation_reports
				WHERE subject_uri IS NOT NULL
				GROUP BY subject_did, subject_uri
			) AS reports
			WHERE reports.subject_did = moderation_subject_statuses.did
			  AND record_path != ''
			  AND reports.subject_uri LIKE '%' || record_path
			  AND (last_reported_at IS NULL OR last_reported_at < reports.reported_at)
		`)
		if recordSync.Error != nil {
			return recordSync.Error
		}
		m.logger.Info("synced lastReportedAt", "accounts", didSync.RowsAffected, "records", recordSync.RowsAffected)
		migrationRowsProcessed.WithLabelValues(phaseLastReportedAt).Add(float64(didSync.RowsAffected + recordSync.RowsAffected))
		return saveState(tx, state)
	})
	if err != nil {
		return err
	}
	return m.markDone(ctx, state)
}

// blobSync copies blob CIDs from the legacy action-blob join table onto the
// status rows of subjects whose takedown is still in force.
func (m *LegacyMigration) blobSync(ctx context.Context, state *models.MigrationState) error {
	type actionBlob struct {
		SubjectDid string
		SubjectUri *string
		Cid        string
	}
	var rows []actionBlob
	err := m.db.WithContext(ctx).
		Model(&models.ModerationActionSubjectBlob{}).
		Select("moderation_actions.subject_did AS subject_did, moderation_actions.subject_uri AS subject_uri, moderation_action_subject_blobs.cid AS cid").
		Joins("JOIN moderation_actions ON moderation_actions.id = moderation_action_subject_blobs.action_id").
		Where("moderation_actions.reversed_at IS NULL").
		Order("moderation_actions.id asc, moderation_action_subject_blobs.cid asc").
		Find(&rows).Error
	if err != nil {
		return err
	}

	type subjectKey struct {
		did        string
		recordPath string
	}
	grouped := make(map[subjectKey][]string)
	var order []subjectKey
	for _, row := range rows {
		recordPath := ""
		if row.SubjectUri != nil {
			uri, err := syntax.ParseATURI(*row.SubjectUri)
			if err != nil {
				return fmt.Errorf("legacy action on %s has bad uri: %w", row.SubjectDid, err)
			}
			recordPath = uri.Path()
		}
		key := subjectKey{did: row.SubjectDid, recordPath: recordPath}
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], row.Cid)
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range order {
			cids := strings.Join(grouped[key], " ")
			update := tx.Model(&models.ModerationSubjectStatus{}).
				Where("did = ? AND record_path = ?", key.did, key.recordPath).
				Update("blob_cids", &cids)
			if update.Error != nil {
				return update.Error
			}
		}
		return saveState(tx, state)
	})
	if err != nil {
		return err
	}
	migrationRowsProcessed.WithLabelValues(phaseBlobSync).Add(float64(len(rows)))
	m.logger.Info("synced blob cids", "subjects", len(order))
	return m.markDone(ctx, state)
}

func (m *LegacyMigration) markDone(ctx context.Context, state *models.MigrationState) error {
	state.Done = true
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveState(tx, state)
	})
}
