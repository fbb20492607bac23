package ozone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
)

func strPtr(s string) *string { return &s }

func seedLegacyData(t *testing.T, db *gorm.DB) {
	t.Helper()

	recordUri := "at://did:plc:legacy-b/app.bsky.feed.post/3klegacy1"
	blobUri := "at://did:plc:legacy-e/app.bsky.feed.post/3klegacy2"

	actions := []models.ModerationAction{
		{
			ID:           1,
			Action:       "takedown",
			SubjectType:  "com.atproto.admin.defs#repoRef",
			SubjectDid:   "did:plc:legacy-a",
			Reason:       "spam account",
			CreatedAt:    testTime(0),
			CreatedByDid: testAdminDid,
		},
		{
			ID:           2,
			Action:       "flag",
			SubjectType:  "com.atproto.repo.strongRef",
			SubjectDid:   "did:plc:legacy-b",
			SubjectUri:   &recordUri,
			SubjectCid:   strPtr(testRecordCid),
			Reason:       "borderline",
			CreatedAt:    testTime(1),
			CreatedByDid: testModDid,
		},
		{
			ID:           3,
			Action:       "takedown",
			SubjectType:  "com.atproto.admin.defs#repoRef",
			SubjectDid:   "did:plc:legacy-c",
			Reason:       "resolved long ago",
			CreatedAt:    testTime(2),
			CreatedByDid: testAdminDid,
			ReversedAt:   timePtr(testTime(3)),
		},
		{
			ID:           4,
			Action:       "takedown",
			SubjectType:  "com.atproto.repo.strongRef",
			SubjectDid:   "did:plc:legacy-e",
			SubjectUri:   &blobUri,
			SubjectCid:   strPtr(testRecordCid),
			Reason:       "bad image",
			CreatedAt:    testTime(4),
			CreatedByDid: testModDid,
		},
	}
	require.NoError(t, db.Create(&actions).Error)

	reports := []models.ModerationReport{
		{
			ID:            10,
			SubjectType:   "com.atproto.admin.defs#repoRef",
			SubjectDid:    "did:plc:legacy-d",
			ReasonType:    "com.atproto.moderation.defs#reasonSpam",
			Reason:        strPtr("never handled"),
			ReportedByDid: "did:plc:reporter-one",
			CreatedAt:     testTime(5),
		},
		{
			ID:            11,
			SubjectType:   "com.atproto.admin.defs#repoRef",
			SubjectDid:    "did:plc:legacy-a",
			ReasonType:    "com.atproto.moderation.defs#reasonSpam",
			ReportedByDid: "did:plc:reporter-two",
			CreatedAt:     testTime(6),
		},
	}
	require.NoError(t, db.Create(&reports).Error)

	resolution := models.ModerationReportResolution{
		ReportId:     11,
		ActionId:     1,
		CreatedAt:    testTime(7),
		CreatedByDid: testAdminDid,
	}
	require.NoError(t, db.Create(&resolution).Error)

	blob := models.ModerationActionSubjectBlob{ActionId: 4, Cid: testBlobCid}
	require.NoError(t, db.Create(&blob).Error)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestLegacyMigration(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	seedLegacyData(t, db)

	migration := NewLegacyMigration(db, newTestLogger())
	require.NoError(t, migration.Run(ctx))

	// actions keep their ids, flag collapses into acknowledge
	var evt models.ModerationEvent
	require.NoError(t, db.First(&evt, 1).Error)
	assert.Equal(t, string(EventTakedown), evt.Kind)
	assert.Equal(t, "did:plc:legacy-a", evt.SubjectDid)
	require.NotNil(t, evt.Comment)
	assert.Equal(t, "spam account", *evt.Comment)

	require.NoError(t, db.First(&evt, 2).Error)
	assert.Equal(t, string(EventAcknowledge), evt.Kind)

	// report events carry legacy_ref_id and the reporter as creator
	var reportEvents []models.ModerationEvent
	require.NoError(t, db.Where("kind = ?", EventReport).Order("legacy_ref_id asc").Find(&reportEvents).Error)
	require.Len(t, reportEvents, 2)
	require.NotNil(t, reportEvents[0].LegacyRefID)
	assert.EqualValues(t, 10, *reportEvents[0].LegacyRefID)
	assert.Equal(t, "did:plc:reporter-one", reportEvents[0].CreatedBy)

	// non-reversed takedown materialized a takendown status
	statusA := mustStatus(t, db, "did:plc:legacy-a", "")
	assert.True(t, statusA.Takendown)

	// flag replayed as acknowledge closes review on the record
	statusB := mustStatus(t, db, "did:plc:legacy-b", "app.bsky.feed.post/3klegacy1")
	require.NotNil(t, statusB.ReviewState)
	assert.Equal(t, ReviewClosed, *statusB.ReviewState)

	// reversed action does not resurface as a takedown
	var count int64
	require.NoError(t, db.Model(&models.ModerationSubjectStatus{}).Where("did = ?", "did:plc:legacy-c").Count(&count).Error)
	assert.Zero(t, count)

	// unresolved report shows up as an open review
	statusD := mustStatus(t, db, "did:plc:legacy-d", "")
	require.NotNil(t, statusD.ReviewState)
	assert.Equal(t, ReviewOpen, *statusD.ReviewState)
	require.NotNil(t, statusD.LastReportedAt)
	assert.True(t, statusD.LastReportedAt.Equal(testTime(5)))

	// resolved report still propagates its timestamp onto the account status
	require.NoError(t, db.First(&statusA, statusA.ID).Error)
	require.NotNil(t, statusA.LastReportedAt)
	assert.True(t, statusA.LastReportedAt.Equal(testTime(6)))

	// blob cids from the action join table land on the record status
	statusE := mustStatus(t, db, "did:plc:legacy-e", "app.bsky.feed.post/3klegacy2")
	require.NotNil(t, statusE.BlobCids)
	assert.Equal(t, testBlobCid, *statusE.BlobCids)
}

func mustStatus(t *testing.T, db *gorm.DB, did, recordPath string) models.ModerationSubjectStatus {
	t.Helper()
	var row models.ModerationSubjectStatus
	require.NoError(t, db.Where("did = ? AND record_path = ?", did, recordPath).First(&row).Error,
		"status for %s %q", did, recordPath)
	return row
}

func TestLegacyMigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	seedLegacyData(t, db)

	migration := NewLegacyMigration(db, newTestLogger())
	require.NoError(t, migration.Run(ctx))

	var eventsBefore, statusesBefore int64
	require.NoError(t, db.Model(&models.ModerationEvent{}).Count(&eventsBefore).Error)
	require.NoError(t, db.Model(&models.ModerationSubjectStatus{}).Count(&statusesBefore).Error)

	// completed phases are skipped outright
	require.NoError(t, migration.Run(ctx))

	var eventsAfter, statusesAfter int64
	require.NoError(t, db.Model(&models.ModerationEvent{}).Count(&eventsAfter).Error)
	require.NoError(t, db.Model(&models.ModerationSubjectStatus{}).Count(&statusesAfter).Error)
	assert.Equal(t, eventsBefore, eventsAfter)
	assert.Equal(t, statusesBefore, statusesAfter)
}

func TestLegacyMigrationResumesWithoutDuplicating(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	seedLegacyData(t, db)

	migration := NewLegacyMigration(db, newTestLogger())
	require.NoError(t, migration.Run(ctx))

	var eventsBefore int64
	require.NoError(t, db.Model(&models.ModerationEvent{}).Count(&eventsBefore).Error)

	// simulate a crash mid-run: projection phases marked incomplete with a
	// rewound cursor
	require.NoError(t, db.Model(&models.MigrationState{}).
		Where("phase IN ?", []string{phaseEventsFromActions, phaseEventsFromReports}).
		Updates(map[string]interface{}{"done": false, "last_processed_id": 0}).Error)

	require.NoError(t, migration.Run(ctx))

	var eventsAfter int64
	require.NoError(t, db.Model(&models.ModerationEvent{}).Count(&eventsAfter).Error)
	assert.Equal(t, eventsBefore, eventsAfter)
}

func TestLegacyMigrationThenLiveEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seedLegacyData(t, env.db)

	migration := NewLegacyMigration(env.db, newTestLogger())
	require.NoError(t, migration.Run(ctx))

	// the live coordinator picks up where the backfill left off: a reverse
	// takedown referencing a migrated event resolves against migrated history
	subj := accountSubject(t, "did:plc:legacy-a")
	refID := uint64(1)
	res := env.mustEmit(env.admin(), EventInput{
		Kind:       EventReverseTakedown,
		Subject:    subj,
		RefEventID: &refID,
		CreatedAt:  testTime(10),
	})
	require.NotNil(t, res.Status)
	assert.False(t, res.Status.Takendown)
	assert.Len(t, env.enforcement.restores, 1)
}
