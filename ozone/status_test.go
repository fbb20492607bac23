package ozone

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluesky-social/ozone/models"
)

func TestDeltaForTable(t *testing.T) {
	at := testTime(0)
	by := testModDid

	t.Run("acknowledge closes review", func(t *testing.T) {
		patch := deltaFor(EventAcknowledge, at, by, nil)
		require.NotNil(t, patch.ReviewState)
		assert.Equal(t, ReviewClosed, *patch.ReviewState)
		assert.Equal(t, at, *patch.LastReviewedAt)
		assert.Equal(t, by, *patch.LastReviewedBy)
		assert.Nil(t, patch.Takendown)
	})

	t.Run("report opens review without reviewing", func(t *testing.T) {
		patch := deltaFor(EventReport, at, by, nil)
		require.NotNil(t, patch.ReviewState)
		assert.Equal(t, ReviewOpen, *patch.ReviewState)
		assert.Equal(t, at, *patch.LastReportedAt)
		assert.Nil(t, patch.LastReviewedAt)
		assert.True(t, patch.keepEscalated)
	})

	t.Run("escalate", func(t *testing.T) {
		patch := deltaFor(EventEscalate, at, by, nil)
		require.NotNil(t, patch.ReviewState)
		assert.Equal(t, ReviewEscalated, *patch.ReviewState)
	})

	t.Run("takedown sets flag", func(t *testing.T) {
		patch := deltaFor(EventTakedown, at, by, nil)
		require.NotNil(t, patch.Takendown)
		assert.True(t, *patch.Takendown)
		assert.Nil(t, patch.SuspendUntil)
		assert.Nil(t, patch.ReviewState)
	})

	t.Run("takedown with duration suspends", func(t *testing.T) {
		hours := int64(48)
		patch := deltaFor(EventTakedown, at, by, &hours)
		require.NotNil(t, patch.SuspendUntil)
		assert.Equal(t, at.Add(48*time.Hour), *patch.SuspendUntil)
	})

	t.Run("mute with duration", func(t *testing.T) {
		hours := int64(24)
		patch := deltaFor(EventMute, at, by, &hours)
		require.NotNil(t, patch.MuteUntil)
		assert.Equal(t, at.Add(24*time.Hour), *patch.MuteUntil)
	})

	t.Run("mute without duration is effectively forever", func(t *testing.T) {
		patch := deltaFor(EventMute, at, by, nil)
		require.NotNil(t, patch.MuteUntil)
		assert.Equal(t, at.AddDate(indefiniteMuteYears, 0, 0), *patch.MuteUntil)
	})

	t.Run("unmute clears", func(t *testing.T) {
		patch := deltaFor(EventUnmute, at, by, nil)
		require.NotNil(t, patch.MuteUntil)
		assert.True(t, patch.MuteUntil.IsZero())
	})

	t.Run("comment and label and unknown are empty", func(t *testing.T) {
		assert.True(t, deltaFor(EventComment, at, by, nil).IsEmpty())
		assert.True(t, deltaFor(EventLabel, at, by, nil).IsEmpty())
		assert.True(t, deltaFor(EventKind("mystery"), at, by, nil).IsEmpty())
	})
}

func TestRevertRestoresPriorState(t *testing.T) {
	env := newTestEnv(t)
	subj := recordSubject(t, "did:plc:revert-subject", "app.bsky.feed.post", "3krevert1")

	env.mustEmit(env.triage(), EventInput{Kind: EventReport, Subject: subj, CreatedAt: testTime(0)})
	env.mustEmit(env.triage(), EventInput{Kind: EventEscalate, Subject: subj, CreatedAt: testTime(1)})
	takedown := env.mustEmit(env.moderator(), EventInput{Kind: EventTakedown, Subject: subj, CreatedAt: testTime(2)})
	comment := "checking in"
	env.mustEmit(env.moderator(), EventInput{Kind: EventComment, Subject: subj, Comment: &comment, CreatedAt: testTime(3)})

	require.True(t, takedown.Status.Takendown)

	// the comment between the takedown and the revert must not be mistaken
	// for the action being undone
	res := env.mustEmit(env.moderator(), EventInput{
		Kind:       EventRevert,
		Subject:    subj,
		RefEventID: &takedown.Event.ID,
		CreatedAt:  testTime(4),
	})

	require.NotNil(t, res.Status)
	assert.False(t, res.Status.Takendown)
	require.NotNil(t, res.Status.ReviewState)
	assert.Equal(t, ReviewEscalated, *res.Status.ReviewState)
}

func TestRevertWithNoPriorHistoryResetsToBaseline(t *testing.T) {
	env := newTestEnv(t)
	subj := accountSubject(t, "did:plc:baseline-subject")

	takedown := env.mustEmit(env.admin(), EventInput{Kind: EventTakedown, Subject: subj, CreatedAt: testTime(0)})
	require.True(t, takedown.Status.Takendown)

	res := env.mustEmit(env.admin(), EventInput{
		Kind:       EventRevert,
		Subject:    subj,
		RefEventID: &takedown.Event.ID,
		CreatedAt:  testTime(1),
	})

	require.NotNil(t, res.Status)
	assert.False(t, res.Status.Takendown)
	assert.Nil(t, res.Status.ReviewState)
	assert.Nil(t, res.Status.MuteUntil)
	assert.Nil(t, res.Status.SuspendUntil)
}

func TestRevertRequiresRefEvent(t *testing.T) {
	env := newTestEnv(t)
	subj := accountSubject(t, "did:plc:norev-subject")

	_, err := env.emit(env.admin(), EventInput{Kind: EventRevert, Subject: subj, CreatedAt: testTime(0)})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	missing := uint64(9999)
	_, err = env.emit(env.admin(), EventInput{Kind: EventRevert, Subject: subj, RefEventID: &missing, CreatedAt: testTime(1)})
	var notFoundErr *NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}

func TestRevertRejectsForeignRefEvent(t *testing.T) {
	env := newTestEnv(t)
	subjA := accountSubject(t, "did:plc:foreign-a")
	subjB := accountSubject(t, "did:plc:foreign-b")

	takedown := env.mustEmit(env.admin(), EventInput{Kind: EventTakedown, Subject: subjA, CreatedAt: testTime(0)})

	_, err := env.emit(env.admin(), EventInput{
		Kind:       EventRevert,
		Subject:    subjB,
		RefEventID: &takedown.Event.ID,
		CreatedAt:  testTime(1),
	})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestReportDoesNotDowngradeEscalated(t *testing.T) {
	env := newTestEnv(t)
	subj := accountSubject(t, "did:plc:escalated-subject")

	env.mustEmit(env.triage(), EventInput{Kind: EventEscalate, Subject: subj, CreatedAt: testTime(0)})
	res := env.mustEmit(env.triage(), EventInput{Kind: EventReport, Subject: subj, CreatedAt: testTime(1)})

	require.NotNil(t, res.Status.ReviewState)
	assert.Equal(t, ReviewEscalated, *res.Status.ReviewState)
	require.NotNil(t, res.Status.LastReportedAt)
	assert.True(t, res.Status.LastReportedAt.Equal(testTime(1)))
}

func readAllStatuses(t *testing.T, env *testEnv) []models.ModerationSubjectStatus {
	t.Helper()
	var rows []models.ModerationSubjectStatus
	require.NoError(t, env.db.Order("did asc, record_path asc").Find(&rows).Error)
	return rows
}

// Replaying a committed log against an empty store must reproduce the exact
// same status rows as incremental application did.
func TestReplayDeterminism(t *testing.T) {
	gofakeit.Seed(42)

	live := newTestEnv(t)

	subjects := []Subject{
		accountSubject(t, "did:plc:replay-one"),
		accountSubject(t, "did:plc:replay-two"),
		recordSubject(t, "did:plc:replay-three", "app.bsky.feed.post", "3kreplay1"),
	}
	kinds := []EventKind{
		EventReport, EventEscalate, EventAcknowledge, EventComment, EventMute, EventUnmute,
	}

	var inputs []EventInput
	for i := 0; i < 60; i++ {
		input := EventInput{
			Kind:      kinds[gofakeit.Number(0, len(kinds)-1)],
			Subject:   subjects[gofakeit.Number(0, len(subjects)-1)],
			CreatedAt: testTime(i),
		}
		if gofakeit.Bool() {
			comment := gofakeit.Sentence(5)
			input.Comment = &comment
		}
		if input.Kind == EventMute && gofakeit.Bool() {
			hours := int64(gofakeit.Number(1, 72))
			input.DurationInHours = &hours
		}
		inputs = append(inputs, input)
		live.mustEmit(live.moderator(), input)
	}

	replayed := newTestEnv(t)
	for _, input := range inputs {
		replayed.mustEmit(replayed.moderator(), input)
	}

	liveRows := readAllStatuses(t, live)
	replayedRows := readAllStatuses(t, replayed)
	require.Equal(t, len(liveRows), len(replayedRows))
	for i := range liveRows {
		assert.Equal(t, liveRows[i], replayedRows[i], fmt.Sprintf("row %d", i))
	}
}

// A fresh coordinator replaying another coordinator's log, revert resolution
// included, lands on the same rows.
func TestReplayDeterminismWithReverts(t *testing.T) {
	live := newTestEnv(t)
	subj := recordSubject(t, "did:plc:replay-revert", "app.bsky.feed.post", "3kreplay2")

	var inputs []EventInput
	record := func(input EventInput) *ModEventResult {
		inputs = append(inputs, input)
		return live.mustEmit(live.moderator(), input)
	}

	record(EventInput{Kind: EventReport, Subject: subj, CreatedAt: testTime(0)})
	takedown := record(EventInput{Kind: EventTakedown, Subject: subj, CreatedAt: testTime(1)})
	record(EventInput{Kind: EventComment, Subject: subj, CreatedAt: testTime(2)})
	record(EventInput{Kind: EventRevert, Subject: subj, RefEventID: &takedown.Event.ID, CreatedAt: testTime(3)})
	record(EventInput{Kind: EventAcknowledge, Subject: subj, CreatedAt: testTime(4)})

	replayed := newTestEnv(t)
	for _, input := range inputs {
		replayed.mustEmit(replayed.moderator(), input)
	}

	assert.Equal(t, readAllStatuses(t, live), readAllStatuses(t, replayed))
}

func TestUpsertConvergesConcurrentFirstEvents(t *testing.T) {
	env := newTestEnv(t)
	subj := accountSubject(t, "did:plc:concurrent-subject")

	// ten successive reports for one subject must land on the same row
	for i := 0; i < 10; i++ {
		env.mustEmit(env.triage(), EventInput{Kind: EventReport, Subject: subj, CreatedAt: testTime(i)})
	}

	var count int64
	require.NoError(t, env.db.Model(&models.ModerationSubjectStatus{}).
		Where("did = ?", subj.Did.String()).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	status, err := env.service.GetSubjectStatus(context.Background(), subj)
	require.NoError(t, err)
	require.NotNil(t, status.LastReportedAt)
	assert.True(t, status.LastReportedAt.Equal(testTime(9)))
}

func TestConcurrentFirstReportsCreateOneRow(t *testing.T) {
	env := newTestEnv(t)
	subj := accountSubject(t, "did:plc:concurrent-first")

	// reports racing from separate goroutines on a brand-new subject: the
	// conflict-aware insert must converge them onto one row, and none may fail
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := env.service.EmitEvent(context.Background(), env.triage(), EventInput{
				Kind:      EventReport,
				Subject:   subj,
				CreatedAt: testTime(i),
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, env.db.Model(&models.ModerationSubjectStatus{}).
		Where("did = ?", subj.Did.String()).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	require.NoError(t, env.db.Model(&models.ModerationEvent{}).
		Where("subject_did = ?", subj.Did.String()).Count(&count).Error)
	assert.EqualValues(t, 8, count)
}
