package ozone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/bluesky-social/ozone/models"
)

// ModEventResult bundles the two outputs of EmitEvent for assertions.
type ModEventResult struct {
	Event  *models.ModerationEvent
	Status *models.ModerationSubjectStatus
}

const (
	testServiceDid = "did:plc:moderation-service"
	testAdminDid   = "did:plc:admin-account"
	testModDid     = "did:plc:mod-account"
	testTriageDid  = "did:plc:triage-account"

	testRecordCid = "bafyreicz7a43jdklahupwtxqnoqnaceyey4wbw3b726fmmqmox4fxi3lmy"
	testBlobCid   = "bafkreibvjvcv745gig4mvqs4hctx4zfkono4rjejm2ta6gtyzkqxfjeily"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// each test gets its own named in-memory database so parallel tests do not
// share state through sqlite's shared cache
func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := SetupDatabase(fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", name), 1)
	require.NoError(t, err)
	return db
}

// recordingEnforcement counts enforcement commands and can be told to fail.
type recordingEnforcement struct {
	mu        sync.Mutex
	takedowns []Subject
	restores  []Subject
	failWith  error
}

func (e *recordingEnforcement) ApplyTakedown(ctx context.Context, subj Subject, blobCids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return e.failWith
	}
	e.takedowns = append(e.takedowns, subj)
	return nil
}

func (e *recordingEnforcement) ReverseTakedown(ctx context.Context, subj Subject) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failWith != nil {
		return e.failWith
	}
	e.restores = append(e.restores, subj)
	return nil
}

type testEnv struct {
	t           *testing.T
	db          *gorm.DB
	service     *Service
	enforcement *recordingEnforcement
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDatabase(t)
	enforcement := &recordingEnforcement{}
	service, err := NewService(db, newTestLogger(), NewStoreLabelIssuer(testServiceDid), enforcement)
	require.NoError(t, err)
	return &testEnv{t: t, db: db, service: service, enforcement: enforcement}
}

func (env *testEnv) admin() Actor {
	return Actor{Did: syntax.DID(testAdminDid), Role: RoleAdmin}
}

func (env *testEnv) moderator() Actor {
	return Actor{Did: syntax.DID(testModDid), Role: RoleModerator}
}

func (env *testEnv) triage() Actor {
	return Actor{Did: syntax.DID(testTriageDid), Role: RoleTriage}
}

func accountSubject(t *testing.T, did string) Subject {
	t.Helper()
	subj, err := ParseSubject(did, "", "", nil)
	require.NoError(t, err)
	return subj
}

func recordSubject(t *testing.T, did, collection, rkey string) Subject {
	t.Helper()
	uri := fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
	subj, err := ParseSubject(did, uri, testRecordCid, nil)
	require.NoError(t, err)
	return subj
}

// emit is a shorthand for EmitEvent with a fixed deterministic timestamp.
func (env *testEnv) emit(actor Actor, input EventInput) (*ModEventResult, error) {
	env.t.Helper()
	evt, status, err := env.service.EmitEvent(context.Background(), actor, input)
	if err != nil {
		return nil, err
	}
	return &ModEventResult{Event: evt, Status: status}, nil
}

func (env *testEnv) mustEmit(actor Actor, input EventInput) *ModEventResult {
	env.t.Helper()
	res, err := env.emit(actor, input)
	require.NoError(env.t, err)
	return res
}

func testTime(offsetMinutes int) time.Time {
	base := time.Date(2023, 10, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(offsetMinutes) * time.Minute)
}
