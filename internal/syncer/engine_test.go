//go:build test

package syncer

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/srg/bioinfo/internal/auth"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/remote"
	"github.com/srg/bioinfo/internal/remote/remotetest"
	"github.com/srg/bioinfo/internal/store"
	"github.com/srg/bioinfo/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const token = "t0k3n"

type EngineTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	ctx    context.Context
	store  *store.Store
	server *remotetest.Server
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.ctx = context.Background()

	st, err := store.Open(s.ctx, s.helper.TempDBPath(), s.helper.Logger)
	s.Require().NoError(err)
	s.store = st
	s.server = remotetest.NewServer(token)
}

func (s *EngineTestSuite) TearDownTest() {
	s.server.Close()
	s.Require().NoError(s.store.Close())
}

func (s *EngineTestSuite) engine(tokens auth.TokenProvider) *Engine {
	gw := remote.NewGateway(s.server.URL, s.helper.Logger, remote.WithTimeout(time.Second))
	return NewEngine(s.store, gw, tokens, s.helper.Logger)
}

// offlineSession stores a session that never reached the server.
func (s *EngineTestSuite) offlineSession(title string) *model.Session {
	sess := &model.Session{
		UserID:         "user-1",
		GroupName:      model.Ptr("G1"),
		ClassName:      "Bio",
		SchoolName:     "Central",
		DeviceName:     model.Ptr("Bioinfo"),
		StartTimestamp: 1_700_000_000_000,
		Title:          title,
		PendingUpload:  true,
	}
	id, err := s.store.UpsertSession(s.ctx, sess)
	s.Require().NoError(err)
	sess.LocalID = id
	return sess
}

// syncedSession stores a session that already exists on the server.
func (s *EngineTestSuite) syncedSession(title string) *model.Session {
	serverID := s.server.PutSession(remote.SessionDTO{UserID: "user-1", Title: title, StartTimestamp: 1_700_000_000_000})
	sess := s.offlineSession(title)
	sess.ServerID = &serverID
	sess.PendingUpload = false
	_, err := s.store.UpsertSession(s.ctx, sess)
	s.Require().NoError(err)
	return sess
}

func (s *EngineTestSuite) entry(sess *model.Session, ts int64) *model.DataEntry {
	e := &model.DataEntry{
		UserID:          sess.UserID,
		LocalSessionID:  &sess.LocalID,
		RemoteSessionID: sess.ServerID,
		Timestamp:       ts,
		Latitude:        model.Ptr(39.95),
		Longitude:       model.Ptr(-75.19),
		COLevel:         model.Ptr(float32(1.5)),
		PendingUpload:   true,
	}
	id, err := s.store.UpsertDataEntry(s.ctx, e)
	s.Require().NoError(err)
	e.LocalID = id
	return e
}

func (s *EngineTestSuite) reload(localID int64) *model.Session {
	got, err := s.store.GetSession(s.ctx, model.Local(localID))
	s.Require().NoError(err)
	s.Require().NotNil(got)
	return got
}

func (s *EngineTestSuite) pendingEntries() []model.DataEntry {
	got, err := s.store.GetAllPendingDataEntries(s.ctx)
	s.Require().NoError(err)
	return got
}

func (s *EngineTestSuite) TestOfflineSessionIsCreated() {
	// GOAL: Verify an offline session is created remotely and keeps its local identity
	//
	// TEST SCENARIO: Pending session without server id → sync → server id set, pending cleared, same local id

	sess := s.offlineSession("Walk")

	report, err := s.engine(auth.Static(token)).SyncSessions(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Sessions, 1)
	s.Require().NoError(report.Sessions[0].Err)
	s.True(report.Sessions[0].Created)

	got := s.reload(sess.LocalID)
	s.Require().NotNil(got.ServerID, "synced session MUST carry the server id")
	s.Equal(*report.Sessions[0].ServerID, *got.ServerID)
	s.False(got.PendingUpload)
	s.Equal("Walk", got.Title)

	remoteSess, ok := s.server.Session(*got.ServerID)
	s.Require().True(ok)
	s.Equal("Walk", remoteSess.Title)
	s.Equal(1, s.server.Calls(remotetest.OpCreate))
	s.Equal(1, s.server.Calls(remotetest.OpGet), "created session MUST be fetched back")

	report, err = s.engine(auth.Static(token)).SyncSessions(s.ctx)
	s.Require().NoError(err)
	s.Empty(report.Sessions, "synced session MUST NOT be uploaded again")
	s.Equal(1, s.server.SessionCount())
}

func (s *EngineTestSuite) TestEditedSessionIsUpdated() {
	// GOAL: Verify a known session with local edits is pushed with an update call
	//
	// TEST SCENARIO: Synced session → local patch (pending) → sync → PUT sent, no create, pending cleared

	sess := s.syncedSession("Walk")
	changed, err := s.store.PatchSession(s.ctx, sess.LocalID, model.SessionPatch{Title: model.Ptr("Park walk")})
	s.Require().NoError(err)
	s.Require().True(changed)

	report, err := s.engine(auth.Static(token)).SyncSessions(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Sessions, 1)
	s.NoError(report.Sessions[0].Err)
	s.False(report.Sessions[0].Created)

	s.Equal(0, s.server.Calls(remotetest.OpCreate))
	s.Equal(1, s.server.Calls(remotetest.OpUpdate))
	remoteSess, _ := s.server.Session(*sess.ServerID)
	s.Equal("Park walk", remoteSess.Title)
	s.False(s.reload(sess.LocalID).PendingUpload)
}

func (s *EngineTestSuite) TestSessionFailureDoesNotStopPass() {
	// GOAL: Verify one failing session leaves the rest of the pass running
	//
	// TEST SCENARIO: Update fails, create succeeds → both attempted → failed one stays pending

	edited := s.syncedSession("Edited")
	_, err := s.store.PatchSession(s.ctx, edited.LocalID, model.SessionPatch{Description: model.Ptr("x")})
	s.Require().NoError(err)
	fresh := s.offlineSession("Fresh")

	s.server.Fail(remotetest.OpUpdate, http.StatusInternalServerError)

	report, err := s.engine(auth.Static(token)).SyncSessions(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Sessions, 2)
	s.Equal(1, report.Failed())

	s.True(s.reload(edited.LocalID).PendingUpload, "failed session MUST remain pending")
	s.False(s.reload(fresh.LocalID).PendingUpload)
}

func (s *EngineTestSuite) TestTokenFailureAborts() {
	// GOAL: Verify nothing is sent without a token and the next pass picks up exactly what was pending
	//
	// TEST SCENARIO: Token provider fails → pass aborts with ErrTokenUnavailable → no requests →
	//                valid token → session created once, every pending entry uploaded once → third pass sends nothing

	sess := s.offlineSession("Walk")
	s.entry(sess, 1)
	s.entry(sess, 2)
	s.entry(sess, 3)
	failing := auth.Func(func(context.Context) (string, error) { return "", errors.New("refresh failed") })

	_, err := s.engine(failing).SyncAll(s.ctx)
	s.ErrorIs(err, ErrTokenUnavailable)
	s.Empty(s.server.Requests())

	_, err = s.engine(nil).SyncAll(s.ctx)
	s.ErrorIs(err, ErrTokenUnavailable)
	s.Empty(s.server.Requests())
	s.Len(s.pendingEntries(), 3, "an aborted pass MUST leave entries pending")

	report, err := s.engine(auth.Static(token)).SyncAll(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Failed())
	s.Equal(3, report.Uploaded())

	serverID := s.reload(sess.LocalID).ServerID
	s.Require().NotNil(serverID)
	s.Equal(1, s.server.Calls(remotetest.OpCreate), "the session MUST be created exactly once")
	s.Len(s.server.Entries(*serverID), 3, "every pending entry MUST reach the server once")
	s.Empty(s.pendingEntries())

	report, err = s.engine(auth.Static(token)).SyncAll(s.ctx)
	s.Require().NoError(err)
	s.Empty(report.Sessions)
	s.Empty(report.Batches)
	s.Equal(1, s.server.Calls(remotetest.OpCreate))
	s.Equal(1, s.server.Calls(remotetest.OpUpload))
}

func (s *EngineTestSuite) TestOfflineEndedSessionKeepsEnd() {
	// GOAL: Verify a session recorded and ended offline reaches the server with its end
	//
	// TEST SCENARIO: Offline session → EndSession → sync → create + update with the end →
	//                local end kept, pending cleared, remote end set

	sess := s.offlineSession("Walk")
	_, err := s.store.EndSession(s.ctx, sess.LocalID, 1_700_000_600_000)
	s.Require().NoError(err)

	report, err := s.engine(auth.Static(token)).SyncAll(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Failed())

	got := s.reload(sess.LocalID)
	s.Require().NotNil(got.EndTimestamp, "syncing MUST NOT drop the local end timestamp")
	s.Equal(int64(1_700_000_600_000), *got.EndTimestamp)
	s.False(got.PendingUpload)

	remoteSess, ok := s.server.Session(*got.ServerID)
	s.Require().True(ok)
	s.Require().NotNil(remoteSess.EndTimestamp, "the end timestamp MUST be uploaded")
	s.Equal(int64(1_700_000_600_000), *remoteSess.EndTimestamp)
	s.Equal(1, s.server.Calls(remotetest.OpCreate))
	s.Equal(1, s.server.Calls(remotetest.OpUpdate))
}

func (s *EngineTestSuite) TestEndUpdateFailureKeepsServerID() {
	// GOAL: Verify a failed end upload after create is retried as an update, not a second create
	//
	// TEST SCENARIO: Offline ended session, update fails → server id stored, still pending →
	//                recover → next pass updates the same server session

	sess := s.offlineSession("Walk")
	_, err := s.store.EndSession(s.ctx, sess.LocalID, 1_700_000_600_000)
	s.Require().NoError(err)
	s.server.Fail(remotetest.OpUpdate, http.StatusServiceUnavailable)

	e := s.engine(auth.Static(token))
	report, err := e.SyncSessions(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Failed())

	got := s.reload(sess.LocalID)
	s.Require().NotNil(got.ServerID, "the created server id MUST be kept")
	s.True(got.PendingUpload)
	s.Require().NotNil(got.EndTimestamp)

	s.server.Recover(remotetest.OpUpdate)
	report, err = e.SyncSessions(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Failed())
	s.False(report.Sessions[0].Created)

	s.Equal(1, s.server.Calls(remotetest.OpCreate))
	remoteSess, _ := s.server.Session(*got.ServerID)
	s.Require().NotNil(remoteSess.EndTimestamp)
	s.False(s.reload(sess.LocalID).PendingUpload)
}

// hookedGateway runs afterUpdate once an update call has returned, before
// the engine records the result.
type hookedGateway struct {
	Gateway
	afterUpdate func()
}

func (g *hookedGateway) UpdateSession(ctx context.Context, token string, id int64, req remote.UpdateSessionRequest) error {
	err := g.Gateway.UpdateSession(ctx, token, id, req)
	if g.afterUpdate != nil {
		g.afterUpdate()
	}
	return err
}

func (s *EngineTestSuite) TestEditDuringUploadStaysPending() {
	// GOAL: Verify a local change made while its session is being uploaded is not marked synced
	//
	// TEST SCENARIO: Synced session, title patched → sync; session ended during the PUT →
	//                local stays pending with its end → next pass uploads the end

	sess := s.syncedSession("Walk")
	_, err := s.store.PatchSession(s.ctx, sess.LocalID, model.SessionPatch{Title: model.Ptr("Park walk")})
	s.Require().NoError(err)

	gw := &hookedGateway{
		Gateway: remote.NewGateway(s.server.URL, s.helper.Logger, remote.WithTimeout(time.Second)),
		afterUpdate: func() {
			_, err := s.store.EndSession(s.ctx, sess.LocalID, 1_700_000_900_000)
			s.Require().NoError(err)
		},
	}
	report, err := NewEngine(s.store, gw, auth.Static(token), s.helper.Logger).SyncSessions(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Failed())

	got := s.reload(sess.LocalID)
	s.True(got.PendingUpload, "a change made during the upload MUST stay pending")
	s.Require().NotNil(got.EndTimestamp)
	s.Equal("Park walk", got.Title)
	remoteSess, _ := s.server.Session(*sess.ServerID)
	s.Nil(remoteSess.EndTimestamp)

	_, err = s.engine(auth.Static(token)).SyncSessions(s.ctx)
	s.Require().NoError(err)
	remoteSess, _ = s.server.Session(*sess.ServerID)
	s.Require().NotNil(remoteSess.EndTimestamp)
	s.Equal(int64(1_700_000_900_000), *remoteSess.EndTimestamp)
	s.False(s.reload(sess.LocalID).PendingUpload)
}

func (s *EngineTestSuite) TestEntriesUploadedPerSession() {
	// GOAL: Verify entries are batched per remote session and marked with server ids
	//
	// TEST SCENARIO: Two synced sessions with entries → one batch each → entries carry server ids, none pending

	a := s.syncedSession("A")
	b := s.syncedSession("B")
	s.entry(a, 1)
	s.entry(b, 2)
	s.entry(a, 3)

	report, err := s.engine(auth.Static(token)).SyncDataEntries(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Batches, 2)
	s.Equal(*a.ServerID, report.Batches[0].RemoteSessionID, "batches MUST follow first-seen order")
	s.Equal(2, report.Batches[0].Entries)
	s.Equal(3, report.Uploaded())

	s.Empty(s.pendingEntries())
	s.Len(s.server.Entries(*a.ServerID), 2)
	s.Len(s.server.Entries(*b.ServerID), 1)

	stored, err := s.store.GetDataEntriesBySession(s.ctx, &a.LocalID, nil)
	s.Require().NoError(err)
	for _, e := range stored {
		s.NotNil(e.ServerID, "uploaded entry MUST carry its server id")
	}
}

func (s *EngineTestSuite) TestBatchMismatchLeavesEntriesPending() {
	// GOAL: Verify a short id list fails the whole batch
	//
	// TEST SCENARIO: 2 entries sent, server returns 1 id → ErrBatchMismatch → both pending, no server ids

	sess := s.syncedSession("Walk")
	s.entry(sess, 1)
	s.entry(sess, 2)
	s.server.TruncateInsertedIDs(1, true)

	report, err := s.engine(auth.Static(token)).SyncDataEntries(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Batches, 1)
	s.ErrorIs(report.Batches[0].Err, ErrBatchMismatch)
	s.Zero(report.Uploaded())

	pending := s.pendingEntries()
	s.Require().Len(pending, 2)
	for _, e := range pending {
		s.Nil(e.ServerID, "entries of a mismatched batch MUST NOT be marked")
	}
}

func (s *EngineTestSuite) TestUnresolvedEntriesSkipped() {
	// GOAL: Verify entries wait until their session has a server id
	//
	// TEST SCENARIO: Offline session with entries, session create fails → entries skipped → next pass uploads them

	sess := s.offlineSession("Walk")
	s.entry(sess, 1)
	s.entry(sess, 2)
	s.server.Fail(remotetest.OpCreate, http.StatusServiceUnavailable)

	e := s.engine(auth.Static(token))
	report, err := e.SyncAll(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, report.Skipped)
	s.Empty(report.Batches)
	s.Equal(0, s.server.Calls(remotetest.OpUpload))

	s.server.Recover(remotetest.OpCreate)
	report, err = e.SyncAll(s.ctx)
	s.Require().NoError(err)
	s.Zero(report.Skipped)
	s.Equal(2, report.Uploaded())
	s.Empty(s.pendingEntries())

	serverID := s.reload(sess.LocalID).ServerID
	s.Require().NotNil(serverID)
	s.Len(s.server.Entries(*serverID), 2)
}

func (s *EngineTestSuite) TestUploadBodyCarriesNullLocation() {
	// GOAL: Verify entries without a fix upload null coordinates
	//
	// TEST SCENARIO: Entry with nil lat/lon → upload → JSON body has nulls

	sess := s.syncedSession("Walk")
	e := s.entry(sess, 42)
	e.Latitude, e.Longitude = nil, nil
	_, err := s.store.UpsertDataEntry(s.ctx, e)
	s.Require().NoError(err)

	_, err = s.engine(auth.Static(token)).SyncDataEntries(s.ctx)
	s.Require().NoError(err)

	var body []byte
	for _, r := range s.server.Requests() {
		if r.Op == remotetest.OpUpload {
			body = r.Body
		}
	}
	s.Require().NotNil(body)
	testutils.NewJSONAsserter(s.T()).Assert(string(body), `{
		"data_entries": [{"timestamp": 42, "latitude": null, "longitude": null, "co_level": 1.5}]
	}`)
}

func (s *EngineTestSuite) TestCanceledContextStops() {
	s.offlineSession("A")
	s.offlineSession("B")

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.engine(auth.Static(token)).SyncAll(ctx)
	s.ErrorIs(err, context.Canceled)
	s.Equal(0, s.server.Calls(remotetest.OpCreate))
}
