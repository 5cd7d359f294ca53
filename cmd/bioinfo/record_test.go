//go:build test

package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/remote/remotetest"
	"github.com/srg/bioinfo/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const sensorAddress = "AA:BB:CC:DD:EE:FF"

type RecordCommandTestSuite struct {
	CommandTestSuite
}

func TestRecordCommandTestSuite(t *testing.T) {
	suite.Run(t, new(RecordCommandTestSuite))
}

func (s *RecordCommandTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.UseSensor(testutils.NewSensorBuilder().WithFrames(testutils.Frame(21.5, 40, 12, 0.8)))
}

type result struct {
	out string
	err error
}

func (s *RecordCommandTestSuite) startRecord(ctx context.Context, args ...string) <-chan result {
	done := make(chan result, 1)
	go func() {
		out, err := s.ExecuteCommandContext(ctx, append([]string{"record", sensorAddress}, args...)...)
		done <- result{out, err}
	}()
	return done
}

func (s *RecordCommandTestSuite) await(done <-chan result) result {
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		s.FailNow("record MUST return")
		return result{}
	}
}

// entriesStored reports whether the first session has at least n entries.
// It is safe to call from an Eventually condition.
func (s *RecordCommandTestSuite) entriesStored(n int) bool {
	sess, err := s.store.GetSession(s.ctx, model.Local(1))
	if err != nil || sess == nil {
		return false
	}
	entries, err := s.store.GetDataEntriesBySession(s.ctx, &sess.LocalID, nil)
	return err == nil && len(entries) >= n
}

func (s *RecordCommandTestSuite) TestRecordUntilDisconnect() {
	// GOAL: Verify a recording ends on sensor disconnect and everything is uploaded afterwards
	//
	// TEST SCENARIO: record → samples stored → link dropped → session ended → final sync → nothing pending

	done := s.startRecord(s.ctx, "--title", "Park walk")
	s.Require().Eventually(func() bool { return s.entriesStored(3) }, 3*time.Second, 10*time.Millisecond,
		"samples MUST be stored while recording")

	s.link.Drop()
	r := s.await(done)
	s.Require().NoError(r.err)

	s.Contains(r.out, `Recording session 1 "Park walk"`)
	s.Contains(r.out, "Sensor disconnected, session ended.")

	sess, err := s.store.GetSession(s.ctx, model.Local(1))
	s.Require().NoError(err)
	s.Require().NotNil(sess.ServerID, "reachable server MUST assign an id")
	s.NotNil(sess.EndTimestamp, "ended session MUST have an end timestamp")

	entries, err := s.store.GetDataEntriesBySession(s.ctx, &sess.LocalID, nil)
	s.Require().NoError(err)
	for _, e := range entries {
		s.False(e.PendingUpload, "final sync MUST upload every sample")
		s.Require().NotNil(e.Latitude)
		s.InDelta(39.95, *e.Latitude, 1e-9)
		s.Require().NotNil(e.Temperature)
		s.InDelta(21.5, *e.Temperature, 1e-6)
	}
	s.Len(s.server.Entries(*sess.ServerID), len(entries))
}

func (s *RecordCommandTestSuite) TestRecordOfflineThenCancel() {
	// GOAL: Verify recording works without the server and Ctrl+C ends it cleanly
	//
	// TEST SCENARIO: create fails → offline session → cancel → no error, session and samples stay pending

	s.server.Fail(remotetest.OpCreate, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(s.ctx)
	done := s.startRecord(ctx, "--no-sync")
	s.Require().Eventually(func() bool { return s.entriesStored(2) }, 3*time.Second, 10*time.Millisecond)

	cancel()
	r := s.await(done)
	s.Require().NoError(r.err)
	s.Contains(r.out, "offline, will upload later")
	s.Contains(r.out, "Recording stopped.")

	sess, err := s.store.GetSession(s.ctx, model.Local(1))
	s.Require().NoError(err)
	s.Nil(sess.ServerID)
	s.True(sess.PendingUpload)
	s.NotNil(sess.EndTimestamp)

	count, err := s.store.PendingDataEntryCount(s.ctx)
	s.Require().NoError(err)
	s.GreaterOrEqual(count, 2)
	s.Equal(0, s.server.Calls(remotetest.OpUpload), "--no-sync MUST NOT upload")
}

func (s *RecordCommandTestSuite) TestRecordConnectFailure() {
	s.UseSensor(testutils.NewSensorBuilder().WithDialError(errors.New("no route")))

	r := s.await(s.startRecord(s.ctx))
	s.ErrorIs(r.err, ErrConnectFailed)

	sessions, err := s.store.GetAllSessions(s.ctx)
	s.Require().NoError(err)
	s.Empty(sessions, "no session MUST be created without a sensor")
}

func (s *RecordCommandTestSuite) TestRecordRequiresUser() {
	s.SetConfig("user", map[string]any{})

	r := s.await(s.startRecord(s.ctx))
	s.ErrorIs(r.err, ErrUserNotConfigured)
}
