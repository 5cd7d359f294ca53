//go:build test

package syncer

import (
	"context"
	"net/http"
	"time"

	"github.com/srg/bioinfo/internal/auth"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/remote/remotetest"
)

func (s *EngineTestSuite) runAutoSync(a *AutoSync) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return cancel, done
}

// synced reports whether the session has left the pending state. It is safe to
// call from an Eventually condition.
func (s *EngineTestSuite) synced(localID int64) bool {
	got, err := s.store.GetSession(s.ctx, model.Local(localID))
	return err == nil && got != nil && !got.PendingUpload
}

func (s *EngineTestSuite) TestAutoSyncTrigger() {
	// GOAL: Verify Trigger runs a pass without waiting for the interval
	//
	// TEST SCENARIO: Hour-long interval → Trigger → session synced and report published → cancel returns nil

	sess := s.offlineSession("Walk")
	a := NewAutoSync(s.engine(auth.Static(token)), s.helper.Logger, &AutoSyncOptions{Interval: time.Hour})
	cancel, done := s.runAutoSync(a)

	a.Trigger()
	s.Require().Eventually(func() bool { return a.LastReport().Get() != nil }, 2*time.Second, 10*time.Millisecond,
		"triggered pass MUST publish a report")
	s.False(s.reload(sess.LocalID).PendingUpload)

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("Run MUST return after cancel")
	}
}

func (s *EngineTestSuite) TestAutoSyncBacksOffAndRecovers() {
	// GOAL: Verify a failed pass is retried on the backoff schedule rather than the interval
	//
	// TEST SCENARIO: Create fails → retried after short backoff → server recovers → session synced

	sess := s.offlineSession("Walk")
	s.server.Fail(remotetest.OpCreate, http.StatusInternalServerError)

	a := NewAutoSync(s.engine(auth.Static(token)), s.helper.Logger, &AutoSyncOptions{
		Interval:       time.Hour,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})
	cancel, done := s.runAutoSync(a)
	defer func() {
		cancel()
		<-done
	}()

	a.Trigger()
	s.Require().Eventually(func() bool { return s.server.Calls(remotetest.OpCreate) >= 2 }, 2*time.Second, 5*time.Millisecond,
		"failed pass MUST be retried before the interval elapses")
	s.True(s.reload(sess.LocalID).PendingUpload)

	s.server.Recover(remotetest.OpCreate)
	s.Require().Eventually(func() bool {
		report := a.LastReport().Get()
		return report != nil && report.Failed() == 0 && s.synced(sess.LocalID)
	}, 2*time.Second, 5*time.Millisecond, "recovered server MUST receive the session")
}

func (s *EngineTestSuite) TestAutoSyncDefaults() {
	a := NewAutoSync(s.engine(nil), nil, nil)
	s.Equal(time.Minute, a.opts.Interval)
	s.Equal(2*time.Second, a.opts.InitialBackoff)
	s.Equal(5*time.Minute, a.opts.MaxBackoff)

	a.Trigger()
	a.Trigger()
	s.Len(a.trigger, 1, "pending triggers MUST merge")
}
