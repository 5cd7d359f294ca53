// Package session runs recording sessions: creation with offline fallback,
// the periodic sampling loop and its stop triggers.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/auth"
	"github.com/srg/bioinfo/internal/device"
	"github.com/srg/bioinfo/internal/groutine"
	"github.com/srg/bioinfo/internal/location"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/observable"
	"github.com/srg/bioinfo/internal/remote"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is recording.
	ErrAlreadyRunning = errors.New("a session is already recording")
	// ErrNoSession is returned when an operation needs a current session.
	ErrNoSession = errors.New("no current session")
)

// Store is the part of the local store the controller writes to.
type Store interface {
	UpsertSession(ctx context.Context, s *model.Session) (int64, error)
	GetSession(ctx context.Context, ref model.SessionRef) (*model.Session, error)
	UpsertDataEntry(ctx context.Context, e *model.DataEntry) (int64, error)
	PatchSession(ctx context.Context, localID int64, patch model.SessionPatch) (bool, error)
	EndSession(ctx context.Context, localID, end int64) (bool, error)
}

// Gateway is the part of the remote API used to create sessions.
type Gateway interface {
	CreateSession(ctx context.Context, token string, req remote.CreateSessionRequest) (int64, error)
	GetSession(ctx context.Context, token string, id int64) (*remote.SessionDTO, error)
}

// Sensor supplies readings and connection state.
type Sensor interface {
	IsConnected() *observable.Value[bool]
	ReadSensorData(ctx context.Context) <-chan device.Reading
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store    Store
	Gateway  Gateway
	Tokens   auth.TokenProvider
	Sensor   Sensor
	Location location.Provider
}

// Options configures the sampling loop.
type Options struct {
	SampleInterval time.Duration `default:"5s"`
}

// StopReason tells why a recording ended.
type StopReason int

const (
	NotStopped StopReason = iota
	StoppedByUser
	StoppedByDisconnect
)

func (r StopReason) String() string {
	switch r {
	case StoppedByUser:
		return "stopped"
	case StoppedByDisconnect:
		return "device disconnected"
	default:
		return "running"
	}
}

// Controller owns the current session and its sampling loop.
type Controller struct {
	deps   Deps
	logger *logrus.Logger
	opts   Options
	now    func() time.Time
	ticks  func(ctx context.Context, d time.Duration) <-chan time.Time

	latest atomic.Pointer[device.Reading]

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	done    chan struct{}
	reason  StopReason
	stopErr error

	current *observable.Value[*model.Session]
	running *observable.Value[bool]
}

var errDisconnected = errors.New("device disconnected")

// NewController creates a controller. Location may be nil.
func NewController(deps Deps, logger *logrus.Logger, opts *Options) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if deps.Location == nil {
		deps.Location = location.None{}
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	done := make(chan struct{})
	close(done)

	return &Controller{
		deps:    deps,
		logger:  logger,
		opts:    o,
		now:     time.Now,
		ticks:   intervalTicks,
		done:    done,
		current: observable.NewValue[*model.Session](nil),
		running: observable.NewComparable(false),
	}
}

// Current is the observable current session.
func (c *Controller) Current() *observable.Value[*model.Session] { return c.current }

// Running reports whether the sampling loop is active.
func (c *Controller) Running() *observable.Value[bool] { return c.running }

// Done returns a channel closed once the current (or last) recording has
// fully stopped and its end timestamp is written.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// StopReason returns why the last recording ended.
func (c *Controller) StopReason() StopReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Create starts a new session record. It tries the server first and falls
// back to a local-only session on any remote failure; only a local store
// failure is returned.
func (c *Controller) Create(ctx context.Context, user model.UserInfo, deviceName *string, title string, description *string) (*model.Session, error) {
	draft := &model.Session{
		UserID:         user.UserID,
		GroupName:      user.GroupName,
		ClassName:      user.ClassName,
		SchoolName:     user.SchoolName,
		DeviceName:     deviceName,
		StartTimestamp: c.now().UnixMilli(),
		Title:          title,
		Description:    description,
	}

	sess, err := c.createRemote(ctx, draft)
	if err != nil {
		c.logger.WithError(err).Warn("Remote session create failed, recording offline")
		sess = draft
		sess.ServerID = nil
		sess.PendingUpload = true
	}

	id, err := c.deps.Store.UpsertSession(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	sess.LocalID = id

	c.logger.WithFields(logrus.Fields{
		"session_local_id":  sess.LocalID,
		"remote_session_id": sess.ServerID,
		"pending_upload":    sess.PendingUpload,
	}).Info("Session created")

	c.current.Set(sess)
	return sess, nil
}

func (c *Controller) createRemote(ctx context.Context, draft *model.Session) (*model.Session, error) {
	if c.deps.Gateway == nil || c.deps.Tokens == nil {
		return nil, errors.New("remote not configured")
	}
	token, err := c.deps.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	id, err := c.deps.Gateway.CreateSession(ctx, token, remote.NewCreateSessionRequest(draft))
	if err != nil {
		return nil, err
	}
	dto, err := c.deps.Gateway.GetSession(ctx, token, id)
	if err != nil {
		return nil, err
	}
	sess := dto.ToModel()
	return &sess, nil
}

// Start runs the sampling loop for sess until Stop is called or the sensor
// disconnects.
func (c *Controller) Start(ctx context.Context, sess *model.Session) error {
	if sess == nil || sess.LocalID == 0 {
		return ErrNoSession
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.reason = NotStopped
	c.stopErr = nil
	c.latest.Store(nil)
	c.current.Set(sess)
	c.running.Set(true)

	c.logger.WithFields(logrus.Fields{
		"session_local_id": sess.LocalID,
		"interval":         c.opts.SampleInterval,
	}).Info("Sampling started")

	sensorDone := c.collectReadings(runCtx)
	c.watchConnection(runCtx, cancel)

	groutine.Go(runCtx, "session-sampler", func(ctx context.Context) {
		defer close(done)
		ticks := c.ticks(ctx, c.opts.SampleInterval)
		for {
			select {
			case <-ctx.Done():
				<-sensorDone
				c.finish(ctx, sess.LocalID)
				return
			case <-ticks:
				// a received tick is always written, even when a stop lands meanwhile
				c.sample(ctx)
			}
		}
	})
	return nil
}

// collectReadings keeps the most recent sensor reading.
func (c *Controller) collectReadings(ctx context.Context) <-chan struct{} {
	if c.deps.Sensor == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	readings := c.deps.Sensor.ReadSensorData(ctx)
	return groutine.Go(ctx, "session-sensor-collector", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-readings:
				if !ok {
					return
				}
				c.latest.Store(&r)
			}
		}
	})
}

// watchConnection cancels the run when the sensor is disconnected. A sensor
// that is already gone when sampling starts stops the run right away.
func (c *Controller) watchConnection(ctx context.Context, cancel context.CancelCauseFunc) {
	if c.deps.Sensor == nil {
		return
	}
	state := c.deps.Sensor.IsConnected()
	sub := state.Subscribe()
	if !state.Get() {
		sub.Close()
		c.logger.Warn("Sensor not connected, stopping session")
		cancel(errDisconnected)
		return
	}
	groutine.Go(ctx, "session-connection-watch", func(ctx context.Context) {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case connected, ok := <-sub.C():
				if !ok {
					return
				}
				if connected {
					continue
				}
				c.logger.Warn("Sensor disconnected, stopping session")
				cancel(errDisconnected)
				return
			}
		}
	})
}

// sample writes one data entry for the current session.
func (c *Controller) sample(ctx context.Context) {
	sess := c.current.Get()
	if sess == nil {
		return
	}

	// the write outlives cancellation so the last tick is not lost
	ctx = context.WithoutCancel(ctx)
	entry := &model.DataEntry{
		UserID:          sess.UserID,
		LocalSessionID:  &sess.LocalID,
		RemoteSessionID: sess.ServerID,
		Timestamp:       c.now().UnixMilli(),
		PendingUpload:   true,
	}
	if fix := c.deps.Location.LastKnown(ctx); fix != nil {
		entry.Latitude = &fix.Latitude
		entry.Longitude = &fix.Longitude
	}
	if r := c.latest.Load(); r != nil {
		entry.COLevel = sensorValue(r.CO)
		entry.PM25Level = pm25Value(r.PM25)
		entry.Temperature = sensorValue(r.Temperature)
		entry.Humidity = sensorValue(r.Humidity)
	}

	id, err := c.deps.Store.UpsertDataEntry(ctx, entry)
	if err != nil {
		c.logger.WithError(err).Error("Failed to store data entry")
		return
	}
	c.logger.WithFields(logrus.Fields{
		"session_local_id": sess.LocalID,
		"entry_id":         id,
		"has_location":     entry.Latitude != nil,
		"has_reading":      entry.COLevel != nil || entry.Temperature != nil,
	}).Debug("Data entry stored")
}

// finish records the end of the session once the loop has stopped.
func (c *Controller) finish(ctx context.Context, localID int64) {
	reason := StoppedByUser
	if errors.Is(context.Cause(ctx), errDisconnected) {
		reason = StoppedByDisconnect
	}

	wctx := context.WithoutCancel(ctx)
	_, err := c.deps.Store.EndSession(wctx, localID, c.now().UnixMilli())
	if err != nil {
		c.logger.WithError(err).Error("Failed to record session end")
	} else if sess, gerr := c.deps.Store.GetSession(wctx, model.Local(localID)); gerr == nil && sess != nil {
		c.current.Set(sess)
	}

	c.mu.Lock()
	c.cancel = nil
	c.reason = reason
	c.stopErr = err
	c.mu.Unlock()
	c.running.Set(false)

	c.logger.WithFields(logrus.Fields{
		"session_local_id": localID,
		"reason":           reason.String(),
	}).Info("Sampling stopped")
}

// Stop halts the sampling loop and waits until the final entry and the end
// timestamp are written. Stopping an idle controller does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel(context.Canceled)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopErr
}

// UpdateTitle renames the current session.
func (c *Controller) UpdateTitle(ctx context.Context, title string) error {
	return c.Update(ctx, model.SessionPatch{Title: &title})
}

// UpdateDescription replaces the description of the current session.
func (c *Controller) UpdateDescription(ctx context.Context, description string) error {
	return c.Update(ctx, model.SessionPatch{Description: &description})
}

// Update applies a partial patch to the current session.
func (c *Controller) Update(ctx context.Context, patch model.SessionPatch) error {
	sess := c.current.Get()
	if sess == nil {
		return ErrNoSession
	}
	if patch.Empty() {
		return nil
	}
	if _, err := c.deps.Store.PatchSession(ctx, sess.LocalID, patch); err != nil {
		return err
	}
	updated, err := c.deps.Store.GetSession(ctx, model.Local(sess.LocalID))
	if err != nil {
		return err
	}
	if updated != nil {
		c.current.Set(updated)
	}
	return nil
}

// sensorValue maps the sensor's -Inf "no data" marker (and NaN) to nil.
func sensorValue(v float32) *float32 {
	f := float64(v)
	if math.IsInf(f, -1) || math.IsNaN(f) {
		return nil
	}
	return &v
}

// pm25Value maps the PM2.5 "no data" marker, which rounds to -1, to nil.
func pm25Value(v float32) *float32 {
	if math.Round(float64(v)) == -1 {
		return nil
	}
	return sensorValue(v)
}

// intervalTicks yields immediately and then every d until ctx is done.
func intervalTicks(ctx context.Context, d time.Duration) <-chan time.Time {
	out := make(chan time.Time)
	groutine.Go(ctx, "session-ticker", func(ctx context.Context) {
		t := time.NewTicker(d)
		defer t.Stop()

		now := time.Now()
		for {
			select {
			case out <- now:
			case <-ctx.Done():
				return
			}
			select {
			case now = <-t.C:
			case <-ctx.Done():
				return
			}
		}
	})
	return out
}
