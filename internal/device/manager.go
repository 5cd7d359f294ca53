package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/groutine"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/observable"
)

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectOptions configures connection timing.
type ConnectOptions struct {
	ConnectTimeout    time.Duration `default:"10s"`
	HandshakeTimeout  time.Duration `default:"5s"`
	DisconnectTimeout time.Duration `default:"5s"`
	ReadTimeout       time.Duration `default:"5s"`
	ReadInterval      time.Duration `default:"5s"`
	RetryInterval     time.Duration `default:"1s"`
}

// DefaultConnectOptions returns options with every timeout set to its default.
func DefaultConnectOptions() *ConnectOptions {
	opts := &ConnectOptions{}
	defaults.SetDefaults(opts)
	return opts
}

// ConnectionManager owns the link to one sensor. All radio traffic for the
// sensor goes through it.
type ConnectionManager struct {
	radio  Radio
	logger *logrus.Logger
	opts   ConnectOptions

	mu            sync.Mutex
	link          Link
	linkCtx       context.Context
	linkCancel    context.CancelCauseFunc
	attemptCancel context.CancelCauseFunc

	state      *observable.Value[State]
	connecting *observable.Value[bool]
	connected  *observable.Value[bool]
	latest     *observable.Value[*Reading]
}

// NewConnectionManager creates a manager dialing through radio. Zero fields
// in opts fall back to their defaults.
func NewConnectionManager(radio Radio, logger *logrus.Logger, opts *ConnectOptions) *ConnectionManager {
	if logger == nil {
		logger = logrus.New()
	}
	o := ConnectOptions{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	return &ConnectionManager{
		radio:      radio,
		logger:     logger,
		opts:       o,
		state:      observable.NewComparable(Disconnected),
		connecting: observable.NewComparable(false),
		connected:  observable.NewComparable(false),
		latest:     observable.NewValue[*Reading](nil),
	}
}

// State returns the observable lifecycle state.
func (m *ConnectionManager) State() *observable.Value[State] { return m.state }

// IsConnecting is true while dialing, discovering or handshaking.
func (m *ConnectionManager) IsConnecting() *observable.Value[bool] { return m.connecting }

// IsConnected is true only after a successful handshake.
func (m *ConnectionManager) IsConnected() *observable.Value[bool] { return m.connected }

// LatestReading holds the most recent frame produced by ReadSensorData.
func (m *ConnectionManager) LatestReading() *observable.Value[*Reading] { return m.latest }

// setState publishes s. connecting and connected are never both true.
func (m *ConnectionManager) setState(s State) {
	if s == Connected {
		m.connecting.Set(false)
		m.connected.Set(true)
	} else {
		m.connected.Set(false)
		m.connecting.Set(s == Connecting || s == Handshaking)
	}
	m.state.Set(s)
}

// Connect dials the peripheral, discovers the sensor characteristics,
// subscribes to the response indication and runs the handshake. It reports
// whether the manager ended up Connected; failures are logged and leave the
// manager Disconnected.
func (m *ConnectionManager) Connect(ctx context.Context, dev model.BleDevice) bool {
	logger := m.logger.WithField("address", dev.Address)

	m.mu.Lock()
	if current := m.state.Get(); current != Disconnected {
		m.mu.Unlock()
		logger.WithField("state", current).Warn("Connection attempt while not disconnected")
		return false
	}
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	m.attemptCancel = cancel
	m.setState(Connecting)
	m.mu.Unlock()

	link, err := m.establish(attemptCtx, dev)
	if err == nil {
		m.mu.Lock()
		if cause := context.Cause(attemptCtx); cause != nil {
			err = cause
		} else {
			m.link = link
			m.linkCtx, m.linkCancel = context.WithCancelCause(context.Background())
			m.attemptCancel = nil
			m.setState(Connected)
		}
		m.mu.Unlock()
	}

	if err != nil {
		logger.WithError(err).Warn("Connection failed")
		if link != nil {
			m.closeLink(link)
		}
		m.mu.Lock()
		m.attemptCancel = nil
		m.setState(Disconnected)
		m.mu.Unlock()
		return false
	}

	m.watchLink(link)
	logger.WithField("name", dev.DisplayName()).Info("Sensor connected")
	return true
}

// establish performs dial, discovery and handshake. On error the returned
// link, if any, must be closed by the caller.
func (m *ConnectionManager) establish(ctx context.Context, dev model.BleDevice) (Link, error) {
	logger := m.logger.WithField("address", dev.Address)

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	logger.WithField("timeout", m.opts.ConnectTimeout).Debug("Dialing sensor...")
	link, err := m.radio.Dial(dialCtx, dev.Address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: connect after %s", ErrTimeout, m.opts.ConnectTimeout)
		}
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", dev.Address, err)
	}

	logger.Debug("Discovering services and characteristics...")
	if err := link.Discover(dialCtx, EnvSensingServiceUUID, RequestCharUUID, ResponseCharUUID, SensorDataCharUUID); err != nil {
		return link, fmt.Errorf("failed to discover profile: %w", err)
	}

	acks := make(chan Result[string], 1)
	err = link.Subscribe(ResponseCharUUID, true, func(data []byte) {
		select {
		case acks <- Result[string]{Value: string(data)}:
		default:
		}
	})
	if err != nil {
		return link, fmt.Errorf("failed to subscribe to response indications: %w", err)
	}

	if !m.advance(ctx, Handshaking) {
		return link, context.Cause(ctx)
	}
	if err := m.handshake(ctx, link, acks); err != nil {
		return link, err
	}
	return link, nil
}

func (m *ConnectionManager) handshake(ctx context.Context, link Link, acks <-chan Result[string]) error {
	hsCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// A link drop during the handshake cancels the wait.
	groutine.Go(hsCtx, "ble-handshake-watch", func(watchCtx context.Context) {
		select {
		case <-link.Disconnected():
			cancel(ErrNotConnected)
		case <-watchCtx.Done():
		}
	})

	m.logger.WithField("request", HandshakeRequest).Debug("Sending handshake request")
	if err := link.Write(hsCtx, RequestCharUUID, []byte(HandshakeRequest)); err != nil {
		return fmt.Errorf("%w: write request: %w", ErrHandshake, err)
	}

	ack, err := Await(hsCtx, m.opts.HandshakeTimeout, acks)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if ack != HandshakeAck {
		return fmt.Errorf("%w: unexpected response %q", ErrHandshake, ack)
	}

	m.logger.WithField("response", ack).Debug("Handshake acknowledged")
	return nil
}

// advance moves an in-flight attempt to s unless it was cancelled.
func (m *ConnectionManager) advance(attemptCtx context.Context, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if attemptCtx.Err() != nil {
		return false
	}
	m.setState(s)
	return true
}

// watchLink forces Disconnected when the link drops underneath us.
func (m *ConnectionManager) watchLink(link Link) {
	m.mu.Lock()
	linkCtx := m.linkCtx
	m.mu.Unlock()

	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		select {
		case <-link.Disconnected():
			m.logger.Warn("Sensor link dropped")
			m.mu.Lock()
			if m.link != link {
				m.mu.Unlock()
				return
			}
			m.link = nil
			if m.linkCancel != nil {
				m.linkCancel(ErrNotConnected)
				m.linkCancel = nil
			}
			m.setState(Disconnected)
			m.mu.Unlock()
			m.closeLink(link)
		case <-linkCtx.Done():
		}
	})
}

// Disconnect tears down the link or cancels an in-flight connection attempt.
// Calling it while already disconnected is not an error. The manager always
// ends Disconnected.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	link := m.link
	m.link = nil
	if m.attemptCancel != nil {
		m.attemptCancel(ErrNotConnected)
		m.attemptCancel = nil
	}
	if m.linkCancel != nil {
		m.linkCancel(ErrNotConnected)
		m.linkCancel = nil
	}
	m.setState(Disconnected)
	m.mu.Unlock()

	if link == nil {
		m.logger.Debug("Disconnect called but already disconnected")
		return nil
	}

	m.logger.Info("Disconnecting sensor...")
	closeCtx, cancel := context.WithTimeout(ctx, m.opts.DisconnectTimeout)
	defer cancel()

	if err := link.Close(closeCtx); err != nil && !IsConnectionState(err, NotConnected) {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

func (m *ConnectionManager) closeLink(link Link) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DisconnectTimeout)
	defer cancel()

	if err := link.Close(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		m.logger.WithError(err).Warn("Failed to close sensor link")
	}
}

// currentLink returns the live link and a context cancelled when it drops.
func (m *ConnectionManager) currentLink() (Link, context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link, m.linkCtx
}

// ReadSensorData starts a read loop and returns the stream of decoded
// frames. The loop waits while disconnected, logs and retries failed reads,
// skips malformed frames and sleeps ReadInterval between successful reads.
// The channel is closed when ctx is done. Each call starts a new loop.
func (m *ConnectionManager) ReadSensorData(ctx context.Context) <-chan Reading {
	out := make(chan Reading)

	groutine.Go(ctx, "ble-sensor-read", func(ctx context.Context) {
		defer close(out)

		for {
			link, linkCtx := m.currentLink()
			if link == nil {
				if !sleep(ctx, m.opts.RetryInterval) {
					return
				}
				continue
			}

			reading, err := m.readOnce(ctx, linkCtx, link)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.WithError(err).Warn("Sensor read failed")
				wait := m.opts.RetryInterval
				if errors.Is(err, ErrInvalidFrame) {
					wait = m.opts.ReadInterval
				}
				if !sleep(ctx, wait) {
					return
				}
				continue
			}

			m.latest.Set(&reading)
			select {
			case out <- reading:
			case <-ctx.Done():
				return
			}

			if !sleep(ctx, m.opts.ReadInterval) {
				return
			}
		}
	})

	return out
}

func (m *ConnectionManager) readOnce(ctx, linkCtx context.Context, link Link) (Reading, error) {
	readCtx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()
	stop := context.AfterFunc(linkCtx, cancel)
	defer stop()

	data, err := link.Read(readCtx, SensorDataCharUUID)
	if err != nil {
		return Reading{}, err
	}

	reading, err := ParseReading(data)
	if err != nil {
		return Reading{}, err
	}

	m.logger.WithFields(logrus.Fields{
		"temperature": reading.Temperature,
		"humidity":    reading.Humidity,
		"pm25":        reading.PM25,
		"co":          reading.CO,
	}).Debug("Sensor frame received")
	return reading, nil
}

// sleep waits for d or until ctx is done; it reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
