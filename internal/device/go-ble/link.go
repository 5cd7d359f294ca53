package goble

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/device"
)

// Link implements device.Link over a go-ble client. go-ble calls are
// blocking without a context, so each one runs in its own goroutine and is
// awaited against the caller's context.
type Link struct {
	client ble.Client
	logger *logrus.Logger

	mu     sync.RWMutex
	chars  map[string]*ble.Characteristic
	closed atomic.Bool
}

func newLink(client ble.Client, logger *logrus.Logger) *Link {
	return &Link{
		client: client,
		logger: logger,
		chars:  make(map[string]*ble.Characteristic),
	}
}

// Discover resolves the characteristics within service.
func (l *Link) Discover(ctx context.Context, service string, characteristics ...string) error {
	profile, err := call(ctx, func() (*ble.Profile, error) {
		return l.client.DiscoverProfile(true)
	})
	if err != nil {
		return NormalizeError(err)
	}

	var svc *ble.Service
	for _, s := range profile.Services {
		l.logger.WithField("service_uuid", s.UUID.String()).Debug("Found service UUID")
		if device.SameUUID(s.UUID.String(), service) {
			svc = s
		}
	}
	if svc == nil {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var missing []string
	for _, want := range characteristics {
		var found *ble.Characteristic
		for _, c := range svc.Characteristics {
			if device.SameUUID(c.UUID.String(), want) {
				found = c
				break
			}
		}
		if found == nil {
			missing = append(missing, want)
			continue
		}
		l.chars[device.NormalizeUUID(want)] = found
	}
	if len(missing) > 0 {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: missing}
	}
	return nil
}

func (l *Link) characteristic(uuid string) (*ble.Characteristic, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed.Load() {
		return nil, device.ErrNotConnected
	}
	c, ok := l.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return c, nil
}

// Subscribe enables indications or notifications on the characteristic.
func (l *Link) Subscribe(uuid string, indicate bool, handler func([]byte)) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}
	return NormalizeError(l.client.Subscribe(c, indicate, handler))
}

// Write writes data with response.
func (l *Link) Write(ctx context.Context, uuid string, data []byte) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return err
	}
	_, err = call(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.WriteCharacteristic(c, data, false)
	})
	return NormalizeError(err)
}

// Read reads the characteristic value.
func (l *Link) Read(ctx context.Context, uuid string) ([]byte, error) {
	c, err := l.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	data, err := call(ctx, func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
	return data, NormalizeError(err)
}

// Disconnected is closed when the stack reports the link gone. Clients
// without disconnect reporting return a channel that never closes.
func (l *Link) Disconnected() <-chan struct{} {
	if dc, ok := l.client.(interface{ Disconnected() <-chan struct{} }); ok {
		return dc.Disconnected()
	}
	return nil
}

// Close unsubscribes and cancels the connection.
func (l *Link) Close(ctx context.Context) error {
	if l.closed.Swap(true) {
		return device.ErrNotConnected
	}

	if err := l.client.ClearSubscriptions(); err != nil {
		l.logger.WithError(err).Debug("Failed to clear subscriptions")
	}

	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.CancelConnection()
	})
	return NormalizeError(err)
}

// call runs fn in a goroutine and waits for it or for ctx.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	ch := make(chan device.Result[T], 1)
	go func() {
		v, err := fn()
		ch <- device.Result[T]{Value: v, Err: err}
	}()
	return device.Await(ctx, 0, ch)
}
