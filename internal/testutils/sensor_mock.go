//go:build test

package testutils

import (
	"context"
	"sync"

	"github.com/srg/bioinfo/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockRadio is a testify mock implementing device.Radio and device.ScanRadio.
type MockRadio struct {
	mock.Mock
}

func (r *MockRadio) Dial(ctx context.Context, address string) (device.Link, error) {
	args := r.Called(address)
	link, _ := args.Get(0).(device.Link)
	return link, args.Error(1)
}

func (r *MockRadio) Ready() error {
	return r.Called().Error(0)
}

// Scan replays the advertisements configured for the call, then blocks
// until ctx is done unless the call returns an error.
func (r *MockRadio) Scan(ctx context.Context, name string, handler func(device.Advertisement)) error {
	args := r.Called(name)
	if ads, ok := args.Get(0).([]device.Advertisement); ok {
		for _, ad := range ads {
			if name != "" && ad.Name != name {
				continue
			}
			handler(ad)
		}
	}
	if err := args.Error(1); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// MockLink is a testify mock implementing device.Link. Drop simulates the
// peer going away.
type MockLink struct {
	mock.Mock

	disconnected chan struct{}
	dropOnce     sync.Once

	mu      sync.Mutex
	handler func([]byte)
}

// NewMockLink creates a link whose Disconnected channel is open.
func NewMockLink() *MockLink {
	return &MockLink{disconnected: make(chan struct{})}
}

func (l *MockLink) Discover(ctx context.Context, service string, characteristics ...string) error {
	return l.Called(service, characteristics).Error(0)
}

func (l *MockLink) Subscribe(characteristic string, indicate bool, handler func([]byte)) error {
	args := l.Called(characteristic, indicate)
	if args.Error(0) == nil {
		l.mu.Lock()
		l.handler = handler
		l.mu.Unlock()
	}
	return args.Error(0)
}

func (l *MockLink) Write(ctx context.Context, characteristic string, data []byte) error {
	return l.Called(characteristic, data).Error(0)
}

func (l *MockLink) Read(ctx context.Context, characteristic string) ([]byte, error) {
	args := l.Called(characteristic)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (l *MockLink) Disconnected() <-chan struct{} {
	return l.disconnected
}

func (l *MockLink) Close(ctx context.Context) error {
	return l.Called().Error(0)
}

// Indicate delivers data to the subscribed indication handler, if any.
func (l *MockLink) Indicate(data []byte) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// Drop closes the Disconnected channel.
func (l *MockLink) Drop() {
	l.dropOnce.Do(func() { close(l.disconnected) })
}
