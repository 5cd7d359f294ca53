package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/device"
)

// Radio implements device.Radio and device.ScanRadio on top of go-ble.
// The host ble.Device is created lazily through DeviceFactory and
// installed as the go-ble default device.
type Radio struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewRadio creates a go-ble backed radio.
func NewRadio(logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	return &Radio{logger: logger}
}

func (r *Radio) device() (ble.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dev != nil {
		return r.dev, nil
	}

	dev, err := DeviceFactory()
	if err != nil {
		r.logger.WithError(err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)
	r.dev = dev
	return dev, nil
}

// Ready reports whether the host radio can be used.
func (r *Radio) Ready() error {
	_, err := r.device()
	return err
}

// Dial connects to the peripheral at address.
func (r *Radio) Dial(ctx context.Context, address string) (device.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if _, err := r.device(); err != nil {
		return nil, err
	}

	r.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return newLink(client, r.logger), nil
}

// Scan reports advertisements until ctx is done. The name filter is handed
// to go-ble as the scan filter.
func (r *Radio) Scan(ctx context.Context, name string, handler func(device.Advertisement)) error {
	if _, err := r.device(); err != nil {
		return err
	}

	var filter ble.AdvFilter
	if name != "" {
		filter = func(a ble.Advertisement) bool { return a.LocalName() == name }
	}

	err := ble.Scan(ctx, false, func(a ble.Advertisement) {
		handler(device.Advertisement{
			Name:    a.LocalName(),
			Address: a.Addr().String(),
			RSSI:    a.RSSI(),
		})
	}, filter)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return NormalizeError(err)
	}
	return nil
}
