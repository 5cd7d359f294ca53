package scanner

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bioinfo/internal/device"
	"github.com/srg/bioinfo/internal/groutine"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/observable"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DeviceEvent reports a newly discovered device
type DeviceEvent struct {
	Device model.BleDevice
	RSSI   int
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration   time.Duration `default:"10s"`
	NameFilter string
	AllowList  []string
	BlockList  []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	opts := &ScanOptions{}
	defaults.SetDefaults(opts)
	return opts
}

// Scanner runs time-boxed scans and keeps a deduplicated, insertion-ordered
// list of discovered devices.
type Scanner struct {
	radio  device.ScanRadio
	logger *logrus.Logger
	opts   ScanOptions

	events *observable.RingChannel[DeviceEvent]

	mu         sync.Mutex
	seen       *hashmap.Map[string, model.BleDevice]
	ordered    *orderedmap.OrderedMap[string, model.BleDevice]
	nameFilter string
	cancel     context.CancelFunc
	done       <-chan struct{}
	generation uint64

	devices  *observable.Value[[]model.BleDevice]
	scanning *observable.Value[bool]
}

// NewScanner creates a new BLE scanner
func NewScanner(radio device.ScanRadio, logger *logrus.Logger, opts *ScanOptions) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	o := ScanOptions{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	closed := make(chan struct{})
	close(closed)

	return &Scanner{
		radio:      radio,
		logger:     logger,
		opts:       o,
		seen:       hashmap.New[string, model.BleDevice](),
		events:     observable.NewRingChannel[DeviceEvent](100),
		ordered:    orderedmap.New[string, model.BleDevice](),
		nameFilter: o.NameFilter,
		done:       closed,
		devices:    observable.NewValue[[]model.BleDevice](nil),
		scanning:   observable.NewComparable(false),
	}
}

// Devices is the observable list of unique devices in discovery order.
func (s *Scanner) Devices() *observable.Value[[]model.BleDevice] { return s.devices }

// IsScanning reports whether a scan is active.
func (s *Scanner) IsScanning() *observable.Value[bool] { return s.scanning }

// Events returns a read-only channel of discovery events
func (s *Scanner) Events() <-chan DeviceEvent { return s.events.C() }

// Done returns a channel closed when the current (or last) scan ends.
func (s *Scanner) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// StartScan begins a scan that stops by itself after the configured
// duration. Permission or availability problems are returned right away.
// Calling StartScan while scanning does nothing.
func (s *Scanner) StartScan(ctx context.Context) error {
	if err := s.radio.Ready(); err != nil {
		s.logger.WithError(err).Warn("Scanner not ready")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.logger.Debug("Scan already running")
		return nil
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.Duration)
	s.cancel = cancel
	s.generation++
	gen := s.generation
	name := s.nameFilter
	s.scanning.Set(true)

	s.logger.WithFields(logrus.Fields{
		"duration": s.opts.Duration,
		"name":     name,
	}).Info("Starting BLE scan...")

	s.done = groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		if err := s.radio.Scan(ctx, name, s.handleAdvertisement); err != nil {
			s.logger.WithError(err).Error("Scan failed")
		}
		s.finish(gen)
	})
	return nil
}

// StopScan cancels the active scan and waits for the scan callback to
// return. It is safe to call at any time.
func (s *Scanner) StopScan() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scanner) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.scanning.Set(false)
	s.logger.WithField("device_count", s.ordered.Len()).Info("BLE scan completed")
}

// SetDeviceNameFilter restricts later scans to devices advertising exactly
// name. An empty name removes the filter.
func (s *Scanner) SetDeviceNameFilter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nameFilter = name
}

// ClearResults empties the discovered device list.
func (s *Scanner) ClearResults() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// hashmap.Del leaves the map unable to take the same key again
	s.seen = hashmap.New[string, model.BleDevice]()
	s.ordered = orderedmap.New[string, model.BleDevice]()
	s.devices.Set(nil)
}

// handleAdvertisement records a device the first time its (name, address)
// pair is seen.
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	if !s.shouldIncludeDevice(adv) {
		return
	}

	dev := model.BleDevice{Address: adv.Address}
	if adv.Name != "" {
		dev.Name = model.Ptr(adv.Name)
	}

	s.mu.Lock()
	seen := s.seen
	s.mu.Unlock()
	if _, loaded := seen.GetOrInsert(dev.Key(), dev); loaded {
		return
	}

	s.mu.Lock()
	if seen != s.seen {
		// results were cleared meanwhile
		s.mu.Unlock()
		return
	}
	s.ordered.Set(dev.Key(), dev)
	list := make([]model.BleDevice, 0, s.ordered.Len())
	for pair := s.ordered.Oldest(); pair != nil; pair = pair.Next() {
		list = append(list, pair.Value)
	}
	s.devices.Set(list)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":  dev.DisplayName(),
		"address": dev.Address,
		"rssi":    adv.RSSI,
	}).Info("Discovered new device")
	s.events.Send(DeviceEvent{Device: dev, RSSI: adv.RSSI})
}

// shouldIncludeDevice applies the allow/block lists
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement) bool {
	if slices.Contains(s.opts.BlockList, adv.Address) {
		return false
	}
	if len(s.opts.AllowList) > 0 && !slices.Contains(s.opts.AllowList, adv.Address) {
		return false
	}
	return true
}
