//go:build test

package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/bioinfo/internal/device"
	"github.com/srg/bioinfo/internal/model"
	"github.com/srg/bioinfo/internal/testutils"
	"github.com/srg/bioinfo/scanner"
	"github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}

func (s *ScannerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
}

func (s *ScannerTestSuite) newScanner(b *testutils.SensorBuilder, opts *scanner.ScanOptions) (*scanner.Scanner, *testutils.MockRadio) {
	radio, _ := b.Build()
	if opts == nil {
		opts = &scanner.ScanOptions{Duration: 50 * time.Millisecond}
	}
	return scanner.NewScanner(radio, s.helper.Logger, opts), radio
}

func (s *ScannerTestSuite) waitDone(sc *scanner.Scanner) {
	select {
	case <-sc.Done():
	case <-time.After(time.Second):
		s.FailNow("scan MUST stop after its duration")
	}
}

func (s *ScannerTestSuite) TestDedupByNameAndAddress() {
	// GOAL: Verify each unique (name, address) pair appears once, in discovery order
	//
	// TEST SCENARIO: Repeated and renamed advertisements → deduplicated ordered list

	sc, _ := s.newScanner(testutils.NewSensorBuilder().WithAdvertisements(
		device.Advertisement{Name: "Bioinfo", Address: "AA:AA", RSSI: -40},
		device.Advertisement{Name: "Other", Address: "BB:BB", RSSI: -70},
		device.Advertisement{Name: "Bioinfo", Address: "AA:AA", RSSI: -42},
		device.Advertisement{Name: "", Address: "AA:AA", RSSI: -41},
	), nil)

	s.Require().NoError(sc.StartScan(context.Background()))
	s.waitDone(sc)

	devices := sc.Devices().Get()
	s.Require().Len(devices, 3, "duplicates MUST be dropped")
	s.Equal("Bioinfo", devices[0].DisplayName())
	s.Equal("BB:BB", devices[1].Address)
	s.Nil(devices[2].Name, "unnamed advertisement MUST have a nil name")
	s.False(sc.IsScanning().Get(), "scan MUST auto-stop")
}

func (s *ScannerTestSuite) TestZeroDevicesIsSuccess() {
	sc, _ := s.newScanner(testutils.NewSensorBuilder(), nil)

	s.Require().NoError(sc.StartScan(context.Background()))
	s.waitDone(sc)
	s.Empty(sc.Devices().Get())
}

func (s *ScannerTestSuite) TestPreconditionErrors() {
	for _, target := range []error{device.ErrPermission, device.ErrScannerUnavailable, device.ErrBluetoothOff} {
		s.Run(target.Error(), func() {
			sc, radio := s.newScanner(testutils.NewSensorBuilder().WithReadyError(target), nil)

			err := sc.StartScan(context.Background())
			s.ErrorIs(err, target, "precondition failure MUST be signalled synchronously")
			s.False(sc.IsScanning().Get())
			radio.AssertNotCalled(s.T(), "Scan", "")
		})
	}
}

func (s *ScannerTestSuite) TestStartWhileScanningIsNoop() {
	sc, radio := s.newScanner(testutils.NewSensorBuilder(), &scanner.ScanOptions{Duration: time.Second})

	s.Require().NoError(sc.StartScan(context.Background()))
	s.Require().NoError(sc.StartScan(context.Background()))
	s.True(sc.IsScanning().Get())

	sc.StopScan()
	sc.StopScan()
	s.False(sc.IsScanning().Get(), "StopScan MUST end the scan")
	radio.AssertNumberOfCalls(s.T(), "Scan", 1)
}

func (s *ScannerTestSuite) TestNameFilter() {
	sc, radio := s.newScanner(testutils.NewSensorBuilder().WithAdvertisements(
		device.Advertisement{Name: "Bioinfo", Address: "AA:AA"},
		device.Advertisement{Name: "Other", Address: "BB:BB"},
	), nil)

	sc.SetDeviceNameFilter("Bioinfo")
	s.Require().NoError(sc.StartScan(context.Background()))
	s.waitDone(sc)

	s.Equal([]model.BleDevice{{Name: model.Ptr("Bioinfo"), Address: "AA:AA"}}, sc.Devices().Get())
	radio.AssertCalled(s.T(), "Scan", "Bioinfo")
}

func (s *ScannerTestSuite) TestAllowBlockLists() {
	sc, _ := s.newScanner(testutils.NewSensorBuilder().WithAdvertisements(
		device.Advertisement{Name: "A", Address: "AA:AA"},
		device.Advertisement{Name: "B", Address: "BB:BB"},
		device.Advertisement{Name: "C", Address: "CC:CC"},
	), &scanner.ScanOptions{
		Duration:  50 * time.Millisecond,
		AllowList: []string{"AA:AA", "BB:BB"},
		BlockList: []string{"BB:BB"},
	})

	s.Require().NoError(sc.StartScan(context.Background()))
	s.waitDone(sc)

	devices := sc.Devices().Get()
	s.Require().Len(devices, 1)
	s.Equal("AA:AA", devices[0].Address)
}

func (s *ScannerTestSuite) TestClearResultsAndEvents() {
	sc, _ := s.newScanner(testutils.NewSensorBuilder().WithAdvertisements(
		device.Advertisement{Name: "Bioinfo", Address: "AA:AA", RSSI: -50},
	), nil)

	s.Require().NoError(sc.StartScan(context.Background()))
	s.waitDone(sc)

	select {
	case ev := <-sc.Events():
		s.Equal("AA:AA", ev.Device.Address)
		s.Equal(-50, ev.RSSI)
	default:
		s.Fail("discovery MUST publish an event")
	}

	for range 3 {
		sc.ClearResults()
		s.Empty(sc.Devices().Get())

		s.Require().NoError(sc.StartScan(context.Background()))
		s.waitDone(sc)
		s.Len(sc.Devices().Get(), 1, "cleared devices MUST be rediscoverable")
	}
}
