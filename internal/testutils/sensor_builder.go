//go:build test

package testutils

import (
	"time"

	"github.com/srg/bioinfo/internal/device"
	"github.com/stretchr/testify/mock"
)

// SensorBuilder configures a MockRadio/MockLink pair that behaves like a
// Bioinfo sensor: discovery, handshake acknowledgement and data frames.
//
//	radio, link := testutils.NewSensorBuilder().
//	    WithAck("howdy").
//	    WithFrames(testutils.Frame(21.5, 0.4, 12, 0.8)).
//	    Build()
type SensorBuilder struct {
	ack        string
	ackDelay   time.Duration
	noAck      bool
	dialErr    error
	missing    []string
	writeErr   error
	frames     [][]byte
	readErr    error
	closeErr   error
	advertised []device.Advertisement
	readyErr   error
}

// NewSensorBuilder creates a builder for a well-behaved sensor.
func NewSensorBuilder() *SensorBuilder {
	return &SensorBuilder{ack: device.HandshakeAck}
}

// WithAck sets the acknowledgement indicated after the handshake request.
func (b *SensorBuilder) WithAck(ack string) *SensorBuilder {
	b.ack = ack
	return b
}

// WithAckDelay delays the acknowledgement.
func (b *SensorBuilder) WithAckDelay(d time.Duration) *SensorBuilder {
	b.ackDelay = d
	return b
}

// WithoutAck makes the sensor never answer the handshake.
func (b *SensorBuilder) WithoutAck() *SensorBuilder {
	b.noAck = true
	return b
}

// WithDialError makes Dial fail.
func (b *SensorBuilder) WithDialError(err error) *SensorBuilder {
	b.dialErr = err
	return b
}

// WithMissingCharacteristics makes discovery report the given UUIDs missing.
func (b *SensorBuilder) WithMissingCharacteristics(uuids ...string) *SensorBuilder {
	b.missing = append(b.missing, uuids...)
	return b
}

// WithWriteError makes the handshake write fail.
func (b *SensorBuilder) WithWriteError(err error) *SensorBuilder {
	b.writeErr = err
	return b
}

// WithFrames sets the payloads returned by successive reads. The last
// payload repeats once the list is exhausted.
func (b *SensorBuilder) WithFrames(frames ...[]byte) *SensorBuilder {
	b.frames = append(b.frames, frames...)
	return b
}

// WithReadError makes every read fail after the configured frames.
func (b *SensorBuilder) WithReadError(err error) *SensorBuilder {
	b.readErr = err
	return b
}

// WithCloseError makes Close fail.
func (b *SensorBuilder) WithCloseError(err error) *SensorBuilder {
	b.closeErr = err
	return b
}

// WithAdvertisements sets what a scan reports.
func (b *SensorBuilder) WithAdvertisements(ads ...device.Advertisement) *SensorBuilder {
	b.advertised = append(b.advertised, ads...)
	return b
}

// WithReadyError makes the radio precondition check fail.
func (b *SensorBuilder) WithReadyError(err error) *SensorBuilder {
	b.readyErr = err
	return b
}

// Build wires the expectations and returns the mocks.
func (b *SensorBuilder) Build() (*MockRadio, *MockLink) {
	radio := &MockRadio{}
	link := NewMockLink()

	radio.On("Ready").Return(b.readyErr).Maybe()
	radio.On("Scan", mock.Anything).Return(b.advertised, nil).Maybe()

	if b.dialErr != nil {
		radio.On("Dial", mock.Anything).Return(nil, b.dialErr).Maybe()
		return radio, link
	}
	radio.On("Dial", mock.Anything).Return(link, nil).Maybe()

	var discoverErr error
	if len(b.missing) > 0 {
		discoverErr = &device.NotFoundError{Resource: "characteristic", UUIDs: b.missing}
	}
	link.On("Discover", device.EnvSensingServiceUUID, mock.Anything).Return(discoverErr).Maybe()
	link.On("Subscribe", device.ResponseCharUUID, true).Return(nil).Maybe()

	write := link.On("Write", device.RequestCharUUID, []byte(device.HandshakeRequest)).Return(b.writeErr).Maybe()
	if b.writeErr == nil && !b.noAck {
		ack, delay := b.ack, b.ackDelay
		write.Run(func(mock.Arguments) {
			go func() {
				if delay > 0 {
					time.Sleep(delay)
				}
				link.Indicate([]byte(ack))
			}()
		})
	}

	for _, f := range b.frames {
		link.On("Read", device.SensorDataCharUUID).Return(f, nil).Once()
	}
	switch {
	case b.readErr != nil:
		link.On("Read", device.SensorDataCharUUID).Return(nil, b.readErr).Maybe()
	case len(b.frames) > 0:
		link.On("Read", device.SensorDataCharUUID).Return(b.frames[len(b.frames)-1], nil).Maybe()
	default:
		link.On("Read", device.SensorDataCharUUID).Return(nil, device.ErrTimeout).Maybe()
	}

	link.On("Close").Return(b.closeErr).Maybe()
	return radio, link
}

// Frame encodes a sensor payload.
func Frame(temperature, humidity, pm25, co float32) []byte {
	return device.Reading{
		Temperature: temperature,
		Humidity:    humidity,
		PM25:        pm25,
		CO:          co,
		LastUpdate:  int32(time.Now().Unix()),
	}.Bytes()
}
