package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Bioinfo sensor GATT layout.
const (
	EnvSensingServiceUUID = "0000181a-0000-1000-8000-00805f9b34fb"
	RequestCharUUID       = "4f2d7b8e-23b9-4bc7-905f-a8e3d7841f6a"
	ResponseCharUUID      = "93e89c7d-65e3-41e6-b59f-1f3a6478de45"
	SensorDataCharUUID    = "9fda7cce-48d4-4b1a-9026-6d46eec4e63a"
)

// Handshake tokens exchanged right after discovery.
const (
	HandshakeRequest = "hello"
	HandshakeAck     = "howdy"
)

// FrameSize is the exact length of a sensor data frame.
const FrameSize = 20

// Reading is one decoded sensor frame: four little-endian float32 values
// followed by a little-endian int32 timestamp in seconds.
type Reading struct {
	Temperature float32 // °C
	Humidity    float32 // fraction 0-1
	PM25        float32 // µg/m³
	CO          float32 // ppm
	LastUpdate  int32
}

// ParseReading decodes a sensor frame. Frames that are not exactly
// FrameSize bytes long are rejected with ErrInvalidFrame.
func ParseReading(data []byte) (Reading, error) {
	if len(data) != FrameSize {
		return Reading{}, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidFrame, len(data), FrameSize)
	}

	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+4]))
	}

	return Reading{
		Temperature: f(0),
		Humidity:    f(4),
		PM25:        f(8),
		CO:          f(12),
		LastUpdate:  int32(binary.LittleEndian.Uint32(data[16:20])),
	}, nil
}

// Bytes encodes r in the sensor wire format.
func (r Reading) Bytes() []byte {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(r.Temperature))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(r.Humidity))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(r.PM25))
	binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(r.CO))
	binary.LittleEndian.PutUint32(buf[16:], uint32(r.LastUpdate))
	return buf
}

// Result is the outcome of an asynchronous operation: a value or an error.
type Result[T any] struct {
	Value T
	Err   error
}

// Await waits for the first result on ch. It resolves with ErrTimeout when
// timeout elapses first, and with the context cause when ctx is cancelled.
// A zero timeout waits for ctx only.
func Await[T any](ctx context.Context, timeout time.Duration, ch <-chan Result[T]) (T, error) {
	var zero T

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return zero, ErrNotConnected
		}
		return r.Value, r.Err
	case <-expired:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return zero, context.Cause(ctx)
	}
}
