package device

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReading(t *testing.T) {
	want := Reading{Temperature: 21.5, Humidity: 0.43, PM25: 12.25, CO: 0.8, LastUpdate: 1700000000}

	got, err := ParseReading(want.Bytes())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseReading_KnownLayout(t *testing.T) {
	// 1.0f, 0.5f, -1.0f, -Inf, 7
	frame := []byte{
		0x00, 0x00, 0x80, 0x3f,
		0x00, 0x00, 0x00, 0x3f,
		0x00, 0x00, 0x80, 0xbf,
		0x00, 0x00, 0x80, 0xff,
		0x07, 0x00, 0x00, 0x00,
	}

	got, err := ParseReading(frame)
	require.NoError(t, err)
	assert.Equal(t, float32(1), got.Temperature)
	assert.Equal(t, float32(0.5), got.Humidity)
	assert.Equal(t, float32(-1), got.PM25)
	assert.True(t, math.IsInf(float64(got.CO), -1))
	assert.Equal(t, int32(7), got.LastUpdate)
}

func TestParseReading_InvalidLength(t *testing.T) {
	for _, n := range []int{0, 19, 21, 40} {
		_, err := ParseReading(make([]byte, n))
		assert.ErrorIs(t, err, ErrInvalidFrame, "frame of %d bytes MUST be rejected", n)
	}
}

func TestAwait(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		ch := make(chan Result[string], 1)
		ch <- Result[string]{Value: "howdy"}
		v, err := Await(context.Background(), time.Second, ch)
		require.NoError(t, err)
		assert.Equal(t, "howdy", v)
	})

	t.Run("error", func(t *testing.T) {
		ch := make(chan Result[string], 1)
		boom := errors.New("boom")
		ch <- Result[string]{Err: boom}
		_, err := Await(context.Background(), time.Second, ch)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("timeout", func(t *testing.T) {
		ch := make(chan Result[string])
		_, err := Await(context.Background(), 20*time.Millisecond, ch)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(ErrNotConnected)
		_, err := Await(ctx, time.Second, make(chan Result[string]))
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}
