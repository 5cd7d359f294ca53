// Package location supplies the last known position used to geotag samples.
package location

import (
	"context"
	"errors"
	"time"
)

// ErrPermission is returned when the position source cannot be opened for
// lack of permission.
var ErrPermission = errors.New("location permission not granted")

// ErrUnavailable is returned when no position source can be opened.
var ErrUnavailable = errors.New("location source unavailable")

// Fix is a position report.
type Fix struct {
	Latitude  float64
	Longitude float64
	Time      time.Time
}

// Provider returns the last known position, or nil when there is no fix.
type Provider interface {
	LastKnown(ctx context.Context) *Fix
}

// None never has a fix.
type None struct{}

func (None) LastKnown(context.Context) *Fix { return nil }

// Static always reports the same position.
type Static struct {
	Latitude  float64
	Longitude float64
}

func (s Static) LastKnown(context.Context) *Fix {
	return &Fix{Latitude: s.Latitude, Longitude: s.Longitude, Time: time.Now()}
}
