package device

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError represents an error when a required GATT resource is missing
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // missing UUIDs
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%ss %q not found", e.Resource, e.UUIDs)
	}
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff, Msg: "Bluetooth is turned off"}
)

// Precondition errors surfaced synchronously to callers
var (
	ErrPermission         = errors.New("bluetooth permission not granted")
	ErrScannerUnavailable = errors.New("bluetooth scanner unavailable")
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrHandshake    = errors.New("handshake failed")
	ErrInvalidFrame = errors.New("invalid sensor frame")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Radio opens GATT links to peripherals.
type Radio interface {
	Dial(ctx context.Context, address string) (Link, error)
}

// Link is an open GATT connection to one peripheral. Characteristics are
// addressed by UUID after a successful Discover.
type Link interface {
	// Discover resolves the given characteristics within service. It returns
	// a *NotFoundError naming every missing UUID.
	Discover(ctx context.Context, service string, characteristics ...string) error

	// Subscribe enables indications (indicate=true) or notifications on the
	// characteristic and invokes handler for every value received.
	Subscribe(characteristic string, indicate bool, handler func([]byte)) error

	Write(ctx context.Context, characteristic string, data []byte) error
	Read(ctx context.Context, characteristic string) ([]byte, error)

	// Disconnected is closed when the peer or the stack drops the link.
	Disconnected() <-chan struct{}

	// Close tears the link down. Closing an already closed link returns an
	// error matching ErrNotConnected.
	Close(ctx context.Context) error
}

// ScanRadio performs BLE scans.
type ScanRadio interface {
	// Ready checks scan preconditions. It returns ErrPermission,
	// ErrScannerUnavailable or ErrBluetoothOff.
	Ready() error

	// Scan reports advertisements until ctx is done. A non-empty name
	// restricts results to peripherals advertising exactly that name.
	Scan(ctx context.Context, name string, handler func(Advertisement)) error
}

// Advertisement is a single advertising report.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}
