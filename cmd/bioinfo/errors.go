package main

import (
	"errors"
	"fmt"

	"github.com/srg/bioinfo/internal/auth"
	"github.com/srg/bioinfo/internal/device"
	"github.com/srg/bioinfo/internal/remote"
	"github.com/srg/bioinfo/internal/syncer"
)

// Command-level errors
var (
	// ErrConnectFailed means the sensor could not be connected or did not
	// complete the handshake.
	ErrConnectFailed = errors.New("failed to connect to sensor")

	ErrUserNotConfigured = errors.New("user is not configured")
	ErrSessionNotFound   = errors.New("session not found")
	ErrConfirmation      = errors.New("confirmation required")
)

// FormatUserError turns an error into a message for the terminal.
func FormatUserError(err error) string {
	var apiErr *remote.APIError

	switch {
	case errors.Is(err, device.ErrPermission):
		return "Bluetooth permission not granted. Allow this program to use Bluetooth and try again."
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrScannerUnavailable):
		return "No usable Bluetooth adapter found."
	case errors.Is(err, ErrConnectFailed):
		return fmt.Sprintf("%v. Check that the sensor is powered on and in range.", err)
	case errors.Is(err, ErrUserNotConfigured):
		return "User details are missing. Set user.id, user.class_name and user.school_name in the config file."
	case errors.Is(err, syncer.ErrTokenUnavailable), errors.Is(err, auth.ErrNoToken):
		return fmt.Sprintf("No access token available (%v). Set auth.token in the config file or BIOINFO_TOKEN.", err)
	case remote.IsUnauthorized(err):
		return "The server rejected the access token."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("Server error: %v", apiErr)
	default:
		return err.Error()
	}
}
