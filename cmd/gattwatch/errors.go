package main

import (
	"errors"
	"fmt"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/watcher"
)

// errQuit ends the console loop on the quit command
var errQuit = errors.New("quit")

// FormatUserError turns internal errors into messages for the terminal
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var notFound *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is off or no adapter is available"
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("no supported Bluetooth backend: %v", err)
	case errors.Is(err, watcher.ErrAlreadyRunning):
		return "already watching"
	case device.IsConnectionState(err, device.NotActive):
		return fmt.Sprintf("device is not connected (%v)", err)
	case device.IsConnectionState(err, device.Closed):
		return "not watching: start the watcher first"
	case errors.As(err, &notFound):
		return fmt.Sprintf("device does not expose the expected profile: %v", notFound)
	default:
		return err.Error()
	}
}
