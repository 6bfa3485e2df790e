//go:build !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/gattwatch/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// Only the HCI backend exposes real 48-bit peer addresses, so other platforms are unsupported.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE central backend for %s", device.ErrUnsupported, runtime.GOOS)
}
