package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattwatch/internal/device"
)

// bleDevice is the part of ble.Device the radio drives
type bleDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
}

// scanReport is the part of ble.Advertisement the radio reads
type scanReport interface {
	LocalName() string
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// Radio implements device.Radio on top of a go-ble device
type Radio struct {
	dev    bleDevice
	logger *logrus.Logger
}

var _ device.Radio = (*Radio)(nil)

// NewRadio opens the host controller via DeviceFactory.
func NewRadio(logger *logrus.Logger) (*Radio, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return newRadio(dev, logger), nil
}

func newRadio(dev bleDevice, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Radio{dev: dev, logger: logger}
}

// Scan runs an active scan with duplicates allowed until ctx is done.
// Cancellation is a normal termination and returns nil.
func (r *Radio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	err := r.dev.Scan(ctx, true, func(a ble.Advertisement) {
		if adv, ok := r.convert(a); ok {
			handler(adv)
		}
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return NormalizeError(err)
}

func (r *Radio) convert(a scanReport) (device.Advertisement, bool) {
	if a == nil || a.Addr() == nil {
		return device.Advertisement{}, false
	}
	addr, err := device.ParseAddress(a.Addr().String())
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"address": a.Addr().String(),
			"error":   err,
		}).Trace("Skipping advertisement with unusable address")
		return device.Advertisement{}, false
	}
	return device.Advertisement{
		Address:     addr,
		Name:        a.LocalName(),
		Connectable: a.Connectable(),
		RSSI:        a.RSSI(),
	}, true
}

// Dial opens a raw GATT connection to addr.
func (r *Radio) Dial(ctx context.Context, addr device.Address) (device.Conn, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("%w: zero address", device.ErrInvalidArgument)
	}

	r.logger.WithField("address", addr).Debug("Dialing BLE device...")
	client, err := r.dev.Dial(ctx, ble.NewAddr(addr.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", addr, NormalizeError(err))
	}
	return newConn(addr, client, r.logger), nil
}
