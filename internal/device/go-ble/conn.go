package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/groutine"
)

// gattClient is the part of ble.Client a connection drives
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
}

type service struct {
	svc *ble.Service
}

func (s *service) UUID() device.UUID { return toUUID(s.svc.UUID) }

type characteristic struct {
	char *ble.Characteristic
}

func (c *characteristic) UUID() device.UUID { return toUUID(c.char.UUID) }
func (c *characteristic) Handle() uint16    { return c.char.ValueHandle }

// conn implements device.Conn over a go-ble client
type conn struct {
	addr   device.Address
	client gattClient
	logger *logrus.Logger

	writeMutex sync.Mutex
	local      atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newConn(addr device.Address, client gattClient, logger *logrus.Logger) *conn {
	c := &conn{
		addr:   addr,
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	// Monitor go-ble client Disconnected() channel
	if watched, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			<-watched.Disconnected()
			c.finish()
		})
	} else {
		c.logger.WithField("address", addr).Debug("Client does not expose Disconnected(), relying on local disconnect only")
	}
	return c
}

func (c *conn) Address() device.Address { return c.addr }

func (c *conn) FindService(u device.UUID) (device.Service, error) {
	services, err := c.client.DiscoverServices([]ble.UUID{toBLE(u)})
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", NormalizeError(err))
	}
	for _, s := range services {
		if s.UUID.Equal(toBLE(u)) {
			return &service{svc: s}, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{u.String()}}
}

func (c *conn) FindCharacteristic(svc device.Service, u device.UUID) (device.Characteristic, error) {
	s, ok := svc.(*service)
	if !ok {
		return nil, fmt.Errorf("%w: service handle from a different transport", device.ErrInvalidArgument)
	}

	chars, err := c.client.DiscoverCharacteristics([]ble.UUID{toBLE(u)}, s.svc)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", NormalizeError(err))
	}
	for _, ch := range chars {
		if ch.UUID.Equal(toBLE(u)) {
			return &characteristic{char: ch}, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID().String(), u.String()}}
}

// Subscribe enables notifications, falling back to indications when the characteristic only indicates.
func (c *conn) Subscribe(ch device.Characteristic, handler device.NotificationHandler) error {
	bc, err := c.unwrap(ch)
	if err != nil {
		return err
	}

	if bc.CCCD == nil {
		if _, err := c.client.DiscoverDescriptors(nil, bc); err != nil {
			return fmt.Errorf("failed to discover descriptors: %w", NormalizeError(err))
		}
		if bc.CCCD == nil {
			return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{toUUID(bc.UUID).String(), "2902"}}
		}
	}

	ind := bc.Property&ble.CharNotify == 0 && bc.Property&ble.CharIndicate != 0
	handle := bc.ValueHandle
	return NormalizeError(c.client.Subscribe(bc, ind, func(data []byte) {
		handler(handle, data)
	}))
}

// ReadCharacteristic always issues an ATT read. go-ble keeps no value cache, so forceDeviceRead has no extra effect.
func (c *conn) ReadCharacteristic(ch device.Characteristic, _ bool) ([]byte, error) {
	bc, err := c.unwrap(ch)
	if err != nil {
		return nil, err
	}
	data, err := c.client.ReadCharacteristic(bc)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return data, nil
}

// WriteCharacteristic performs a write-with-response.
func (c *conn) WriteCharacteristic(ch device.Characteristic, value []byte) error {
	bc, err := c.unwrap(ch)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return NormalizeError(c.client.WriteCharacteristic(bc, value, false))
}

func (c *conn) Disconnect() error {
	c.local.Store(true)
	err := c.client.CancelConnection()
	if _, ok := c.client.(interface{ Disconnected() <-chan struct{} }); !ok {
		c.finish()
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.addr,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
	}
	return NormalizeError(err)
}

func (c *conn) Disconnected() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *conn) finish() {
	c.closeOnce.Do(func() {
		reason := device.ErrRemoteDisconnect
		if c.local.Load() {
			reason = device.ErrLocalDisconnect
		}
		c.errMu.Lock()
		c.err = reason
		c.errMu.Unlock()
		close(c.done)
	})
}

func (c *conn) unwrap(ch device.Characteristic) (*ble.Characteristic, error) {
	bc, ok := ch.(*characteristic)
	if !ok || bc.char == nil {
		return nil, fmt.Errorf("%w: characteristic handle from a different transport", device.ErrInvalidArgument)
	}
	return bc.char, nil
}

func toBLE(u device.UUID) ble.UUID {
	return ble.MustParse(u.String())
}

// toUUID converts a go-ble UUID back to the canonical form. 16-bit UUIDs are expanded on the base UUID.
func toUUID(u ble.UUID) device.UUID {
	if len(u) == 2 {
		var out device.UUID
		base := [16]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb}
		copy(out[:], base[:])
		// ble.UUID is little-endian
		out[2], out[3] = u[1], u[0]
		return out
	}
	parsed, err := device.ParseUUID(u.String())
	if err != nil {
		return device.UUID{}
	}
	return parsed
}
