package device

import (
	"context"
)

// Advertisement is a single scan report
type Advertisement struct {
	Address     Address
	Name        string
	Connectable bool
	RSSI        int
}

// Radio is a usable LE radio: it scans for advertisements and opens raw GATT connections
type Radio interface {
	// Scan delivers advertisements to handler until ctx is done. Duplicates are not filtered.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Dial establishes a raw connection. It blocks until the link is up, fails, or ctx is done.
	Dial(ctx context.Context, addr Address) (Conn, error)
}

// Service is an opaque handle to a discovered GATT service
type Service interface {
	UUID() UUID
}

// Characteristic is an opaque handle to a discovered GATT characteristic
type Characteristic interface {
	UUID() UUID
	Handle() uint16
}

// NotificationHandler receives characteristic value changes
type NotificationHandler func(handle uint16, value []byte)

// Conn is an established raw GATT connection
type Conn interface {
	Address() Address

	FindService(uuid UUID) (Service, error)
	FindCharacteristic(svc Service, uuid UUID) (Characteristic, error)
	Subscribe(char Characteristic, handler NotificationHandler) error

	// ReadCharacteristic reads the value. With forceDeviceRead the value is fetched
	// from the peripheral even if the transport keeps a cached copy.
	ReadCharacteristic(char Characteristic, forceDeviceRead bool) ([]byte, error)
	WriteCharacteristic(char Characteristic, value []byte) error

	// Disconnect tears the link down. Disconnected is closed once it is gone.
	Disconnect() error

	// Disconnected is closed when the link is gone, for any reason.
	Disconnected() <-chan struct{}

	// Err returns the disconnect reason once Disconnected is closed, nil before.
	Err() error
}
