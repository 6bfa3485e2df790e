package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/gattwatch/internal/device"
)

// Characteristic value handles exposed by FakePeripheral
const (
	ReadableHandle   uint16 = 0x0010
	WritableHandle   uint16 = 0x0012
	NotifiableHandle uint16 = 0x0014
)

// FakePeripheral is an in-memory GATT server exposing the fixed profile.
// Configure it with PeripheralBuilder; inspect it with the counters after the test.
type FakePeripheral struct {
	Address device.Address
	Name    string

	mu            sync.Mutex
	missing       map[device.UUID]bool
	readValue     []byte
	writes        [][]byte
	dialErr       error
	subscribeErr  error
	readErr       error
	writeErr      error
	disconnectErr error
	dialGate      chan struct{}
	conn          *fakeConn

	dials       atomic.Int32
	reads       atomic.Int32
	disconnects atomic.Int32
}

func (p *FakePeripheral) dial(ctx context.Context) (device.Conn, error) {
	p.dials.Add(1)

	p.mu.Lock()
	gate := p.dialGate
	dialErr := p.dialErr
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := &fakeConn{p: p, done: make(chan struct{})}
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
	return c, nil
}

// ReleaseDial unblocks dials held by WithDialGate
func (p *FakePeripheral) ReleaseDial() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dialGate != nil {
		close(p.dialGate)
		p.dialGate = nil
	}
}

// Notify pushes a value change to the subscribed connection. Returns false if nobody is subscribed.
func (p *FakePeripheral) Notify(value []byte) bool {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return false
	}
	return c.notify(value)
}

// DropLink simulates the peripheral terminating the connection
func (p *FakePeripheral) DropLink() bool {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return false
	}
	return c.close(device.ErrRemoteDisconnect)
}

// Connected reports whether a connection is up
func (p *FakePeripheral) Connected() bool {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// SetReadValue changes what the readable characteristic returns
func (p *FakePeripheral) SetReadValue(v []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readValue = append([]byte(nil), v...)
}

// Writes returns the payloads written so far
func (p *FakePeripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Dials returns how many connection attempts reached the peripheral
func (p *FakePeripheral) Dials() int { return int(p.dials.Load()) }

// Reads returns how many reads reached the peripheral
func (p *FakePeripheral) Reads() int { return int(p.reads.Load()) }

// Disconnects returns how many local disconnects reached the peripheral
func (p *FakePeripheral) Disconnects() int { return int(p.disconnects.Load()) }

type fakeAttr struct {
	uuid   device.UUID
	handle uint16
}

func (a *fakeAttr) UUID() device.UUID { return a.uuid }
func (a *fakeAttr) Handle() uint16    { return a.handle }

var fakeHandles = map[device.UUID]uint16{
	device.ReadableCharUUID:   ReadableHandle,
	device.WritableCharUUID:   WritableHandle,
	device.NotifiableCharUUID: NotifiableHandle,
}

type fakeConn struct {
	p *FakePeripheral

	mu      sync.Mutex
	handler device.NotificationHandler
	err     error
	done    chan struct{}
	once    sync.Once
}

func (c *fakeConn) Address() device.Address { return c.p.Address }

func (c *fakeConn) FindService(u device.UUID) (device.Service, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if u != device.ServiceUUID || c.p.missing[u] {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{u.String()}}
	}
	return &fakeAttr{uuid: u}, nil
}

func (c *fakeConn) FindCharacteristic(svc device.Service, u device.UUID) (device.Characteristic, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	handle, ok := fakeHandles[u]
	if !ok || c.p.missing[u] {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID().String(), u.String()}}
	}
	return &fakeAttr{uuid: u, handle: handle}, nil
}

func (c *fakeConn) Subscribe(_ device.Characteristic, handler device.NotificationHandler) error {
	c.p.mu.Lock()
	err := c.p.subscribeErr
	c.p.mu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadCharacteristic(_ device.Characteristic, _ bool) ([]byte, error) {
	c.p.reads.Add(1)
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.readErr != nil {
		return nil, c.p.readErr
	}
	return append([]byte(nil), c.p.readValue...), nil
}

func (c *fakeConn) WriteCharacteristic(_ device.Characteristic, value []byte) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.writeErr != nil {
		return c.p.writeErr
	}
	c.p.writes = append(c.p.writes, append([]byte(nil), value...))
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.p.disconnects.Add(1)
	c.p.mu.Lock()
	err := c.p.disconnectErr
	c.p.mu.Unlock()
	c.close(device.ErrLocalDisconnect)
	return err
}

func (c *fakeConn) Disconnected() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) notify(value []byte) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	select {
	case <-c.done:
		return false
	default:
	}
	if h == nil {
		return false
	}
	h(NotifiableHandle, value)
	return true
}

func (c *fakeConn) close(reason error) bool {
	closed := false
	c.once.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.mu.Unlock()
		close(c.done)
		closed = true
	})
	return closed
}
