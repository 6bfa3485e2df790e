package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/gattwatch/internal/device"
)

// ErrNoSuchDevice is returned by FakeRadio.Dial for an address without a registered peripheral
var ErrNoSuchDevice = errors.New("fake radio: no such device")

// FakeRadio is an in-memory device.Radio. Advertisements are injected with Advertise and delivered
// synchronously on the caller's goroutine, the way a transport worker thread would.
type FakeRadio struct {
	mu          sync.Mutex
	peripherals map[device.Address]*FakePeripheral
	handler     func(device.Advertisement)
	scanID      int
	scanErr     chan error

	scans atomic.Int32
	dials atomic.Int32
}

var _ device.Radio = (*FakeRadio)(nil)

// NewFakeRadio creates a radio with no peripherals
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{
		peripherals: make(map[device.Address]*FakePeripheral),
		scanErr:     make(chan error, 1),
	}
}

// AddPeripheral registers peripherals so Dial can reach them
func (r *FakeRadio) AddPeripheral(peripherals ...*FakePeripheral) *FakeRadio {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range peripherals {
		r.peripherals[p.Address] = p
	}
	return r
}

// Peripheral returns a registered peripheral or nil
func (r *FakeRadio) Peripheral(addr device.Address) *FakePeripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peripherals[addr]
}

// Scan blocks until ctx is done or FailScan is called.
func (r *FakeRadio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	r.scans.Add(1)
	r.mu.Lock()
	r.scanID++
	id := r.scanID
	r.handler = handler
	r.mu.Unlock()

	// A newer Scan may already own the handler
	defer func() {
		r.mu.Lock()
		if r.scanID == id {
			r.handler = nil
		}
		r.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-r.scanErr:
		return err
	}
}

// FailScan makes the running Scan return err
func (r *FakeRadio) FailScan(err error) {
	r.scanErr <- err
}

// Scanning reports whether a Scan is currently consuming advertisements
func (r *FakeRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler != nil
}

// WaitScanning polls until a Scan is running or the timeout elapses
func (r *FakeRadio) WaitScanning(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r.Scanning() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return r.Scanning()
}

// Advertise delivers adv to the running scan. Returns false when nothing is scanning.
func (r *FakeRadio) Advertise(adv device.Advertisement) bool {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()

	if h == nil {
		return false
	}
	h(adv)
	return true
}

// Dial connects to a registered peripheral.
func (r *FakeRadio) Dial(ctx context.Context, addr device.Address) (device.Conn, error) {
	r.dials.Add(1)
	p := r.Peripheral(addr)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDevice, addr)
	}
	return p.dial(ctx)
}

// Scans returns how many times Scan was called
func (r *FakeRadio) Scans() int { return int(r.scans.Load()) }

// Dials returns how many times Dial was called
func (r *FakeRadio) Dials() int { return int(r.dials.Load()) }
