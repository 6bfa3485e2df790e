package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/events"
	"github.com/srg/gattwatch/internal/groutine"
	"github.com/srg/gattwatch/internal/session"
)

// ErrAlreadyRunning is returned by Start while a scan is running
var ErrAlreadyRunning = errors.New("watcher already running")

// DefaultStopTimeout bounds how long Stop waits for sessions to drain when Options leaves it unset
const DefaultStopTimeout = 5 * time.Second

const drainPollInterval = 5 * time.Millisecond

// Emitter receives watcher events. *events.Dispatcher implements it.
type Emitter interface {
	Emit(events.Event)
}

// Options tune a watcher
type Options struct {
	// ConnectTimeout bounds each raw connect attempt
	ConnectTimeout time.Duration
	// StopTimeout bounds how long Stop waits for pending and active sessions to report back
	StopTimeout time.Duration
}

// Watcher discovers MultyGattServer peripherals, connects each at most once and keeps the usable ones
// addressable for I/O.
//
// Discovery policy: the first sighting of an address advertising DeviceName reports DeviceFound;
// a later connectable sighting of that address starts the connection. Advertisements for an
// address that is pending or active are ignored.
type Watcher struct {
	emitter Emitter
	logger  *logrus.Logger
	opts    Options

	table   *table
	running atomic.Bool

	// runMu serializes Start and Stop
	runMu  sync.Mutex
	cancel context.CancelFunc
}

// New creates a stopped watcher. A nil logger falls back to logrus.New().
func New(emitter Emitter, logger *logrus.Logger, opts Options) *Watcher {
	if logger == nil {
		logger = logrus.New()
	}
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = session.DefaultConnectTimeout
	}
	return &Watcher{
		emitter: emitter,
		logger:  logger,
		opts:    opts,
		table:   newTable(),
	}
}

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) {}

// Running reports whether a scan is in progress
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Active lists usable addresses in connection order
func (w *Watcher) Active() []device.Address {
	return w.table.activeAddresses()
}

// Start clears all discovery state and begins consuming advertisements from radio.
func (w *Watcher) Start(radio device.Radio) error {
	if radio == nil {
		return fmt.Errorf("%w: no radio", device.ErrInvalidArgument)
	}

	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.running.Load() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.table.open()
	w.running.Store(true)

	w.logger.Info("Scanning started")
	w.emitter.Emit(events.New(events.ScanStarted, 0))

	groutine.Go(ctx, "watcher-scan", func(ctx context.Context) {
		err := radio.Scan(ctx, func(adv device.Advertisement) {
			w.onAdvertisement(radio, adv)
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("scan ended unexpectedly")
		}
		w.logger.WithError(err).Error("Scan failed, stopping")
		w.stop(err)
	})
	return nil
}

// Stop disconnects every active session, waits up to StopTimeout for all sessions to report back,
// then forgets whatever is left. Calling Stop on a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.stop(nil)
}

func (w *Watcher) stop(reason error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if !w.running.Load() {
		return
	}
	w.running.Store(false)
	w.cancel()

	// Disconnect outside the table lock: the disconnect callback re-enters the table
	active := w.table.close()
	for _, s := range active {
		if err := s.Disconnect(); err != nil && !errors.Is(err, device.ErrConnectionNotActive) {
			w.logger.WithFields(logrus.Fields{
				"address": s.Address(),
				"error":   err,
			}).Warn("Disconnect on stop failed")
		}
	}

	if !w.waitIdle(w.opts.StopTimeout) {
		abandoned := w.table.clear()
		w.logger.WithFields(logrus.Fields{
			"addresses": abandoned,
			"timeout":   w.opts.StopTimeout,
		}).Warn("Sessions did not report back before the stop timeout, abandoning them")
	}
	w.table.clear()

	w.logger.WithField("reason", reason).Info("Scanning stopped")
	w.emitter.Emit(events.New(events.ScanStopped, 0).WithErr(reason))
}

func (w *Watcher) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !w.table.idle() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(drainPollInterval)
	}
	return true
}

func (w *Watcher) onAdvertisement(radio device.Radio, adv device.Advertisement) {
	if !w.running.Load() {
		return
	}

	addr := adv.Address
	var ready chan struct{}
	kind, s := w.table.admit(adv, func() *session.Session {
		ready = make(chan struct{})
		return w.newSession(addr, ready)
	})

	switch kind {
	case admitFound:
		w.logger.WithFields(logrus.Fields{"address": addr, "name": adv.Name}).Debug("Device found")
		w.emitter.Emit(events.New(events.DeviceFound, addr).WithName(adv.Name))

	case admitConnect:
		err := s.Connect(context.Background(), addr, radio)
		if err != nil {
			w.table.remove(addr, s)
			w.logger.WithFields(logrus.Fields{"address": addr, "error": err}).Warn("Failed to start connection")
		} else {
			w.logger.WithField("address", addr).Debug("Connection started")
		}
		w.emitter.Emit(events.New(events.ConnectionStarted, addr).WithErr(err))
		close(ready)
	}
}

// newSession wires a session's callbacks back into the watcher. Callbacks wait for ready so that
// ConnectionStarted is always emitted before anything the session reports.
func (w *Watcher) newSession(addr device.Address, ready <-chan struct{}) *session.Session {
	return session.New(session.Callbacks{
		OnConnected: func(s *session.Session, err error) {
			<-ready
			w.onSessionConnected(addr, s, err)
		},
		OnDisconnected: func(s *session.Session, reason error) {
			<-ready
			w.onSessionDisconnected(addr, s, reason)
		},
		OnValueChanged: func(s *session.Session, value []byte) {
			<-ready
			w.onSessionValueChanged(addr, value)
		},
	}, w.logger, session.Options{ConnectTimeout: w.opts.ConnectTimeout})
}

func (w *Watcher) onSessionConnected(addr device.Address, s *session.Session, err error) {
	log := w.logger.WithField("address", addr)

	if err == nil {
		if w.table.promote(addr, s) {
			log.Info("Device connected")
			w.emitter.Emit(events.New(events.ConnectionCompleted, addr))
			return
		}
		// Stopped, or a stale session from an earlier run
		if derr := s.Disconnect(); derr != nil {
			log.WithError(derr).Debug("Forced disconnect failed")
		}
		err = &device.ConnectionError{State: device.Closed, Msg: "watcher stopped before the connection completed"}
		log.Warn("Discarding connection completed after stop")
	} else if !w.running.Load() {
		err = &device.ConnectionError{State: device.Closed, Msg: fmt.Sprintf("watcher stopped: %v", err)}
	}

	w.table.remove(addr, s)
	if !device.IsConnectionState(err, device.Closed) {
		log.WithError(err).Warn("Connection failed")
	}
	w.emitter.Emit(events.New(events.ConnectionCompleted, addr).WithErr(err))
}

func (w *Watcher) onSessionDisconnected(addr device.Address, s *session.Session, reason error) {
	w.table.remove(addr, s)
	w.logger.WithFields(logrus.Fields{"address": addr, "reason": reason}).Info("Device disconnected")
	w.emitter.Emit(events.New(events.ClientDisconnected, addr).WithErr(reason))
}

func (w *Watcher) onSessionValueChanged(addr device.Address, value []byte) {
	if !w.running.Load() {
		return
	}
	w.emitter.Emit(events.New(events.ValueChanged, addr).WithValue(value))
}

func (w *Watcher) lookup(addr device.Address) (*session.Session, error) {
	if !w.running.Load() {
		return nil, device.ErrConnectionClosed
	}
	s, ok := w.table.lookupActive(addr)
	if !ok {
		return nil, &device.ConnectionError{State: device.NotActive, Msg: addr.String()}
	}
	return s, nil
}

// Disconnect tears down the active session for addr. ClientDisconnected follows asynchronously.
func (w *Watcher) Disconnect(addr device.Address) error {
	s, err := w.lookup(addr)
	if err != nil {
		return err
	}
	return s.Disconnect()
}

// ReadData reads the readable characteristic of the active session for addr.
func (w *Watcher) ReadData(addr device.Address) ([]byte, error) {
	s, err := w.lookup(addr)
	if err != nil {
		return nil, err
	}
	return s.ReadValue()
}

// WriteData writes data to the writable characteristic of the active session for addr.
func (w *Watcher) WriteData(addr device.Address, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", device.ErrInvalidArgument)
	}
	s, err := w.lookup(addr)
	if err != nil {
		return err
	}
	return s.WriteValue(data)
}
