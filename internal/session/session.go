package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/groutine"
)

// DefaultConnectTimeout bounds a raw connect attempt when Options leaves it unset
const DefaultConnectTimeout = 30 * time.Second

// Callbacks are the sinks a session reports to. Each session has exactly one owner.
// Callbacks are never invoked with the session lock held.
type Callbacks struct {
	// OnConnected reports the terminal outcome of Connect: nil once the session is usable.
	OnConnected func(s *Session, err error)
	// OnDisconnected reports that a usable session lost its link.
	OnDisconnected func(s *Session, reason error)
	// OnValueChanged forwards a notification. The value is owned by the receiver.
	OnValueChanged func(s *Session, value []byte)
}

// Options tune a session
type Options struct {
	ConnectTimeout time.Duration
}

// Session drives a single device through connect, attribute resolution and steady-state I/O.
//
// attrs is non-nil exactly when usable is true.
type Session struct {
	callbacks Callbacks
	resolver  *Resolver
	logger    *logrus.Logger
	timeout   time.Duration

	addr atomic.Uint64

	mu         sync.Mutex
	connecting bool
	usable     bool
	conn       device.Conn
	attrs      *Attributes
}

// New creates an idle session. A nil logger falls back to logrus.New().
func New(callbacks Callbacks, logger *logrus.Logger, opts Options) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Session{
		callbacks: callbacks,
		resolver:  NewResolver(logger),
		logger:    logger,
		timeout:   timeout,
	}
}

// Address returns the address passed to the last accepted Connect, zero before that.
func (s *Session) Address() device.Address {
	return device.Address(s.addr.Load())
}

// Usable reports whether the session is fully resolved.
func (s *Session) Usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usable
}

// Resolved returns the retained attribute handles, nil unless usable.
func (s *Session) Resolved() *Attributes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs
}

// Connect issues the raw connect to addr and returns once it is in flight.
// The outcome is reported exactly once through Callbacks.OnConnected.
func (s *Session) Connect(ctx context.Context, addr device.Address, radio device.Radio) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: zero address", device.ErrInvalidArgument)
	}
	if radio == nil {
		return fmt.Errorf("%w: no radio", device.ErrInvalidArgument)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.connecting || s.usable {
		s.mu.Unlock()
		return &device.ConnectionError{State: device.Active, Msg: addr.String()}
	}
	s.connecting = true
	s.addr.Store(uint64(addr))
	s.mu.Unlock()

	groutine.Go(ctx, "session-connect", func(ctx context.Context) {
		s.establish(ctx, addr, radio)
	})
	return nil
}

func (s *Session) establish(ctx context.Context, addr device.Address, radio device.Radio) {
	log := s.logger.WithField("address", addr)

	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	conn, err := radio.Dial(dialCtx, addr)
	cancel()
	if err != nil {
		log.WithError(err).Debug("Raw connect failed")
		s.completeConnect(nil, nil, err)
		return
	}

	attrs, err := s.resolver.Resolve(conn, s.onNotification)
	if err != nil {
		log.WithError(err).Debug("Attribute resolution failed, disconnecting")
		if derr := conn.Disconnect(); derr != nil {
			log.WithField("reason", derr).Debug("Best-effort disconnect failed")
		}
		s.completeConnect(nil, nil, err)
		return
	}

	s.completeConnect(conn, attrs, nil)
}

func (s *Session) completeConnect(conn device.Conn, attrs *Attributes, err error) {
	s.mu.Lock()
	s.connecting = false
	if err == nil {
		s.conn = conn
		s.attrs = attrs
		s.usable = true
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.WithField("address", s.Address()).Info("Session is usable")
		groutine.Go(context.Background(), "session-monitor", func(context.Context) {
			<-conn.Disconnected()
			s.handleRawDisconnect(conn, conn.Err())
		})
	}

	if s.callbacks.OnConnected != nil {
		s.callbacks.OnConnected(s, err)
	}
}

// handleRawDisconnect clears the usable state. It is a no-op for a connection the session no longer owns.
func (s *Session) handleRawDisconnect(conn device.Conn, reason error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.usable = false
	s.attrs = nil
	s.conn = nil
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"address": s.Address(),
		"reason":  reason,
	}).Info("Session disconnected")

	if s.callbacks.OnDisconnected != nil {
		s.callbacks.OnDisconnected(s, reason)
	}
}

func (s *Session) onNotification(_ uint16, value []byte) {
	if s.callbacks.OnValueChanged == nil {
		return
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.callbacks.OnValueChanged(s, buf)
}

// Disconnect tears down a usable session. The disconnect itself is reported through Callbacks.OnDisconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.usable {
		return device.ErrConnectionNotActive
	}
	return s.conn.Disconnect()
}

// ReadValue reads the readable characteristic, always from the device.
func (s *Session) ReadValue() ([]byte, error) {
	conn, attrs, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return conn.ReadCharacteristic(attrs.Readable, true)
}

// WriteValue writes value to the writable characteristic.
func (s *Session) WriteValue(value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: empty payload", device.ErrInvalidArgument)
	}
	conn, attrs, err := s.snapshot()
	if err != nil {
		return err
	}
	return conn.WriteCharacteristic(attrs.Writable, value)
}

func (s *Session) snapshot() (device.Conn, *Attributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.usable {
		return nil, nil, device.ErrConnectionClosed
	}
	return s.conn, s.attrs, nil
}
