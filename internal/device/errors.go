package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents a GATT attribute that the remote device does not expose
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	// Active: a connect is already in flight or the connection is already usable
	Active ConnectionState = "connection_active"
	// NotActive: the address has no usable connection
	NotActive ConnectionState = "connection_not_active"
	// Closed: the connection (or the whole watcher) is closed for I/O
	Closed ConnectionState = "connection_closed"
)

// ConnectionError represents any connection-state problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrConnectionActive    = &ConnectionError{State: Active}
	ErrConnectionNotActive = &ConnectionError{State: NotActive}
	ErrConnectionClosed    = &ConnectionError{State: Closed}
)

// Argument and platform errors
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnsupported     = errors.New("unsupported")
	ErrBluetoothOff    = errors.New("bluetooth is turned off")
)

// Disconnect reasons reported through Conn.Err
var (
	ErrLocalDisconnect  = errors.New("disconnected by local host")
	ErrRemoteDisconnect = errors.New("connection terminated by remote device")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks the substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
