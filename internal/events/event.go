package events

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/srg/gattwatch/internal/device"
)

// Kind identifies what happened
type Kind int

const (
	ScanStarted Kind = iota + 1
	ScanStopped
	DeviceFound
	ConnectionStarted
	ConnectionCompleted
	ValueChanged
	ClientDisconnected
)

var kindNames = map[Kind]string{
	ScanStarted:         "scan_started",
	ScanStopped:         "scan_stopped",
	DeviceFound:         "device_found",
	ConnectionStarted:   "connection_started",
	ConnectionCompleted: "connection_completed",
	ValueChanged:        "value_changed",
	ClientDisconnected:  "client_disconnected",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a single orchestrator-level occurrence.
// Address is zero for scan events; Err carries the outcome or reason where the kind has one.
type Event struct {
	Kind    Kind
	Address device.Address
	Name    string
	Value   []byte
	Err     error
	Time    time.Time
}

// New stamps an event with the current time
func New(kind Kind, addr device.Address) Event {
	return Event{Kind: kind, Address: addr, Time: time.Now()}
}

// WithName sets the advertised name
func (e Event) WithName(name string) Event {
	e.Name = name
	return e
}

// WithValue sets the payload
func (e Event) WithValue(v []byte) Event {
	e.Value = v
	return e
}

// WithErr sets the outcome or reason
func (e Event) WithErr(err error) Event {
	e.Err = err
	return e
}

func (e Event) String() string {
	s := e.Kind.String()
	if !e.Address.IsZero() {
		s += " " + e.Address.String()
	}
	if e.Name != "" {
		s += fmt.Sprintf(" name=%q", e.Name)
	}
	if e.Value != nil {
		s += " value=" + hex.EncodeToString(e.Value)
	}
	if e.Err != nil {
		s += " err=" + e.Err.Error()
	}
	return s
}

type eventJSON struct {
	Kind    Kind            `json:"kind"`
	Address *device.Address `json:"address,omitempty"`
	Name    string          `json:"name,omitempty"`
	Value   string          `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
	Time    time.Time       `json:"time"`
}

// MarshalJSON renders the value as hex and the error as its message
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Kind: e.Kind,
		Name: e.Name,
		Time: e.Time,
	}
	if !e.Address.IsZero() {
		addr := e.Address
		out.Address = &addr
	}
	if e.Value != nil {
		out.Value = hex.EncodeToString(e.Value)
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
