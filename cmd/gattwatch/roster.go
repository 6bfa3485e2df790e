package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/events"
)

// DeviceState is what the console knows about one address
type DeviceState string

const (
	StateFound        DeviceState = "found"
	StateConnecting   DeviceState = "connecting"
	StateConnected    DeviceState = "connected"
	StateFailed       DeviceState = "failed"
	StateDisconnected DeviceState = "disconnected"
)

// RosterEntry is an immutable snapshot; the roster replaces entries rather than mutating them
type RosterEntry struct {
	Address   device.Address
	Name      string
	State     DeviceState
	LastValue []byte
	LastError string
	Updated   time.Time
}

// Roster tracks every device seen since the last clear. It is updated from event delivery
// and read by the console without coordination.
type Roster struct {
	devices *hashmap.Map[device.Address, RosterEntry]
}

func NewRoster() *Roster {
	return &Roster{devices: hashmap.New[device.Address, RosterEntry]()}
}

// HandleEvent implements events.Subscriber
func (r *Roster) HandleEvent(e events.Event) {
	switch e.Kind {
	case events.ScanStarted:
		r.Clear(true)
		return
	case events.ScanStopped:
		return
	}

	entry, _ := r.devices.Get(e.Address)
	entry.Address = e.Address
	entry.Updated = e.Time
	entry.LastError = ""
	if e.Err != nil {
		entry.LastError = e.Err.Error()
	}

	switch e.Kind {
	case events.DeviceFound:
		entry.Name = e.Name
		entry.State = StateFound
	case events.ConnectionStarted:
		entry.State = StateConnecting
		if e.Err != nil {
			entry.State = StateFailed
		}
	case events.ConnectionCompleted:
		entry.State = StateConnected
		if e.Err != nil {
			entry.State = StateFailed
		}
	case events.ValueChanged:
		entry.LastValue = append([]byte(nil), e.Value...)
	case events.ClientDisconnected:
		entry.State = StateDisconnected
	}
	r.devices.Set(e.Address, entry)
}

// Get returns the entry for addr
func (r *Roster) Get(addr device.Address) (RosterEntry, bool) {
	return r.devices.Get(addr)
}

// Entries returns a snapshot sorted by address
func (r *Roster) Entries() []RosterEntry {
	out := make([]RosterEntry, 0, r.devices.Len())
	r.devices.Range(func(_ device.Address, e RosterEntry) bool {
		out = append(out, e)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Clear forgets devices. Connected and connecting devices are kept unless all is set.
func (r *Roster) Clear(all bool) int {
	var drop []device.Address
	r.devices.Range(func(addr device.Address, e RosterEntry) bool {
		if all || (e.State != StateConnected && e.State != StateConnecting) {
			drop = append(drop, addr)
		}
		return true
	})
	for _, addr := range drop {
		r.devices.Del(addr)
	}
	return len(drop)
}

// Print writes the roster as a table
func (r *Roster) Print(w io.Writer) error {
	entries := r.Entries()
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No devices")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tSTATE\tLAST VALUE\tERROR")
	for _, e := range entries {
		value := "-"
		if e.LastValue != nil {
			value = FormatValue(e.LastValue)
		}
		errText := e.LastError
		if errText == "" {
			errText = "-"
		}
		name := e.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Address, name, e.State, value, errText)
	}
	return tw.Flush()
}
