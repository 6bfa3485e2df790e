package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/srg/gattwatch/internal/events"
)

const timeLayout = "15:04:05.000"

// Renderer prints events to a writer, as colored text lines or as NDJSON.
// It is an events.Subscriber and safe for concurrent use.
type Renderer struct {
	mu   sync.Mutex
	w    io.Writer
	json bool

	time, kind, addr, value, good, bad *color.Color
}

// NewRenderer creates a renderer for format "text" or "json"
func NewRenderer(w io.Writer, format string, colors bool) (*Renderer, error) {
	r := &Renderer{
		w:     w,
		time:  color.New(color.Faint),
		kind:  color.New(color.Bold),
		addr:  color.New(color.FgYellow),
		value: color.New(color.FgCyan),
		good:  color.New(color.FgGreen),
		bad:   color.New(color.FgRed),
	}
	switch format {
	case "text", "":
	case "json":
		r.json = true
	default:
		return nil, fmt.Errorf("invalid format '%s': must be one of [text json]", format)
	}

	for _, c := range []*color.Color{r.time, r.kind, r.addr, r.value, r.good, r.bad} {
		if colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return r, nil
}

// HandleEvent implements events.Subscriber
func (r *Renderer) HandleEvent(e events.Event) {
	line := r.Format(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, line)
}

// Format renders one event without a trailing newline
func (r *Renderer) Format(e events.Event) string {
	if r.json {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Sprintf(`{"kind":%q,"error":%q}`, e.Kind, err.Error())
		}
		return string(b)
	}

	var sb strings.Builder
	sb.WriteString(r.time.Sprint(e.Time.Format(timeLayout)))
	sb.WriteString(" ")
	sb.WriteString(r.kind.Sprintf("%-20s", e.Kind))
	if !e.Address.IsZero() {
		sb.WriteString(" ")
		sb.WriteString(r.addr.Sprint(e.Address))
	}

	switch e.Kind {
	case events.DeviceFound:
		fmt.Fprintf(&sb, " %q", e.Name)
	case events.ValueChanged:
		sb.WriteString(" ")
		sb.WriteString(r.value.Sprint(FormatValue(e.Value)))
	case events.ConnectionStarted, events.ConnectionCompleted:
		if e.Err == nil {
			sb.WriteString(" " + r.good.Sprint("ok"))
		}
	}
	if e.Err != nil {
		sb.WriteString(" " + r.bad.Sprint(e.Err.Error()))
	}
	return sb.String()
}

// FormatValue renders a notification payload as hex, followed by the little-endian uint32 counter
// when the payload carries one
func FormatValue(v []byte) string {
	s := hex.EncodeToString(v)
	if s == "" {
		s = "(empty)"
	}
	if len(v) >= 4 {
		s += fmt.Sprintf(" (%d)", binary.LittleEndian.Uint32(v))
	}
	return s
}

// FormatASCII renders a read result as text; bytes outside printable ASCII become '.'
func FormatASCII(v []byte) string {
	b := make([]byte, len(v))
	for i, c := range v {
		if c >= 0x20 && c < 0x7f {
			b[i] = c
		} else {
			b[i] = '.'
		}
	}
	return string(b)
}
