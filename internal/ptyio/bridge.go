package ptyio

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/events"
)

// maxLineLen bounds a pending input line; longer input is discarded up to the next newline
const maxLineLen = 4096

// Writer delivers a payload to an active device. *watcher.Watcher implements it.
type Writer interface {
	WriteData(addr device.Address, data []byte) error
}

// WriterFunc adapts a function to Writer
type WriterFunc func(addr device.Address, data []byte) error

func (f WriterFunc) WriteData(addr device.Address, data []byte) error {
	return f(addr, data)
}

// Bridge mirrors notifications onto a PTY and turns typed lines into writes.
//
// Output, one line per ValueChanged event:
//
//	AA:BB:CC:DD:EE:FF 2a000000
//
// Input, one line per write; the text after the first space is sent as-is:
//
//	AA:BB:CC:DD:EE:FF hello
//
// A failed write is reported back on the PTY as "ERR <address> <reason>".
type Bridge struct {
	pty    PTY
	writer Writer
	logger *logrus.Logger

	mu       sync.Mutex
	line     bytes.Buffer
	overflow bool
}

// NewBridge attaches to p. It takes over p's read callback.
func NewBridge(p PTY, writer Writer, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	b := &Bridge{pty: p, writer: writer, logger: logger}
	p.SetReadCallback(b.onInput)
	return b
}

// HandleEvent implements events.Subscriber
func (b *Bridge) HandleEvent(e events.Event) {
	if e.Kind != events.ValueChanged {
		return
	}
	b.emit(FormatNotification(e.Address, e.Value))
}

func (b *Bridge) emit(line string) {
	if _, err := b.pty.Write([]byte(line)); err != nil {
		b.logger.WithError(err).Debug("PTY write failed")
	}
}

// FormatNotification renders one output line, newline included
func FormatNotification(addr device.Address, value []byte) string {
	return fmt.Sprintf("%s %s\n", addr, hex.EncodeToString(value))
}

// ParseInputLine splits "ADDR TEXT" into an address and payload
func ParseInputLine(line string) (device.Address, []byte, error) {
	line = strings.TrimRight(line, "\r\n")
	addrPart, text, ok := strings.Cut(strings.TrimLeft(line, " \t"), " ")
	if !ok || text == "" {
		return 0, nil, fmt.Errorf("%w: expected \"ADDRESS TEXT\", got %q", device.ErrInvalidArgument, line)
	}
	addr, err := device.ParseAddress(addrPart)
	if err != nil {
		return 0, nil, err
	}
	return addr, []byte(text), nil
}

func (b *Bridge) onInput(data []byte) {
	b.mu.Lock()
	var lines []string
	for _, c := range data {
		if c == '\n' || c == '\r' {
			if !b.overflow && b.line.Len() > 0 {
				lines = append(lines, b.line.String())
			}
			b.line.Reset()
			b.overflow = false
			continue
		}
		if b.line.Len() >= maxLineLen {
			b.overflow = true
			continue
		}
		b.line.WriteByte(c)
	}
	b.mu.Unlock()

	for _, l := range lines {
		b.handleLine(l)
	}
}

func (b *Bridge) handleLine(line string) {
	addr, payload, err := ParseInputLine(line)
	if err != nil {
		b.logger.WithError(err).Warn("Ignoring PTY input")
		b.emit(fmt.Sprintf("ERR %v\n", err))
		return
	}
	if err := b.writer.WriteData(addr, payload); err != nil {
		b.logger.WithFields(logrus.Fields{"address": addr, "error": err}).Warn("PTY write to device failed")
		b.emit(fmt.Sprintf("ERR %s %v\n", addr, err))
		return
	}
	b.logger.WithFields(logrus.Fields{"address": addr, "bytes": len(payload)}).Debug("PTY line written to device")
}
