// Package ptyio exposes a pseudo-terminal whose master side is buffered by ring buffers,
// so producers on hot paths (event delivery) never block on a slow or absent reader.
//
//	p, err := ptyio.New(ptyio.Options{ReadCap: 4096, WriteCap: 64 * 1024, Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("attach with: screen", p.TTYName())
//
//	p.Write([]byte("AA:BB:CC:DD:EE:FF 2a000000\n")) // queued, never blocks
//	p.SetReadCallback(func(data []byte) { ... })    // bytes typed on the slave side
//
// PollTimeout bounds how long the I/O goroutines sleep in poll(2) before rechecking for Close;
// it trades shutdown latency against idle wakeups.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/gattwatch/internal/groutine"
)

// DefaultPollTimeout is used when Options leaves PollTimeout unset
const DefaultPollTimeout = 50 * time.Millisecond

// Default ring capacities in bytes
const (
	DefaultReadCap  = 4 * 1024
	DefaultWriteCap = 64 * 1024
)

// ReadCallback receives bytes typed on the slave side. It runs on a background goroutine and
// must not retain data. A panicking callback is unregistered.
type ReadCallback func(data []byte)

// Options configure New. Zero values select the defaults.
type Options struct {
	ReadCap     int
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
	// OnError is called at most once per I/O loop when that loop dies
	OnError func(error)
}

// PTY is a non-blocking pseudo-terminal master
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

// Stats are runtime counters
type Stats struct {
	WriteQueueLen int
	ReadQueueLen  int

	DroppedWriteBytes uint64
	DroppedReadBytes  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout int // ms
	onError     func(error)
	errOnce     [2]sync.Once

	writeBuf *ringbuffer.RingBuffer // towards the slave
	readBuf  *ringbuffer.RingBuffer // from the slave

	ctx    context.Context
	cancel context.CancelFunc
	loops  groutine.Group

	readCb     atomic.Value // ReadCallback
	readNotify chan struct{}
	closed     atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// New opens a PTY pair in raw mode and starts its I/O goroutines.
// The slave stays open for the PTY's lifetime so TTYName remains attachable.
func New(opts Options) (PTY, error) {
	if opts.ReadCap <= 0 {
		opts.ReadCap = DefaultReadCap
	}
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultWriteCap
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		onError:     opts.OnError,
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readBuf:     ringbuffer.New(opts.ReadCap),
		ctx:         ctx,
		cancel:      cancel,
		readNotify:  make(chan struct{}, 1),
	}
	if p.pollTimeout == 0 {
		p.pollTimeout = 1
	}

	p.loops.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop(master) })
	p.loops.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop(master) })
	p.loops.Go(ctx, "pty-read-dispatcher", func(context.Context) { p.dispatchLoop() })

	logger.WithField("tty", p.ttyName).Info("PTY opened")
	return p, nil
}

func openRaw() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(what string, cause error) (*os.File, *os.File, error) {
		name := slave.Name()
		errs := []error{fmt.Errorf("failed to set %s %s: %w", name, what, cause)}
		if cerr := master.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close master: %w", cerr))
		}
		if cerr := slave.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close slave: %w", cerr))
		}
		return nil, nil, errors.Join(errs...)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("nonblocking mode", err)
	}
	return master, slave, nil
}

func (p *ringPTY) fail(loop int, err error) {
	p.logger.WithError(err).Warn("PTY loop exiting")
	if p.onError != nil {
		p.errOnce[loop].Do(func() { p.onError(err) })
	}
}

func (p *ringPTY) poll(fds []unix.PollFd) int {
	n, err := unix.Poll(fds, p.pollTimeout)
	if err != nil && !errors.Is(err, syscall.EINTR) {
		p.logger.WithError(err).Debug("poll failed")
	}
	return n
}

// isOverflow reports a short ring write: the ring keeps what fits and drops the rest
func isOverflow(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

// writeLoop drains writeBuf into the master
func (p *ringPTY) writeLoop(master *os.File) {
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			p.idle()
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("write ring read failed")
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				p.poll(fds)
				if p.ctx.Err() != nil {
					return
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail(0, fmt.Errorf("pty write loop: %w", err))
				return
			}
		}
	}
}

// readLoop moves bytes typed on the slave into readBuf
func (p *ringPTY) readLoop(master *os.File) {
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		if p.poll(fds) <= 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !isOverflow(werr) {
				p.logger.WithError(werr).Warn("read ring write failed")
			}
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.WithField("bytes", n-written).Warn("PTY read buffer overflow")
			}
			p.readBytes.Add(uint64(written))
			if written > 0 {
				p.signalRead()
			}
		}

		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
			return
		case errors.Is(err, syscall.EIO):
			// Linux reports EIO while no process holds the slave open
			p.idle()
		default:
			p.fail(1, fmt.Errorf("pty read loop: %w", err))
			return
		}
	}
}

// idle waits one poll interval or until Close
func (p *ringPTY) idle() {
	t := time.NewTimer(time.Duration(p.pollTimeout) * time.Millisecond)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-t.C:
	}
}

func (p *ringPTY) signalRead() {
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

// dispatchLoop hands buffered input to the read callback
func (p *ringPTY) dispatchLoop() {
	tmp := make([]byte, 4096)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}

		for p.ctx.Err() == nil {
			cb, _ := p.readCb.Load().(ReadCallback)
			if cb == nil {
				break
			}
			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			p.invoke(cb, tmp[:n])
		}
	}
}

func (p *ringPTY) invoke(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("PTY read callback panicked, unregistering it: %v", r)
			p.readCb.Store(ReadCallback(nil))
		}
	}()
	cb(data)
}

// Write queues data for the slave and never blocks. When the ring is full the excess is dropped
// and n < len(data).
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !isOverflow(err) {
		return 0, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithField("bytes", len(data)-n).Warn("PTY write buffer overflow")
	}
	return n, nil
}

// Read returns buffered input without blocking; syscall.EAGAIN when there is none.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback registers cb, or unregisters with nil. Input already buffered is delivered to the new callback.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	p.readCb.Store(cb)
	p.signalRead()
}

// Close stops the I/O goroutines and closes both ends. Safe to call more than once.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}

	timeout := 3*time.Duration(p.pollTimeout)*time.Millisecond + time.Second
	if !p.loops.Wait(timeout) {
		p.logger.WithField("tty", p.ttyName).Errorf("PTY goroutines still running %v after close", timeout)
	}
	return errors.Join(errs...)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		ReadQueueLen:      p.readBuf.Length(),
		DroppedWriteBytes: p.droppedWrite.Load(),
		DroppedReadBytes:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// TTYName is the slave path, e.g. /dev/pts/5
func (p *ringPTY) TTYName() string {
	return p.ttyName
}
