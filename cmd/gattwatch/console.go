package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/events"
	"github.com/srg/gattwatch/internal/ptyio"
)

// Controller is the watcher surface the console drives. *watcher.Watcher implements it.
type Controller interface {
	ReadData(addr device.Address) ([]byte, error)
	WriteData(addr device.Address, data []byte) error
	Disconnect(addr device.Address) error
	Active() []device.Address
}

// Journal yields recently emitted events. *events.Dispatcher implements it.
type Journal interface {
	Drain() []events.Event
}

const consoleHelp = `Commands:
  list                  devices seen since start, with their state
  active                connected addresses, in connection order
  read ADDR             read the readable characteristic (shown as ASCII)
  write ADDR TEXT       write TEXT to the writable characteristic
  hex ADDR HEX          write raw bytes given as hex
  disconnect ADDR       disconnect a device
  log                   print and clear the recent event journal
  clear                 forget devices that are not connected
  help                  this text
  quit                  stop watching and exit`

// Console is a line-oriented command interpreter over a Controller
type Console struct {
	ctl      Controller
	journal  Journal
	roster   *Roster
	renderer *Renderer
	out      io.Writer
}

func NewConsole(ctl Controller, journal Journal, roster *Roster, renderer *Renderer, out io.Writer) *Console {
	return &Console{ctl: ctl, journal: journal, roster: roster, renderer: renderer, out: out}
}

// Run executes commands read from in. It returns true when the user quit, false when in hit EOF
// or ctx was cancelled.
func (c *Console) Run(ctx context.Context, in io.Reader) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return false, err
				default:
					return false, nil
				}
			}
			if err := c.Execute(line); err != nil {
				if errors.Is(err, errQuit) {
					return true, nil
				}
				fmt.Fprintf(c.out, "error: %s\n", FormatUserError(err))
			}
		}
	}
}

// Execute runs one command line
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "list", "ls":
		return c.roster.Print(c.out)
	case "active":
		for _, addr := range c.ctl.Active() {
			fmt.Fprintln(c.out, addr)
		}
		return nil
	case "log":
		for _, e := range c.journal.Drain() {
			fmt.Fprintln(c.out, c.renderer.Format(e))
		}
		return nil
	case "clear":
		n := c.roster.Clear(false)
		fmt.Fprintf(c.out, "cleared %d device(s)\n", n)
		return nil
	case "read":
		addr, err := addressArg(cmd, args, 1)
		if err != nil {
			return err
		}
		data, err := c.ctl.ReadData(addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s %q (%s)\n", addr, FormatASCII(data), hex.EncodeToString(data))
		return nil
	case "write":
		if _, err := addressArg(cmd, args, 2); err != nil {
			return err
		}
		// The text keeps its inner spacing
		_, rest, _ := strings.Cut(strings.TrimSpace(line), fields[0])
		addr, text, err := ptyio.ParseInputLine(rest)
		if err != nil {
			return err
		}
		return c.write(addr, text)
	case "hex":
		addr, err := addressArg(cmd, args, 2)
		if err != nil {
			return err
		}
		data, err := parseHex(strings.Join(args[1:], ""))
		if err != nil {
			return err
		}
		return c.write(addr, data)
	case "disconnect":
		addr, err := addressArg(cmd, args, 1)
		if err != nil {
			return err
		}
		if err := c.ctl.Disconnect(addr); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s disconnecting\n", addr)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q (try help)", device.ErrInvalidArgument, cmd)
	}
}

func (c *Console) write(addr device.Address, data []byte) error {
	if err := c.ctl.WriteData(addr, data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s wrote %d byte(s)\n", addr, len(data))
	return nil
}

// addressArg checks that at least n arguments are present and parses the first as an address
func addressArg(cmd string, args []string, n int) (device.Address, error) {
	if len(args) < n {
		return 0, fmt.Errorf("%w: %s needs %d argument(s), see help", device.ErrInvalidArgument, cmd, n)
	}
	return device.ParseAddress(args[0])
}

// parseHex accepts "2a000000", "2a:00:00:00", "0x2a00" and space separated bytes
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex payload: %v", device.ErrInvalidArgument, err)
	}
	return data, nil
}
