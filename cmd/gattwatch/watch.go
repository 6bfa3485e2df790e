package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/gattwatch/internal/device"
	goble "github.com/srg/gattwatch/internal/device/go-ble"
	"github.com/srg/gattwatch/internal/events"
	"github.com/srg/gattwatch/internal/groutine"
	"github.com/srg/gattwatch/internal/hooks"
	"github.com/srg/gattwatch/internal/ptyio"
	"github.com/srg/gattwatch/internal/watcher"
	"github.com/srg/gattwatch/pkg/config"
)

// newRadio opens the host adapter (can be overridden in tests)
var newRadio = func(logger *logrus.Logger) (device.Radio, error) {
	return goble.NewRadio(logger)
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Discover, connect and monitor MultyGattServer devices",
		Long: `Scan for MultyGattServer peripherals and connect to each one as it is discovered.

Events are printed to stdout as they happen. Commands typed on stdin drive the
connected devices; type 'help' for the list. Ctrl+C disconnects every device and exits.

Examples:
  gattwatch watch
  gattwatch watch --format json > events.ndjson
  gattwatch watch --script hooks.lua
  gattwatch watch --pty`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().StringP("format", "f", "text", "Event output format (text, json)")
	cmd.Flags().StringP("script", "s", "", "Lua script with event hooks, or builtin:NAME (log, echo); overrides the config file")
	cmd.Flags().Bool("pty", false, "Expose notifications and writes on a pseudo-terminal")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
	return cmd
}

// watchRun holds everything one watch invocation owns
type watchRun struct {
	cfg    *config.Config
	logger *logrus.Logger
	errOut io.Writer

	watcher atomic.Pointer[watcher.Watcher]

	hookQueue *events.Queue
	engine    *hooks.Engine
	hookRun   groutine.Group
	hookOut   groutine.Group

	// stopHookOut ends the hook output printer after a final drain
	stopHookOut context.CancelFunc

	pty        ptyio.PTY
	scanFailed chan error
}

func runWatch(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if script, _ := cmd.Flags().GetString("script"); script != "" {
		cfg.Script = script
	}
	if cmd.Flags().Changed("pty") {
		cfg.PTY, _ = cmd.Flags().GetBool("pty")
	}

	logger, err := configureLogger(cmd, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	noColor, _ := cmd.Flags().GetBool("no-color")
	out := cmd.OutOrStdout()
	renderer, err := NewRenderer(out, format, !noColor && isTerminal(out))
	if err != nil {
		return err
	}

	// Arguments are valid; failures from here on are not usage errors
	cmd.SilenceUsage = true

	run := &watchRun{
		cfg:        cfg,
		logger:     logger,
		errOut:     cmd.ErrOrStderr(),
		scanFailed: make(chan error, 1),
	}
	defer run.close()

	roster := NewRoster()
	subscribers := []events.Subscriber{renderer, roster, events.SubscriberFunc(run.onScanStopped)}
	if cfg.Script != "" {
		run.hookQueue = events.NewQueue(cfg.EventBuffer)
		subscribers = append(subscribers, run.hookQueue)
	}
	if cfg.PTY {
		bridge, err := run.openPTY()
		if err != nil {
			return err
		}
		subscribers = append(subscribers, bridge)
	}

	dispatcher, err := events.NewDispatcher(logger, uint32(cfg.JournalSize), subscribers...)
	if err != nil {
		return err
	}
	w := watcher.New(dispatcher, logger, watcher.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		StopTimeout:    cfg.StopTimeout,
	})
	run.watcher.Store(w)

	if cfg.Script != "" {
		if err := run.startHooks(w); err != nil {
			return err
		}
	}

	radio, err := newRadio(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(radio); err != nil {
		return err
	}

	fmt.Fprintln(run.errOut, "Watching for MultyGattServer devices. Type 'help' for commands, Ctrl+C to stop.")

	consoleCtx, cancelConsole := context.WithCancel(ctx)
	defer cancelConsole()
	groutine.Go(consoleCtx, "scan-monitor", func(ctx context.Context) {
		select {
		case err := <-run.scanFailed:
			run.scanFailed <- err
			cancelConsole()
		case <-ctx.Done():
		}
	})

	console := NewConsole(w, dispatcher, roster, renderer, out)
	quit, err := console.Run(consoleCtx, cmd.InOrStdin())
	if err != nil {
		logger.WithError(err).Warn("Console input failed")
	}
	if !quit && consoleCtx.Err() == nil {
		logger.Info("Console input closed, watching until interrupted")
		<-consoleCtx.Done()
	}

	w.Stop()
	logger.WithFields(logrus.Fields{
		"emitted":     dispatcher.Emitted(),
		"overwritten": dispatcher.Overwritten(),
	}).Debug("Watch finished")

	select {
	case err := <-run.scanFailed:
		return fmt.Errorf("scanning stopped: %w", err)
	default:
		return nil
	}
}

// onScanStopped records a scan that ended on its own
func (r *watchRun) onScanStopped(e events.Event) {
	if e.Kind != events.ScanStopped || e.Err == nil {
		return
	}
	select {
	case r.scanFailed <- e.Err:
	default:
	}
}

// writeData routes PTY input to the watcher once it exists
func (r *watchRun) writeData(addr device.Address, data []byte) error {
	w := r.watcher.Load()
	if w == nil {
		return device.ErrConnectionClosed
	}
	return w.WriteData(addr, data)
}

func (r *watchRun) openPTY() (*ptyio.Bridge, error) {
	p, err := ptyio.New(ptyio.Options{
		Logger: r.logger,
		OnError: func(err error) {
			r.logger.WithError(err).Error("PTY I/O stopped")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open PTY: %w", err)
	}
	r.pty = p
	fmt.Fprintf(r.errOut, "PTY: %s\n", p.TTYName())
	return ptyio.NewBridge(p, ptyio.WriterFunc(r.writeData), r.logger), nil
}

func (r *watchRun) startHooks(w *watcher.Watcher) error {
	r.engine = hooks.NewEngine(w, r.logger)
	if err := r.engine.Load(r.cfg.Script); err != nil {
		return err
	}

	// Hooks outlive the console so they still see the final disconnects and on_stopped
	r.hookRun.Go(context.Background(), "lua-hooks", func(ctx context.Context) {
		r.engine.Run(ctx, r.hookQueue)
	})
	outCtx, cancel := context.WithCancel(context.Background())
	r.stopHookOut = cancel
	r.hookOut.Go(outCtx, "lua-output", func(ctx context.Context) {
		output := r.engine.Output()
		for {
			select {
			case rec := <-output:
				r.printHookOutput(rec)
			case <-ctx.Done():
				for {
					select {
					case rec := <-output:
						r.printHookOutput(rec)
					default:
						return
					}
				}
			}
		}
	})
	return nil
}

func (r *watchRun) printHookOutput(rec hooks.OutputRecord) {
	fmt.Fprintf(r.errOut, "[lua] %s\n", strings.TrimRight(rec.Content, "\n"))
}

// close stops the watcher, lets the hooks see the final events, then releases the PTY
func (r *watchRun) close() {
	if w := r.watcher.Load(); w != nil {
		w.Stop()
	}
	if r.hookQueue != nil {
		r.hookQueue.Close()
		if !r.hookRun.Wait(r.cfg.StopTimeout) {
			r.logger.Warn("Lua hooks did not finish in time")
		}
	}
	if r.stopHookOut != nil {
		r.stopHookOut()
		r.hookOut.Wait(time.Second)
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.pty != nil {
		stats := r.pty.Stats()
		r.logger.WithFields(logrus.Fields{
			"written": stats.WriteBytesTotal,
			"read":    stats.ReadBytesTotal,
			"dropped": stats.DroppedWriteBytes,
		}).Debug("PTY closed")
		if err := r.pty.Close(); err != nil {
			r.logger.WithError(err).Debug("PTY close failed")
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
