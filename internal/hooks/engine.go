// Package hooks runs user Lua scripts against watcher events.
//
// A script defines any of the on_* functions below; each is called with the event's details
// on the hook goroutine, never on the transport's. Scripts reach back into the watcher
// through the global gatt table (see api.go).
//
//	function on_value_changed(addr, data)
//	    if #data >= 4 and string.byte(data, 1) == 0 then
//	        gatt.disconnect(addr)
//	    end
//	end
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattwatch/internal/events"
)

// Hook function names, by event kind
var hookNames = map[events.Kind]string{
	events.ScanStarted:         "on_started",
	events.ScanStopped:         "on_stopped",
	events.DeviceFound:         "on_device_found",
	events.ConnectionStarted:   "on_connection_started",
	events.ConnectionCompleted: "on_connection_completed",
	events.ValueChanged:        "on_value_changed",
	events.ClientDisconnected:  "on_client_disconnected",
}

// HookName returns the Lua function called for kind
func HookName(kind events.Kind) string {
	return hookNames[kind]
}

// OutputRecord is one line printed by a script
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type    string // "syntax", "runtime", "api"
	Message string
	Line    int
	Source  string
}

func (e *LuaError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, "in "+e.Source)
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Is matches LuaErrors of the same Type
func (e *LuaError) Is(target error) bool {
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

// Sentinels for errors.Is checks
var (
	ErrSyntax  = &LuaError{Type: "syntax"}
	ErrRuntime = &LuaError{Type: "runtime"}
)

// Engine owns one Lua state. All access to the state is serialized.
type Engine struct {
	mu     sync.Mutex
	state  *lua.State
	gatt   Gatt
	logger *logrus.Logger
	output *events.RingChannel[OutputRecord]
	source string
}

// NewEngine creates an engine with the standard libraries, captured print and the gatt table.
// A nil gatt leaves the gatt table out.
func NewEngine(gatt Gatt, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	e := &Engine{
		gatt:   gatt,
		logger: logger,
		output: events.NewRingChannel[OutputRecord](100),
	}

	e.state = lua.NewState()
	e.state.OpenLibs()
	e.registerPrint()
	if gatt != nil {
		e.registerGatt()
	}
	return e
}

// Output streams what the script printed. Old records are overwritten when nobody reads.
func (e *Engine) Output() <-chan OutputRecord {
	return e.output.C()
}

func (e *Engine) emitOutput(source, line string) {
	e.output.ForceSend(OutputRecord{Content: line, Timestamp: time.Now(), Source: source})
}

func (e *Engine) registerPrint() {
	e.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, luaToString(L, i))
		}
		e.emitOutput("stdout", strings.Join(parts, "\t"))
		return 0
	})
	e.state.SetGlobal("print")
}

func luaToString(L *lua.State, i int) string {
	switch {
	case L.IsNil(i):
		return "nil"
	case L.IsBoolean(i):
		if L.ToBoolean(i) {
			return "true"
		}
		return "false"
	case L.IsNumber(i):
		return fmt.Sprintf("%v", L.ToNumber(i))
	case L.IsString(i):
		return L.ToString(i)
	default:
		// tables, functions, userdata
		L.GetGlobal("tostring")
		L.PushValue(i)
		L.Call(1, 1)
		s := L.ToString(-1)
		L.Pop(1)
		return s
	}
}

// LoadScriptFile loads and runs the script at path
func (e *Engine) LoadScriptFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.LoadScript(string(content), path)
}

// LoadScript runs script once so it can define its hook functions
func (e *Engine) LoadScript(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &LuaError{Type: "api", Message: "empty script", Source: name}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return &LuaError{Type: "api", Message: "engine closed", Source: name}
	}
	defer e.state.SetTop(0)

	if status := e.state.LoadString(script); status != 0 {
		return e.popError("syntax", name)
	}
	if err := e.state.Call(0, 0); err != nil {
		return &LuaError{Type: "runtime", Message: err.Error(), Source: name}
	}
	e.source = name
	e.logger.WithField("script", name).Info("Lua hooks loaded")
	return nil
}

// popError turns the error message on top of the stack into a LuaError
func (e *Engine) popError(errType, source string) *LuaError {
	L := e.state
	if L.GetTop() == 0 {
		return &LuaError{Type: errType, Message: "unknown Lua error", Source: source}
	}

	msg := "non-string error object"
	if L.IsString(-1) {
		msg = L.ToString(-1)
	}
	L.Pop(1)

	// [string "..."]:LINE: message
	line := 0
	message := msg
	if parts := strings.SplitN(msg, ":", 3); len(parts) == 3 {
		if n, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &line); err == nil && n == 1 {
			message = strings.TrimSpace(parts[2])
		}
	}
	return &LuaError{Type: errType, Message: message, Line: line, Source: source}
}

// HandleEvent calls the hook for e, if the script defines one
func (e *Engine) HandleEvent(ev events.Event) error {
	name := HookName(ev.Kind)
	if name == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	L := e.state
	defer L.SetTop(0)

	L.GetGlobal(name)
	if !L.IsFunction(-1) {
		return nil
	}

	nargs := pushEventArgs(L, ev)
	if err := L.Call(nargs, 0); err != nil {
		return &LuaError{Type: "runtime", Message: fmt.Sprintf("%s: %v", name, err), Source: e.source}
	}
	return nil
}

func pushEventArgs(L *lua.State, ev events.Event) int {
	pushErr := func(err error) {
		if err == nil {
			L.PushNil()
			return
		}
		L.PushString(err.Error())
	}

	switch ev.Kind {
	case events.ScanStarted:
		return 0
	case events.ScanStopped:
		pushErr(ev.Err)
		return 1
	case events.DeviceFound:
		L.PushString(ev.Address.String())
		L.PushString(ev.Name)
		return 2
	case events.ValueChanged:
		L.PushString(ev.Address.String())
		L.PushBytes(ev.Value)
		return 2
	default:
		L.PushString(ev.Address.String())
		pushErr(ev.Err)
		return 2
	}
}

// Run feeds events from q to the script until ctx is done or q is closed.
// Hook failures are logged and do not stop the loop.
func (e *Engine) Run(ctx context.Context, q *events.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q.C():
			if !ok {
				return
			}
			if err := e.HandleEvent(ev); err != nil {
				e.logger.WithFields(logrus.Fields{
					"hook":  HookName(ev.Kind),
					"error": err,
				}).Warn("Lua hook failed")
				e.emitOutput("stderr", err.Error())
			}
		}
	}
}

// GetGlobal reads a string, number or boolean global; anything else is nil
func (e *Engine) GetGlobal(name string) interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	L := e.state
	L.GetGlobal(name)
	defer L.Pop(1)

	switch {
	case L.IsNumber(-1):
		return L.ToNumber(-1)
	case L.IsString(-1):
		return L.ToString(-1)
	case L.IsBoolean(-1):
		return L.ToBoolean(-1)
	default:
		return nil
	}
}

// Close releases the Lua state. Later events are ignored. Output stays open.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
}
