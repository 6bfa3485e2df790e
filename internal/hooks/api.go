package hooks

import (
	"fmt"
	"runtime/debug"

	"github.com/aarzilli/golua/lua"

	"github.com/srg/gattwatch/internal/device"
)

// Gatt is the watcher surface exposed to scripts. *watcher.Watcher implements it.
type Gatt interface {
	ReadData(addr device.Address) ([]byte, error)
	WriteData(addr device.Address, data []byte) error
	Disconnect(addr device.Address) error
	Active() []device.Address
}

// registerGatt installs the global gatt table:
//
//	gatt.read(addr)        -> data | nil, err
//	gatt.write(addr, data) -> true | nil, err
//	gatt.disconnect(addr)  -> true | nil, err
//	gatt.active()          -> { addr, ... } in connection order
//	gatt.log(msg)
func (e *Engine) registerGatt() {
	L := e.state
	L.NewTable()

	e.pushFunction(L, "read", func(L *lua.State) int {
		addr, ok := checkAddress(L, 1)
		if !ok {
			return 2
		}
		data, err := e.gatt.ReadData(addr)
		if err != nil {
			return pushFailure(L, err.Error())
		}
		L.PushBytes(data)
		return 1
	})

	e.pushFunction(L, "write", func(L *lua.State) int {
		addr, ok := checkAddress(L, 1)
		if !ok {
			return 2
		}
		if !L.IsString(2) {
			return pushFailure(L, "data must be a string")
		}
		if err := e.gatt.WriteData(addr, L.ToBytes(2)); err != nil {
			return pushFailure(L, err.Error())
		}
		L.PushBoolean(true)
		return 1
	})

	e.pushFunction(L, "disconnect", func(L *lua.State) int {
		addr, ok := checkAddress(L, 1)
		if !ok {
			return 2
		}
		if err := e.gatt.Disconnect(addr); err != nil {
			return pushFailure(L, err.Error())
		}
		L.PushBoolean(true)
		return 1
	})

	e.pushFunction(L, "active", func(L *lua.State) int {
		L.NewTable()
		for i, addr := range e.gatt.Active() {
			L.PushString(addr.String())
			L.RawSeti(-2, i+1)
		}
		return 1
	})

	e.pushFunction(L, "log", func(L *lua.State) int {
		msg := luaToString(L, 1)
		e.logger.WithField("script", e.source).Info(msg)
		e.emitOutput("stdout", msg)
		return 0
	})

	L.SetGlobal("gatt")
}

// pushFunction adds name = fn to the table on top of the stack. fn runs with panic recovery:
// a Go panic becomes (nil, message) for the script instead of tearing down the process.
func (e *Engine) pushFunction(L *lua.State, name string, fn func(*lua.State) int) {
	L.PushString(name)
	L.PushGoFunction(func(L *lua.State) (n int) {
		defer func() {
			if r := recover(); r != nil {
				e.logger.WithField("function", "gatt."+name).Errorf("panic in Lua API: %v\n%s", r, debug.Stack())
				n = pushFailure(L, fmt.Sprintf("gatt.%s: internal error: %v", name, r))
			}
		}()
		return fn(L)
	})
	L.SetTable(-3)
}

func pushFailure(L *lua.State, msg string) int {
	L.PushNil()
	L.PushString(msg)
	return 2
}

// checkAddress parses argument i as a device address. On failure it pushes (nil, err) and returns false.
func checkAddress(L *lua.State, i int) (device.Address, bool) {
	if !L.IsString(i) {
		pushFailure(L, fmt.Sprintf("bad argument #%d: address expected", i))
		return 0, false
	}
	addr, err := device.ParseAddress(L.ToString(i))
	if err != nil {
		pushFailure(L, err.Error())
		return 0, false
	}
	return addr, true
}
