package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/events"
	"github.com/srg/gattwatch/internal/testutils"
)

type mockGatt struct {
	mock.Mock
}

func (m *mockGatt) ReadData(addr device.Address) ([]byte, error) {
	args := m.Called(addr)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockGatt) WriteData(addr device.Address, data []byte) error {
	return m.Called(addr, data).Error(0)
}

func (m *mockGatt) Disconnect(addr device.Address) error {
	return m.Called(addr).Error(0)
}

func (m *mockGatt) Active() []device.Address {
	return m.Called().Get(0).([]device.Address)
}

type EngineTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	logger *logrus.Logger

	gatt   *mockGatt
	engine *Engine
	addr   device.Address
}

func (suite *EngineTestSuite) SetupSuite() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.logger = suite.helper.Logger
	suite.addr = device.MustParseAddress("AA:BB:CC:DD:EE:FF")
}

func (suite *EngineTestSuite) SetupTest() {
	suite.gatt = &mockGatt{}
	suite.engine = NewEngine(suite.gatt, suite.logger)
}

func (suite *EngineTestSuite) TearDownTest() {
	suite.engine.Close()
	suite.gatt.AssertExpectations(suite.T())
}

func (suite *EngineTestSuite) load(script string) {
	suite.Require().NoError(suite.engine.LoadScript(script, "test.lua"))
}

func (suite *EngineTestSuite) nextOutput() OutputRecord {
	select {
	case rec := <-suite.engine.Output():
		return rec
	case <-time.After(time.Second):
		suite.FailNow("no script output")
		return OutputRecord{}
	}
}

func (suite *EngineTestSuite) TestLoadScriptErrors() {
	err := suite.engine.LoadScript("   ", "blank.lua")
	suite.Error(err)
	suite.Contains(err.Error(), "empty script")

	err = suite.engine.LoadScript("function on_started(\n", "broken.lua")
	suite.ErrorIs(err, ErrSyntax)
	var luaErr *LuaError
	suite.Require().ErrorAs(err, &luaErr)
	suite.Equal("broken.lua", luaErr.Source)

	err = suite.engine.LoadScript(`error("boom")`, "raises.lua")
	suite.ErrorIs(err, ErrRuntime)
}

func (suite *EngineTestSuite) TestLoadScriptFile() {
	path := suite.helper.WriteTempFile("hooks.lua", `loaded = "yes"`)
	suite.Require().NoError(suite.engine.LoadScriptFile(path))
	suite.Equal("yes", suite.engine.GetGlobal("loaded"))

	suite.Error(suite.engine.LoadScriptFile(path + ".missing"))
}

func (suite *EngineTestSuite) TestHooksReceiveEventDetails() {
	suite.load(`
		function on_started() started = true end
		function on_stopped(err) stopped = err or "clean" end
		function on_device_found(addr, name) found = addr .. "/" .. name end
		function on_connection_started(addr, err) conn_started = err == nil end
		function on_connection_completed(addr, err) completed = err end
		function on_value_changed(addr, data) changed = addr .. ":" .. #data .. ":" .. string.byte(data, 1) end
		function on_client_disconnected(addr, reason) reason_seen = reason end
	`)

	connErr := errors.New("connection failed")
	evs := []events.Event{
		events.New(events.ScanStarted, 0),
		events.New(events.DeviceFound, suite.addr).WithName(device.DeviceName),
		events.New(events.ConnectionStarted, suite.addr),
		events.New(events.ConnectionCompleted, suite.addr).WithErr(connErr),
		events.New(events.ValueChanged, suite.addr).WithValue([]byte{0x2a, 0, 0, 0}),
		events.New(events.ClientDisconnected, suite.addr).WithErr(device.ErrRemoteDisconnect),
		events.New(events.ScanStopped, 0),
	}
	for _, ev := range evs {
		suite.Require().NoError(suite.engine.HandleEvent(ev), ev.Kind.String())
	}

	suite.Equal(true, suite.engine.GetGlobal("started"))
	suite.Equal("clean", suite.engine.GetGlobal("stopped"))
	suite.Equal("AA:BB:CC:DD:EE:FF/MultyGattServer", suite.engine.GetGlobal("found"))
	suite.Equal(true, suite.engine.GetGlobal("conn_started"))
	suite.Equal("connection failed", suite.engine.GetGlobal("completed"))
	suite.Equal("AA:BB:CC:DD:EE:FF:4:42", suite.engine.GetGlobal("changed"))
	suite.Equal(device.ErrRemoteDisconnect.Error(), suite.engine.GetGlobal("reason_seen"))
}

func (suite *EngineTestSuite) TestMissingHooksAreSkipped() {
	suite.load(`x = 1`)
	suite.NoError(suite.engine.HandleEvent(events.New(events.DeviceFound, suite.addr)))
	suite.NoError(suite.engine.HandleEvent(events.Event{Kind: events.Kind(99)}))
}

func (suite *EngineTestSuite) TestHookRuntimeErrorKeepsEngineUsable() {
	suite.load(`
		function on_device_found(addr, name) error("bad hook") end
		function on_started() ok = true end
	`)

	err := suite.engine.HandleEvent(events.New(events.DeviceFound, suite.addr))
	suite.ErrorIs(err, ErrRuntime)
	suite.Contains(err.Error(), "on_device_found")

	suite.NoError(suite.engine.HandleEvent(events.New(events.ScanStarted, 0)))
	suite.Equal(true, suite.engine.GetGlobal("ok"))
}

func (suite *EngineTestSuite) TestPrintIsCaptured() {
	suite.load(`print("hello", 42, nil, true)`)

	rec := suite.nextOutput()
	suite.Equal("hello\t42\tnil\ttrue", rec.Content)
	suite.Equal("stdout", rec.Source)
}

func (suite *EngineTestSuite) TestGattRead() {
	suite.gatt.On("ReadData", suite.addr).Return([]byte("counter"), nil).Once()
	suite.gatt.On("ReadData", device.Address(1)).Return(nil, device.ErrConnectionNotActive).Once()

	suite.load(`
		value = gatt.read("AA:BB:CC:DD:EE:FF")
		missing, read_err = gatt.read("00:00:00:00:00:01")
		bad, parse_err = gatt.read("not-an-address")
	`)

	suite.Equal("counter", suite.engine.GetGlobal("value"))
	suite.Nil(suite.engine.GetGlobal("missing"))
	suite.Equal(device.ErrConnectionNotActive.Error(), suite.engine.GetGlobal("read_err"))
	suite.Nil(suite.engine.GetGlobal("bad"))
	suite.Contains(suite.engine.GetGlobal("parse_err"), "invalid argument")
}

func (suite *EngineTestSuite) TestGattWriteAndDisconnect() {
	suite.gatt.On("WriteData", suite.addr, []byte("ping")).Return(nil).Once()
	suite.gatt.On("Disconnect", suite.addr).Return(device.ErrConnectionClosed).Once()

	suite.load(`
		written = gatt.write("AA:BB:CC:DD:EE:FF", "ping")
		no_data, data_err = gatt.write("AA:BB:CC:DD:EE:FF")
		dropped, drop_err = gatt.disconnect("AA:BB:CC:DD:EE:FF")
	`)

	suite.Equal(true, suite.engine.GetGlobal("written"))
	suite.Equal("data must be a string", suite.engine.GetGlobal("data_err"))
	suite.Nil(suite.engine.GetGlobal("dropped"))
	suite.Equal(device.ErrConnectionClosed.Error(), suite.engine.GetGlobal("drop_err"))
}

func (suite *EngineTestSuite) TestGattActiveAndLog() {
	suite.gatt.On("Active").Return([]device.Address{2, 1}).Once()

	suite.load(`
		local list = gatt.active()
		count = #list
		first = list[1]
		gatt.log("active=" .. count)
	`)

	suite.Equal(float64(2), suite.engine.GetGlobal("count"))
	suite.Equal("00:00:00:00:00:02", suite.engine.GetGlobal("first"))
	suite.Equal("active=2", suite.nextOutput().Content)
}

func (suite *EngineTestSuite) TestGattPanicBecomesError() {
	suite.gatt.On("Active").Run(func(mock.Arguments) { panic("kaboom") }).Return([]device.Address(nil))

	suite.load(`res, err = gatt.active()`)

	suite.Nil(suite.engine.GetGlobal("res"))
	suite.Contains(suite.engine.GetGlobal("err"), "kaboom")
}

func (suite *EngineTestSuite) TestRunConsumesQueue() {
	suite.load(`
		seen = 0
		function on_device_found(addr, name) seen = seen + 1 end
		function on_value_changed(addr, data) error("fails but keeps going") end
	`)

	q := events.NewQueue(16)
	q.HandleEvent(events.New(events.DeviceFound, suite.addr))
	q.HandleEvent(events.New(events.ValueChanged, suite.addr).WithValue([]byte{1}))
	q.HandleEvent(events.New(events.DeviceFound, device.Address(1)))
	q.Close()

	done := make(chan struct{})
	go func() {
		suite.engine.Run(context.Background(), q)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		suite.FailNow("Run did not return after the queue closed")
	}
	suite.Equal(float64(2), suite.engine.GetGlobal("seen"))

	rec := suite.nextOutput()
	suite.Equal("stderr", rec.Source)
	suite.Contains(rec.Content, "fails but keeps going")
}

func (suite *EngineTestSuite) TestRunStopsOnCancel() {
	q := events.NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		suite.engine.Run(ctx, q)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		suite.FailNow("Run ignored cancellation")
	}
}

func (suite *EngineTestSuite) TestClosedEngineIgnoresEvents() {
	suite.load(`function on_started() error("must not run") end`)
	suite.engine.Close()

	suite.NoError(suite.engine.HandleEvent(events.New(events.ScanStarted, 0)))
	suite.Nil(suite.engine.GetGlobal("anything"))
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
