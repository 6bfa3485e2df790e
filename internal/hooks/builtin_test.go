package hooks

import (
	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/events"
)

func (suite *EngineTestSuite) TestBuiltinNames() {
	suite.Equal([]string{"echo", "log"}, BuiltinNames())

	_, err := Builtin("nope")
	suite.Require().Error(err)
	suite.Contains(err.Error(), "available: echo, log")
}

func (suite *EngineTestSuite) TestLoadBuiltinLog() {
	suite.Require().NoError(suite.engine.Load("builtin:log"))
	suite.gatt.On("Active").Return([]device.Address{suite.addr})

	suite.Require().NoError(suite.engine.HandleEvent(events.New(events.ConnectionCompleted, suite.addr)))
	suite.Equal("connected AA:BB:CC:DD:EE:FF, active: 1", suite.nextOutput().Content)

	suite.Require().NoError(suite.engine.HandleEvent(events.New(events.ValueChanged, suite.addr).WithValue([]byte{0x01, 0x01, 0, 0})))
	suite.Equal("AA:BB:CC:DD:EE:FF counter 257", suite.nextOutput().Content)

	suite.Require().NoError(suite.engine.HandleEvent(events.New(events.ClientDisconnected, suite.addr).WithErr(device.ErrRemoteDisconnect)))
	suite.Equal("disconnected AA:BB:CC:DD:EE:FF (connection terminated by remote device)", suite.nextOutput().Content)
}

func (suite *EngineTestSuite) TestLoadBuiltinEcho() {
	suite.Require().NoError(suite.engine.Load("builtin:echo"))
	suite.gatt.On("WriteData", suite.addr, []byte{1, 2, 3}).Return(nil).Once()

	suite.Require().NoError(suite.engine.HandleEvent(events.New(events.ValueChanged, suite.addr).WithValue([]byte{1, 2, 3})))
	suite.Require().NoError(suite.engine.HandleEvent(events.New(events.ValueChanged, suite.addr).WithValue([]byte{})))
}

func (suite *EngineTestSuite) TestLoadUnknownBuiltin() {
	suite.Error(suite.engine.Load("builtin:missing"))
}

func (suite *EngineTestSuite) TestLoadPath() {
	path := suite.helper.WriteTempFile("answer.lua", `answer = 42`)
	suite.Require().NoError(suite.engine.Load(path))
	suite.Equal(float64(42), suite.engine.GetGlobal("answer"))
}
