package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattwatch/internal/device"
	"github.com/stretchr/testify/suite"
)

// FakeRadioSuite provides a fresh FakeRadio and EventRecorder for every test.
//
//	type WatcherSuite struct {
//	    testutils.FakeRadioSuite
//	}
//
//	func (s *WatcherSuite) TestConnects() {
//	    p := s.WithPeripheral(testutils.NewPeripheralBuilder())
//	    ...
//	}
type FakeRadioSuite struct {
	suite.Suite

	Helper   *TestHelper
	Logger   *logrus.Logger
	Radio    *FakeRadio
	Recorder *EventRecorder

	// Timeout bounds every asynchronous wait in the suite
	Timeout time.Duration
}

// SetupSuite initializes the helper and logger once.
func (s *FakeRadioSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Timeout = 2 * time.Second
}

// SetupTest resets the radio and recorder before each test.
func (s *FakeRadioSuite) SetupTest() {
	s.Radio = NewFakeRadio()
	s.Recorder = NewEventRecorder()
}

// WithPeripheral builds and registers a peripheral
func (s *FakeRadioSuite) WithPeripheral(b *PeripheralBuilder) *FakePeripheral {
	p := b.Build()
	s.Radio.AddPeripheral(p)
	return p
}

// RequireScanning waits for the scan loop to be consuming advertisements
func (s *FakeRadioSuite) RequireScanning() {
	s.Require().True(s.Radio.WaitScanning(s.Timeout), "scan did not start")
}

// Discover sends the two sightings that start a connection: a named non-connectable one, then a connectable one
func (s *FakeRadioSuite) Discover(p *FakePeripheral) {
	named := NewAdvertisementBuilder().WithAddress(p.Address.String()).WithName(p.Name).Build()
	connectable := NewAdvertisementBuilder().WithAddress(p.Address.String()).WithName("").WithConnectable(true).Build()
	s.Require().True(s.Radio.Advertise(named), "nothing is scanning")
	s.Require().True(s.Radio.Advertise(connectable), "nothing is scanning")
}

// WaitUntil asserts cond becomes true within the suite timeout
func (s *FakeRadioSuite) WaitUntil(cond func() bool, msgAndArgs ...interface{}) {
	s.Require().Eventually(cond, s.Timeout, time.Millisecond, msgAndArgs...)
}

// Addr parses an address literal
func (s *FakeRadioSuite) Addr(str string) device.Address {
	return device.MustParseAddress(str)
}
