package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattwatch/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type mockDevice struct {
	mock.Mock
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	svcs, _ := args.Get(0).([]*ble.Service)
	return svcs, args.Error(1)
}

func (m *mockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *mockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := m.Called(filter, c)
	descs, _ := args.Get(0).([]*ble.Descriptor)
	return descs, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

// watchedClient adds the Disconnected channel exposed by real go-ble clients
type watchedClient struct {
	mockClient
	disconnected chan struct{}
}

func (w *watchedClient) Disconnected() <-chan struct{} { return w.disconnected }

// report overrides the advertisement fields the radio reads. Any other method panics.
type report struct {
	ble.Advertisement
	name        string
	addr        string
	connectable bool
	rssi        int
}

func (r *report) LocalName() string { return r.name }
func (r *report) Connectable() bool { return r.connectable }
func (r *report) RSSI() int         { return r.rssi }
func (r *report) Addr() ble.Addr    { return ble.NewAddr(r.addr) }

type RadioTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func (s *RadioTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
}

func (s *RadioTestSuite) TestScanConvertsAdvertisements() {
	dev := &mockDevice{}
	dev.On("Scan", mock.Anything, true, mock.MatchedBy(func(h ble.AdvHandler) bool {
		h(&report{name: device.DeviceName, addr: "aa:bb:cc:dd:ee:ff", connectable: true, rssi: -40})
		h(&report{name: "junk", addr: "not-an-address"})
		return true
	})).Return(nil)

	radio := newRadio(dev, s.logger)
	var got []device.Advertisement
	err := radio.Scan(context.Background(), func(adv device.Advertisement) {
		got = append(got, adv)
	})

	s.Require().NoError(err)
	s.Require().Len(got, 1, "advertisements with unparsable addresses MUST be skipped")
	s.Equal(device.Advertisement{
		Address:     device.MustParseAddress("AA:BB:CC:DD:EE:FF"),
		Name:        device.DeviceName,
		Connectable: true,
		RSSI:        -40,
	}, got[0])
	dev.AssertExpectations(s.T())
}

func (s *RadioTestSuite) TestScanCancellationIsNotAnError() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dev := &mockDevice{}
	dev.On("Scan", mock.Anything, true, mock.Anything).Return(context.Canceled)

	err := newRadio(dev, s.logger).Scan(ctx, func(device.Advertisement) {})
	s.NoError(err)
}

func (s *RadioTestSuite) TestScanNormalizesErrors() {
	dev := &mockDevice{}
	dev.On("Scan", mock.Anything, true, mock.Anything).Return(errors.New("can't init hci: no devices available"))

	err := newRadio(dev, s.logger).Scan(context.Background(), func(device.Advertisement) {})
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *RadioTestSuite) TestDialRejectsZeroAddress() {
	_, err := newRadio(&mockDevice{}, s.logger).Dial(context.Background(), 0)
	s.ErrorIs(err, device.ErrInvalidArgument)
}

func (s *RadioTestSuite) TestDialWrapsFailure() {
	dev := &mockDevice{}
	dev.On("Dial", mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	_, err := newRadio(dev, s.logger).Dial(context.Background(), device.MustParseAddress("AA:BB:CC:DD:EE:FF"))
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Contains(err.Error(), "AA:BB:CC:DD:EE:FF")
}

func TestRadioTestSuite(t *testing.T) {
	suite.Run(t, new(RadioTestSuite))
}

func profileFixture() (*ble.Service, *ble.Characteristic) {
	svc := &ble.Service{UUID: toBLE(device.ServiceUUID)}
	char := &ble.Characteristic{
		UUID:        toBLE(device.NotifiableCharUUID),
		Property:    ble.CharNotify,
		ValueHandle: 0x2a,
	}
	return svc, char
}

func TestConn_FindServiceAndCharacteristic(t *testing.T) {
	svc, char := profileFixture()
	client := &mockClient{}
	client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{svc}, nil)
	client.On("DiscoverCharacteristics", mock.Anything, svc).Return([]*ble.Characteristic{char}, nil)

	c := newConn(device.MustParseAddress("AA:BB:CC:DD:EE:FF"), client, logrus.New())

	foundSvc, err := c.FindService(device.ServiceUUID)
	require.NoError(t, err)
	assert.Equal(t, device.ServiceUUID, foundSvc.UUID())

	foundChar, err := c.FindCharacteristic(foundSvc, device.NotifiableCharUUID)
	require.NoError(t, err)
	assert.Equal(t, device.NotifiableCharUUID, foundChar.UUID())
	assert.Equal(t, uint16(0x2a), foundChar.Handle())

	_, err = c.FindCharacteristic(foundSvc, device.ReadableCharUUID)
	var nf *device.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "characteristic", nf.Resource)
}

func TestConn_FindServiceMissing(t *testing.T) {
	client := &mockClient{}
	client.On("DiscoverServices", mock.Anything).Return([]*ble.Service{}, nil)

	c := newConn(device.MustParseAddress("AA:BB:CC:DD:EE:FF"), client, logrus.New())
	_, err := c.FindService(device.ServiceUUID)

	var nf *device.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "service", nf.Resource)
}

func TestConn_SubscribeDiscoversCCCD(t *testing.T) {
	_, char := profileFixture()
	client := &mockClient{}
	client.On("DiscoverDescriptors", mock.Anything, char).Run(func(mock.Arguments) {
		char.CCCD = &ble.Descriptor{UUID: ble.UUID16(0x2902), Handle: 0x2b}
	}).Return([]*ble.Descriptor{}, nil)

	var handler ble.NotificationHandler
	client.On("Subscribe", char, false, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)

	c := newConn(device.MustParseAddress("AA:BB:CC:DD:EE:FF"), client, logrus.New())

	var gotHandle uint16
	var gotValue []byte
	err := c.Subscribe(&characteristic{char: char}, func(h uint16, v []byte) {
		gotHandle, gotValue = h, v
	})
	require.NoError(t, err)
	require.NotNil(t, handler)

	handler([]byte{0x01, 0x02})
	assert.Equal(t, uint16(0x2a), gotHandle)
	assert.Equal(t, []byte{0x01, 0x02}, gotValue)
	client.AssertExpectations(t)
}

func TestConn_SubscribeWithoutCCCD(t *testing.T) {
	_, char := profileFixture()
	client := &mockClient{}
	client.On("DiscoverDescriptors", mock.Anything, char).Return([]*ble.Descriptor{}, nil)

	c := newConn(device.MustParseAddress("AA:BB:CC:DD:EE:FF"), client, logrus.New())
	err := c.Subscribe(&characteristic{char: char}, func(uint16, []byte) {})

	var nf *device.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "descriptor", nf.Resource)
	client.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestConn_ReadAndWrite(t *testing.T) {
	_, char := profileFixture()
	client := &mockClient{}
	client.On("ReadCharacteristic", char).Return([]byte("hello"), nil)
	client.On("WriteCharacteristic", char, []byte("abc"), false).Return(nil)

	c := newConn(device.MustParseAddress("AA:BB:CC:DD:EE:FF"), client, logrus.New())

	data, err := c.ReadCharacteristic(&characteristic{char: char}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, c.WriteCharacteristic(&characteristic{char: char}, []byte("abc")))
	client.AssertExpectations(t)
}

func TestConn_LocalDisconnectReason(t *testing.T) {
	client := &mockClient{}
	client.On("CancelConnection").Return(nil)

	c := newConn(device.MustParseAddress("AA:BB:CC:DD:EE:FF"), client, logrus.New())
	assert.Nil(t, c.Err())

	require.NoError(t, c.Disconnect())

	select {
	case <-c.Disconnected():
	case <-time.After(time.Second):
		require.Fail(t, "Disconnected was not closed")
	}
	assert.ErrorIs(t, c.Err(), device.ErrLocalDisconnect)
}

func TestConn_RemoteDisconnectReason(t *testing.T) {
	client := &watchedClient{disconnected: make(chan struct{})}

	c := newConn(device.MustParseAddress("AA:BB:CC:DD:EE:FF"), client, logrus.New())
	close(client.disconnected)

	select {
	case <-c.Disconnected():
	case <-time.After(time.Second):
		require.Fail(t, "Disconnected was not closed")
	}
	assert.ErrorIs(t, c.Err(), device.ErrRemoteDisconnect)
}

func TestToUUID_Expands16Bit(t *testing.T) {
	assert.Equal(t, "00002902-0000-1000-8000-00805f9b34fb", toUUID(ble.UUID16(0x2902)).String())
	assert.Equal(t, device.ServiceUUID, toUUID(toBLE(device.ServiceUUID)))
}
