package testutils

import (
	"context"

	"github.com/srg/gattwatch/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockRadio is a testify mock of device.Radio
type MockRadio struct {
	mock.Mock
}

func (m *MockRadio) Scan(ctx context.Context, handler func(device.Advertisement)) error {
	return m.Called(ctx, handler).Error(0)
}

func (m *MockRadio) Dial(ctx context.Context, addr device.Address) (device.Conn, error) {
	args := m.Called(ctx, addr)
	conn, _ := args.Get(0).(device.Conn)
	return conn, args.Error(1)
}

// MockConn is a testify mock of device.Conn. Done is what Disconnected returns.
type MockConn struct {
	mock.Mock
	Done chan struct{}
}

// NewMockConn creates a MockConn with an open Done channel
func NewMockConn() *MockConn {
	return &MockConn{Done: make(chan struct{})}
}

func (m *MockConn) Address() device.Address {
	return m.Called().Get(0).(device.Address)
}

func (m *MockConn) FindService(u device.UUID) (device.Service, error) {
	args := m.Called(u)
	svc, _ := args.Get(0).(device.Service)
	return svc, args.Error(1)
}

func (m *MockConn) FindCharacteristic(svc device.Service, u device.UUID) (device.Characteristic, error) {
	args := m.Called(svc, u)
	char, _ := args.Get(0).(device.Characteristic)
	return char, args.Error(1)
}

func (m *MockConn) Subscribe(char device.Characteristic, handler device.NotificationHandler) error {
	return m.Called(char, handler).Error(0)
}

func (m *MockConn) ReadCharacteristic(char device.Characteristic, forceDeviceRead bool) ([]byte, error) {
	args := m.Called(char, forceDeviceRead)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockConn) WriteCharacteristic(char device.Characteristic, value []byte) error {
	return m.Called(char, value).Error(0)
}

func (m *MockConn) Disconnect() error {
	return m.Called().Error(0)
}

func (m *MockConn) Disconnected() <-chan struct{} {
	return m.Done
}

func (m *MockConn) Err() error {
	return m.Called().Error(0)
}

// MockAttribute is a fixed service or characteristic handle
type MockAttribute struct {
	ID  device.UUID
	Hnd uint16
}

func (a *MockAttribute) UUID() device.UUID { return a.ID }
func (a *MockAttribute) Handle() uint16    { return a.Hnd }

// ExpectProfile sets up a complete, successful resolution on m and returns the readable and writable handles
func ExpectProfile(m *MockConn, addr device.Address) (readable, writable *MockAttribute) {
	svc := &MockAttribute{ID: device.ServiceUUID}
	readable = &MockAttribute{ID: device.ReadableCharUUID, Hnd: ReadableHandle}
	writable = &MockAttribute{ID: device.WritableCharUUID, Hnd: WritableHandle}
	notifiable := &MockAttribute{ID: device.NotifiableCharUUID, Hnd: NotifiableHandle}

	m.On("Address").Return(addr).Maybe()
	m.On("FindService", device.ServiceUUID).Return(svc, nil)
	m.On("FindCharacteristic", svc, device.ReadableCharUUID).Return(readable, nil)
	m.On("FindCharacteristic", svc, device.WritableCharUUID).Return(writable, nil)
	m.On("FindCharacteristic", svc, device.NotifiableCharUUID).Return(notifiable, nil)
	m.On("Subscribe", notifiable, mock.Anything).Return(nil)
	return readable, writable
}
