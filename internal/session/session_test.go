package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/gattwatch/internal/device"
	"github.com/srg/gattwatch/internal/session"
	"github.com/srg/gattwatch/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// outcomes collects session callbacks
type outcomes struct {
	mu           sync.Mutex
	connected    []error
	disconnected []error
	values       [][]byte
}

func (o *outcomes) callbacks() session.Callbacks {
	return session.Callbacks{
		OnConnected: func(_ *session.Session, err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.connected = append(o.connected, err)
		},
		OnDisconnected: func(_ *session.Session, reason error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.disconnected = append(o.disconnected, reason)
		},
		OnValueChanged: func(_ *session.Session, v []byte) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.values = append(o.values, v)
		},
	}
}

func (o *outcomes) connectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.connected)
}

func (o *outcomes) disconnectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.disconnected)
}

func (o *outcomes) lastConnected() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected[len(o.connected)-1]
}

func (o *outcomes) lastDisconnected() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnected[len(o.disconnected)-1]
}

func (o *outcomes) valueList() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.values...)
}

type SessionTestSuite struct {
	testutils.FakeRadioSuite
	out *outcomes
}

func (s *SessionTestSuite) SetupTest() {
	s.FakeRadioSuite.SetupTest()
	s.out = &outcomes{}
}

func (s *SessionTestSuite) newSession() *session.Session {
	return session.New(s.out.callbacks(), s.Logger, session.Options{ConnectTimeout: time.Second})
}

func (s *SessionTestSuite) connect(sess *session.Session, p *testutils.FakePeripheral) {
	s.Require().NoError(sess.Connect(context.Background(), p.Address, s.Radio))
	s.WaitUntil(func() bool { return s.out.connectedCount() == 1 }, "connect outcome was not reported")
}

func (s *SessionTestSuite) TestConnectRejectsInvalidArguments() {
	sess := s.newSession()

	s.ErrorIs(sess.Connect(context.Background(), 0, s.Radio), device.ErrInvalidArgument)
	s.ErrorIs(sess.Connect(context.Background(), s.Addr("AA:BB:CC:DD:EE:FF"), nil), device.ErrInvalidArgument)
	s.Zero(s.Radio.Dials(), "invalid arguments MUST NOT reach the transport")
}

func (s *SessionTestSuite) TestConnectResolvesAndBecomesUsable() {
	p := s.WithPeripheral(testutils.NewPeripheralBuilder().WithReadValue([]byte("ping")))
	sess := s.newSession()

	s.connect(sess, p)

	s.NoError(s.out.lastConnected())
	s.True(sess.Usable())
	s.Equal(p.Address, sess.Address())

	attrs := sess.Resolved()
	s.Require().NotNil(attrs)
	s.Equal(device.ReadableCharUUID, attrs.Readable.UUID())
	s.Equal(device.WritableCharUUID, attrs.Writable.UUID())

	data, err := sess.ReadValue()
	s.Require().NoError(err)
	s.Equal([]byte("ping"), data)

	s.Require().NoError(sess.WriteValue([]byte("pong")))
	s.Equal([][]byte{[]byte("pong")}, p.Writes())
}

func (s *SessionTestSuite) TestConnectWhileInFlightFails() {
	p := s.WithPeripheral(testutils.NewPeripheralBuilder().WithDialGate())
	sess := s.newSession()

	s.Require().NoError(sess.Connect(context.Background(), p.Address, s.Radio))
	err := sess.Connect(context.Background(), p.Address, s.Radio)
	s.ErrorIs(err, device.ErrConnectionActive)

	p.ReleaseDial()
	s.WaitUntil(func() bool { return s.out.connectedCount() == 1 })

	s.ErrorIs(sess.Connect(context.Background(), p.Address, s.Radio), device.ErrConnectionActive,
		"a usable session MUST reject another connect")
	s.Equal(1, p.Dials())
}

func (s *SessionTestSuite) TestResolutionFailuresDisconnect() {
	subscribeErr := errors.New("cccd write rejected")
	tests := []struct {
		name    string
		builder *testutils.PeripheralBuilder
		check   func(err error)
	}{
		{
			name:    "missing service",
			builder: testutils.NewPeripheralBuilder().WithoutAttribute(device.ServiceUUID),
			check: func(err error) {
				var nf *device.NotFoundError
				s.Require().ErrorAs(err, &nf)
				s.Equal("service", nf.Resource)
			},
		},
		{
			name:    "missing readable",
			builder: testutils.NewPeripheralBuilder().WithoutAttribute(device.ReadableCharUUID),
			check: func(err error) {
				var nf *device.NotFoundError
				s.Require().ErrorAs(err, &nf)
				s.Contains(nf.UUIDs, device.ReadableCharUUID.String())
			},
		},
		{
			name:    "missing writable",
			builder: testutils.NewPeripheralBuilder().WithoutAttribute(device.WritableCharUUID),
			check: func(err error) {
				var nf *device.NotFoundError
				s.Require().ErrorAs(err, &nf)
				s.Contains(nf.UUIDs, device.WritableCharUUID.String())
			},
		},
		{
			name:    "missing notifiable",
			builder: testutils.NewPeripheralBuilder().WithoutAttribute(device.NotifiableCharUUID),
			check: func(err error) {
				var nf *device.NotFoundError
				s.Require().ErrorAs(err, &nf)
				s.Contains(nf.UUIDs, device.NotifiableCharUUID.String())
			},
		},
		{
			name:    "subscribe failure",
			builder: testutils.NewPeripheralBuilder().WithSubscribeError(subscribeErr),
			check: func(err error) {
				s.ErrorIs(err, subscribeErr)
			},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			p := s.WithPeripheral(tt.builder)
			sess := s.newSession()

			s.connect(sess, p)

			err := s.out.lastConnected()
			s.Require().Error(err)
			tt.check(err)
			s.False(sess.Usable())
			s.Nil(sess.Resolved(), "handles MUST be discarded on failure")
			s.Equal(1, p.Disconnects(), "a failed resolution MUST disconnect the raw link")
			s.Zero(s.out.disconnectedCount(), "a session that never became usable reports no disconnect")
		})
	}
}

func (s *SessionTestSuite) TestDialFailureIsReported() {
	dialErr := errors.New("page timeout")
	p := s.WithPeripheral(testutils.NewPeripheralBuilder().WithDialError(dialErr))
	sess := s.newSession()

	s.connect(sess, p)

	s.ErrorIs(s.out.lastConnected(), dialErr)
	s.False(sess.Usable())

	// A failed session may connect again
	p2 := s.WithPeripheral(testutils.NewPeripheralBuilder().WithAddress("11:22:33:44:55:66"))
	s.Require().NoError(sess.Connect(context.Background(), p2.Address, s.Radio))
	s.WaitUntil(func() bool { return s.out.connectedCount() == 2 })
	s.NoError(s.out.lastConnected())
}

func (s *SessionTestSuite) TestIOOnUnusableSession() {
	sess := s.newSession()

	_, err := sess.ReadValue()
	s.ErrorIs(err, device.ErrConnectionClosed)
	s.ErrorIs(sess.WriteValue([]byte{1}), device.ErrConnectionClosed)
	s.ErrorIs(sess.WriteValue(nil), device.ErrInvalidArgument, "empty payload is checked first")
	s.ErrorIs(sess.Disconnect(), device.ErrConnectionNotActive)
}

func (s *SessionTestSuite) TestWriteEmptyPayloadNeverReachesTransport() {
	p := s.WithPeripheral(testutils.NewPeripheralBuilder())
	sess := s.newSession()
	s.connect(sess, p)

	s.ErrorIs(sess.WriteValue([]byte{}), device.ErrInvalidArgument)
	s.Empty(p.Writes())
}

func (s *SessionTestSuite) TestNotificationsAreForwarded() {
	p := s.WithPeripheral(testutils.NewPeripheralBuilder())
	sess := s.newSession()
	s.connect(sess, p)

	s.True(p.Notify([]byte{1, 0, 0, 0}))
	s.True(p.Notify([]byte{2, 0, 0, 0}))

	s.Equal([][]byte{{1, 0, 0, 0}, {2, 0, 0, 0}}, s.out.valueList())
}

func (s *SessionTestSuite) TestLocalDisconnect() {
	p := s.WithPeripheral(testutils.NewPeripheralBuilder())
	sess := s.newSession()
	s.connect(sess, p)

	s.Require().NoError(sess.Disconnect())
	s.WaitUntil(func() bool { return s.out.disconnectedCount() == 1 })

	s.ErrorIs(s.out.lastDisconnected(), device.ErrLocalDisconnect)
	s.False(sess.Usable())
	s.Nil(sess.Resolved())
	s.ErrorIs(sess.Disconnect(), device.ErrConnectionNotActive, "second disconnect MUST report not active")

	time.Sleep(20 * time.Millisecond)
	s.Equal(1, s.out.disconnectedCount(), "disconnect MUST be reported once")
}

func (s *SessionTestSuite) TestRemoteDisconnect() {
	p := s.WithPeripheral(testutils.NewPeripheralBuilder())
	sess := s.newSession()
	s.connect(sess, p)

	s.True(p.DropLink())
	s.WaitUntil(func() bool { return s.out.disconnectedCount() == 1 })

	s.ErrorIs(s.out.lastDisconnected(), device.ErrRemoteDisconnect)
	s.False(sess.Usable())

	_, err := sess.ReadValue()
	s.ErrorIs(err, device.ErrConnectionClosed)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestSession_ReadAlwaysForcesDeviceRead(t *testing.T) {
	addr := device.MustParseAddress("AA:BB:CC:DD:EE:FF")
	conn := testutils.NewMockConn()
	readable, writable := testutils.ExpectProfile(conn, addr)
	conn.On("ReadCharacteristic", readable, true).Return([]byte("fresh"), nil).Once()
	conn.On("WriteCharacteristic", writable, []byte("x")).Return(nil).Once()

	radio := &testutils.MockRadio{}
	radio.On("Dial", mock.Anything, addr).Return(conn, nil).Once()

	connected := make(chan error, 1)
	sess := session.New(session.Callbacks{
		OnConnected: func(_ *session.Session, err error) { connected <- err },
	}, nil, session.Options{})

	if err := sess.Connect(context.Background(), addr, radio); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case err := <-connected:
		if err != nil {
			t.Fatalf("connect outcome: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect outcome was not reported")
	}

	data, err := sess.ReadValue()
	if err != nil || string(data) != "fresh" {
		t.Fatalf("ReadValue = %q, %v", data, err)
	}
	if err := sess.WriteValue([]byte("x")); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	conn.AssertExpectations(t)
	radio.AssertExpectations(t)
}

func TestResolver_StopsAtFirstFailure(t *testing.T) {
	addr := device.MustParseAddress("AA:BB:CC:DD:EE:FF")
	conn := testutils.NewMockConn()
	svc := &testutils.MockAttribute{ID: device.ServiceUUID}
	readable := &testutils.MockAttribute{ID: device.ReadableCharUUID}
	missing := &device.NotFoundError{Resource: "characteristic"}

	conn.On("Address").Return(addr).Maybe()
	conn.On("FindService", device.ServiceUUID).Return(svc, nil)
	conn.On("FindCharacteristic", svc, device.ReadableCharUUID).Return(readable, nil)
	conn.On("FindCharacteristic", svc, device.WritableCharUUID).Return(nil, missing)

	attrs, err := session.NewResolver(nil).Resolve(conn, func(uint16, []byte) {})

	if attrs != nil {
		t.Fatalf("attributes MUST be nil on failure, got %+v", attrs)
	}
	if !errors.Is(err, missing) {
		t.Fatalf("error MUST be surfaced as is, got %v", err)
	}
	conn.AssertNotCalled(t, "FindCharacteristic", svc, device.NotifiableCharUUID)
	conn.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything)
}
