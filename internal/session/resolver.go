package session

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattwatch/internal/device"
)

// Attributes are the characteristic handles a usable session keeps.
// The notifiable characteristic is not retained; only its subscription matters.
type Attributes struct {
	Readable device.Characteristic
	Writable device.Characteristic
}

// Resolver looks up the fixed profile on a raw connection and subscribes to its notifiable characteristic
type Resolver struct {
	logger *logrus.Logger
}

// NewResolver creates a resolver. A nil logger falls back to logrus.New().
func NewResolver(logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{logger: logger}
}

// Resolve runs the resolution protocol step by step. The first failing step aborts and its error is returned as is.
// Handles found before the failure are discarded.
func (r *Resolver) Resolve(conn device.Conn, onValue device.NotificationHandler) (*Attributes, error) {
	log := r.logger.WithField("address", conn.Address())

	log.WithFields(logrus.Fields{"step": "service", "uuid": device.ShortenUUID(device.ServiceUUID)}).Debug("Looking up service")
	svc, err := conn.FindService(device.ServiceUUID)
	if err != nil {
		return nil, err
	}

	readable, err := r.findCharacteristic(log, conn, svc, "readable", device.ReadableCharUUID)
	if err != nil {
		return nil, err
	}

	writable, err := r.findCharacteristic(log, conn, svc, "writable", device.WritableCharUUID)
	if err != nil {
		return nil, err
	}

	notifiable, err := r.findCharacteristic(log, conn, svc, "notifiable", device.NotifiableCharUUID)
	if err != nil {
		return nil, err
	}

	log.WithField("step", "subscribe").Debug("Subscribing for notifications")
	if err := conn.Subscribe(notifiable, onValue); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", device.ShortenUUID(device.NotifiableCharUUID), err)
	}

	return &Attributes{Readable: readable, Writable: writable}, nil
}

func (r *Resolver) findCharacteristic(log *logrus.Entry, conn device.Conn, svc device.Service, step string, u device.UUID) (device.Characteristic, error) {
	log.WithFields(logrus.Fields{"step": step, "uuid": device.ShortenUUID(u)}).Debug("Looking up characteristic")
	return conn.FindCharacteristic(svc, u)
}
