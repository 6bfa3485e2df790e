package testutils

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/srg/gattwatch/internal/device"
)

// PeripheralConfig is the JSON form accepted by PeripheralBuilder.FromJSON
type PeripheralConfig struct {
	Address   string   `json:"address"`
	Name      string   `json:"name,omitempty"`
	ReadValue string   `json:"read_value,omitempty"` // ASCII
	Missing   []string `json:"missing,omitempty"`    // service or characteristic UUIDs to hide
	DialError string   `json:"dial_error,omitempty"`
}

// PeripheralBuilder builds a FakePeripheral exposing the fixed profile, with optional faults
type PeripheralBuilder struct {
	p *FakePeripheral
}

// NewPeripheralBuilder starts from a healthy MultyGattServer at AA:BB:CC:DD:EE:FF
func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{p: &FakePeripheral{
		Address:   device.MustParseAddress("AA:BB:CC:DD:EE:FF"),
		Name:      device.DeviceName,
		missing:   make(map[device.UUID]bool),
		readValue: []byte("hello"),
	}}
}

// WithAddress sets the peripheral address; panics on a malformed one
func (b *PeripheralBuilder) WithAddress(addr string) *PeripheralBuilder {
	b.p.Address = device.MustParseAddress(addr)
	return b
}

// WithName sets the advertised name
func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.p.Name = name
	return b
}

// WithReadValue sets what the readable characteristic returns
func (b *PeripheralBuilder) WithReadValue(v []byte) *PeripheralBuilder {
	b.p.readValue = append([]byte(nil), v...)
	return b
}

// WithoutAttribute hides the service or a characteristic so resolution fails at that step
func (b *PeripheralBuilder) WithoutAttribute(u device.UUID) *PeripheralBuilder {
	b.p.missing[u] = true
	return b
}

// WithDialError makes every connection attempt fail
func (b *PeripheralBuilder) WithDialError(err error) *PeripheralBuilder {
	b.p.dialErr = err
	return b
}

// WithDialGate holds every connection attempt until ReleaseDial or the dial context ends
func (b *PeripheralBuilder) WithDialGate() *PeripheralBuilder {
	b.p.dialGate = make(chan struct{})
	return b
}

// WithSubscribeError makes the subscription step fail
func (b *PeripheralBuilder) WithSubscribeError(err error) *PeripheralBuilder {
	b.p.subscribeErr = err
	return b
}

// WithReadError makes reads fail
func (b *PeripheralBuilder) WithReadError(err error) *PeripheralBuilder {
	b.p.readErr = err
	return b
}

// WithWriteError makes writes fail
func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.p.writeErr = err
	return b
}

// WithDisconnectError makes local disconnects report err (the link still goes down)
func (b *PeripheralBuilder) WithDisconnectError(err error) *PeripheralBuilder {
	b.p.disconnectErr = err
	return b
}

// FromJSON fills the peripheral from JSON
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var cfg PeripheralConfig
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	if cfg.Address != "" {
		b.WithAddress(cfg.Address)
	}
	if cfg.Name != "" {
		b.WithName(cfg.Name)
	}
	if cfg.ReadValue != "" {
		b.WithReadValue([]byte(cfg.ReadValue))
	}
	for _, m := range cfg.Missing {
		u, err := device.ParseUUID(m)
		if err != nil {
			panic(fmt.Sprintf("PeripheralBuilder.FromJSON: bad uuid %q: %v", m, err))
		}
		b.WithoutAttribute(u)
	}
	if cfg.DialError != "" {
		b.WithDialError(errors.New(cfg.DialError))
	}
	return b
}

// Build returns the configured peripheral
func (b *PeripheralBuilder) Build() *FakePeripheral {
	return b.p
}

// AdvertisementBuilder builds scan reports
type AdvertisementBuilder struct {
	adv device.Advertisement
}

// NewAdvertisementBuilder starts from a non-connectable MultyGattServer report at AA:BB:CC:DD:EE:FF
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: device.Advertisement{
		Address: device.MustParseAddress("AA:BB:CC:DD:EE:FF"),
		Name:    device.DeviceName,
		RSSI:    -50,
	}}
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = device.MustParseAddress(addr)
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.Connectable = c
	return b
}

func (b *AdvertisementBuilder) Build() device.Advertisement {
	return b.adv
}
