package testutils

import (
	"github.com/srg/wandkit/internal/device"
)

// FakeAdvertisement implements device.Advertisement.
type FakeAdvertisement struct {
	Address        string
	Name           string
	Signal         int
	ServiceUUIDs   []string
	NotConnectable bool
}

func (a *FakeAdvertisement) Addr() string       { return a.Address }
func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) RSSI() int          { return a.Signal }
func (a *FakeAdvertisement) Services() []string { return a.ServiceUUIDs }
func (a *FakeAdvertisement) Connectable() bool  { return !a.NotConnectable }

// AdvertisementBuilder builds fake advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Signal = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = device.NormalizeUUIDs(uuids)
	return b
}

func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.NotConnectable = !connectable
	return b
}

func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	return &adv
}
