package device

import (
	"strings"
)

// Property is a GATT characteristic property bit.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

var propertyNames = []struct {
	prop Property
	name string
}{
	{PropRead, "read"},
	{PropWrite, "write"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
}

// Has reports whether all bits of p are set.
func (p Property) Has(other Property) bool {
	return p&other == other
}

func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p.Has(pn.prop) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties converts a comma separated list such as "read,notify" into
// a Property set. Unknown names are ignored.
func ParseProperties(s string) Property {
	var p Property
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		for _, pn := range propertyNames {
			if part == pn.name {
				p |= pn.prop
			}
		}
		// short aliases used by fixtures
		switch part {
		case "writenr", "write_without_response", "writewithoutresponse":
			p |= PropWriteWithoutResponse
		}
	}
	return p
}

// Characteristic is a discovered characteristic. Handle is owned by the transport.
type Characteristic struct {
	Service    string
	UUID       string
	Properties Property
	Handle     any
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []*Characteristic
}

// Profile is the result of service discovery. It acts as the per-connection
// characteristic cache.
type Profile struct {
	Services []*Service
}

// Service returns the service with the given UUID in any accepted format.
func (p *Profile) Service(uuid string) (*Service, error) {
	id := NormalizeUUID(uuid)
	if p != nil {
		for _, svc := range p.Services {
			if svc.UUID == id {
				return svc, nil
			}
		}
	}
	return nil, &NotFoundError{Resource: "service", UUIDs: []string{id}}
}

// Characteristic resolves a characteristic handle by service and characteristic UUID.
func (p *Profile) Characteristic(service, uuid string) (*Characteristic, error) {
	svc, err := p.Service(service)
	if err != nil {
		return nil, err
	}

	id := NormalizeUUID(uuid)
	for _, c := range svc.Characteristics {
		if c.UUID == id {
			return c, nil
		}
	}
	return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{svc.UUID, id}}
}

// CharacteristicCount returns the total number of characteristics in the profile.
func (p *Profile) CharacteristicCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, svc := range p.Services {
		n += len(svc.Characteristics)
	}
	return n
}
