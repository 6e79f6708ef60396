package watcher

import (
	"github.com/srg/wandkit/internal/device"
)

// Filter restricts which advertisements enter the discovered-device cache.
// The zero value accepts everything.
type Filter struct {
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// accepts applies the allow/block/service filters
func (f *Filter) accepts(adv device.Advertisement) bool {
	if f == nil {
		return true
	}
	addr := adv.Addr()

	for _, blocked := range f.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(f.AllowList) > 0 {
		allowed := false
		for _, a := range f.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(f.ServiceUUIDs) > 0 {
		advertised := device.NormalizeUUIDs(adv.Services())
		for _, required := range device.NormalizeUUIDs(f.ServiceUUIDs) {
			for _, s := range advertised {
				if s == required {
					return true
				}
			}
		}
		return false
	}

	return true
}
