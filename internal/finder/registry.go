package finder

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sharnoff/strobe/internal/protocol"
)

// Device is a light found on the network
type Device struct {
	Serial   protocol.Target
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Registry holds every device seen recently. It's safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	devices map[protocol.Target]Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[protocol.Target]Device)}
}

// Saw records that a device was seen at addr, returning true if it wasn't already known
func (r *Registry) Saw(serial protocol.Target, addr *net.UDPAddr, at time.Time) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.devices[serial]
	r.devices[serial] = Device{Serial: serial, Addr: addr, LastSeen: at}
	return !known
}

func (r *Registry) Get(serial protocol.Target) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[serial]
	return d, ok
}

// ForgetBefore removes every device last seen before cutoff, returning their serials
func (r *Registry) ForgetBefore(cutoff time.Time) []protocol.Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	var forgotten []protocol.Target
	for serial, d := range r.devices {
		if d.LastSeen.Before(cutoff) {
			delete(r.devices, serial)
			forgotten = append(forgotten, serial)
		}
	}
	return forgotten
}

// All returns every known device, ordered by serial
func (r *Registry) All() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Serial.String() < devices[j].Serial.String()
	})
	return devices
}
