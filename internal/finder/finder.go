// Package finder discovers devices on the network by periodically broadcasting GetService.
package finder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/protocol"
	"github.com/sharnoff/strobe/internal/transport"
)

// Broadcaster is the part of [transport.Communicator] used for discovery
type Broadcaster interface {
	Broadcast(ctx context.Context, msg protocol.Message, window time.Duration) (*strobe.Queue[transport.Reply], error)
}

type Options struct {
	// Interval between discovery broadcasts while running in the background
	Interval time.Duration
	// Window is how long replies to each broadcast are collected for
	Window time.Duration
	// ForgetAfter is how long a device may go unseen before it's removed
	ForgetAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval:    30 * time.Second,
		Window:      time.Second,
		ForgetAfter: 5 * time.Minute,
	}
}

// Finder keeps a Registry of devices up to date
type Finder struct {
	comm     Broadcaster
	opts     Options
	registry *Registry

	sig    *strobe.Signal[struct{}]
	holder *strobe.TaskHolder
	logger *slog.Logger
}

func New(final *strobe.Signal[struct{}], comm Broadcaster, opts Options, logger *slog.Logger) *Finder {
	if logger == nil {
		logger = slog.Default()
	}
	sig := strobe.NewChild(final, "finder")
	return &Finder{
		comm:     comm,
		opts:     opts,
		registry: NewRegistry(),
		sig:      sig,
		holder:   strobe.NewTaskHolder(sig, "finder", strobe.WithHolderLogger(logger)),
		logger:   logger,
	}
}

func (f *Finder) Registry() *Registry { return f.registry }

// Start begins discovering in the background, every Interval until the Finder is stopped.
func (f *Finder) Start() {
	f.holder.Add("discovery", func(ctx context.Context) error {
		ticker := strobe.Tick(f.sig, f.opts.Interval, strobe.WithTickerName("discovery"))
		defer ticker.Stop()

		for range ticker.All(ctx) {
			if _, err := f.Find(ctx, f.opts.Window); err != nil && ctx.Err() == nil {
				f.logger.Warn("finder: discovery failed", "error", err)
			}
			for _, serial := range f.registry.ForgetBefore(time.Now().Add(-f.opts.ForgetAfter)) {
				f.logger.Info("finder: forgot device", "serial", serial.String())
			}
		}
		return nil
	})
}

// Stop stops background discovery and waits for it to finish
func (f *Finder) Stop() {
	_ = f.sig.Cancel()
	f.holder.Finish()
}

// Find broadcasts once and returns the serials of every device that replied within window. Each
// reply is also recorded in the Registry.
func (f *Finder) Find(ctx context.Context, window time.Duration) (mapset.Set[protocol.Target], error) {
	q, err := f.comm.Broadcast(ctx, protocol.GetService{}, window)
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast: %w", err)
	}
	defer q.Stop()

	found := mapset.NewSet[protocol.Target]()
	for r := range q.All(ctx) {
		svc, ok := r.Packet.Message.(protocol.StateService)
		if !ok {
			continue
		}

		addr, ok := r.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		// devices may serve on a port other than the one they replied from
		addr = &net.UDPAddr{IP: addr.IP, Port: int(svc.Port), Zone: addr.Zone}

		serial := r.Packet.Target
		found.Add(serial)
		if f.registry.Saw(serial, addr, time.Now()) {
			f.logger.Info("finder: found device", "serial", serial.String(), "addr", addr.String())
		}
	}

	return found, ctx.Err()
}

// Serials returns the serials of every known device
func (f *Finder) Serials() []protocol.Target {
	var serials []protocol.Target
	for _, d := range f.registry.All() {
		serials = append(serials, d.Serial)
	}
	return serials
}

// Devices returns every known device, ordered by serial
func (f *Finder) Devices() []Device {
	return f.registry.All()
}

// Targets converts devices into send targets
func Targets(devices []Device) []transport.Target {
	targets := make([]transport.Target, 0, len(devices))
	for _, d := range devices {
		targets = append(targets, transport.Target{Serial: d.Serial, Addr: d.Addr})
	}
	return targets
}
