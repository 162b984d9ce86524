// Package fakedevice implements a simulated light that speaks the LAN protocol over UDP on the
// loopback interface. It's used by tests and by the "fake" command of the CLI.
package fakedevice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/protocol"
)

// Device is a simulated light. Its state is safe to inspect concurrently with serving.
type Device struct {
	serial protocol.Target

	mu       sync.Mutex
	label    string
	power    uint16
	drop     int
	received int
	silent   bool

	conn   net.PacketConn
	sig    *strobe.Signal[struct{}]
	holder *strobe.TaskHolder
	logger *slog.Logger
}

type Option func(*Device)

func WithLabel(label string) Option {
	return func(d *Device) { d.label = label }
}

func WithPower(level uint16) Option {
	return func(d *Device) { d.power = level }
}

// WithDropFirst makes the device ignore the first n packets it receives, as though lost
func WithDropFirst(n int) Option {
	return func(d *Device) { d.drop = n }
}

// WithSilence makes the device never reply
func WithSilence() Option {
	return func(d *Device) { d.silent = true }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// Start starts a device listening on an ephemeral loopback port. It stops when final finishes or
// Stop is called.
func Start(final *strobe.Signal[struct{}], serial protocol.Target, opts ...Option) (*Device, error) {
	d := &Device{
		serial: serial,
		label:  "fake " + serial.String(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	d.conn = conn

	d.sig = strobe.NewChild(final, "fakedevice "+serial.String())
	d.sig.OnDone(func(strobe.Outcome[struct{}]) { _ = conn.Close() })

	d.holder = strobe.NewTaskHolder(d.sig, "fakedevice", strobe.WithHolderLogger(d.logger))
	d.holder.Add("serve", d.serve)
	return d, nil
}

func (d *Device) Serial() protocol.Target { return d.serial }
func (d *Device) Addr() *net.UDPAddr      { return d.conn.LocalAddr().(*net.UDPAddr) }

func (d *Device) Power() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

func (d *Device) Label() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.label
}

// Received returns the number of packets received, including dropped ones
func (d *Device) Received() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

// Stop stops the device and waits for it to finish serving
func (d *Device) Stop() {
	_ = d.sig.Cancel()
	d.holder.Finish()
}

func (d *Device) serve(ctx context.Context) error {
	buf := make([]byte, 1500)
	for {
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			d.logger.Warn("fakedevice: dropping malformed packet", "serial", d.serial.String(), "error", err)
			continue
		}

		for _, reply := range d.handle(pkt) {
			data, err := protocol.Encode(reply)
			if err != nil {
				return err
			}
			if _, err := d.conn.WriteTo(data, addr); err != nil {
				d.logger.Warn("fakedevice: failed to reply", "serial", d.serial.String(), "error", err)
			}
		}
	}
}

// handle updates the device for a received packet, returning the replies to send
func (d *Device) handle(pkt protocol.Packet) []protocol.Packet {
	if !pkt.Target.IsZero() && pkt.Target != d.serial {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.received += 1
	if d.drop > 0 {
		d.drop -= 1
		return nil
	}
	if d.silent {
		return nil
	}

	var response protocol.Message
	switch m := pkt.Message.(type) {
	case protocol.GetService:
		response = protocol.StateService{Service: 1, Port: uint32(d.Addr().Port)}
	case protocol.GetPower:
		response = protocol.StatePower{Level: d.power}
	case protocol.SetPower:
		d.power = m.Level
		if pkt.ResRequired {
			response = protocol.StatePower{Level: d.power}
		}
	case protocol.GetLabel:
		response = protocol.StateLabel{Label: d.label}
	}

	reply := func(msg protocol.Message) protocol.Packet {
		return protocol.Packet{
			Header: protocol.Header{
				Source:   pkt.Source,
				Target:   d.serial,
				Sequence: pkt.Sequence,
			},
			Message: msg,
		}
	}

	var replies []protocol.Packet
	if pkt.AckRequired {
		replies = append(replies, reply(protocol.Acknowledgement{}))
	}
	if response != nil {
		replies = append(replies, reply(response))
	}
	return replies
}
