package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/finder"
	"github.com/sharnoff/strobe/internal/protocol"
	"github.com/sharnoff/strobe/internal/script"
	"github.com/sharnoff/strobe/internal/store"
	"github.com/sharnoff/strobe/internal/transport"
)

const (
	windowKey = "window"
	forgetKey = "forget"
)

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "Find devices on the network and show their state",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  windowKey,
				Usage: "How long to wait for replies (default: discovery.window)",
			},
		},
		Action: discover,
	}
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List devices saved by previous discoveries",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  forgetKey,
				Usage: "Remove the device with this serial from the store",
			},
		},
		Action: listDevices,
	}
}

// deviceState is what discover learns about a single device
type deviceState struct {
	device finder.Device
	label  string
	power  *uint16
	err    error
}

func discover(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	window := cmd.Duration(windowKey)
	if window <= 0 {
		window = a.cfg.Discovery.Window
	}

	comm, err := a.communicator()
	if err != nil {
		return err
	}
	defer comm.Close()

	f := finder.New(a.final, comm, finder.Options{
		Interval:    a.cfg.Discovery.Interval,
		Window:      window,
		ForgetAfter: a.cfg.Discovery.ForgetAfter,
	}, a.logger)

	found, err := f.Find(ctx, window)
	if err != nil {
		return err
	}
	a.logger.Info("discover: broadcast finished", "found", found.Cardinality(), "window", window)

	states := queryStates(ctx, a.final, comm, f.Devices())
	renderDevices(states)

	st, err := a.openStore()
	if err != nil || st == nil {
		return err
	}
	defer st.Close()

	for _, s := range states {
		d := store.Device{
			Serial:   s.device.Serial.String(),
			Addr:     s.device.Addr.String(),
			Label:    s.label,
			LastSeen: s.device.LastSeen,
		}
		if s.power != nil {
			d.Power = *s.power
		}
		if err := st.Upsert(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// queryStates asks every device for its label and power level
func queryStates(ctx context.Context, final *strobe.Signal[struct{}], s script.Sender, devices []finder.Device) []*deviceState {
	bySerial := make(map[string]*deviceState)
	var states []*deviceState
	for _, d := range devices {
		st := &deviceState{device: d}
		bySerial[d.Serial.String()] = st
		states = append(states, st)
	}

	item := script.Pipeline{
		Items:       []script.Item{script.Message(protocol.GetLabel{}), script.Message(protocol.GetPower{})},
		SkipOnError: true,
	}
	results := script.Run(ctx, final, s, item, finder.Targets(devices))
	for r := range results.All(ctx) {
		st := bySerial[fmt.Sprint(r.Context)]
		if st == nil {
			continue
		}
		if !r.Successful {
			st.err = r.Err()
			continue
		}

		reply, ok := r.Value.(transport.Reply)
		if !ok {
			continue
		}
		switch m := reply.Packet.Message.(type) {
		case protocol.StateLabel:
			st.label = m.Label
		case protocol.StatePower:
			level := m.Level
			st.power = &level
		}
	}
	return states
}

func powerString(level *uint16) string {
	switch {
	case level == nil:
		return "?"
	case *level == 0:
		return "off"
	case *level == protocol.PowerMax:
		return "on"
	default:
		return fmt.Sprintf("%d%%", int(*level)*100/int(protocol.PowerMax))
	}
}

func renderDevices(states []*deviceState) {
	tbl := table.NewWriter()
	tbl.SetTitle("Devices")
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"serial", "addr", "label", "power", "seen", "error"})

	for _, s := range states {
		errText := ""
		if s.err != nil {
			errText = s.err.Error()
		}
		tbl.AppendRow(table.Row{
			s.device.Serial.String(),
			s.device.Addr.String(),
			s.label,
			powerString(s.power),
			humanize.Time(s.device.LastSeen),
			errText,
		})
	}
	tbl.Render()
}

func listDevices(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.openStore()
	if err != nil {
		return err
	} else if st == nil {
		return fmt.Errorf("no store configured: set store.path")
	}
	defer st.Close()

	for _, serial := range cmd.StringSlice(forgetKey) {
		existed, err := st.Delete(ctx, serial)
		if err != nil {
			return err
		}
		if !existed {
			a.logger.Warn("devices: no such device", "serial", serial)
		}
	}

	devices, err := st.List(ctx)
	if err != nil {
		return err
	}

	tbl := table.NewWriter()
	tbl.SetTitle("Stored devices")
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"serial", "addr", "label", "power", "last seen"})
	for _, d := range devices {
		level := d.Power
		tbl.AppendRow(table.Row{d.Serial, d.Addr, d.Label, powerString(&level), d.LastSeen.Format(time.DateTime)})
	}
	tbl.Render()
	return nil
}
