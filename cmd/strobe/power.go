package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/finder"
	"github.com/sharnoff/strobe/internal/mqttbridge"
	"github.com/sharnoff/strobe/internal/protocol"
	"github.com/sharnoff/strobe/internal/script"
	"github.com/sharnoff/strobe/internal/transport"
)

const (
	serialKey = "serial"
	repeatKey = "repeat"
	everyKey  = "every"
)

func powerCommand() *cli.Command {
	return &cli.Command{
		Name:      "power",
		Usage:     "Turn devices on or off, or set their power level",
		ArgsUsage: "on|off|<percent>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  serialKey,
				Usage: "Only change devices with this serial (default: every device found)",
			},
			&cli.DurationFlag{
				Name:  windowKey,
				Usage: "How long to wait for discovery replies (default: discovery.window)",
			},
			&cli.UintFlag{
				Name:  repeatKey,
				Usage: "Send the change this many times",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  everyKey,
				Usage: "Time between repeats",
				Value: time.Second,
			},
		},
		Action: power,
	}
}

// parseLevel parses "on", "off", or a percentage into a power level
func parseLevel(s string) (uint16, error) {
	switch strings.ToLower(s) {
	case "on":
		return protocol.PowerMax, nil
	case "off":
		return 0, nil
	}

	percent, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || percent < 0 || percent > 100 {
		return 0, fmt.Errorf("invalid power %q: expected on, off, or a percentage", s)
	}
	return uint16(percent / 100 * float64(protocol.PowerMax)), nil
}

func power(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one argument: on, off, or a percentage")
	}
	level, err := parseLevel(cmd.Args().First())
	if err != nil {
		return err
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	comm, err := a.communicator()
	if err != nil {
		return err
	}
	defer comm.Close()

	targets, err := findTargets(ctx, a, comm, cmd.Duration(windowKey), cmd.StringSlice(serialKey))
	if err != nil {
		return err
	}

	var item script.Item = script.Message(protocol.SetPower{Level: level})
	if n := cmd.Uint(repeatKey); n > 1 {
		item = script.Repeater{Item: item, Every: cmd.Duration(everyKey), MaxIterations: int(n)}
	}

	var bridge *mqttbridge.Bridge
	if a.cfg.MQTT.Broker != "" {
		client, err := mqttbridge.Connect(ctx, mqttbridge.Config{
			Broker:   a.cfg.MQTT.Broker,
			ClientID: a.cfg.MQTT.ClientID,
			Topic:    a.cfg.MQTT.Topic,
			QoS:      a.cfg.MQTT.QoS,
		})
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		bridge = mqttbridge.New(client, a.cfg.MQTT.Topic, a.cfg.MQTT.QoS, a.logger)
	}

	failed := 0
	for r := range script.Run(ctx, a.final, comm, item, targets).All(ctx) {
		fmt.Println(describeResult(r))
		if !r.Successful {
			failed += 1
		}
		if bridge != nil {
			if err := bridge.Publish(r); err != nil {
				a.logger.Warn("power: failed to publish result", "error", err)
			}
		}
	}

	if bridge != nil {
		stats := bridge.Stats()
		a.logger.Info("power: published results", "published", stats.Published, "errors", stats.Errors)
	}
	if failed != 0 {
		return fmt.Errorf("%d of %d devices failed", failed, len(targets))
	}
	return nil
}

// findTargets discovers devices, keeping only those in serials if it's not empty
func findTargets(ctx context.Context, a *app, comm *transport.Communicator, window time.Duration, serials []string) ([]transport.Target, error) {
	if window <= 0 {
		window = a.cfg.Discovery.Window
	}

	f := finder.New(a.final, comm, finder.Options{
		Interval:    a.cfg.Discovery.Interval,
		Window:      window,
		ForgetAfter: a.cfg.Discovery.ForgetAfter,
	}, a.logger)
	if _, err := f.Find(ctx, window); err != nil {
		return nil, err
	}

	devices := f.Devices()
	if len(serials) != 0 {
		keep := make(map[protocol.Target]bool)
		for _, s := range serials {
			t, err := protocol.ParseTarget(s)
			if err != nil {
				return nil, fmt.Errorf("invalid serial %q: %w", s, err)
			}
			keep[t] = true
		}

		var selected []finder.Device
		for _, d := range devices {
			if keep[d.Serial] {
				selected = append(selected, d)
			}
		}
		devices = selected
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices found")
	}
	return finder.Targets(devices), nil
}

// describeResult formats a Result from a script for the terminal
func describeResult(r strobe.Result) string {
	if !r.Successful {
		return fmt.Sprintf("%v: error: %v", r.Context, r.Err())
	}

	switch v := r.Value.(type) {
	case transport.Reply:
		switch m := v.Packet.Message.(type) {
		case protocol.StatePower:
			return fmt.Sprintf("%v: power %s", r.Context, powerString(&m.Level))
		case protocol.StateLabel:
			return fmt.Sprintf("%v: label %q", r.Context, m.Label)
		default:
			return fmt.Sprintf("%v: %s", r.Context, m.Type())
		}
	default:
		return fmt.Sprintf("%v: %v", r.Context, v)
	}
}
