package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe/internal/fakedevice"
	"github.com/sharnoff/strobe/internal/protocol"
	"github.com/sharnoff/strobe/internal/transport"
)

const (
	devicesKey    = "devices"
	iterationsKey = "iterations"
	dropKey       = "drop"
)

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure round trips to simulated devices on the loopback interface",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  devicesKey,
				Usage: "Number of simulated devices",
				Value: 8,
			},
			&cli.UintFlag{
				Name:  iterationsKey,
				Usage: "Round trips per benchmark",
				Value: 200,
			},
			&cli.UintFlag{
				Name:  dropKey,
				Usage: "Packets each device ignores before replying, to exercise retries",
			},
		},
		Action: bench,
	}
}

// fakeSerial returns the serial of the i-th simulated device
func fakeSerial(i int) protocol.Target {
	return protocol.Target{0xd0, 0x73, 0xd5, 0xfa, byte(i >> 8), byte(i)}
}

func startFakes(a *app, n int, opts ...fakedevice.Option) ([]*fakedevice.Device, error) {
	var devices []*fakedevice.Device
	for i := range n {
		d, err := fakedevice.Start(a.final, fakeSerial(i+1), append(opts, fakedevice.WithLogger(a.logger))...)
		if err != nil {
			for _, started := range devices {
				started.Stop()
			}
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

type benchResult struct {
	name     string
	messages int64
	elapsed  time.Duration
	calc     *tachymeter.Metrics
}

func bench(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	n := int(cmd.Uint(devicesKey))
	iters := int(cmd.Uint(iterationsKey))
	if n == 0 || iters == 0 {
		return fmt.Errorf("--%s and --%s must be positive", devicesKey, iterationsKey)
	}

	fakes, err := startFakes(a, n, fakedevice.WithDropFirst(int(cmd.Uint(dropKey))))
	if err != nil {
		return err
	}
	targets := make([]transport.Target, 0, len(fakes))
	for _, d := range fakes {
		targets = append(targets, transport.Target{Serial: d.Serial(), Addr: d.Addr()})
	}

	comm, err := transport.New(a.final,
		transport.WithName("bench"),
		transport.WithListenAddr("127.0.0.1:0"),
		transport.WithRetry(transport.RetryOptions{Gaps: a.cfg.Retry.Gaps, Timeout: a.cfg.Retry.Timeout}),
		transport.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	defer comm.Close()

	var results []benchResult

	// one device at a time
	tach := tachymeter.New(&tachymeter.Config{Size: iters})
	start := time.Now()
	for i := range iters {
		t := targets[i%len(targets)]
		sendStart := time.Now()
		if _, err := comm.Send(ctx, t.Serial, t.Addr, protocol.GetPower{}); err != nil {
			return fmt.Errorf("send to %s failed: %w", t.Serial, err)
		}
		tach.AddTime(time.Since(sendStart))
	}
	results = append(results, benchResult{name: "send", messages: int64(iters), elapsed: time.Since(start), calc: tach.Calc()})

	// every device at once
	tach = tachymeter.New(&tachymeter.Config{Size: iters})
	start = time.Now()
	for range iters {
		sendStart := time.Now()
		for r := range comm.SendAll(ctx, protocol.GetPower{}, targets).All(ctx) {
			if !r.Successful {
				return fmt.Errorf("send to %v failed: %w", r.Context, r.Err())
			}
		}
		tach.AddTime(time.Since(sendStart))
	}
	results = append(results, benchResult{
		name:     fmt.Sprintf("send-all (%d devices)", n),
		messages: int64(iters * n),
		elapsed:  time.Since(start),
		calc:     tach.Calc(),
	})

	received := 0
	for _, d := range fakes {
		received += d.Received()
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"benchmark", "messages", "avg", "min", "p75", "p99", "max", "msgs/sec"})
	for _, r := range results {
		rate := float64(r.messages) / r.elapsed.Seconds()
		table.Append([]string{
			r.name,
			humanize.Comma(r.messages),
			r.calc.Time.Avg.String(),
			r.calc.Time.Min.String(),
			r.calc.Time.P75.String(),
			r.calc.Time.P99.String(),
			r.calc.Time.Max.String(),
			humanize.Comma(int64(rate)),
		})
	}
	table.Render()

	a.logger.Info("bench: finished", "packets_received", humanize.Comma(int64(received)))
	return nil
}
