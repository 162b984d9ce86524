package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe"
)

const (
	maxIterationsKey = "max-iterations"
	maxTimeKey       = "max-time"
	minWaitKey       = "min-wait"
	workKey          = "work"
)

func tickCommand() *cli.Command {
	return &cli.Command{
		Name:  "tick",
		Usage: "Run a ticker with simulated work, showing how it keeps to its schedule",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  everyKey,
				Usage: "Interval between ticks",
				Value: time.Second,
			},
			&cli.IntFlag{
				Name:  maxIterationsKey,
				Usage: "Stop after this many ticks (0 for no limit)",
				Value: 10,
			},
			&cli.DurationFlag{
				Name:  maxTimeKey,
				Usage: "Stop after this long (0 for no limit)",
			},
			&cli.DurationFlag{
				Name:  minWaitKey,
				Usage: "Minimum wait between ticks",
				Value: strobe.DefaultMinWait,
			},
			&cli.DurationFlag{
				Name:  workKey,
				Usage: "Upper bound on the simulated work done for each tick",
			},
		},
		Action: tick,
	}
}

func tick(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ticker := strobe.Tick(a.final, cmd.Duration(everyKey),
		strobe.WithTickerName("tick"),
		strobe.WithMaxIterations(int(cmd.Int(maxIterationsKey))),
		strobe.WithMaxTime(cmd.Duration(maxTimeKey)),
		strobe.WithMinWait(cmd.Duration(minWaitKey)),
	)
	defer ticker.Stop()

	start := time.Now()
	work := cmd.Duration(workKey)
	for ev := range ticker.All(ctx) {
		fmt.Printf("tick %3d at %8s, next in %s\n",
			ev.Iteration, time.Since(start).Round(time.Millisecond), ev.UntilNext.Round(time.Millisecond))

		if work > 0 {
			time.Sleep(rand.N(work))
		}
	}
	return nil
}
