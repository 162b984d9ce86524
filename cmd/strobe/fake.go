package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe/internal/fakedevice"
)

func fakeCommand() *cli.Command {
	return &cli.Command{
		Name:  "fake",
		Usage: "Run simulated devices on the loopback interface until interrupted",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  devicesKey,
				Usage: "Number of simulated devices",
				Value: 3,
			},
			&cli.UintFlag{
				Name:  dropKey,
				Usage: "Packets each device ignores before replying",
			},
		},
		Action: fake,
	}
}

func fake(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	fakes, err := startFakes(a, int(cmd.Uint(devicesKey)), fakedevice.WithDropFirst(int(cmd.Uint(dropKey))))
	if err != nil {
		return err
	}

	tbl := table.NewWriter()
	tbl.SetTitle("Simulated devices")
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"serial", "addr", "label"})
	for _, d := range fakes {
		tbl.AppendRow(table.Row{d.Serial().String(), d.Addr().String(), d.Label()})
	}
	tbl.Render()
	fmt.Println("Press Ctrl-C to stop")

	select {
	case <-a.final.Done():
	case <-ctx.Done():
	}

	for _, d := range fakes {
		a.logger.Debug("fake: device stopped", "serial", d.Serial().String(), "received", d.Received())
	}
	return nil
}
