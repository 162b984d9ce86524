package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/urfave/cli/v3"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/finder"
	"github.com/sharnoff/strobe/internal/store"
	"github.com/sharnoff/strobe/internal/web"
)

const listenKey = "listen"

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Keep discovering devices in the background and serve commands over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  listenKey,
				Usage: "Address to serve HTTP on (default: http.listen)",
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	listen := cmd.String(listenKey)
	if listen == "" {
		listen = a.cfg.HTTP.Listen
	}

	comm, err := a.communicator()
	if err != nil {
		return err
	}
	defer comm.Close()

	f := finder.New(a.final, comm, finder.Options{
		Interval:    a.cfg.Discovery.Interval,
		Window:      a.cfg.Discovery.Window,
		ForgetAfter: a.cfg.Discovery.ForgetAfter,
	}, a.logger)
	f.Start()
	defer f.Stop()

	holder := strobe.NewTaskHolder(a.final, "serve", strobe.WithHolderLogger(a.logger))

	st, err := a.openStore()
	if err != nil {
		return err
	} else if st != nil {
		defer st.Close()
		holder.Add("persist", func(ctx context.Context) error {
			return persistDevices(ctx, a, f, st)
		})
	}

	srv := web.New(a.final, web.DefaultRegistry(), web.Env{
		Sender: comm,
		Finder: f,
		Window: a.cfg.Discovery.Window,
	}, a.logger)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	httpTask := holder.Add("http", func(context.Context) error {
		return srv.Serve(ln)
	})

	select {
	case <-a.final.Done():
	case <-httpTask.Done():
		_ = a.final.Cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Warn("serve: shutdown incomplete", "error", err)
	}
	holder.Finish()

	if err := httpTask.Err(); err != nil && !strobe.IsCancelled(err) {
		return err
	}
	return nil
}

// persistDevices saves the finder's devices to the store after every discovery interval
func persistDevices(ctx context.Context, a *app, f *finder.Finder, st *store.Store) error {
	ticker := strobe.Tick(a.final, a.cfg.Discovery.Interval, strobe.WithTickerName("persist"))
	defer ticker.Stop()

	for range ticker.All(ctx) {
		stored, err := st.List(ctx)
		if err != nil {
			a.logger.Warn("serve: failed to list stored devices", "error", err)
			continue
		}
		known := make(map[string]store.Device, len(stored))
		for _, d := range stored {
			known[d.Serial] = d
		}

		for _, d := range f.Devices() {
			// label and power are only learned by discover, keep what it saved
			rec := known[d.Serial.String()]
			rec.Serial = d.Serial.String()
			rec.Addr = d.Addr.String()
			rec.LastSeen = d.LastSeen

			err := st.Upsert(ctx, rec)
			if err != nil && ctx.Err() == nil {
				a.logger.Warn("serve: failed to persist device", "serial", d.Serial.String(), "error", err)
			}
		}
	}
	return nil
}
