// Package script composes messages into larger operations run against many devices at once:
// pipelines, repeaters, and generated sequences.
package script

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/protocol"
	"github.com/sharnoff/strobe/internal/transport"
)

// Sender sends a single message to a device, waiting for its reply. It's implemented by
// [transport.Communicator].
type Sender interface {
	Send(ctx context.Context, target protocol.Target, addr net.Addr, msg protocol.Message) (transport.Reply, error)
}

// Item is a unit of work run against one device at a time. Each reply it produces is passed to
// yield; Run stops early if yield returns false.
type Item interface {
	Run(ctx context.Context, s Sender, target transport.Target, yield func(any) bool) error
}

// Message is an Item that sends msg and yields the reply
func Message(msg protocol.Message) Item {
	return message{msg: msg}
}

type message struct {
	msg protocol.Message
}

func (m message) Run(ctx context.Context, s Sender, target transport.Target, yield func(any) bool) error {
	reply, err := s.Send(ctx, target.Serial, target.Addr, m.msg)
	if err != nil {
		return err
	}
	yield(reply)
	return nil
}

// Pipeline is an Item running each of Items in order. Unless SkipOnError is set, it stops at the
// first failure.
type Pipeline struct {
	Items       []Item
	SkipOnError bool
}

func (p Pipeline) Run(ctx context.Context, s Sender, target transport.Target, yield func(any) bool) error {
	var errs []error
	for i, item := range p.Items {
		stopped := false
		err := item.Run(ctx, s, target, func(v any) bool {
			if !yield(v) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil {
			err = fmt.Errorf("pipeline step %d: %w", i, err)
			if !p.SkipOnError {
				return err
			}
			errs = append(errs, err)
		}
		if stopped || ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Repeater is an Item running Item every Every, until MaxIterations (if non-zero) or the context
// is canceled.
type Repeater struct {
	Item          Item
	Every         time.Duration
	MaxIterations int
	// MinWait is passed on to the underlying Ticker. Zero means the Ticker's default.
	MinWait time.Duration
}

func (r Repeater) Run(ctx context.Context, s Sender, target transport.Target, yield func(any) bool) error {
	final := strobe.NewSignal[struct{}]("repeater")
	defer final.Cancel()

	opts := []strobe.TickerOption{strobe.WithTickerName("repeater " + target.Serial.String())}
	if r.MaxIterations > 0 {
		opts = append(opts, strobe.WithMaxIterations(r.MaxIterations))
	}
	if r.MinWait > 0 {
		opts = append(opts, strobe.WithMinWait(r.MinWait))
	}

	ticker := strobe.Tick(final, r.Every, opts...)
	for range ticker.All(ctx) {
		stopped := false
		err := r.Item.Run(ctx, s, target, func(v any) bool {
			stopped = !yield(v)
			return !stopped
		})
		if err != nil {
			return err
		} else if stopped {
			return nil
		}
	}
	return ctx.Err()
}

// ItemGenerator produces Items, passing each to yield
type ItemGenerator func(ctx context.Context, target transport.Target, yield func(Item) bool) error

// FromGenerator is an Item that runs every Item produced by gen concurrently, yielding their
// replies as they arrive. It fails if any of the generated Items fail, once all have finished.
func FromGenerator(gen ItemGenerator) Item {
	return generated{gen: gen}
}

type generated struct {
	gen ItemGenerator
}

func (g generated) Run(ctx context.Context, s Sender, target transport.Target, yield func(any) bool) error {
	final := strobe.NewSignal[struct{}]("generated")
	defer final.Cancel()
	stop := context.AfterFunc(ctx, func() { _ = final.Cancel() })
	defer stop()

	sink := &strobe.CollectingSink{}
	streamer := strobe.NewResultStreamer(final,
		strobe.WithStreamerName("generated "+target.Serial.String()),
		strobe.WithErrorSink(sink),
		strobe.WithExceptionsOnly())

	genErr := make(chan error, 1)
	go func() {
		defer streamer.NoMoreWork()
		genErr <- g.gen(ctx, target, func(item Item) bool {
			_, err := streamer.AddGenerator(func(ctx context.Context, yield func(any) bool) error {
				return item.Run(ctx, s, target, yield)
			}, target.Serial.String(), nil, nil)
			return err == nil
		})
	}()

	for r := range streamer.All(ctx) {
		if !r.Successful || r.Value == strobe.GeneratorComplete {
			continue
		}
		if !yield(r.Value) {
			streamer.Finish()
			break
		}
	}

	errs := append([]error{<-genErr}, sink.Errors()...)
	return errors.Join(errs...)
}

// Run starts item against every target, returning the stream of their replies. Every reply is a
// successful Result tagged with the serial of its target; each target then produces one final
// Result, either [strobe.GeneratorComplete] or the error the item failed with.
func Run(ctx context.Context, final *strobe.Signal[struct{}], s Sender, item Item, targets []transport.Target) *strobe.ResultStreamer {
	streamer := strobe.NewResultStreamer(final, strobe.WithStreamerName("script"))
	for _, t := range targets {
		_, err := streamer.AddGenerator(func(sctx context.Context, yield func(any) bool) error {
			sctx, cancel := context.WithCancel(sctx)
			defer cancel()
			stop := context.AfterFunc(ctx, cancel)
			defer stop()

			return item.Run(sctx, s, t, yield)
		}, t.Serial.String(), nil, nil)
		if err != nil {
			break
		}
	}
	streamer.NoMoreWork()
	return streamer
}

// Collect reads every Result from a streamer until it ends
func Collect(ctx context.Context, s *strobe.ResultStreamer) []strobe.Result {
	var results []strobe.Result
	for r := range s.All(ctx) {
		results = append(results, r)
	}
	return results
}
