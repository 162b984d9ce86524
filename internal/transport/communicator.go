// Package transport sends protocol messages to devices over UDP, retrying until they're
// acknowledged or answered.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/protocol"
)

var ErrTimeout = errors.New("timed out waiting for reply")

// DefaultPort is the UDP port devices listen on
const DefaultPort = 56700

// RetryOptions controls how often a message is resent while waiting for its reply
type RetryOptions struct {
	// Gaps between successive sends. Once exhausted, the last gap is repeated.
	Gaps []time.Duration
	// Timeout is the total time to wait for a reply, from the first send
	Timeout time.Duration
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		Gaps:    []time.Duration{200 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond, time.Second},
		Timeout: 10 * time.Second,
	}
}

// gapAfter returns the gap following the n-th send, counting from 1
func (o RetryOptions) gapAfter(n int) time.Duration {
	if len(o.Gaps) == 0 {
		return time.Second
	}
	i := n - 1
	if i >= len(o.Gaps) {
		i = len(o.Gaps) - 1
	}
	return o.Gaps[i]
}

// Reply is a packet received from a device
type Reply struct {
	Packet protocol.Packet
	Addr   net.Addr
}

// Communicator owns a UDP socket shared by every message sent through it.
type Communicator struct {
	name   string
	source uint32
	conn   net.PacketConn
	retry  RetryOptions

	broadcast []*net.UDPAddr

	sig    *strobe.Signal[struct{}]
	holder *strobe.TaskHolder
	logger *slog.Logger

	mu        sync.Mutex
	sequence  uint8
	waiters   map[uint8]*waiter
	listeners map[uint8]*strobe.Queue[Reply]
}

type waiter struct {
	target    protocol.Target
	replyType protocol.MessageType
	reply     *strobe.Signal[Reply]
}

type options struct {
	name      string
	listen    string
	broadcast []string
	retry     RetryOptions
	logger    *slog.Logger
}

type Option func(*options)

// WithName sets the client name, which determines the source id of every packet. Defaults to a
// random UUID.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithListenAddr sets the local address of the socket. Defaults to "0.0.0.0:0".
func WithListenAddr(addr string) Option {
	return func(o *options) { o.listen = addr }
}

// WithBroadcast sets the addresses discovery broadcasts are sent to
func WithBroadcast(addrs ...string) Option {
	return func(o *options) { o.broadcast = addrs }
}

func WithRetry(retry RetryOptions) Option {
	return func(o *options) { o.retry = retry }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New opens a Communicator bound to final. The socket is closed once final (or the
// Communicator's own Signal) finishes.
func New(final *strobe.Signal[struct{}], opts ...Option) (*Communicator, error) {
	o := options{
		name:      uuid.NewString(),
		listen:    "0.0.0.0:0",
		broadcast: []string{fmt.Sprintf("255.255.255.255:%d", DefaultPort)},
		retry:     DefaultRetryOptions(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var broadcast []*net.UDPAddr
	for _, a := range o.broadcast {
		addr, err := net.ResolveUDPAddr("udp4", a)
		if err != nil {
			return nil, fmt.Errorf("invalid broadcast address %q: %w", a, err)
		}
		broadcast = append(broadcast, addr)
	}

	conn, err := listen(o.listen)
	if err != nil {
		return nil, err
	}

	c := &Communicator{
		name:      o.name,
		source:    protocol.SourceFor(o.name),
		conn:      conn,
		retry:     o.retry,
		broadcast: broadcast,
		logger:    o.logger,
		waiters:   make(map[uint8]*waiter),
		listeners: make(map[uint8]*strobe.Queue[Reply]),
	}
	c.sig = strobe.NewChild(final, "communicator")
	c.sig.OnDone(func(strobe.Outcome[struct{}]) { _ = conn.Close() })
	c.holder = strobe.NewTaskHolder(c.sig, "communicator", strobe.WithHolderLogger(c.logger))
	c.holder.Add("read-loop", c.readLoop)
	return c, nil
}

func (c *Communicator) Name() string                     { return c.name }
func (c *Communicator) Source() uint32                   { return c.source }
func (c *Communicator) Signal() *strobe.Signal[struct{}] { return c.sig }
func (c *Communicator) LocalAddr() net.Addr              { return c.conn.LocalAddr() }

// Close stops the Communicator, closing its socket. Sends still waiting for a reply fail.
func (c *Communicator) Close() {
	_ = c.sig.Cancel()
	c.holder.Finish()
}

func (c *Communicator) nextSequence() uint8 {
	c.sequence += 1
	return c.sequence
}

func (c *Communicator) readLoop(ctx context.Context) error {
	buf := make([]byte, 1500)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read from socket: %w", err)
		}

		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			c.logger.Debug("transport: dropping malformed packet", "from", addr.String(), "error", err)
			continue
		} else if pkt.Source != c.source {
			continue
		}

		c.dispatch(Reply{Packet: pkt, Addr: addr})
	}
}

func (c *Communicator) dispatch(r Reply) {
	c.mu.Lock()
	listener := c.listeners[r.Packet.Sequence]
	w := c.waiters[r.Packet.Sequence]
	c.mu.Unlock()

	if listener != nil {
		listener.Push(r)
		return
	}
	if w == nil {
		return
	}
	if !w.target.IsZero() && w.target != r.Packet.Target {
		return
	}
	if r.Packet.Type == w.replyType {
		_ = w.reply.Resolve(r)
	}
}

// Send sends msg to the device with the given serial at addr, resending it on the retry schedule
// until the device replies (or acknowledges it, for messages with no reply). It returns ErrTimeout
// if the retry timeout passes first.
func (c *Communicator) Send(ctx context.Context, target protocol.Target, addr net.Addr, msg protocol.Message) (Reply, error) {
	replyType, wantRes := protocol.ReplyType(msg.Type())
	if !wantRes {
		replyType = protocol.TypeAcknowledgement
	}

	w := &waiter{
		target:    target,
		replyType: replyType,
		reply:     strobe.NewSignal[Reply]("reply"),
	}

	c.mu.Lock()
	seq := c.nextSequence()
	c.waiters[seq] = w
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.waiters[seq] == w {
			delete(c.waiters, seq)
		}
	}()

	data, err := protocol.Encode(protocol.Packet{
		Header: protocol.Header{
			Source:      c.source,
			Target:      target,
			ResRequired: wantRes,
			AckRequired: !wantRes,
			Sequence:    seq,
		},
		Message: msg,
	})
	if err != nil {
		return Reply{}, err
	}

	ticker := strobe.Tick(c.sig, c.retry.gapAfter(1),
		strobe.WithTickerName("retry "+target.String()),
		strobe.WithMinWait(0),
		strobe.WithMaxTime(c.retry.Timeout))
	defer ticker.Stop()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resend := strobe.Go(sendCtx, "resend", func(ctx context.Context) (struct{}, error) {
		for tick := range ticker.All(ctx) {
			if tick.Iteration > 1 {
				c.logger.Debug("transport: resending",
					"target", target.String(),
					"type", msg.Type().String(),
					"attempt", tick.Iteration)
			}
			if _, err := c.conn.WriteTo(data, addr); err != nil {
				return struct{}{}, fmt.Errorf("failed to write to %s: %w", addr, err)
			}
			ticker.ChangeAfter(c.retry.gapAfter(tick.Iteration+1), true)
		}
		return struct{}{}, nil
	})

	select {
	case <-w.reply.Done():
		return w.reply.Result()
	case <-resend.Done():
		if err := resend.Err(); err != nil {
			return Reply{}, err
		}
		// a reply may have arrived just as the ticker ran out
		if r, err := w.reply.Result(); err == nil {
			return r, nil
		}
		if c.sig.State() != strobe.Pending {
			return Reply{}, fmt.Errorf("communicator closed: %w", strobe.ErrCancelled)
		} else if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("%w: %s to %s after %s", ErrTimeout, msg.Type(), target, c.retry.Timeout)
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Target is a device to send to
type Target struct {
	Serial protocol.Target
	Addr   net.Addr
}

// SendAll sends msg to every target concurrently. Each target produces one Result, tagged with its
// serial: the Reply on success, or the error. The returned streamer is already closed to new work,
// so iterating it ends once every target has a Result.
func (c *Communicator) SendAll(ctx context.Context, msg protocol.Message, targets []Target) *strobe.ResultStreamer {
	s := strobe.NewResultStreamer(c.sig, strobe.WithStreamerName("send-all"), strobe.WithStreamerLogger(c.logger))
	for _, t := range targets {
		_, err := s.AddCoroutine(func(sctx context.Context) (any, error) {
			sctx, cancel := mergeCancel(sctx, ctx)
			defer cancel()
			return c.Send(sctx, t.Serial, t.Addr, msg)
		}, t.Serial.String(), nil)
		if err != nil {
			break
		}
	}
	s.NoMoreWork()
	return s
}

// Broadcast sends msg to every broadcast address once, and returns a Queue of every reply
// received within window. The Queue is closed once window has passed.
func (c *Communicator) Broadcast(ctx context.Context, msg protocol.Message, window time.Duration) (*strobe.Queue[Reply], error) {
	q := strobe.NewQueue[Reply](c.sig, "broadcast "+msg.Type().String(), strobe.DrainToEmpty)

	c.mu.Lock()
	seq := c.nextSequence()
	c.listeners[seq] = q
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		if c.listeners[seq] == q {
			delete(c.listeners, seq)
		}
		c.mu.Unlock()
		q.Close()
	}

	data, err := protocol.Encode(protocol.Packet{
		Header:  protocol.Header{Source: c.source, Sequence: seq, ResRequired: true},
		Message: msg,
	})
	if err != nil {
		stop()
		return nil, err
	}

	for _, addr := range c.broadcast {
		if _, err := c.conn.WriteTo(data, addr); err != nil {
			stop()
			return nil, fmt.Errorf("failed to broadcast to %s: %w", addr, err)
		}
	}

	c.holder.Add("broadcast-window", func(hctx context.Context) error {
		defer stop()
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-hctx.Done():
		}
		return nil
	})
	return q, nil
}

// mergeCancel returns a context derived from a that is also canceled when b is
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
