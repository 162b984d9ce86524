package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharnoff/strobe"
	"github.com/sharnoff/strobe/internal/fakedevice"
	"github.com/sharnoff/strobe/internal/protocol"
	"github.com/sharnoff/strobe/internal/transport"
)

func fastRetry(timeout time.Duration) transport.RetryOptions {
	return transport.RetryOptions{
		Gaps:    []time.Duration{20 * time.Millisecond, 30 * time.Millisecond},
		Timeout: timeout,
	}
}

func serial(t *testing.T, s string) protocol.Target {
	target, err := protocol.ParseTarget(s)
	require.NoError(t, err)
	return target
}

func newCommunicator(t *testing.T, final *strobe.Signal[struct{}], opts ...transport.Option) *transport.Communicator {
	opts = append([]transport.Option{
		transport.WithListenAddr("127.0.0.1:0"),
		transport.WithRetry(fastRetry(time.Second)),
	}, opts...)

	c, err := transport.New(final, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSendGetsReply(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	dev, err := fakedevice.Start(final, serial(t, "d073d5000001"), fakedevice.WithPower(protocol.PowerMax))
	require.NoError(t, err)
	c := newCommunicator(t, final)

	reply, err := c.Send(context.Background(), dev.Serial(), dev.Addr(), protocol.GetPower{})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatePower{Level: protocol.PowerMax}, reply.Packet.Message)
	assert.Equal(t, dev.Serial(), reply.Packet.Target)
	assert.Equal(t, 1, dev.Received())
}

func TestSendRetriesPastLoss(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	dev, err := fakedevice.Start(final, serial(t, "d073d5000002"), fakedevice.WithDropFirst(2))
	require.NoError(t, err)
	c := newCommunicator(t, final)

	reply, err := c.Send(context.Background(), dev.Serial(), dev.Addr(), protocol.SetPower{Level: protocol.PowerMax})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatePower{Level: protocol.PowerMax}, reply.Packet.Message)
	assert.Equal(t, protocol.PowerMax, dev.Power())
	assert.GreaterOrEqual(t, dev.Received(), 3)
}

func TestSendAcknowledged(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	dev, err := fakedevice.Start(final, serial(t, "d073d5000003"))
	require.NoError(t, err)
	c := newCommunicator(t, final)

	// unknown messages don't have a reply, so only the acknowledgement is waited for
	reply, err := c.Send(context.Background(), dev.Serial(), dev.Addr(), protocol.Raw{MsgType: 117})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAcknowledgement, reply.Packet.Type)
}

func TestSendTimeout(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	dev, err := fakedevice.Start(final, serial(t, "d073d5000004"), fakedevice.WithSilence())
	require.NoError(t, err)
	c := newCommunicator(t, final, transport.WithRetry(fastRetry(150*time.Millisecond)))

	start := time.Now()
	_, err = c.Send(context.Background(), dev.Serial(), dev.Addr(), protocol.GetPower{})
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, dev.Received(), 3)
}

func TestSendContextCancelled(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	dev, err := fakedevice.Start(final, serial(t, "d073d5000005"), fakedevice.WithSilence())
	require.NoError(t, err)
	c := newCommunicator(t, final)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Send(ctx, dev.Serial(), dev.Addr(), protocol.GetPower{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendAll(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	good, err := fakedevice.Start(final, serial(t, "d073d5000006"), fakedevice.WithLabel("good"))
	require.NoError(t, err)
	bad, err := fakedevice.Start(final, serial(t, "d073d5000007"), fakedevice.WithSilence())
	require.NoError(t, err)
	c := newCommunicator(t, final, transport.WithRetry(fastRetry(100*time.Millisecond)))

	s := c.SendAll(context.Background(), protocol.GetLabel{}, []transport.Target{
		{Serial: good.Serial(), Addr: good.Addr()},
		{Serial: bad.Serial(), Addr: bad.Addr()},
	})

	results := map[any]strobe.Result{}
	for r := range s.All(context.Background()) {
		results[r.Context] = r
	}
	require.Len(t, results, 2)

	ok := results[good.Serial().String()]
	require.True(t, ok.Successful)
	assert.Equal(t, protocol.StateLabel{Label: "good"}, ok.Value.(transport.Reply).Packet.Message)

	failed := results[bad.Serial().String()]
	assert.False(t, failed.Successful)
	assert.ErrorIs(t, failed.Err(), transport.ErrTimeout)
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	a, err := fakedevice.Start(final, serial(t, "d073d5000008"))
	require.NoError(t, err)
	b, err := fakedevice.Start(final, serial(t, "d073d5000009"))
	require.NoError(t, err)

	c := newCommunicator(t, final, transport.WithBroadcast(a.Addr().String(), b.Addr().String()))

	q, err := c.Broadcast(context.Background(), protocol.GetService{}, 100*time.Millisecond)
	require.NoError(t, err)

	seen := map[protocol.Target]protocol.Message{}
	for r := range q.All(context.Background()) {
		seen[r.Packet.Target] = r.Packet.Message
	}
	assert.Equal(t, map[protocol.Target]protocol.Message{
		a.Serial(): protocol.StateService{Service: 1, Port: uint32(a.Addr().Port)},
		b.Serial(): protocol.StateService{Service: 1, Port: uint32(b.Addr().Port)},
	}, seen)
}

func TestCloseFailsPendingSend(t *testing.T) {
	t.Parallel()

	final := strobe.NewSignal[struct{}]("final")
	defer final.Cancel()

	dev, err := fakedevice.Start(final, serial(t, "d073d500000a"), fakedevice.WithSilence())
	require.NoError(t, err)
	c := newCommunicator(t, final)

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Close()
	}()

	_, err = c.Send(context.Background(), dev.Serial(), dev.Addr(), protocol.GetPower{})
	assert.True(t, strobe.IsCancelled(err))
}
