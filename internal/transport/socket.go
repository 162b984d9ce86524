package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// listen opens a UDP socket that is allowed to send to broadcast addresses
func listen(addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = setBroadcast(fd)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return conn, nil
}
