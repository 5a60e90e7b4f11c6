package workletrpc

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// Dialer opens a new stream to a worklet host.
type Dialer func(ctx context.Context) (net.Conn, error)

// TCPDialer dials addr over TCP.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// VsockDialer dials a worklet host listening on vsock port of context cid.
func VsockDialer(cid, port uint32) Dialer {
	return func(context.Context) (net.Conn, error) {
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial vsock %d:%d: %w", cid, port, err)
		}
		return conn, nil
	}
}

// ListenVsock listens on a vsock port of the local context.
func ListenVsock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vsock listener: %w", err)
	}
	return l, nil
}
