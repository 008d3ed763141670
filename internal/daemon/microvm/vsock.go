package microvm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	dialMaxRetries  = 8
	dialBaseBackoff = 50 * time.Millisecond
)

// guestConn is a connection to the agent inside a VM. Reads go through the
// buffered reader used for the CONNECT handshake so no bytes are lost.
type guestConn struct {
	net.Conn
	reader io.Reader
}

func (g *guestConn) Read(p []byte) (int, error) {
	return g.reader.Read(p)
}

// DialGuest connects to the guest agent through Firecracker's vsock UDS
// bridge, retrying with exponential backoff while the guest boots. The
// connection outlives ctx.
func DialGuest(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dial guest: %w", err)
		}

		gc, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial guest: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial guest after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS performs the "CONNECT <port>\n" / "OK <host_port>\n"
// exchange Firecracker uses to bridge a UDS connection to a guest port.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*guestConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &guestConn{Conn: conn, reader: reader}, nil
}
