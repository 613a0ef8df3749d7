package agent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"
)

// ErrNoHub is returned when none of the candidates accepted a connection.
var ErrNoHub = errors.New("no hub reachable")

// DialFunc opens a network connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Discover returns the first candidate accepting TCP connections on port.
func Discover(ctx context.Context, candidates []string, port int, timeout time.Duration, dial DialFunc) (string, error) {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	for _, host := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dial(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		cancel()
		if err != nil {
			continue
		}
		_ = conn.Close()
		return host, nil
	}
	return "", ErrNoHub
}
