package hub

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Notifier sends fire-and-forget wake pings to agent listeners.
type Notifier struct {
	client  *http.Client
	port    int
	timeout time.Duration
	logger  *log.Logger

	// OnResult, when set, observes every finished ping.
	OnResult func(addr string, err error)

	wg sync.WaitGroup
}

// NewNotifier returns a Notifier targeting port on each agent address.
func NewNotifier(port int, timeout time.Duration, logger *log.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Notifier{
		client:  &http.Client{Timeout: timeout},
		port:    port,
		timeout: timeout,
		logger:  logger,
	}
}

// Notify pings addr in the background. It never blocks the caller.
func (n *Notifier) Notify(addr string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		err := n.ping(ctx, addr)
		if err != nil {
			n.logger.Printf("DEBUG wake ping to %s failed: %v", addr, err)
		} else {
			n.logger.Printf("DEBUG wake ping delivered to %s", addr)
		}
		if n.OnResult != nil {
			n.OnResult(addr, err)
		}
	}()
}

// Wait blocks until all in-flight pings have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) ping(ctx context.Context, addr string) error {
	url := "http://" + net.JoinHostPort(addr, strconv.Itoa(n.port)) + "/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
