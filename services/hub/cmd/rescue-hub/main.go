package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"rescued/pkg/bus"
	"rescued/pkg/telemetry"
	"rescued/services/hub"
)

func main() {
	if err := run("rescue-hub"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := hub.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		Service:  serviceName,
		Endpoint: cfg.OTLPEndpoint,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	displacePrevious(ctx, cfg.Port, logger)

	opts := hub.Options{Logger: logger}
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			logger.Printf("WARN events disabled, connect %s: %v", cfg.NATSURL, err)
		} else {
			defer b.Close()
			if err := b.EnsureStream(); err != nil {
				logger.Printf("WARN ensure stream %s: %v", bus.StreamName, err)
			}
			opts.Publisher = b
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts.Shutdown = cancel

	h, err := hub.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("init hub: %w", err)
	}

	routes, err := h.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           tel.Middleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	h.Wait()
	logger.Printf("INFO %s stopped", serviceName)
	return nil
}

// displacePrevious asks a hub already bound to port on this machine to stop,
// then waits briefly for it to release the socket.
func displacePrevious(ctx context.Context, port int, logger *log.Logger) {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/shutdown"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
	resp.Body.Close()

	logger.Printf("INFO asked previous instance on port %d to stop", port)
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
}
