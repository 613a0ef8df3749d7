package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Signals carries wake and confirmation flags from the listener to the
// scheduler loop.
type Signals struct {
	wake    atomic.Bool
	confirm atomic.Bool
	wakeCh  chan struct{}
}

// NewSignals returns cleared flags.
func NewSignals() *Signals {
	return &Signals{wakeCh: make(chan struct{}, 1)}
}

// Wake raises the wake flag and nudges a sleeping scheduler.
func (s *Signals) Wake() {
	s.wake.Store(true)
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Woken fires after Wake has been called.
func (s *Signals) Woken() <-chan struct{} {
	return s.wakeCh
}

// TakeWake reports and clears the wake flag.
func (s *Signals) TakeWake() bool {
	select {
	case <-s.wakeCh:
	default:
	}
	return s.wake.Swap(false)
}

// Confirm records that a user confirmed the pending instruction.
func (s *Signals) Confirm() {
	s.confirm.Store(true)
}

// TakeConfirm reports and clears the confirmation flag.
func (s *Signals) TakeConfirm() bool {
	return s.confirm.Swap(false)
}

// Listener serves the wake side channel.
type Listener struct {
	signals *Signals
	logger  *log.Logger

	// State, when set, backs GET /state.
	State func() State
}

// NewListener returns a Listener raising flags on signals.
func NewListener(signals *Signals, logger *log.Logger) *Listener {
	return &Listener{signals: signals, logger: logger}
}

// Routes builds the listener router.
func (l *Listener) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		l.logger.Printf("INFO wake ping from %s", r.RemoteAddr)
		l.signals.Wake()
		writeText(w, "OK")
	})
	r.Get("/confirm", func(w http.ResponseWriter, r *http.Request) {
		l.logger.Printf("INFO execution confirmed from %s", r.RemoteAddr)
		l.signals.Confirm()
		w.Header().Set("Access-Control-Allow-Origin", "*")
		writeText(w, "CONFIRMED")
	})
	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		if l.State == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(l.State())
	})
	return r
}

// ListenAndServe serves Routes on addr:port until ctx is cancelled.
func (l *Listener) ListenAndServe(ctx context.Context, addr string, port int) error {
	server := &http.Server{
		Addr:              net.JoinHostPort(addr, strconv.Itoa(port)),
		Handler:           l.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	l.logger.Printf("INFO wake listener on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
