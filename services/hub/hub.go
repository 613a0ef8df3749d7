package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rescued/pkg/bus"
	"rescued/pkg/manifest"
	"rescued/services/evidence"
)

const shutdownDelay = time.Second

// Publisher emits hub events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Options carries the collaborators a Hub needs beyond its Config.
type Options struct {
	Logger    *log.Logger
	Publisher Publisher
	// Shutdown is invoked shortly after GET /shutdown has been answered.
	Shutdown func()
	// Client performs proxy downloads. Defaults to one with the proxy timeout.
	Client *http.Client
}

// Hub serves manifests and distributable files, stores evidence and wakes
// agents.
type Hub struct {
	cfg      Config
	roots    []manifest.Root
	store    *evidence.Store
	notifier *Notifier
	metrics  *metrics
	logger   *log.Logger
	bus      Publisher
	client   *http.Client

	shutdown     func()
	shutdownOnce sync.Once
}

// New validates cfg, prepares the storage directories and returns a Hub.
func New(cfg Config, opts Options) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	roots, err := cfg.ParsedRoots()
	if err != nil {
		return nil, err
	}

	store, err := evidence.NewStore(cfg.EvidenceDir, cfg.AuditDir)
	if err != nil {
		return nil, fmt.Errorf("init evidence store: %w", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.ProxyTimeout}
	}
	if client.CheckRedirect == nil {
		c := *client
		c.CheckRedirect = checkProxyRedirect
		client = &c
	}

	h := &Hub{
		cfg:      cfg,
		roots:    roots,
		store:    store,
		metrics:  newMetrics(),
		logger:   logger,
		bus:      opts.Publisher,
		client:   client,
		shutdown: opts.Shutdown,
	}

	h.notifier = NewNotifier(cfg.WakePort, cfg.WakeTimeout, logger)
	h.notifier.OnResult = h.wakeResult

	return h, nil
}

// Store exposes the evidence store backing the hub.
func (h *Hub) Store() *evidence.Store {
	return h.store
}

// Wait blocks until background wake pings have drained.
func (h *Hub) Wait() {
	h.notifier.Wait()
}

// Routes constructs the chi router containing every hub endpoint.
func (h *Hub) Routes() (http.Handler, error) {
	if h == nil {
		return nil, errors.New("nil hub")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.metrics.registry, promhttp.HandlerOpts{}))

	r.Get("/manifest", h.handleManifest)
	r.Get("/manifest/", h.handleManifest)
	r.Get("/proxy", h.handleProxy)
	r.Get("/shutdown", h.handleShutdown)

	r.Group(func(r chi.Router) {
		if h.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(h.cfg.RateLimit, time.Minute))
		}
		r.Post("/", h.handleSubmit)
	})

	r.Get("/*", h.handleFile)

	return r, nil
}

func (h *Hub) handleReady(w http.ResponseWriter, _ *http.Request) {
	for _, dir := range []string{h.cfg.EvidenceDir, h.cfg.AuditDir, h.cfg.CacheDir} {
		if _, err := os.Stat(dir); err != nil {
			respondError(w, http.StatusServiceUnavailable, fmt.Errorf("storage unavailable: %w", err))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *Hub) publish(ctx context.Context, subject string, payload any) {
	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.bus.Publish(ctx, subject, payload); err != nil {
		h.logger.Printf("WARN publish %s: %v", subject, err)
	}
}

func (h *Hub) wakeResult(addr string, err error) {
	if err != nil {
		h.metrics.wakes.WithLabelValues("failed").Inc()
		return
	}
	h.metrics.wakes.WithLabelValues("delivered").Inc()
	h.publish(context.Background(), bus.SubjectWakeSent, bus.WakeSent{
		Address: addr,
		SentAt:  time.Now().UTC(),
	})
}
