package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"rescued/pkg/manifest"
	"rescued/pkg/render"
	"rescued/services/evidence"
)

// ErrRestart is returned by Run after the agent replaced its own executable.
// The caller is expected to re-execute the binary.
var ErrRestart = errors.New("agent restart requested")

// State is a point-in-time view of the scheduler. It lives in memory only,
// so the last-applied hash is forgotten across restarts.
type State struct {
	Hub             string  `json:"hub"`
	LastHash        string  `json:"last_hash"`
	IntervalSeconds float64 `json:"interval_seconds"`
}

// Service is the long-running scheduler loop: sync, dispatch, report, sleep.
type Service struct {
	cfg        Config
	logger     *log.Logger
	signals    *Signals
	backoff    *Backoff
	dispatcher *Dispatcher
	self       string

	hub   *HubClient
	dial  DialFunc
	after func(time.Duration) <-chan time.Time
	state atomic.Pointer[State]
}

// NewService returns a Service for cfg. The renderer may be nil, in which
// case no result page is produced.
func NewService(cfg Config, renderer *render.Engine, logger *log.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	self := cfg.Executable
	if self == "" {
		if exe, err := os.Executable(); err == nil {
			self = exe
		}
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		signals:    NewSignals(),
		backoff:    NewBackoff(cfg.HeartbeatMin, cfg.HeartbeatMax, cfg.HeartbeatFactor),
		dispatcher: NewDispatcher(cfg.WorkDir, cfg.Instructions, renderer, cfg.Viewers, logger),
		self:       self,
		after:      time.After,
	}, nil
}

// Signals exposes the flags the wake listener raises.
func (s *Service) Signals() *Signals {
	return s.signals
}

// State returns the snapshot taken at the last scheduler transition. It is
// safe to call from other goroutines.
func (s *Service) State() State {
	if st := s.state.Load(); st != nil {
		return *st
	}
	return State{}
}

func (s *Service) snapshot() {
	st := State{
		LastHash:        s.dispatcher.LastHash(),
		IntervalSeconds: s.backoff.Current().Seconds(),
	}
	if s.hub != nil {
		st.Hub = s.hub.Host()
	}
	s.state.Store(&st)
}

// Run discovers a hub and then cycles until ctx is cancelled or a
// self-update requires a restart.
func (s *Service) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.report(ctx, fmt.Sprintf("%s rescue-agent v%s on %s", evidence.BootstrapMarker, Version, hostname()))

	for {
		restart, err := s.cycle(ctx)
		if restart {
			s.status(ctx, "Self-updating to newer agent version")
			return ErrRestart
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			s.logger.Printf("WARN cycle failed: %v", err)
			s.backoff.Reset()
			s.snapshot()
			if !s.wait(ctx, s.cfg.RetryDelay) && ctx.Err() != nil {
				return ctx.Err()
			}
			s.rediscover(ctx)
			continue
		}

		s.snapshot()
		if s.wait(ctx, s.backoff.Current()) {
			s.backoff.Reset()
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.backoff.Advance()
		}
	}
}

// cycle runs one sync, dispatch and report pass.
func (s *Service) cycle(ctx context.Context) (bool, error) {
	m, err := s.hub.Manifest(ctx)
	if err != nil {
		return false, err
	}

	syncer := NewSyncer(s.cfg.WorkDir, s.cfg.Namespace, s.self, s.hub, s.logger)
	res, err := syncer.Sync(ctx, m)
	if res.Restart {
		return true, nil
	}
	for _, name := range res.Updated {
		s.status(ctx, "Synced script: "+name)
	}
	for _, name := range res.Rejected {
		s.status(ctx, "Rejected corrupt download: "+name)
	}
	if err != nil {
		return false, fmt.Errorf("sync: %w", err)
	}

	s.dispatch(ctx, m)

	if s.signals.TakeConfirm() {
		s.status(ctx, "User confirmed execution in browser.")
	}
	s.status(ctx, fmt.Sprintf("Cycle complete. Passive for %ds.", int(s.backoff.Current().Seconds())))
	return false, nil
}

func (s *Service) dispatch(ctx context.Context, m *manifest.Manifest) {
	launched, err := s.dispatcher.Check(ctx, m, s.hub.Host())
	if err != nil {
		s.logger.Printf("ERROR %v", err)
		return
	}
	if launched {
		s.status(ctx, fmt.Sprintf("Executing injected instruction (Hash: %s)", short(s.dispatcher.LastHash())))
	}
}

// wait sleeps for d. It returns true when a wake signal cut the sleep short
// or was already pending.
func (s *Service) wait(ctx context.Context, d time.Duration) bool {
	if s.signals.TakeWake() {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.after(d):
		return false
	case <-s.signals.Woken():
		s.signals.TakeWake()
		s.logger.Printf("INFO woken early")
		return true
	}
}

// connect blocks until a hub answers, retrying with the retry delay.
func (s *Service) connect(ctx context.Context) error {
	for {
		host, err := Discover(ctx, s.cfg.Hubs, s.cfg.HubPort, s.cfg.DialTimeout, s.dial)
		if err == nil {
			s.useHub(host)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Printf("WARN %v, retrying in %s", err, s.cfg.RetryDelay)
		s.wait(ctx, s.cfg.RetryDelay)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// rediscover re-probes the candidates, keeping the current hub when none
// answers.
func (s *Service) rediscover(ctx context.Context) {
	host, err := Discover(ctx, s.cfg.Hubs, s.cfg.HubPort, s.cfg.DialTimeout, s.dial)
	if err != nil {
		return
	}
	if s.hub == nil || host != s.hub.Host() {
		s.useHub(host)
	}
}

func (s *Service) useHub(host string) {
	s.logger.Printf("INFO using hub %s:%d", host, s.cfg.HubPort)
	s.hub = NewHubClient(host, s.cfg.HubPort, s.cfg.RequestTimeout, s.cfg.FetchTimeout)
	s.snapshot()
}

// status logs msg and reports it to the hub tagged as an agent line.
func (s *Service) status(ctx context.Context, msg string) {
	s.logger.Printf("INFO %s", msg)
	s.report(ctx, "[AGENT] "+msg)
}

func (s *Service) report(ctx context.Context, text string) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Report(ctx, text); err != nil {
		s.logger.Printf("WARN report to hub failed: %v", err)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
