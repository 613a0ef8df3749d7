package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"rescued/pkg/manifest"
	"rescued/pkg/render"
)

const (
	instructionsLog = "instructions.log"
	resultPage      = "result.html"
)

// Runner launches an instruction without waiting for it to finish.
type Runner interface {
	Start(ctx context.Context, path string, args []string, logPath string) error
}

// Dispatcher runs the instruction file once per distinct hash.
type Dispatcher struct {
	workDir      string
	instructions string
	renderer     *render.Engine
	runner       Runner
	viewers      []string
	logger       *log.Logger

	open     func(viewers []string, page string) string
	now      func() time.Time
	lastHash string
}

// NewDispatcher returns a Dispatcher for the instruction entry named
// instructions.
func NewDispatcher(workDir, instructions string, renderer *render.Engine, viewers []string, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		workDir:      workDir,
		instructions: instructions,
		renderer:     renderer,
		runner:       execRunner{},
		viewers:      viewers,
		logger:       logger,
		open:         openViewer,
		now:          time.Now,
	}
}

// LastHash is the hash of the most recently launched instruction.
func (d *Dispatcher) LastHash() string {
	return d.lastHash
}

// Check launches the instruction when its manifest hash differs from the
// last one applied. It reports whether a launch happened.
func (d *Dispatcher) Check(ctx context.Context, m *manifest.Manifest, hubHost string) (bool, error) {
	entry, ok := m.Lookup(d.instructions)
	if !ok || entry.Hash == "" || strings.EqualFold(entry.Hash, d.lastHash) {
		return false, nil
	}

	local := filepath.Join(d.workDir, filepath.Base(d.instructions))
	hash, _, err := manifest.HashFile(local)
	if err != nil || !strings.EqualFold(hash, entry.Hash) {
		d.logger.Printf("WARN instruction %s not in sync with hub, skipping", short(entry.Hash))
		return false, nil
	}

	d.showPending()

	logPath := filepath.Join(d.workDir, instructionsLog)
	if err := d.runner.Start(ctx, local, []string{hubHost}, logPath); err != nil {
		return false, fmt.Errorf("launch instruction %s: %w", short(entry.Hash), err)
	}
	d.lastHash = entry.Hash
	d.logger.Printf("INFO launched instruction %s", short(entry.Hash))
	return true, nil
}

// showPending renders the result page over the previous run's output and
// hands it to the first viewer available. Failures only get logged.
func (d *Dispatcher) showPending() {
	if d.renderer == nil {
		return
	}
	prior, err := os.ReadFile(filepath.Join(d.workDir, instructionsLog))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Printf("WARN read previous output: %v", err)
	}

	view := render.NewResultView(string(prior), d.now(), "PENDING")
	html, err := d.renderer.Render(render.ResultTemplate, view)
	if err != nil {
		d.logger.Printf("WARN render result page: %v", err)
		return
	}
	page := filepath.Join(d.workDir, resultPage)
	if err := os.WriteFile(page, []byte(html), 0o644); err != nil {
		d.logger.Printf("WARN write result page: %v", err)
		return
	}
	if viewer := d.open(d.viewers, page); viewer != "" {
		d.logger.Printf("DEBUG opened %s with %s", page, viewer)
	}
}

type execRunner struct{}

func (execRunner) Start(_ context.Context, path string, args []string, logPath string) error {
	out, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output log: %w", err)
	}

	// Not bound to the cycle context: instructions outlive the poll that
	// started them.
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(path)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		out.Close()
		return err
	}
	go func() {
		_ = cmd.Wait()
		out.Close()
	}()
	return nil
}

func openViewer(viewers []string, page string) string {
	for _, name := range viewers {
		bin, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		cmd := exec.Command(bin, page)
		if err := cmd.Start(); err != nil {
			continue
		}
		go func() { _ = cmd.Wait() }()
		return name
	}
	return ""
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
