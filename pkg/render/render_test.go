package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRenderResultView(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	at := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	out, err := engine.Render(ResultTemplate, NewResultView("<b>done</b>", at, "PENDING"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"PENDING", "2026-10-17 09:30:00", "&lt;b&gt;done&lt;/b&gt;"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered view missing %q:\n%s", want, out)
		}
	}
}

func TestNewResultViewDefaults(t *testing.T) {
	view := NewResultView("", time.Now(), "")
	if view.CommandOutput != "No log output available." || view.Status != "COMPLETED" {
		t.Fatalf("unexpected defaults: %#v", view)
	}
}

func TestOverrideReplacesEmbeddedTemplate(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ResultTemplate), []byte("custom {{.Status}}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := engine.Override(dir); err != nil {
		t.Fatalf("Override: %v", err)
	}
	out, err := engine.Render(ResultTemplate, ResultView{Status: "OK"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "custom OK" {
		t.Fatalf("Render = %q", out)
	}
}
