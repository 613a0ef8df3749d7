package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// ResultTemplate is the view shown on the agent's screen when a new
// instruction is dispatched.
const ResultTemplate = "result.html.tmpl"

// ResultView is the data rendered into ResultTemplate.
type ResultView struct {
	CommandOutput string
	Timestamp     string
	Status        string
}

// NewResultView fills in the defaults used when no prior output exists.
func NewResultView(output string, at time.Time, status string) ResultView {
	if output == "" {
		output = "No log output available."
	}
	if status == "" {
		status = "COMPLETED"
	}
	return ResultView{
		CommandOutput: output,
		Timestamp:     at.Format("2006-01-02 15:04:05"),
		Status:        status,
	}
}

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Override replaces embedded templates with *.tmpl files found in dir. A
// missing directory is not an error.
func (e *Engine) Override(dir string) error {
	if e == nil || e.templates == nil {
		return fmt.Errorf("nil engine")
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmpl"))
	if err != nil {
		return err
	}
	for _, match := range matches {
		data, err := os.ReadFile(match)
		if err != nil {
			return fmt.Errorf("read %s: %w", match, err)
		}
		if _, err := e.templates.New(filepath.Base(match)).Parse(string(data)); err != nil {
			return fmt.Errorf("parse %s: %w", match, err)
		}
	}
	return nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
