// Package report writes run summaries for operators, as YAML or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/casebook-app/migrate/internal/errors"
)

// Format selects the encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Envelope wraps a stage result with run metadata.
type Envelope struct {
	RunID      string    `json:"runId" yaml:"runId"`
	Command    string    `json:"command" yaml:"command"`
	StartedAt  time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finishedAt"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	Result     any       `json:"result" yaml:"result"`
}

// FormatFor derives the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", errors.ValidationError(fmt.Sprintf("report %q must end in .yaml, .yml or .json", path))
	}
}

// Encode writes v to w in format f.
func Encode(w io.Writer, f Format, v any) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.ValidationError(fmt.Sprintf("unknown report format %q", f))
	}
}

// Write encodes v into path, replacing any existing file.
func Write(path string, v any) error {
	f, err := FormatFor(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fileError("create report directory", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fileError("create report", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, f, v); err != nil {
		_ = tmp.Close()
		return fileError("encode report", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fileError("close report", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fileError("rename report", path, err)
	}
	return nil
}

func fileError(op, path string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("report").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
