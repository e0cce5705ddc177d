// Package export renders a finalized report run into a deliverable artifact.
// The shipped exporter writes the canonical packet bundle as JSON; PDF or
// archive rendering lives behind the same interface outside this repo.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fieldproof/internal/domain"
)

// Bundle is everything a rendered export carries: the sealed run, the packet
// payload it was hashed from, and the signatures that sealed it.
type Bundle struct {
	Run        domain.ReportRun   `json:"run"`
	Packet     map[string]any     `json:"packet"`
	Signatures []domain.Signature `json:"signatures"`
}

// Exporter produces one artifact per export job and returns a reference to it.
type Exporter interface {
	Export(ctx context.Context, job domain.ExportJob, bundle Bundle) (artifact string, err error)
}

// JSONExporter writes bundles to a directory, one file per export job.
type JSONExporter struct {
	Dir string
}

func (e JSONExporter) Export(ctx context.Context, job domain.ExportJob, bundle Bundle) (string, error) {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	path := filepath.Join(e.Dir, job.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
