package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/coord/pkg/models"
)

// Manifest is a YAML batch of tasks:
//
//	tasks:
//	  - id: schema
//	    title: Design the schema
//	    priority: 10
//	  - id: api
//	    title: Build the API
//	    depends_on: [schema]
//	    capabilities: [go]
type Manifest struct {
	Tasks []models.Task `yaml:"tasks"`
}

// ParseManifest decodes a manifest. Unknown keys are rejected so typos in
// field names do not silently drop dependencies.
func ParseManifest(r io.Reader) ([]models.Task, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.ID == "" {
			continue
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("parse manifest: task %d: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
	}
	return m.Tasks, nil
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) ([]models.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}
