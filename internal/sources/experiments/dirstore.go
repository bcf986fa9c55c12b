package experiments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/reclaim/internal/collector"
)

// DirStore serves templates from YAML files in a directory, one template
// per <id>.yaml file. Used when templates are shipped with the deployment
// instead of fetched from the experiment service.
type DirStore struct {
	dir string
}

// NewDirStore creates a store reading from dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// GetTemplate loads <dir>/<templateID>.yaml. The file's owner team must
// match when one is set.
func (s *DirStore) GetTemplate(_ context.Context, templateID, ownerTeam string) (*collector.Template, error) {
	if templateID == "" || filepath.Base(templateID) != templateID {
		return nil, fmt.Errorf("%w: invalid id %q", ErrTemplateNotFound, templateID)
	}

	path := filepath.Join(s.dir, templateID+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}

	var tmpl collector.Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}

	if tmpl.ID == "" {
		tmpl.ID = templateID
	}
	if tmpl.OwnerTeam == "" {
		tmpl.OwnerTeam = ownerTeam
	}
	if ownerTeam != "" && tmpl.OwnerTeam != ownerTeam {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrTemplateNotFound, templateID, tmpl.OwnerTeam)
	}
	return &tmpl, nil
}
