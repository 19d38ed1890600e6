package tasks

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Goal is an externally supplied objective that yields feature work.
type Goal struct {
	ID                  string `yaml:"id" json:"id"`
	Description         string `yaml:"description" json:"description"`
	Priority            int    `yaml:"priority" json:"priority"`
	EstimatedChangeSize int    `yaml:"estimated_change_size" json:"estimated_change_size"`
	Flags               Flags  `yaml:"flags" json:"flags"`
}

// Identity is the dedup key of tasks derived from g.
func (g Goal) Identity() Identity {
	return Identity{Goal: g.ID, Description: g.Description}
}

type goalsFile struct {
	Goals []Goal `yaml:"goals"`
}

// LoadGoals reads a YAML goals file of the form
//
//	goals:
//	  - id: search
//	    description: Add full-text search
//	    priority: 1
//	    estimated_change_size: 120
//	    flags:
//	      touches_database: true
//
// A missing file yields no goals.
func LoadGoals(path string) ([]Goal, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading goals: %w", err)
	}
	return ParseGoals(data)
}

// ParseGoals decodes and validates goals YAML.
func ParseGoals(data []byte) ([]Goal, error) {
	var f goalsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing goals: %w", err)
	}
	ids := make(map[string]bool, len(f.Goals))
	for i, g := range f.Goals {
		switch {
		case g.ID == "":
			return nil, fmt.Errorf("goal %d: id is required", i)
		case g.Description == "":
			return nil, fmt.Errorf("goal %q: description is required", g.ID)
		case g.EstimatedChangeSize < 0:
			return nil, fmt.Errorf("goal %q: estimated_change_size must be >= 0", g.ID)
		case ids[g.ID]:
			return nil, fmt.Errorf("goal %q: duplicate id", g.ID)
		case g.ID == OriginCodebaseHealth || g.ID == OriginMarkerBacklog:
			return nil, fmt.Errorf("goal %q: id is reserved", g.ID)
		}
		ids[g.ID] = true
	}
	return f.Goals, nil
}
