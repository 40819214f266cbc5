package models

import (
	"time"

	"github.com/google/uuid"
)

// ModelConfig describes one inference model known to the system. At most one
// config is active at any time; the active one is used for new analysis runs.
// InferenceCount and AvgInferenceMS form a running performance aggregate
// updated incrementally after each successful run.
type ModelConfig struct {
	ID             string
	Name           string
	Path           string
	Architecture   string
	Active         bool
	Loaded         bool
	InferenceCount int64
	AvgInferenceMS float64
	CreatedAt      time.Time
}

func NewModelConfig(name, path, architecture string) *ModelConfig {
	return &ModelConfig{
		ID:           uuid.New().String(),
		Name:         name,
		Path:         path,
		Architecture: architecture,
		CreatedAt:    time.Now(),
	}
}
