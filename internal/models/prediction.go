package models

import (
	"time"

	"github.com/google/uuid"
)

type PredictionStatus string

const (
	PredictionPending   PredictionStatus = "pending"
	PredictionRunning   PredictionStatus = "running"
	PredictionCompleted PredictionStatus = "completed"
	PredictionFailed    PredictionStatus = "failed"
)

// FrameScore is one per-frame confidence sample returned by the worker.
type FrameScore struct {
	FrameIndex int     `json:"frame_index"`
	Timestamp  float64 `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

// Prediction records one analysis run for a video. A prediction that has
// reached completed or failed is never mutated again.
type Prediction struct {
	ID              string
	VideoID         string
	ModelID         string
	Status          PredictionStatus
	Classification  string
	Confidence      float64
	Probabilities   map[string]float64
	FrameScores     []FrameScore
	InferenceTimeMS float64
	Error           string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

func NewPrediction(videoID, modelID string) *Prediction {
	return &Prediction{
		ID:        uuid.New().String(),
		VideoID:   videoID,
		ModelID:   modelID,
		Status:    PredictionPending,
		CreatedAt: time.Now(),
	}
}
