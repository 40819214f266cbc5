package inference

import (
	"context"

	"github.com/avelkov/vigil/internal/models"
)

// Client talks to the external ML worker. Predict is the hot path; the model
// administration calls are idempotent and only gate whether analysis may
// proceed.
type Client interface {
	Predict(ctx context.Context, req PredictRequest) (*Result, error)
	LoadModel(ctx context.Context, modelPath, architecture string) (*ModelInfo, error)
	UnloadModel(ctx context.Context) error
	Status(ctx context.Context) (*WorkerStatus, error)
}

type PredictRequest struct {
	// VideoPath is the local working-copy path of the video. In upload
	// mode the client reads the file and transfers the bytes instead of
	// passing the path.
	VideoPath    string
	ModelPath    string
	Architecture string
	NumFrames    int
}

type Result struct {
	Classification string
	Confidence     float64
	Probabilities  map[string]float64
	Metrics        Metrics
	FrameScores    []models.FrameScore
}

type Metrics struct {
	InferenceTimeMS float64
	FramesProcessed int
}

type ModelInfo struct {
	Path         string
	Architecture string
	NumClasses   int
}

type WorkerStatus struct {
	ModelLoaded  bool
	ModelPath    string
	Architecture string
	Device       string
}

// WorkerError is the uniform failure shape for every transport or inference
// problem: timeouts, refused connections, non-2xx responses, malformed
// bodies. Callers never see the underlying transport detail.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string {
	return e.Message
}
