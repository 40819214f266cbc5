package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
	"github.com/avelkov/vigil/internal/models"
	"github.com/avelkov/vigil/internal/storage"
)

var (
	// ErrNoActiveModel means analysis cannot start because no model config
	// is active. No prediction record is created in this case.
	ErrNoActiveModel = errors.New("no active model configured")
	// ErrAlreadyProcessing means another analysis run currently owns the
	// video's status.
	ErrAlreadyProcessing = errors.New("video is already being processed")
)

type Config struct {
	NumFrames int
}

// Service sequences one analysis run: extract a working copy, call the
// worker, persist the outcome, release the copy, update the model's running
// aggregate. It owns the video and prediction state machines.
type Service struct {
	videoRepo *database.VideoRepository
	predRepo  *database.PredictionRepository
	modelRepo *database.ModelConfigRepository
	store     storage.BlobStore
	client    inference.Client
	numFrames int
}

func NewService(
	videoRepo *database.VideoRepository,
	predRepo *database.PredictionRepository,
	modelRepo *database.ModelConfigRepository,
	store storage.BlobStore,
	client inference.Client,
	config Config,
) *Service {
	if config.NumFrames == 0 {
		config.NumFrames = 32
	}

	return &Service{
		videoRepo: videoRepo,
		predRepo:  predRepo,
		modelRepo: modelRepo,
		store:     store,
		client:    client,
		numFrames: config.NumFrames,
	}
}

// Analyze runs the full pipeline for one video. Runs for different videos
// are independent; a second run for the same video is rejected while the
// first holds the processing status.
func (s *Service) Analyze(ctx context.Context, videoID string) (*models.Prediction, error) {
	video, err := s.videoRepo.GetVideoByID(videoID)
	if err != nil {
		return nil, err
	}

	model, err := s.modelRepo.GetActiveModel()
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNoActiveModel
		}
		return nil, err
	}

	// Claim the video. Only uploaded and failed videos may enter
	// processing; completed results stand and concurrent runs are rejected.
	err = s.videoRepo.TransitionStatus(videoID, models.VideoProcessing,
		models.VideoUploaded, models.VideoFailed)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, ErrAlreadyProcessing
		}
		return nil, err
	}

	prediction := models.NewPrediction(video.ID, model.ID)
	prediction.Status = models.PredictionRunning
	if err := s.predRepo.InsertPrediction(prediction); err != nil {
		s.markVideoFailed(video.ID)
		return nil, err
	}

	workPath, release, err := s.store.ExtractWorkingCopy(video.BlobRef)
	if err != nil {
		s.failRun(prediction.ID, video.ID, err)
		return nil, fmt.Errorf("failed to extract working copy: %w", err)
	}
	// The working copy must not outlive this call, whatever exit path is
	// taken below.
	defer release()

	start := time.Now()
	result, err := s.client.Predict(ctx, inference.PredictRequest{
		VideoPath:    workPath,
		ModelPath:    model.Path,
		Architecture: model.Architecture,
		NumFrames:    s.numFrames,
	})
	if err != nil {
		s.failRun(prediction.ID, video.ID, err)
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	sampleMS := result.Metrics.InferenceTimeMS
	if sampleMS <= 0 {
		sampleMS = float64(time.Since(start)) / float64(time.Millisecond)
	}

	prediction.Classification = result.Classification
	prediction.Confidence = result.Confidence
	prediction.Probabilities = result.Probabilities
	prediction.FrameScores = result.FrameScores
	prediction.InferenceTimeMS = sampleMS

	if err := s.predRepo.MarkCompleted(prediction); err != nil {
		s.markVideoFailed(video.ID)
		return nil, err
	}
	if err := s.videoRepo.MarkCompleted(video.ID, time.Now()); err != nil {
		return nil, err
	}

	if err := s.modelRepo.RecordInference(model.ID, sampleMS); err != nil {
		log.Printf("[ANALYZE] failed to record inference sample for model %s: %v", model.ID, err)
	}

	return prediction, nil
}

// Remove deletes a video's metadata and best-effort deletes its blob.
func (s *Service) Remove(videoID string) error {
	video, err := s.videoRepo.GetVideoByID(videoID)
	if err != nil {
		return err
	}

	if err := s.videoRepo.DeleteVideo(videoID); err != nil {
		return err
	}

	if err := s.store.Delete(video.BlobRef); err != nil {
		log.Printf("[ANALYZE] failed to delete blob %s for video %s: %v", video.BlobRef, videoID, err)
	}

	return nil
}

// failRun drives both records into their terminal failed states. Persistence
// errors here are logged, not returned: the original failure is what the
// caller needs to see.
func (s *Service) failRun(predictionID, videoID string, cause error) {
	if err := s.predRepo.MarkFailed(predictionID, cause.Error()); err != nil {
		log.Printf("[ANALYZE] failed to mark prediction %s failed: %v", predictionID, err)
	}
	s.markVideoFailed(videoID)
}

func (s *Service) markVideoFailed(videoID string) {
	if err := s.videoRepo.MarkFailed(videoID); err != nil {
		log.Printf("[ANALYZE] failed to mark video %s failed: %v", videoID, err)
	}
}
