package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avelkov/vigil/internal/models"
)

type PredictionRepository struct {
	db *DB
}

func NewPredictionRepository(db *DB) *PredictionRepository {
	return &PredictionRepository{db: db}
}

func (r *PredictionRepository) InsertPrediction(p *models.Prediction) error {
	probabilities, frameScores, err := marshalResults(p)
	if err != nil {
		return err
	}

	_, err = r.db.conn.Exec(`
		INSERT INTO predictions (id, video_id, model_id, status, classification, confidence,
			probabilities, frame_scores, inference_time_ms, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.VideoID, p.ModelID, p.Status, p.Classification, p.Confidence,
		probabilities, frameScores, p.InferenceTimeMS, p.Error, p.CreatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

func (r *PredictionRepository) GetPredictionByID(id string) (*models.Prediction, error) {
	row := r.db.conn.QueryRow(selectPrediction+" WHERE id = ?", id)
	p, err := scanPrediction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("prediction %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get prediction: %w", err)
	}
	return p, nil
}

func (r *PredictionRepository) GetPredictionsByVideoID(videoID string) ([]models.Prediction, error) {
	rows, err := r.db.conn.Query(selectPrediction+" WHERE video_id = ? ORDER BY created_at DESC", videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()

	var predictions []models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		predictions = append(predictions, *p)
	}
	return predictions, rows.Err()
}

// MarkCompleted writes the inference result into a non-terminal prediction.
// Terminal predictions are immutable, so the update is guarded on status.
func (r *PredictionRepository) MarkCompleted(p *models.Prediction) error {
	probabilities, frameScores, err := marshalResults(p)
	if err != nil {
		return err
	}

	completedAt := time.Now()
	result, err := r.db.conn.Exec(`
		UPDATE predictions
		SET status = ?, classification = ?, confidence = ?, probabilities = ?,
			frame_scores = ?, inference_time_ms = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.PredictionCompleted, p.Classification, p.Confidence, probabilities,
		frameScores, p.InferenceTimeMS, completedAt,
		p.ID, models.PredictionPending, models.PredictionRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to complete prediction: %w", err)
	}
	if err := requireUpdated(result, p.ID); err != nil {
		return err
	}

	p.Status = models.PredictionCompleted
	p.CompletedAt = &completedAt
	return nil
}

// MarkFailed stores the failure reason on a non-terminal prediction.
func (r *PredictionRepository) MarkFailed(id, errMsg string) error {
	completedAt := time.Now()
	result, err := r.db.conn.Exec(`
		UPDATE predictions SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.PredictionFailed, errMsg, completedAt,
		id, models.PredictionPending, models.PredictionRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to fail prediction: %w", err)
	}
	return requireUpdated(result, id)
}

func requireUpdated(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update prediction: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("prediction %s: %w", id, ErrConflict)
	}
	return nil
}

const selectPrediction = `
	SELECT id, video_id, model_id, status, classification, confidence,
		probabilities, frame_scores, inference_time_ms, error, created_at, completed_at
	FROM predictions`

func scanPrediction(row rowScanner) (*models.Prediction, error) {
	var p models.Prediction
	var probabilities, frameScores string
	var completedAt sql.NullTime
	if err := row.Scan(
		&p.ID, &p.VideoID, &p.ModelID, &p.Status, &p.Classification, &p.Confidence,
		&probabilities, &frameScores, &p.InferenceTimeMS, &p.Error, &p.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(probabilities), &p.Probabilities); err != nil {
		return nil, fmt.Errorf("failed to decode probabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(frameScores), &p.FrameScores); err != nil {
		return nil, fmt.Errorf("failed to decode frame scores: %w", err)
	}
	return &p, nil
}

func marshalResults(p *models.Prediction) (probabilities, frameScores string, err error) {
	probs := p.Probabilities
	if probs == nil {
		probs = map[string]float64{}
	}
	probData, err := json.Marshal(probs)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode probabilities: %w", err)
	}

	scores := p.FrameScores
	if scores == nil {
		scores = []models.FrameScore{}
	}
	scoreData, err := json.Marshal(scores)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode frame scores: %w", err)
	}

	return string(probData), string(scoreData), nil
}
