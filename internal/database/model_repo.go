package database

import (
	"database/sql"
	"fmt"

	"github.com/avelkov/vigil/internal/models"
)

type ModelConfigRepository struct {
	db *DB
}

func NewModelConfigRepository(db *DB) *ModelConfigRepository {
	return &ModelConfigRepository{db: db}
}

func (r *ModelConfigRepository) InsertModelConfig(m *models.ModelConfig) error {
	_, err := r.db.conn.Exec(`
		INSERT INTO model_configs (id, name, path, architecture, active, loaded,
			inference_count, avg_inference_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Path, m.Architecture, m.Active, m.Loaded,
		m.InferenceCount, m.AvgInferenceMS, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert model config: %w", err)
	}
	return nil
}

func (r *ModelConfigRepository) GetModelByID(id string) (*models.ModelConfig, error) {
	row := r.db.conn.QueryRow(selectModelConfig+" WHERE id = ?", id)
	m, err := scanModelConfig(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("model config %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get model config: %w", err)
	}
	return m, nil
}

// GetActiveModel returns the single active model config, or ErrNotFound when
// none is configured.
func (r *ModelConfigRepository) GetActiveModel() (*models.ModelConfig, error) {
	row := r.db.conn.QueryRow(selectModelConfig + " WHERE active = 1")
	m, err := scanModelConfig(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("active model config: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active model config: %w", err)
	}
	return m, nil
}

func (r *ModelConfigRepository) ListModels() ([]models.ModelConfig, error) {
	rows, err := r.db.conn.Query(selectModelConfig + " ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list model configs: %w", err)
	}
	defer rows.Close()

	var configs []models.ModelConfig
	for rows.Next() {
		m, err := scanModelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model config: %w", err)
		}
		configs = append(configs, *m)
	}
	return configs, rows.Err()
}

// Activate makes the given config the single active one. Deactivation and
// activation happen in one transaction so the at-most-one-active invariant
// holds at every commit point.
func (r *ModelConfigRepository) Activate(id string) error {
	tx, err := r.db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE model_configs SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("failed to deactivate model configs: %w", err)
	}

	result, err := tx.Exec("UPDATE model_configs SET active = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to activate model config: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to activate model config: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("model config %s: %w", id, ErrNotFound)
	}

	return tx.Commit()
}

func (r *ModelConfigRepository) SetLoaded(id string, loaded bool) error {
	result, err := r.db.conn.Exec("UPDATE model_configs SET loaded = ? WHERE id = ?", loaded, id)
	if err != nil {
		return fmt.Errorf("failed to set loaded flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set loaded flag: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("model config %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordInference folds one inference time sample into the running aggregate
// without retaining history: avg' = (avg*n + sample) / (n+1), n' = n+1.
// The whole update happens in one statement so concurrent runs don't lose
// samples.
func (r *ModelConfigRepository) RecordInference(id string, sampleMS float64) error {
	result, err := r.db.conn.Exec(`
		UPDATE model_configs
		SET avg_inference_ms = (avg_inference_ms * inference_count + ?) / (inference_count + 1),
			inference_count = inference_count + 1
		WHERE id = ?`,
		sampleMS, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record inference sample: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record inference sample: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("model config %s: %w", id, ErrNotFound)
	}
	return nil
}

const selectModelConfig = `
	SELECT id, name, path, architecture, active, loaded, inference_count, avg_inference_ms, created_at
	FROM model_configs`

func scanModelConfig(row rowScanner) (*models.ModelConfig, error) {
	var m models.ModelConfig
	if err := row.Scan(
		&m.ID, &m.Name, &m.Path, &m.Architecture, &m.Active, &m.Loaded,
		&m.InferenceCount, &m.AvgInferenceMS, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &m, nil
}
