package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/avelkov/vigil/internal/models"
)

type VideoRepository struct {
	db *DB
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db}
}

func (r *VideoRepository) InsertVideo(video *models.Video) error {
	_, err := r.db.conn.Exec(`
		INSERT INTO videos (id, filename, blob_ref, content_type, size, status, upload_time, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		video.ID, video.Filename, video.BlobRef, video.ContentType,
		video.Size, video.Status, video.UploadTime, video.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert video: %w", err)
	}
	return nil
}

func (r *VideoRepository) GetVideoByID(id string) (*models.Video, error) {
	row := r.db.conn.QueryRow(`
		SELECT id, filename, blob_ref, content_type, size, status, upload_time, processed_at
		FROM videos WHERE id = ?`, id)

	video, err := scanVideo(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get video: %w", err)
	}
	return video, nil
}

func (r *VideoRepository) ListVideos() ([]models.Video, error) {
	rows, err := r.db.conn.Query(`
		SELECT id, filename, blob_ref, content_type, size, status, upload_time, processed_at
		FROM videos ORDER BY upload_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, *video)
	}
	return videos, rows.Err()
}

func (r *VideoRepository) DeleteVideo(id string) error {
	result, err := r.db.conn.Exec("DELETE FROM videos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionStatus moves a video into the given status only when its current
// status is one of the allowed source states. This is the compare-and-swap
// that keeps two concurrent analysis runs from racing on the same video.
func (r *VideoRepository) TransitionStatus(id string, to models.VideoStatus, from ...models.VideoStatus) error {
	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(from)+2)
	args = append(args, to, id)
	for _, s := range from {
		args = append(args, s)
	}

	result, err := r.db.conn.Exec(
		"UPDATE videos SET status = ? WHERE id = ? AND status IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to transition video status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to transition video status: %w", err)
	}
	if n == 0 {
		if _, err := r.GetVideoByID(id); err != nil {
			return err
		}
		return fmt.Errorf("video %s: %w", id, ErrConflict)
	}
	return nil
}

// MarkCompleted finishes a processing video, recording the processed time.
func (r *VideoRepository) MarkCompleted(id string, processedAt time.Time) error {
	return r.finish(id, models.VideoCompleted, &processedAt)
}

// MarkFailed moves a processing video into the terminal failed state.
func (r *VideoRepository) MarkFailed(id string) error {
	return r.finish(id, models.VideoFailed, nil)
}

func (r *VideoRepository) finish(id string, to models.VideoStatus, processedAt *time.Time) error {
	result, err := r.db.conn.Exec(
		"UPDATE videos SET status = ?, processed_at = ? WHERE id = ? AND status = ?",
		to, processedAt, id, models.VideoProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to finish video: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish video: %w", err)
	}
	if n == 0 {
		if _, err := r.GetVideoByID(id); err != nil {
			return err
		}
		return fmt.Errorf("video %s: %w", id, ErrConflict)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*models.Video, error) {
	var video models.Video
	var processedAt sql.NullTime
	if err := row.Scan(
		&video.ID, &video.Filename, &video.BlobRef, &video.ContentType,
		&video.Size, &video.Status, &video.UploadTime, &processedAt,
	); err != nil {
		return nil, err
	}
	if processedAt.Valid {
		video.ProcessedAt = &processedAt.Time
	}
	return &video, nil
}
