package models

import (
	"time"

	"github.com/google/uuid"
)

type VideoStatus string

const (
	VideoUploaded   VideoStatus = "uploaded"
	VideoProcessing VideoStatus = "processing"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
)

// Video is the metadata record for one uploaded file. Status only moves
// forward: uploaded -> processing -> completed or failed.
type Video struct {
	ID          string
	Filename    string
	BlobRef     string
	ContentType string
	Size        int64
	Status      VideoStatus
	UploadTime  time.Time
	ProcessedAt *time.Time
}

func NewVideo(filename, blobRef, contentType string, size int64) *Video {
	return &Video{
		ID:          uuid.New().String(),
		Filename:    filename,
		BlobRef:     blobRef,
		ContentType: contentType,
		Size:        size,
		Status:      VideoUploaded,
		UploadTime:  time.Now(),
	}
}
