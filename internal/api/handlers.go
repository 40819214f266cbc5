package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avelkov/vigil/internal/alerts"
	"github.com/avelkov/vigil/internal/analysis"
	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
	"github.com/avelkov/vigil/internal/models"
	"github.com/avelkov/vigil/internal/realtime"
	"github.com/avelkov/vigil/internal/storage"
)

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

type App struct {
	Store         storage.BlobStore
	VideoRepo     *database.VideoRepository
	PredRepo      *database.PredictionRepository
	ModelRepo     *database.ModelConfigRepository
	Analyzer      *analysis.Service
	Inference     inference.Client
	Realtime      *realtime.Manager
	Alerts        *alerts.Center
	MaxUploadSize int64
}

type videoResponse struct {
	ID          string             `json:"id"`
	Filename    string             `json:"filename"`
	ContentType string             `json:"contentType"`
	Size        int64              `json:"size"`
	Status      models.VideoStatus `json:"status"`
	UploadTime  time.Time          `json:"uploadTime"`
	ProcessedAt *time.Time         `json:"processedAt,omitempty"`
}

func toVideoResponse(v *models.Video) videoResponse {
	return videoResponse{
		ID:          v.ID,
		Filename:    v.Filename,
		ContentType: v.ContentType,
		Size:        v.Size,
		Status:      v.Status,
		UploadTime:  v.UploadTime,
		ProcessedAt: v.ProcessedAt,
	}
}

type predictionResponse struct {
	ID              string                  `json:"id"`
	VideoID         string                  `json:"videoId"`
	ModelID         string                  `json:"modelId"`
	Status          models.PredictionStatus `json:"status"`
	Classification  string                  `json:"classification,omitempty"`
	Confidence      float64                 `json:"confidence"`
	Probabilities   map[string]float64      `json:"probabilities,omitempty"`
	FrameScores     []models.FrameScore     `json:"frameScores,omitempty"`
	InferenceTimeMS float64                 `json:"inferenceTimeMs"`
	Error           string                  `json:"error,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	CompletedAt     *time.Time              `json:"completedAt,omitempty"`
}

func toPredictionResponse(p *models.Prediction) predictionResponse {
	return predictionResponse{
		ID:              p.ID,
		VideoID:         p.VideoID,
		ModelID:         p.ModelID,
		Status:          p.Status,
		Classification:  p.Classification,
		Confidence:      p.Confidence,
		Probabilities:   p.Probabilities,
		FrameScores:     p.FrameScores,
		InferenceTimeMS: p.InferenceTimeMS,
		Error:           p.Error,
		CreatedAt:       p.CreatedAt,
		CompletedAt:     p.CompletedAt,
	}
}

func (app *App) UploadVideoHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "file too large")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing video field")
		return
	}
	defer file.Close()

	// Browsers are inconsistent about part content types, so fall back to the
	// extension when the type is not an explicit video/*.
	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "video/") {
		ext := strings.ToLower(filepath.Ext(header.Filename))
		if ext != ".mp4" {
			writeError(w, http.StatusBadRequest, "only video files are allowed")
			return
		}
		contentType = "video/mp4"
	}

	ref, err := app.Store.Put(file, storage.BlobInfo{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
	})
	if err != nil {
		log.Printf("[API] failed to store upload: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	video := models.NewVideo(header.Filename, ref, contentType, header.Size)
	if err := app.VideoRepo.InsertVideo(video); err != nil {
		if delErr := app.Store.Delete(ref); delErr != nil {
			log.Printf("[API] failed to remove orphaned blob %s: %v", ref, delErr)
		}
		log.Printf("[API] failed to insert video: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to save video information")
		return
	}

	writeJSON(w, http.StatusCreated, toVideoResponse(video))
}

func (app *App) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	videos, err := app.VideoRepo.ListVideos()
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]videoResponse, 0, len(videos))
	for i := range videos {
		out = append(out, toVideoResponse(&videos[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (app *App) GetVideoHandler(w http.ResponseWriter, r *http.Request) {
	video, err := app.VideoRepo.GetVideoByID(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toVideoResponse(video))
}

func (app *App) DeleteVideoHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.Analyzer.Remove(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// streamCORSHeaders exposes the range machinery to browser players.
func streamCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range")
	h.Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length")
}

func (app *App) StreamVideoOptionsHandler(w http.ResponseWriter, r *http.Request) {
	streamCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

func (app *App) StreamVideoHandler(w http.ResponseWriter, r *http.Request) {
	video, err := app.VideoRepo.GetVideoByID(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	streamCORSHeaders(w)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", video.ContentType)

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		reader, info, err := app.Store.OpenRange(video.BlobRef, nil)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		defer reader.Close()

		w.Header().Set("Content-Length", strconv.FormatInt(info.Total, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, reader); err != nil {
			log.Printf("[API] stream aborted for video %s: %v", video.ID, err)
		}
		return
	}

	rng, err := parseRangeHeader(rangeHeader)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reader, info, err := app.Store.OpenRange(video.BlobRef, rng)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRange) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", video.Size))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
			return
		}
		writeServiceError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", info.Start, info.End, info.Total))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.Copy(w, reader); err != nil {
		log.Printf("[API] stream aborted for video %s: %v", video.ID, err)
	}
}

// parseRangeHeader handles the single-range "bytes=start-end" form, with the
// end optionally omitted. Multi-range and suffix requests are rejected as
// malformed.
func parseRangeHeader(value string) (*storage.ByteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(value, prefix) {
		return nil, fmt.Errorf("malformed range header")
	}

	spec := strings.TrimPrefix(value, prefix)
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("multiple ranges are not supported")
	}

	start, end, ok := strings.Cut(spec, "-")
	if !ok || start == "" {
		return nil, fmt.Errorf("malformed range header")
	}

	startByte, err := strconv.ParseInt(start, 10, 64)
	if err != nil || startByte < 0 {
		return nil, fmt.Errorf("malformed range header")
	}

	rng := &storage.ByteRange{Start: startByte}
	if end != "" {
		endByte, err := strconv.ParseInt(end, 10, 64)
		if err != nil || endByte < startByte {
			return nil, fmt.Errorf("malformed range header")
		}
		rng.End = &endByte
	}

	return rng, nil
}

type predictRequest struct {
	VideoID string `json:"videoId"`
}

func (app *App) PredictHandler(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoID == "" {
		writeError(w, http.StatusBadRequest, "videoId is required")
		return
	}

	prediction, err := app.Analyzer.Analyze(r.Context(), req.VideoID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPredictionResponse(prediction))
}

func (app *App) PredictionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoId")
	if _, err := app.VideoRepo.GetVideoByID(videoID); err != nil {
		writeServiceError(w, err)
		return
	}

	predictions, err := app.PredRepo.GetPredictionsByVideoID(videoID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]predictionResponse, 0, len(predictions))
	for i := range predictions {
		out = append(out, toPredictionResponse(&predictions[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type loadModelRequest struct {
	ModelID string `json:"modelId"`
}

// LoadModelHandler asks the worker to load a model (the active one unless a
// specific id is given) and records the loaded flag. The worker call is
// idempotent.
func (app *App) LoadModelHandler(w http.ResponseWriter, r *http.Request) {
	var req loadModelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	var (
		model *models.ModelConfig
		err   error
	)
	if req.ModelID != "" {
		model, err = app.ModelRepo.GetModelByID(req.ModelID)
	} else {
		model, err = app.ModelRepo.GetActiveModel()
		if err != nil && errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusServiceUnavailable, "no active model configured")
			return
		}
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	info, err := app.Inference.LoadModel(r.Context(), model.Path, model.Architecture)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := app.ModelRepo.SetLoaded(model.ID, true); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"modelInfo": map[string]any{
			"path":         info.Path,
			"architecture": info.Architecture,
			"numClasses":   info.NumClasses,
		},
	})
}

func (app *App) ModelStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := app.Inference.Status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"modelLoaded":  status.ModelLoaded,
		"modelPath":    status.ModelPath,
		"architecture": status.Architecture,
		"device":       status.Device,
	})
}

func (app *App) RealtimeStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"connected":   app.Realtime.Connected(),
		"unavailable": app.Realtime.Unavailable(),
	})
}

func (app *App) RealtimeReconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.Realtime.Reconnect(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "reconnect failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "connected": true})
}

func (app *App) ListAlertsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Alerts.Active())
}

func (app *App) DismissAlertHandler(w http.ResponseWriter, r *http.Request) {
	if !app.Alerts.Dismiss(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
