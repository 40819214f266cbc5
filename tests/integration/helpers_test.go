package integration

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/avelkov/vigil/internal/alerts"
	"github.com/avelkov/vigil/internal/analysis"
	"github.com/avelkov/vigil/internal/api"
	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
	"github.com/avelkov/vigil/internal/models"
	"github.com/avelkov/vigil/internal/realtime"
	"github.com/avelkov/vigil/internal/storage"
)

type TestServer struct {
	Server    *httptest.Server
	Worker    *httptest.Server
	App       *api.App
	DB        *database.DB
	VideoRepo *database.VideoRepository
	ModelRepo *database.ModelConfigRepository
	Storage   *storage.LocalStorage
}

// setupTestServer brings up the whole service over a temp database and blob
// directory, with a canned worker standing in for the inference sidecar.
func setupTestServer(t *testing.T) *TestServer {
	t.Helper()

	tempDir := t.TempDir()

	localStorage, err := storage.NewLocalStorage(filepath.Join(tempDir, "uploads"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	db, err := database.NewDB(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/inference/predict":
			json.NewEncoder(w).Encode(map[string]any{
				"classification": "violence",
				"confidence":     0.91,
				"probabilities":  map[string]float64{"violence": 0.91, "non_violence": 0.09},
				"metrics":        map[string]any{"inference_time_ms": 180.0, "frames_processed": 32},
			})
		case "/model/load":
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"modelInfo": map[string]any{
					"path": "/models/r3d18.pth", "architecture": "r3d_18", "num_classes": 2,
				},
			})
		case "/model/status":
			json.NewEncoder(w).Encode(map[string]any{"model_loaded": true, "device": "cpu"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	client := inference.NewHTTPClient(worker.URL, inference.TransportLocalPath, 10*time.Second)

	videoRepo := database.NewVideoRepository(db)
	predRepo := database.NewPredictionRepository(db)
	modelRepo := database.NewModelConfigRepository(db)

	app := &api.App{
		Store:         localStorage,
		VideoRepo:     videoRepo,
		PredRepo:      predRepo,
		ModelRepo:     modelRepo,
		Analyzer:      analysis.NewService(videoRepo, predRepo, modelRepo, localStorage, client, analysis.Config{NumFrames: 32}),
		Inference:     client,
		Realtime:      realtime.NewManager(realtime.Config{URL: "ws://127.0.0.1:1/ws"}),
		Alerts:        alerts.NewCenter(alerts.Config{}),
		MaxUploadSize: 10 * 1024 * 1024,
	}

	server := httptest.NewServer(api.NewRouter(app))

	ts := &TestServer{
		Server:    server,
		Worker:    worker,
		App:       app,
		DB:        db,
		VideoRepo: videoRepo,
		ModelRepo: modelRepo,
		Storage:   localStorage,
	}
	t.Cleanup(ts.Cleanup)
	return ts
}

func (ts *TestServer) Cleanup() {
	ts.Server.Close()
	ts.Worker.Close()
	ts.DB.Close()
}

func (ts *TestServer) activateModel(t *testing.T) *models.ModelConfig {
	t.Helper()
	model := models.NewModelConfig("r3d-18", "/models/r3d18.pth", "r3d_18")
	if err := ts.ModelRepo.InsertModelConfig(model); err != nil {
		t.Fatalf("Failed to insert model config: %v", err)
	}
	if err := ts.ModelRepo.Activate(model.ID); err != nil {
		t.Fatalf("Failed to activate model: %v", err)
	}
	return model
}

func createMultipartUpload(field, filename string, content []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, bytes.NewReader(content)); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return body, writer.FormDataContentType(), nil
}

func countRows(db *sql.DB, table string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
	return count, err
}

func uploadTestVideo(t *testing.T, server string, filename string, content []byte) *http.Response {
	t.Helper()
	body, contentType, err := createMultipartUpload("video", filename, content)
	if err != nil {
		t.Fatalf("Failed to create multipart upload: %v", err)
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/videos/upload", server), body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to upload video: %v", err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}
