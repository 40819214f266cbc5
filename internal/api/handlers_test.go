package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelkov/vigil/internal/alerts"
	"github.com/avelkov/vigil/internal/analysis"
	"github.com/avelkov/vigil/internal/database"
	"github.com/avelkov/vigil/internal/inference"
	"github.com/avelkov/vigil/internal/models"
	"github.com/avelkov/vigil/internal/realtime"
	"github.com/avelkov/vigil/internal/storage"
)

type testApp struct {
	app    *App
	router http.Handler
	store  *storage.LocalStorage
	db     *database.DB
}

// newTestApp wires the full stack against a temp database, temp blob
// directory, and a canned worker.
func newTestApp(t *testing.T) *testApp {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/inference/predict":
			json.NewEncoder(w).Encode(map[string]any{
				"classification": "violence",
				"confidence":     0.87,
				"probabilities":  map[string]float64{"violence": 0.87, "non_violence": 0.13},
				"metrics":        map[string]any{"inference_time_ms": 120.0, "frames_processed": 16},
			})
		case "/model/load":
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"modelInfo": map[string]any{
					"path": "/models/r3d18.pth", "architecture": "r3d_18", "num_classes": 2,
				},
			})
		case "/model/status":
			json.NewEncoder(w).Encode(map[string]any{
				"model_loaded": true, "model_path": "/models/r3d18.pth",
				"architecture": "r3d_18", "device": "cpu",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(worker.Close)

	client := inference.NewHTTPClient(worker.URL, inference.TransportLocalPath, 5*time.Second)

	videoRepo := database.NewVideoRepository(db)
	predRepo := database.NewPredictionRepository(db)
	modelRepo := database.NewModelConfigRepository(db)

	app := &App{
		Store:         store,
		VideoRepo:     videoRepo,
		PredRepo:      predRepo,
		ModelRepo:     modelRepo,
		Analyzer:      analysis.NewService(videoRepo, predRepo, modelRepo, store, client, analysis.Config{NumFrames: 16}),
		Inference:     client,
		Realtime:      realtime.NewManager(realtime.Config{URL: "ws://127.0.0.1:1/ws"}),
		Alerts:        alerts.NewCenter(alerts.Config{}),
		MaxUploadSize: 10 << 20,
	}

	return &testApp{app: app, router: NewRouter(app), store: store, db: db}
}

func (ta *testApp) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	return rec
}

func (ta *testApp) addVideo(t *testing.T, content []byte) *models.Video {
	t.Helper()
	ref, err := ta.store.Put(bytes.NewReader(content), storage.BlobInfo{
		Filename: "clip.mp4", ContentType: "video/mp4", Size: int64(len(content)),
	})
	require.NoError(t, err)

	video := models.NewVideo("clip.mp4", ref, "video/mp4", int64(len(content)))
	require.NoError(t, ta.app.VideoRepo.InsertVideo(video))
	return video
}

func (ta *testApp) addActiveModel(t *testing.T) *models.ModelConfig {
	t.Helper()
	model := models.NewModelConfig("r3d-18", "/models/r3d18.pth", "r3d_18")
	require.NoError(t, ta.app.ModelRepo.InsertModelConfig(model))
	require.NoError(t, ta.app.ModelRepo.Activate(model.ID))
	return model
}

func multipartBody(t *testing.T, field, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return &buf, writer.FormDataContentType()
}

func TestUploadVideo(t *testing.T) {
	ta := newTestApp(t)

	body, contentType := multipartBody(t, "video", "clip.mp4", "video/mp4", []byte("mp4 bytes"))
	rec := ta.do(t, http.MethodPost, "/videos/upload", body, map[string]string{"Content-Type": contentType})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "clip.mp4", resp.Filename)
	assert.Equal(t, int64(len("mp4 bytes")), resp.Size)
	assert.Equal(t, "uploaded", resp.Status)

	stored, err := ta.app.VideoRepo.GetVideoByID(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoUploaded, stored.Status)
}

func TestUploadVideoRejections(t *testing.T) {
	ta := newTestApp(t)

	t.Run("MissingField", func(t *testing.T) {
		body, contentType := multipartBody(t, "file", "clip.mp4", "video/mp4", []byte("x"))
		rec := ta.do(t, http.MethodPost, "/videos/upload", body, map[string]string{"Content-Type": contentType})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NotAVideo", func(t *testing.T) {
		body, contentType := multipartBody(t, "video", "notes.txt", "text/plain", []byte("x"))
		rec := ta.do(t, http.MethodPost, "/videos/upload", body, map[string]string{"Content-Type": contentType})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Mp4ExtensionFallback", func(t *testing.T) {
		// An unhelpful part content type is fine when the extension says mp4.
		body, contentType := multipartBody(t, "video", "clip.mp4", "", []byte("x"))
		rec := ta.do(t, http.MethodPost, "/videos/upload", body, map[string]string{"Content-Type": contentType})
		assert.Equal(t, http.StatusCreated, rec.Code)
	})
}

func TestListAndGetVideo(t *testing.T) {
	ta := newTestApp(t)
	video := ta.addVideo(t, []byte("content"))

	rec := ta.do(t, http.MethodGet, "/videos/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []videoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, video.ID, list[0].ID)

	rec = ta.do(t, http.MethodGet, "/videos/"+video.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/videos/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var errResp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.False(t, errResp.Success)
	assert.NotEmpty(t, errResp.Error)
}

func TestDeleteVideo(t *testing.T) {
	ta := newTestApp(t)
	video := ta.addVideo(t, []byte("content"))

	rec := ta.do(t, http.MethodDelete, "/videos/"+video.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/videos/"+video.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ta.do(t, http.MethodDelete, "/videos/"+video.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamVideoFull(t *testing.T) {
	ta := newTestApp(t)
	content := []byte("0123456789abcdef")
	video := ta.addVideo(t, content)

	rec := ta.do(t, http.MethodGet, "/videos/"+video.ID+"/stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "16", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
}

func TestStreamVideoRanges(t *testing.T) {
	ta := newTestApp(t)
	content := []byte("0123456789abcdef")
	video := ta.addVideo(t, content)
	path := "/videos/" + video.ID + "/stream"

	t.Run("BoundedRange", func(t *testing.T) {
		rec := ta.do(t, http.MethodGet, path, nil, map[string]string{"Range": "bytes=2-5"})
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "2345", rec.Body.String())
		assert.Equal(t, "bytes 2-5/16", rec.Header().Get("Content-Range"))
		assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	})

	t.Run("OpenEndedRange", func(t *testing.T) {
		rec := ta.do(t, http.MethodGet, path, nil, map[string]string{"Range": "bytes=10-"})
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "abcdef", rec.Body.String())
		assert.Equal(t, "bytes 10-15/16", rec.Header().Get("Content-Range"))
	})

	t.Run("EndClampedToSize", func(t *testing.T) {
		rec := ta.do(t, http.MethodGet, path, nil, map[string]string{"Range": "bytes=12-9999"})
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "cdef", rec.Body.String())
		assert.Equal(t, "bytes 12-15/16", rec.Header().Get("Content-Range"))
	})

	t.Run("StartBeyondSize", func(t *testing.T) {
		rec := ta.do(t, http.MethodGet, path, nil, map[string]string{"Range": "bytes=16-"})
		require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
		assert.Equal(t, "bytes */16", rec.Header().Get("Content-Range"))
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, header := range []string{"bytes=abc-def", "bytes=-500", "bytes=5-2", "items=0-4", "bytes=0-4,8-12"} {
			rec := ta.do(t, http.MethodGet, path, nil, map[string]string{"Range": header})
			assert.Equal(t, http.StatusBadRequest, rec.Code, "header %q", header)
		}
	})

	t.Run("Preflight", func(t *testing.T) {
		rec := ta.do(t, http.MethodOptions, path, nil, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Range")
	})
}

func TestPredictEndpoint(t *testing.T) {
	ta := newTestApp(t)
	video := ta.addVideo(t, []byte("video bytes"))
	ta.addActiveModel(t)

	rec := ta.do(t, http.MethodPost, "/inference/predict",
		strings.NewReader(`{"videoId":"`+video.ID+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp predictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, video.ID, resp.VideoID)
	assert.Equal(t, models.PredictionCompleted, resp.Status)
	assert.Equal(t, "violence", resp.Classification)
	assert.InDelta(t, 0.87, resp.Confidence, 1e-9)

	// A completed video cannot be re-analyzed.
	rec = ta.do(t, http.MethodPost, "/inference/predict",
		strings.NewReader(`{"videoId":"`+video.ID+`"}`), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPredictEndpointErrors(t *testing.T) {
	ta := newTestApp(t)

	t.Run("MissingBody", func(t *testing.T) {
		rec := ta.do(t, http.MethodPost, "/inference/predict", strings.NewReader(`{}`), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NoActiveModel", func(t *testing.T) {
		video := ta.addVideo(t, []byte("x"))
		rec := ta.do(t, http.MethodPost, "/inference/predict",
			strings.NewReader(`{"videoId":"`+video.ID+`"}`), nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("MissingVideo", func(t *testing.T) {
		ta.addActiveModel(t)
		rec := ta.do(t, http.MethodPost, "/inference/predict",
			strings.NewReader(`{"videoId":"missing"}`), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPredictionHistory(t *testing.T) {
	ta := newTestApp(t)
	video := ta.addVideo(t, []byte("video bytes"))
	ta.addActiveModel(t)

	rec := ta.do(t, http.MethodPost, "/inference/predict",
		strings.NewReader(`{"videoId":"`+video.ID+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/predictions/"+video.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []predictionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, models.PredictionCompleted, history[0].Status)

	rec = ta.do(t, http.MethodGet, "/predictions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadModelEndpoint(t *testing.T) {
	ta := newTestApp(t)

	// No active model yet.
	rec := ta.do(t, http.MethodPost, "/models/load", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	model := ta.addActiveModel(t)
	rec = ta.do(t, http.MethodPost, "/models/load", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success   bool `json:"success"`
		ModelInfo struct {
			Architecture string `json:"architecture"`
			NumClasses   int    `json:"numClasses"`
		} `json:"modelInfo"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "r3d_18", resp.ModelInfo.Architecture)
	assert.Equal(t, 2, resp.ModelInfo.NumClasses)

	stored, err := ta.app.ModelRepo.GetModelByID(model.ID)
	require.NoError(t, err)
	assert.True(t, stored.Loaded)
}

func TestModelStatusEndpoint(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodGet, "/models/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ModelLoaded bool   `json:"modelLoaded"`
		Device      string `json:"device"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.ModelLoaded)
	assert.Equal(t, "cpu", resp.Device)
}

func TestRealtimeStatusEndpoint(t *testing.T) {
	ta := newTestApp(t)

	rec := ta.do(t, http.MethodGet, "/realtime/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Connected   bool `json:"connected"`
		Unavailable bool `json:"unavailable"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Connected)
	assert.False(t, resp.Unavailable)
}

func TestAlertsEndpoints(t *testing.T) {
	ta := newTestApp(t)

	payload, err := json.Marshal(map[string]any{
		"event_id": "ev-1", "stream_key": "cam1", "severity": "high", "confidence": 0.95,
	})
	require.NoError(t, err)
	ta.app.Alerts.Handle(realtime.Message{Type: realtime.MsgViolenceAlert, Data: payload})

	rec := ta.do(t, http.MethodGet, "/alerts/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active []alerts.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "ev-1", active[0].EventID)

	rec = ta.do(t, http.MethodPost, "/alerts/"+active[0].ID+"/dismiss", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodPost, "/alerts/"+active[0].ID+"/dismiss", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ta.do(t, http.MethodGet, "/alerts/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	assert.Empty(t, active)
}
