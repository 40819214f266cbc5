package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/avelkov/vigil/internal/models"
)

// TransportMode selects how video bytes reach the worker. It is decided once
// at startup, not inferred per call.
type TransportMode string

const (
	// TransportLocalPath assumes the worker shares filesystem access with
	// this process and can dereference a path.
	TransportLocalPath TransportMode = "local"
	// TransportUpload transfers the raw bytes as a multipart body for
	// workers on remote hosts.
	TransportUpload TransportMode = "upload"
)

type HTTPClient struct {
	baseURL    string
	mode       TransportMode
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, mode TransportMode, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		mode:    mode,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type predictRequestBody struct {
	VideoPath    string `json:"videoPath"`
	ModelPath    string `json:"modelPath"`
	Architecture string `json:"architecture"`
	NumFrames    int    `json:"numFrames"`
}

type predictResponseBody struct {
	Classification string             `json:"classification"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	Metrics        struct {
		InferenceTimeMS float64 `json:"inference_time_ms"`
		FramesProcessed int     `json:"frames_processed"`
	} `json:"metrics"`
	FrameAnalysis []models.FrameScore `json:"frameAnalysis"`
	Error         string              `json:"error"`
}

func (c *HTTPClient) Predict(ctx context.Context, req PredictRequest) (*Result, error) {
	var (
		resp *http.Response
		err  error
	)
	if c.mode == TransportUpload {
		resp, err = c.predictUpload(ctx, req)
	} else {
		resp, err = c.predictLocalPath(ctx, req)
	}
	if err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("worker request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("failed to read worker response: %v", err)}
	}

	var predictResp predictResponseBody
	if err := json.Unmarshal(body, &predictResp); err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("malformed worker response: %v", err)}
	}

	if predictResp.Error != "" {
		return nil, &WorkerError{Message: predictResp.Error}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &WorkerError{Message: fmt.Sprintf("worker returned status %d", resp.StatusCode)}
	}

	return &Result{
		Classification: predictResp.Classification,
		Confidence:     predictResp.Confidence,
		Probabilities:  predictResp.Probabilities,
		Metrics: Metrics{
			InferenceTimeMS: predictResp.Metrics.InferenceTimeMS,
			FramesProcessed: predictResp.Metrics.FramesProcessed,
		},
		FrameScores: predictResp.FrameAnalysis,
	}, nil
}

func (c *HTTPClient) predictLocalPath(ctx context.Context, req PredictRequest) (*http.Response, error) {
	body := predictRequestBody{
		VideoPath:    req.VideoPath,
		ModelPath:    req.ModelPath,
		Architecture: req.Architecture,
		NumFrames:    req.NumFrames,
	}
	return c.postJSON(ctx, "/inference/predict", body)
}

func (c *HTTPClient) predictUpload(ctx context.Context, req PredictRequest) (*http.Response, error) {
	file, err := os.Open(req.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open video for upload: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("video", filepath.Base(req.VideoPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to copy video into form: %w", err)
	}

	fields := map[string]string{
		"modelPath":    req.ModelPath,
		"architecture": req.Architecture,
		"numFrames":    strconv.Itoa(req.NumFrames),
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference/predict-upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	return c.httpClient.Do(httpReq)
}

type loadModelRequest struct {
	ModelPath    string `json:"modelPath"`
	Architecture string `json:"architecture"`
}

type loadModelResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ModelInfo struct {
		Path         string `json:"path"`
		Architecture string `json:"architecture"`
		NumClasses   int    `json:"num_classes"`
	} `json:"modelInfo"`
}

func (c *HTTPClient) LoadModel(ctx context.Context, modelPath, architecture string) (*ModelInfo, error) {
	resp, err := c.postJSON(ctx, "/model/load", loadModelRequest{
		ModelPath:    modelPath,
		Architecture: architecture,
	})
	if err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("worker request failed: %v", err)}
	}
	defer resp.Body.Close()

	var loadResp loadModelResponse
	if err := json.NewDecoder(resp.Body).Decode(&loadResp); err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("malformed worker response: %v", err)}
	}
	if !loadResp.Success {
		msg := loadResp.Error
		if msg == "" {
			msg = fmt.Sprintf("model load failed with status %d", resp.StatusCode)
		}
		return nil, &WorkerError{Message: msg}
	}

	return &ModelInfo{
		Path:         loadResp.ModelInfo.Path,
		Architecture: loadResp.ModelInfo.Architecture,
		NumClasses:   loadResp.ModelInfo.NumClasses,
	}, nil
}

func (c *HTTPClient) UnloadModel(ctx context.Context) error {
	resp, err := c.postJSON(ctx, "/model/unload", struct{}{})
	if err != nil {
		return &WorkerError{Message: fmt.Sprintf("worker request failed: %v", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &WorkerError{Message: fmt.Sprintf("model unload failed with status %d", resp.StatusCode)}
	}
	return nil
}

type workerStatusResponse struct {
	ModelLoaded  bool   `json:"model_loaded"`
	ModelPath    string `json:"model_path"`
	Architecture string `json:"architecture"`
	Device       string `json:"device"`
}

func (c *HTTPClient) Status(ctx context.Context) (*WorkerStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/model/status", nil)
	if err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("failed to create request: %v", err)}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("worker request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &WorkerError{Message: fmt.Sprintf("worker status returned %d", resp.StatusCode)}
	}

	var statusResp workerStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return nil, &WorkerError{Message: fmt.Sprintf("malformed worker response: %v", err)}
	}

	return &WorkerStatus{
		ModelLoaded:  statusResp.ModelLoaded,
		ModelPath:    statusResp.ModelPath,
		Architecture: statusResp.Architecture,
		Device:       statusResp.Device,
	}, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}
