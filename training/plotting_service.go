package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PlottingService posts plots to a sidecar that renders them for a
// dashboard. It is optional; training never depends on it succeeding.
type PlottingService struct {
	baseURL    string
	httpClient *http.Client
	config     PlottingServiceConfig
}

// PlottingServiceConfig contains configuration for the plotting service
type PlottingServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PlottingResponse is the sidecar's reply
type PlottingResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	PlotURL string `json:"plot_url,omitempty"`
	PlotID  string `json:"plot_id,omitempty"`
}

// DefaultPlottingServiceConfig targets a sidecar on localhost:8080
func DefaultPlottingServiceConfig() PlottingServiceConfig {
	return PlottingServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
	}
}

// NewPlottingService creates a new plotting service client
func NewPlottingService(config PlottingServiceConfig) *PlottingService {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &PlottingService{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
		config:     config,
	}
}

// errPlotRejected marks responses that retrying cannot fix
var errPlotRejected = errors.New("plot rejected")

// SendPlotData posts one plot to the sidecar's /api/plot endpoint
func (ps *PlottingService) SendPlotData(ctx context.Context, plotData PlotData) (*PlottingResponse, error) {
	body, err := plotData.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plot data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(ps.baseURL, "/")+"/api/plot", strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "igvc-train")

	resp, err := ps.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach plotting service: %w", err)
	}
	defer resp.Body.Close()

	var plotResponse PlottingResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&plotResponse)

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &plotResponse, fmt.Errorf("%w: status %d: %s", errPlotRejected, resp.StatusCode, plotResponse.Message)
	case resp.StatusCode != http.StatusOK:
		return &plotResponse, fmt.Errorf("plotting service returned status %d: %s", resp.StatusCode, plotResponse.Message)
	case decodeErr != nil:
		return nil, fmt.Errorf("failed to parse response JSON: %w", decodeErr)
	}
	return &plotResponse, nil
}

// SendPlotDataWithRetry sends plot data, retrying transport failures and
// server errors up to RetryAttempts times in total
func (ps *PlottingService) SendPlotDataWithRetry(plotData PlotData) (*PlottingResponse, error) {
	ctx := context.Background()
	var lastErr error
	for attempt := 1; attempt <= ps.config.RetryAttempts; attempt++ {
		resp, err := ps.SendPlotData(ctx, plotData)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, errPlotRejected) {
			break
		}
		if attempt < ps.config.RetryAttempts {
			time.Sleep(ps.config.RetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to send %s plot: %w", plotData.PlotType, lastErr)
}

// PublishRecord sends the curves and schedule of record
func (ps *PlottingService) PublishRecord(modelName string, record *MetricsRecord) error {
	for _, plot := range []PlotData{
		TrainingCurvesPlot(modelName, record),
		LearningRatePlot(modelName, record),
	} {
		if _, err := ps.SendPlotDataWithRetry(plot); err != nil {
			return err
		}
	}
	return nil
}
