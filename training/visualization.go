package training

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/tensor"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the plot description consumed by the plotting sidecar and
// written to plots.json
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// ToJSON converts plot data to a JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data: %w", err)
	}
	return string(data), nil
}

func lineSeries(name, color string, dashed bool, entries []MetricsEntry, y func(MetricsEntry) float64) SeriesData {
	style := map[string]interface{}{"color": color, "line_width": 2}
	if dashed {
		style["line_style"] = "dashed"
	}
	s := SeriesData{Name: name, Type: "line", Data: make([]DataPoint, len(entries)), Style: style}
	for i, e := range entries {
		s.Data[i] = DataPoint{X: float64(e.GlobalStep), Y: y(e)}
	}
	return s
}

// TrainingCurvesPlot builds the loss and accuracy curves of record
func TrainingCurvesPlot(modelName string, record *MetricsRecord) PlotData {
	entries := record.Entries()
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			lineSeries("Training Loss", "#FF6B6B", false, entries, func(e MetricsEntry) float64 { return e.TrainLoss }),
			lineSeries("Validation Loss", "#FF9F43", true, entries, func(e MetricsEntry) float64 { return e.ValLoss }),
			lineSeries("Validation Accuracy", "#5F27CD", true, entries, func(e MetricsEntry) float64 { return e.ValAccuracy }),
		},
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Loss / Accuracy",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      600,
			Interactive: true,
		},
	}
}

// LearningRatePlot builds the learning rate schedule of record
func LearningRatePlot(modelName string, record *MetricsRecord) PlotData {
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		Series: []SeriesData{
			lineSeries("Learning Rate", "#6C5CE7", false, record.Entries(), func(e MetricsEntry) float64 { return e.LearningRate }),
		},
		Config: PlotConfig{
			XAxisLabel:  "Step",
			YAxisLabel:  "Learning Rate",
			XAxisScale:  "linear",
			YAxisScale:  "log",
			ShowLegend:  true,
			ShowGrid:    true,
			Width:       800,
			Height:      400,
			Interactive: true,
		},
	}
}

// WritePlots writes every plot of record to path as a JSON array
func WritePlots(path, modelName string, record *MetricsRecord) error {
	data, err := json.MarshalIndent([]PlotData{
		TrainingCurvesPlot(modelName, record),
		LearningRatePlot(modelName, record),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plot data: %w", err)
	}
	if err := checkpoints.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write plots: %w", err)
	}
	return nil
}

// PredictionStrip lays out every prediction of a batch side by side above
// its target mask as an 8-bit grayscale image
func PredictionStrip(predictions, masks *tensor.Tensor) (*image.Gray, error) {
	if len(predictions.Shape) != 4 || predictions.Shape[1] != 1 {
		return nil, fmt.Errorf("predictions must be [N,1,H,W], got %v", predictions.Shape)
	}
	if len(masks.Data) != len(predictions.Data) {
		return nil, fmt.Errorf("masks size %d does not match predictions size %d", len(masks.Data), len(predictions.Data))
	}

	n, h, w := predictions.Shape[0], predictions.Shape[2], predictions.Shape[3]
	img := image.NewGray(image.Rect(0, 0, n*w, 2*h))
	for i := 0; i < n; i++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := (i*h+y)*w + x
				img.SetGray(i*w+x, y, color.Gray{Y: toByte(predictions.Data[idx])})
				img.SetGray(i*w+x, h+y, color.Gray{Y: toByte(masks.Data[idx])})
			}
		}
	}
	return img, nil
}

func toByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

// WritePredictionStrip saves the strip of one batch as
// dir/epoch_<epoch>_batch_<batch>.png and returns the path
func WritePredictionStrip(dir string, epoch, batch int, predictions, masks *tensor.Tensor) (string, error) {
	img, err := PredictionStrip(predictions, masks)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create visualization directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("epoch_%d_batch_%d.png", epoch, batch))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}
