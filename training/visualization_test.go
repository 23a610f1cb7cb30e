package training

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suhacker1/igvc-software/tensor"
)

func sampleRecord(t *testing.T) *MetricsRecord {
	t.Helper()
	r := NewMetricsRecord()
	require.NoError(t, r.Append(MetricsEntry{GlobalStep: 0, Epoch: 1, TrainLoss: 0.9, ValLoss: 0.8, ValAccuracy: 0.6, LearningRate: 1e-3}))
	require.NoError(t, r.Append(MetricsEntry{GlobalStep: 10, Epoch: 2, TrainLoss: 0.5, ValLoss: 0.6, ValAccuracy: 0.7, LearningRate: 1e-4}))
	return r
}

func TestTrainingCurvesPlot(t *testing.T) {
	plot := TrainingCurvesPlot("IGVCModel", sampleRecord(t))
	assert.Equal(t, TrainingCurves, plot.PlotType)
	require.Len(t, plot.Series, 3)
	assert.Equal(t, []DataPoint{{X: 0, Y: 0.9}, {X: 10, Y: 0.5}}, plot.Series[0].Data)
	assert.Equal(t, []DataPoint{{X: 0, Y: 0.6}, {X: 10, Y: 0.7}}, plot.Series[2].Data)

	lr := LearningRatePlot("IGVCModel", sampleRecord(t))
	assert.Equal(t, "log", lr.Config.YAxisScale)
	assert.Equal(t, []DataPoint{{X: 0, Y: 1e-3}, {X: 10, Y: 1e-4}}, lr.Series[0].Data)

	s, err := plot.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, s, `"plot_type": "training_curves"`)
}

func TestWritePlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), PlotsFile)
	require.NoError(t, WritePlots(path, "IGVCModel", sampleRecord(t)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var plots []PlotData
	require.NoError(t, json.Unmarshal(data, &plots))
	require.Len(t, plots, 2)
	assert.Equal(t, LearningRateSchedule, plots[1].PlotType)
}

func TestPredictionStrip(t *testing.T) {
	pred, err := tensor.New([]int{2, 1, 1, 2}, []float64{0, 1, 0.5, -3})
	require.NoError(t, err)
	mask, err := tensor.New([]int{2, 1, 1, 2}, []float64{1, 0, 1, 1})
	require.NoError(t, err)

	img, err := PredictionStrip(pred, mask)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	assert.Equal(t, uint8(255), img.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(128), img.GrayAt(2, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(3, 0).Y)
	assert.Equal(t, uint8(255), img.GrayAt(0, 1).Y)
	assert.Equal(t, uint8(0), img.GrayAt(1, 1).Y)

	_, err = PredictionStrip(tensor.Zeros(1, 2, 1, 1), tensor.Zeros(1, 2, 1, 1))
	assert.Error(t, err)
	_, err = PredictionStrip(pred, tensor.Zeros(1, 1, 1, 2))
	assert.Error(t, err)
}

func TestWritePredictionStrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), VisualizationDir)
	pred := tensor.Zeros(1, 1, 2, 3)
	path, err := WritePredictionStrip(dir, 2, 40, pred, tensor.Zeros(1, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "epoch_2_batch_40.png"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
}

func TestPlottingServicePublishRecord(t *testing.T) {
	var received []PlotData
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/plot", r.URL.Path)
		var pd PlotData
		require.NoError(t, json.NewDecoder(r.Body).Decode(&pd))
		received = append(received, pd)
		json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: "p"})
	}))
	defer srv.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 1})
	require.NoError(t, ps.PublishRecord("IGVCModel", sampleRecord(t)))
	require.Len(t, received, 2)
	assert.Equal(t, TrainingCurves, received[0].PlotType)
}

func TestPlottingServiceRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(PlottingResponse{Message: "down"})
	}))
	defer srv.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 3})
	_, err := ps.SendPlotDataWithRetry(TrainingCurvesPlot("m", sampleRecord(t)))
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPlottingServiceDoesNotRetryRejectedPlots(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad plot", http.StatusBadRequest)
	}))
	defer srv.Close()

	ps := NewPlottingService(PlottingServiceConfig{BaseURL: srv.URL + "/", Timeout: time.Second, RetryAttempts: 3})
	err := ps.PublishRecord("m", sampleRecord(t))
	assert.ErrorContains(t, err, "status 400")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMetricsExporterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetricsTextFile)
	e, err := NewMetricsExporter(path, "abc")
	require.NoError(t, err)

	e.Observe(MetricsEntry{GlobalStep: 12, Epoch: 2, TrainLoss: 0.25, ValLoss: 0.5, ValAccuracy: 0.75, LearningRate: 0.001})
	require.NoError(t, e.Write())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `igvc_train_global_step{run_id="abc"} 12`)
	assert.Contains(t, text, `igvc_train_val_accuracy{run_id="abc"} 0.75`)
	assert.Contains(t, text, `igvc_train_loss{run_id="abc"} 0.25`)
}
