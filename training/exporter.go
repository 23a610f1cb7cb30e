package training

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsExporter mirrors the latest metrics entry into a Prometheus
// textfile so a node exporter can scrape training progress
type MetricsExporter struct {
	path     string
	registry *prometheus.Registry

	trainLoss    prometheus.Gauge
	valLoss      prometheus.Gauge
	valAccuracy  prometheus.Gauge
	learningRate prometheus.Gauge
	globalStep   prometheus.Gauge
	epoch        prometheus.Gauge
	checkpoints  prometheus.Counter
}

// NewMetricsExporter creates an exporter writing to path
func NewMetricsExporter(path, runID string) (*MetricsExporter, error) {
	labels := prometheus.Labels{"run_id": runID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "igvc",
			Subsystem:   "train",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	e := &MetricsExporter{
		path:         path,
		registry:     prometheus.NewRegistry(),
		trainLoss:    gauge("loss", "Training loss of the last logged batch."),
		valLoss:      gauge("val_loss", "Validation loss at the last logged step."),
		valAccuracy:  gauge("val_accuracy", "Validation pixel accuracy at the last logged step."),
		learningRate: gauge("learning_rate", "Current learning rate."),
		globalStep:   gauge("global_step", "Global step of the last logged entry."),
		epoch:        gauge("epoch", "Epoch of the last logged entry."),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "igvc",
			Subsystem:   "train",
			Name:        "checkpoints_total",
			Help:        "Checkpoints written by this run.",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{
		e.trainLoss, e.valLoss, e.valAccuracy, e.learningRate, e.globalStep, e.epoch, e.checkpoints,
	} {
		if err := e.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return e, nil
}

// Observe records entry as the latest state
func (e *MetricsExporter) Observe(entry MetricsEntry) {
	e.trainLoss.Set(entry.TrainLoss)
	e.valLoss.Set(entry.ValLoss)
	e.valAccuracy.Set(entry.ValAccuracy)
	e.learningRate.Set(entry.LearningRate)
	e.globalStep.Set(float64(entry.GlobalStep))
	e.epoch.Set(float64(entry.Epoch))
}

// CheckpointSaved counts one written checkpoint
func (e *MetricsExporter) CheckpointSaved() {
	e.checkpoints.Inc()
}

// Write replaces the textfile with the current values
func (e *MetricsExporter) Write() error {
	if err := prometheus.WriteToTextfile(e.path, e.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
