package training

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/suhacker1/igvc-software/checkpoints"
)

// MetricsEntry is one logged point of a training run
type MetricsEntry struct {
	GlobalStep   int     `json:"global_step"`
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	ValLoss      float64 `json:"val_loss"`
	ValAccuracy  float64 `json:"val_accuracy"`
	LearningRate float64 `json:"learning_rate"`
}

// MetricsRecord is an append-only series of entries with strictly
// increasing global steps
type MetricsRecord struct {
	entries []MetricsEntry
}

// NewMetricsRecord creates an empty record
func NewMetricsRecord() *MetricsRecord {
	return &MetricsRecord{entries: make([]MetricsEntry, 0)}
}

// Append adds an entry. Its GlobalStep must exceed that of the last entry.
func (r *MetricsRecord) Append(e MetricsEntry) error {
	if n := len(r.entries); n > 0 && e.GlobalStep <= r.entries[n-1].GlobalStep {
		return fmt.Errorf("global step %d does not follow %d", e.GlobalStep, r.entries[n-1].GlobalStep)
	}
	r.entries = append(r.entries, e)
	return nil
}

// Len returns the number of entries
func (r *MetricsRecord) Len() int {
	return len(r.entries)
}

// Entries returns a copy of all entries in order
func (r *MetricsRecord) Entries() []MetricsEntry {
	out := make([]MetricsEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Last returns the most recent entry
func (r *MetricsRecord) Last() (MetricsEntry, bool) {
	if len(r.entries) == 0 {
		return MetricsEntry{}, false
	}
	return r.entries[len(r.entries)-1], true
}

// TrainLosses returns the train losses logged during epoch
func (r *MetricsRecord) TrainLosses(epoch int) []float64 {
	var losses []float64
	for _, e := range r.entries {
		if e.Epoch == epoch {
			losses = append(losses, e.TrainLoss)
		}
	}
	return losses
}

// MetricsSnapshot is the on-disk form of a record
type MetricsSnapshot struct {
	RunID     string         `json:"run_id"`
	UpdatedAt time.Time      `json:"updated_at"`
	Entries   []MetricsEntry `json:"entries"`
}

// WriteSnapshot overwrites path with the full record
func (r *MetricsRecord) WriteSnapshot(path, runID string) error {
	data, err := json.MarshalIndent(MetricsSnapshot{
		RunID:     runID,
		UpdatedAt: time.Now().UTC(),
		Entries:   r.Entries(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	if err := checkpoints.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write metrics snapshot: %w", err)
	}
	return nil
}

// LoadMetricsSnapshot reads a snapshot written by WriteSnapshot
func LoadMetricsSnapshot(path string) (*MetricsSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics snapshot: %w", err)
	}
	var snap MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode metrics snapshot: %w", err)
	}
	return &snap, nil
}

// MetricType represents pixel classification metrics of the lane class
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	IoU // Intersection over union of predicted and true lane pixels
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case IoU:
		return "IoU"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts binary pixel outcomes with lane (mask != 0) as the
// positive class and prediction > 0.5 as a positive prediction
type ConfusionMatrix struct {
	TP, FP, TN, FN int64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix() *ConfusionMatrix {
	return &ConfusionMatrix{}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	*cm = ConfusionMatrix{}
}

// UpdateFromPredictions adds every pixel of a prediction/mask pair
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions, masks []float64) error {
	if len(predictions) != len(masks) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(masks), len(predictions))
	}
	for i, p := range predictions {
		lane := masks[i] != 0
		switch {
		case lane && p > 0.5:
			cm.TP++
		case lane:
			cm.FN++
		case p > 0.5:
			cm.FP++
		default:
			cm.TN++
		}
	}
	return nil
}

// Total returns the number of counted pixels
func (cm *ConfusionMatrix) Total() int64 {
	return cm.TP + cm.FP + cm.TN + cm.FN
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0.0
	}
	return float64(num) / float64(den)
}

// GetMetric calculates a metric from the current counts
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return ratio(cm.TP, cm.TP+cm.FP)
	case Recall:
		return ratio(cm.TP, cm.TP+cm.FN)
	case F1Score:
		precision := cm.GetMetric(Precision)
		recall := cm.GetMetric(Recall)
		if precision+recall == 0 {
			return 0.0
		}
		return 2 * (precision * recall) / (precision + recall)
	case Specificity:
		return ratio(cm.TN, cm.TN+cm.FP)
	case IoU:
		return ratio(cm.TP, cm.TP+cm.FP+cm.FN)
	default:
		return 0.0
	}
}

