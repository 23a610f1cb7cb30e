package training

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProgressReporter emits one line per logged training step
type ProgressReporter struct {
	logger    *log.Entry
	epochs    int
	batches   int // batches per epoch
	samples   int // samples per epoch
	startTime time.Time
}

// NewProgressReporter creates a reporter for a run of epochs passes over a
// split of samples examples in batches batches
func NewProgressReporter(logger *log.Entry, epochs, batches, samples int) *ProgressReporter {
	return &ProgressReporter{
		logger:    logger,
		epochs:    epochs,
		batches:   batches,
		samples:   samples,
		startTime: time.Now(),
	}
}

// FormatProgress renders the progress line of one logged step
func FormatProgress(epoch, examples, samples, batchIndex, batches int, trainLoss, valLoss, valAcc float64) string {
	pct := 0.0
	if batches > 0 {
		pct = 100 * float64(batchIndex) / float64(batches)
	}
	return fmt.Sprintf("Train Epoch: %d [%d/%d (%.0f%%)]\tTrain Loss: %.6f\tVal Loss: %.6f\tVal Acc: %.6f",
		epoch, examples, samples, pct, trainLoss, valLoss, valAcc)
}

// Step logs the progress line for the current state
func (pr *ProgressReporter) Step(state *TrainingState, batchSize int, entry MetricsEntry) {
	done := float64((state.Epoch-1)*pr.batches+state.BatchIndex+1) / float64(pr.epochs*pr.batches)
	elapsed := time.Since(pr.startTime)
	eta := time.Duration(0)
	if done > 0 {
		eta = time.Duration(float64(elapsed)/done) - elapsed
	}

	pr.logger.WithFields(log.Fields{
		"step":    state.GlobalStep,
		"lr":      state.LearningRate,
		"elapsed": formatDuration(elapsed),
		"eta":     formatDuration(eta),
	}).Info(FormatProgress(state.Epoch, state.BatchIndex*batchSize, pr.samples, state.BatchIndex, pr.batches,
		entry.TrainLoss, entry.ValLoss, entry.ValAccuracy))
}

// formatDuration formats duration as MM:SS or HH:MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
