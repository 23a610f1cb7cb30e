package training

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// Artifact names written to the output directory after every epoch
const (
	MetricsSnapshotFile = "metrics.json"
	MetricsTextFile     = "metrics.prom"
	PlotsFile           = "plots.json"
	VisualizationDir    = "vis"
)

// TrainingState is the mutable state of one run. It is owned by the Trainer
// and passed by pointer through the epoch loop.
type TrainingState struct {
	Epoch           int // 1-based
	BatchIndex      int // 0-based within the epoch
	GlobalStep      int // (Epoch-1)*BatchesPerEpoch + BatchIndex
	BatchesPerEpoch int
	LearningRate    float64
	Record          *MetricsRecord

	BestValLoss     float64
	BestValAccuracy float64
}

// Progress summarizes state for a checkpoint
func (s *TrainingState) Progress() Progress {
	return Progress{
		Epoch:        s.Epoch,
		Step:         s.GlobalStep,
		BestLoss:     s.BestValLoss,
		BestAccuracy: s.BestValAccuracy,
	}
}

// observe folds a validation result into the best-so-far metrics
func (s *TrainingState) observe(res EvalResult) {
	if s.Record.Len() == 0 || res.Loss < s.BestValLoss {
		s.BestValLoss = res.Loss
	}
	if res.Accuracy > s.BestValAccuracy {
		s.BestValAccuracy = res.Accuracy
	}
}

// Trainer drives the epoch/batch loop of one run
type Trainer struct {
	hp        Hyperparameters
	model     Model
	criterion Loss
	evaluator *Evaluator
	scheduler LRScheduler

	checkpoints *CheckpointManager
	exporter    *MetricsExporter
	plotter     *PlottingService

	outputDir string
	modelName string
	runID     string
	logger    *log.Entry

	state *TrainingState
}

// TrainerOption configures optional collaborators of a Trainer
type TrainerOption func(*Trainer)

// WithCheckpointManager saves checkpoints through cm
func WithCheckpointManager(cm *CheckpointManager) TrainerOption {
	return func(t *Trainer) { t.checkpoints = cm }
}

// WithOutputDir persists metrics, plots and visualizations under dir
func WithOutputDir(dir string) TrainerOption {
	return func(t *Trainer) { t.outputDir = dir }
}

// WithRunID overrides the generated run identifier
func WithRunID(id string) TrainerOption {
	return func(t *Trainer) { t.runID = id }
}

// WithExporter mirrors logged entries into a Prometheus textfile
func WithExporter(e *MetricsExporter) TrainerOption {
	return func(t *Trainer) { t.exporter = e }
}

// WithPlottingService publishes plots to a sidecar after every epoch
func WithPlottingService(ps *PlottingService) TrainerOption {
	return func(t *Trainer) { t.plotter = ps }
}

// WithScheduler replaces the step decay schedule
func WithScheduler(s LRScheduler) TrainerOption {
	return func(t *Trainer) { t.scheduler = s }
}

// WithLoss replaces the binary cross entropy criterion
func WithLoss(l Loss) TrainerOption {
	return func(t *Trainer) { t.criterion = l }
}

// WithLogger sets the base log entry
func WithLogger(entry *log.Entry) TrainerOption {
	return func(t *Trainer) { t.logger = entry }
}

// WithModelName sets the name used in plot titles
func WithModelName(name string) TrainerOption {
	return func(t *Trainer) { t.modelName = name }
}

// NewTrainer creates a trainer for model. hp must pass Validate.
func NewTrainer(hp Hyperparameters, model Model, opts ...TrainerOption) (*Trainer, error) {
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("%w: model is required", ErrConfig)
	}

	t := &Trainer{
		hp:        hp,
		model:     model,
		criterion: NewBCELoss(),
		scheduler: &NoOpScheduler{},
		modelName: "IGVCModel",
	}
	if hp.LRDecay != 1 {
		t.scheduler = NewStepDecayScheduler(hp.StepInterval, hp.LRDecay)
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.runID == "" {
		t.runID = uuid.NewString()
	}
	if t.logger == nil {
		t.logger = log.NewEntry(log.StandardLogger())
	}
	t.logger = t.logger.WithField("run_id", t.runID)
	t.evaluator = NewEvaluator(t.criterion)

	if hp.SaveModel && t.checkpoints == nil {
		if t.outputDir == "" {
			return nil, fmt.Errorf("%w: saving checkpoints requires an output directory", ErrConfig)
		}
		t.checkpoints = NewCheckpointManager(CheckpointConfig{
			SaveDirectory: t.outputDir,
			SaveFrequency: hp.SaveInterval,
		}, nil)
	}
	return t, nil
}

// RunID returns the identifier of this run
func (t *Trainer) RunID() string {
	return t.runID
}

// State returns the state of the current or last run
func (t *Trainer) State() *TrainingState {
	return t.state
}

// Run trains for the configured number of epochs and returns every logged
// entry. On error the entries logged so far are returned with it.
func (t *Trainer) Run(train, val Provider) (*MetricsRecord, error) {
	if train == nil {
		return nil, fmt.Errorf("%w: training split is missing", ErrConfig)
	}
	if val == nil {
		return nil, fmt.Errorf("%w: validation split is missing", ErrConfig)
	}
	batches := train.Len()
	if batches == 0 {
		return nil, fmt.Errorf("%w: training split is empty", ErrConfig)
	}
	if val.NumSamples() == 0 {
		return nil, fmt.Errorf("%w: validation split is empty", ErrConfig)
	}

	state := &TrainingState{
		BatchesPerEpoch: batches,
		LearningRate:    t.hp.LearningRate,
		Record:          NewMetricsRecord(),
	}
	t.state = state
	t.model.SetLearningRate(state.LearningRate)

	t.logger.WithFields(log.Fields{
		"epochs":    t.hp.Epochs,
		"batches":   batches,
		"samples":   train.NumSamples(),
		"lr":        state.LearningRate,
		"scheduler": t.scheduler.GetName(),
	}).Info("Starting training")

	progress := NewProgressReporter(t.logger, t.hp.Epochs, batches, train.NumSamples())
	for epoch := 1; epoch <= t.hp.Epochs; epoch++ {
		state.Epoch = epoch
		epochStart := time.Now()

		if err := t.trainEpoch(train, val, state, progress); err != nil {
			return state.Record, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		if err := t.finishEpoch(state); err != nil {
			return state.Record, err
		}
		t.printEpochSummary(state, time.Since(epochStart))
	}
	return state.Record, nil
}

func (t *Trainer) trainEpoch(train, val Provider, state *TrainingState, progress *ProgressReporter) error {
	t.model.SetMode(ModeTrain)
	train.Reset()

	for b := 0; ; b++ {
		batch, err := train.Next()
		if err != nil {
			return fmt.Errorf("failed to read batch %d: %w", b, err)
		}
		if batch == nil {
			return nil
		}

		state.BatchIndex = b
		state.GlobalStep = (state.Epoch-1)*state.BatchesPerEpoch + b

		loss, output, err := t.trainBatch(batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", b, err)
		}

		// the first update of a decay epoch still uses the previous rate
		if b == 0 && t.scheduler.Triggers(state.Epoch) {
			state.LearningRate = t.scheduler.GetLR(state.Epoch, state.GlobalStep, t.hp.LearningRate)
			t.model.SetLearningRate(state.LearningRate)
			t.logger.WithFields(log.Fields{"epoch": state.Epoch, "lr": state.LearningRate}).Info("Decayed learning rate")
		}

		if b%t.hp.LogInterval == 0 {
			if err := t.logStep(val, state, loss, batch, output, progress); err != nil {
				return err
			}
		}
	}
}

// trainBatch performs one optimizer update and returns the batch loss and
// the predictions it was computed from
func (t *Trainer) trainBatch(batch *Batch) (float64, *Batch, error) {
	t.model.ZeroGrad()
	output, err := t.model.Forward(batch.Images)
	if err != nil {
		return 0, nil, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, err := t.criterion.Forward(output, batch.Masks)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to compute loss: %w", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, nil, fmt.Errorf("%w: %v", ErrNonFiniteLoss, loss)
	}
	grad, err := t.criterion.Backward(output, batch.Masks)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to compute loss gradient: %w", err)
	}
	if err := t.model.Backward(grad); err != nil {
		return 0, nil, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := t.model.Step(); err != nil {
		return 0, nil, fmt.Errorf("optimizer step failed: %w", err)
	}
	return loss, &Batch{Images: output, Masks: batch.Masks}, nil
}

func (t *Trainer) logStep(val Provider, state *TrainingState, loss float64, batch, predicted *Batch, progress *ProgressReporter) error {
	if t.hp.Visualize && t.outputDir != "" {
		dir := filepath.Join(t.outputDir, VisualizationDir)
		if _, err := WritePredictionStrip(dir, state.Epoch, state.BatchIndex, predicted.Images, predicted.Masks); err != nil {
			return fmt.Errorf("failed to write visualization: %w", err)
		}
	}

	res, err := t.evaluator.Evaluate(t.model, val, t.hp.ValBatches)
	t.model.SetMode(ModeTrain)
	if err != nil {
		return fmt.Errorf("validation at step %d failed: %w", state.GlobalStep, err)
	}

	entry := MetricsEntry{
		GlobalStep:   state.GlobalStep,
		Epoch:        state.Epoch,
		TrainLoss:    loss,
		ValLoss:      res.Loss,
		ValAccuracy:  res.Accuracy,
		LearningRate: state.LearningRate,
	}
	state.observe(res)
	if err := state.Record.Append(entry); err != nil {
		return fmt.Errorf("failed to record metrics: %w", err)
	}

	progress.Step(state, batch.Size(), entry)
	if t.exporter != nil {
		t.exporter.Observe(entry)
	}
	return nil
}

// finishEpoch writes the checkpoint and every per-epoch artifact
func (t *Trainer) finishEpoch(state *TrainingState) error {
	if t.hp.SaveModel && t.checkpoints.ShouldSave(state.Epoch) {
		if _, err := t.checkpoints.SaveEpoch(t.model, state.Progress()); err != nil {
			return fmt.Errorf("failed to save epoch %d: %w", state.Epoch, err)
		}
		if t.exporter != nil {
			t.exporter.CheckpointSaved()
		}
	}

	if t.outputDir != "" {
		if err := state.Record.WriteSnapshot(filepath.Join(t.outputDir, MetricsSnapshotFile), t.runID); err != nil {
			return err
		}
		if err := WritePlots(filepath.Join(t.outputDir, PlotsFile), t.modelName, state.Record); err != nil {
			return err
		}
	}
	if t.exporter != nil {
		if err := t.exporter.Write(); err != nil {
			return err
		}
	}
	if t.plotter != nil {
		if err := t.plotter.PublishRecord(t.modelName, state.Record); err != nil {
			t.logger.WithError(err).Warn("Plotting service unavailable")
		}
	}
	return nil
}

func (t *Trainer) printEpochSummary(state *TrainingState, elapsed time.Duration) {
	losses := state.Record.TrainLosses(state.Epoch)
	mean, std := 0.0, 0.0
	switch len(losses) {
	case 0:
	case 1:
		mean = losses[0]
	default:
		mean, std = stat.MeanStdDev(losses, nil)
	}

	fields := log.Fields{
		"epoch":           state.Epoch,
		"train_loss_mean": mean,
		"train_loss_std":  std,
		"lr":              state.LearningRate,
		"duration":        formatDuration(elapsed),
	}
	if last, ok := state.Record.Last(); ok {
		fields["val_loss"] = last.ValLoss
		fields["val_accuracy"] = last.ValAccuracy
	}
	t.logger.WithFields(fields).Info("Epoch complete")
}

// Test evaluates model over the whole of provider
func (t *Trainer) Test(provider Provider) (EvalResult, error) {
	res, err := t.evaluator.Evaluate(t.model, provider, Unbounded)
	if err != nil {
		return EvalResult{}, fmt.Errorf("test evaluation failed: %w", err)
	}
	t.logger.WithFields(log.Fields{
		"examples":    res.Examples,
		"precision":   res.Precision,
		"recall":      res.Recall,
		"f1":          res.F1,
		"specificity": res.Specificity,
		"iou":         res.IoU,
	}).Infof("Test Loss: %.6f\tTest Acc: %.6f", res.Loss, res.Accuracy)
	return res, nil
}
