package training

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func steps(record *MetricsRecord) []int {
	var out []int
	for _, e := range record.Entries() {
		out = append(out, e.GlobalStep)
	}
	return out
}

func TestRunLogsEveryInterval(t *testing.T) {
	hp := testHyperparameters()
	model := newFakeModel()
	tr, err := NewTrainer(hp, model)
	require.NoError(t, err)

	record, err := tr.Run(newTestLoader(t, 10, 1, true), newTestLoader(t, 4, 1, false))
	require.NoError(t, err)

	assert.Equal(t, []int{0, 5}, steps(record))
	for _, e := range record.Entries() {
		assert.Equal(t, 1, e.Epoch)
		assert.Equal(t, hp.LearningRate, e.LearningRate)
	}
	assert.Equal(t, 10, model.steps)
	assert.Equal(t, 10, model.zeroGrads)
	assert.Equal(t, 10, model.trainForwards)
	assert.Equal(t, 2*4, model.evalForwards)
}

func TestRunRecordLength(t *testing.T) {
	hp := testHyperparameters()
	hp.Epochs = 3
	hp.LogInterval = 3
	tr, err := NewTrainer(hp, newFakeModel())
	require.NoError(t, err)

	record, err := tr.Run(newTestLoader(t, 7, 1, true), newTestLoader(t, 2, 1, false))
	require.NoError(t, err)

	// ceil(7/3) entries per epoch
	assert.Equal(t, 9, record.Len())
	assert.Equal(t, []int{0, 3, 6, 7, 10, 13, 14, 17, 20}, steps(record))
	for e := 1; e <= 3; e++ {
		assert.Len(t, record.TrainLosses(e), 3)
	}
}

func TestRunCountsPartialBatches(t *testing.T) {
	hp := testHyperparameters()
	hp.Epochs = 2
	hp.BatchSize = 4
	hp.LogInterval = 1
	tr, err := NewTrainer(hp, newFakeModel())
	require.NoError(t, err)

	record, err := tr.Run(newTestLoader(t, 10, 4, true), newTestLoader(t, 2, 1, false))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, steps(record))
	assert.Equal(t, 3, tr.State().BatchesPerEpoch)
}

func TestRunDecaysLearningRate(t *testing.T) {
	tests := []struct {
		name     string
		epochs   int
		interval int
		decay    float64
		want     []float64 // learning rate logged in each epoch, as multiples of the initial rate
	}{
		{"every second epoch", 6, 2, 0.5, []float64{1, 0.5, 0.5, 0.25, 0.25, 0.125}},
		{"every epoch skips the first", 3, 1, 0.1, []float64{1, 0.1, 0.01}},
		{"interval beyond run", 5, 100, 0.1, []float64{1, 1, 1, 1, 1}},
		{"unit multiplier", 4, 1, 1.0, []float64{1, 1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hp := testHyperparameters()
			hp.Epochs = tt.epochs
			hp.StepInterval = tt.interval
			hp.LRDecay = tt.decay
			hp.LogInterval = 2
			model := newFakeModel()
			tr, err := NewTrainer(hp, model)
			require.NoError(t, err)

			record, err := tr.Run(newTestLoader(t, 3, 1, true), newTestLoader(t, 1, 1, false))
			require.NoError(t, err)

			for _, e := range record.Entries() {
				assert.InDelta(t, hp.LearningRate*tt.want[e.Epoch-1], e.LearningRate, 1e-15, "epoch %d", e.Epoch)
			}
			// batch 0 of a decay epoch updates with the previous rate
			require.Len(t, model.stepLRs, 3*tt.epochs)
			for i, lr := range model.stepLRs {
				epoch, batch := i/3, i%3
				want := tt.want[epoch]
				if batch == 0 && epoch > 0 {
					want = tt.want[epoch-1]
				}
				assert.InDelta(t, hp.LearningRate*want, lr, 1e-15, "update %d", i)
			}
			assert.InDelta(t, hp.LearningRate*tt.want[tt.epochs-1], tr.State().LearningRate, 1e-15)
		})
	}
}

func TestRunRestoresTrainModeAfterValidation(t *testing.T) {
	hp := testHyperparameters()
	hp.LogInterval = 1
	model := newFakeModel()
	tr, err := NewTrainer(hp, model)
	require.NoError(t, err)

	_, err = tr.Run(newTestLoader(t, 4, 1, true), newTestLoader(t, 2, 1, false))
	require.NoError(t, err)
	assert.Zero(t, model.stepsOutOfMode)
	assert.Equal(t, 4, model.trainForwards)
}

func TestRunBoundsValidation(t *testing.T) {
	hp := testHyperparameters()
	hp.ValBatches = 2
	model := newFakeModel()
	tr, err := NewTrainer(hp, model)
	require.NoError(t, err)

	_, err = tr.Run(newTestLoader(t, 5, 1, true), newTestLoader(t, 10, 1, false))
	require.NoError(t, err)
	assert.Equal(t, 2, model.evalForwards)
}

func TestRunRequiresSplits(t *testing.T) {
	model := newFakeModel()
	tr, err := NewTrainer(testHyperparameters(), model)
	require.NoError(t, err)

	_, err = tr.Run(newTestLoader(t, 4, 1, true), nil)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = tr.Run(nil, newTestLoader(t, 4, 1, false))
	assert.ErrorIs(t, err, ErrConfig)
	_, err = tr.Run(newTestLoader(t, 0, 1, true), newTestLoader(t, 4, 1, false))
	assert.ErrorIs(t, err, ErrConfig)
	assert.Zero(t, model.steps)
}

func TestRunEmptyValidationSplit(t *testing.T) {
	model := newFakeModel()
	tr, err := NewTrainer(testHyperparameters(), model)
	require.NoError(t, err)

	_, err = tr.Run(newTestLoader(t, 4, 1, true), newTestLoader(t, 0, 1, false))
	assert.ErrorIs(t, err, ErrConfig)
	assert.Zero(t, model.steps)
	assert.Zero(t, model.zeroGrads)
}

func TestRunHaltsOnNonFiniteLoss(t *testing.T) {
	hp := testHyperparameters()
	hp.LogInterval = 1
	model := newFakeModel()
	model.nanAtStep = 3
	tr, err := NewTrainer(hp, model)
	require.NoError(t, err)

	record, err := tr.Run(newTestLoader(t, 6, 1, true), newTestLoader(t, 1, 1, false))
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
	assert.Equal(t, 3, model.steps)
	assert.Equal(t, []int{0, 1, 2}, steps(record))
}

func TestRunPropagatesLoaderErrors(t *testing.T) {
	ds := failingDataset{SimpleDataset: newTestDataset(t, 4), bad: 2}
	tr, err := NewTrainer(testHyperparameters(), newFakeModel())
	require.NoError(t, err)

	_, err = tr.Run(NewDataLoader(ds, 1, false, 1, 1), newTestLoader(t, 1, 1, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt sample 2")
}

func TestRunWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	hp := testHyperparameters()
	hp.Epochs = 3
	hp.SaveModel = true
	hp.SaveInterval = 2
	hp.Visualize = true

	exporter, err := NewMetricsExporter(filepath.Join(dir, MetricsTextFile), "run-1")
	require.NoError(t, err)
	model := newFakeModel()
	tr, err := NewTrainer(hp, model, WithOutputDir(dir), WithRunID("run-1"), WithExporter(exporter))
	require.NoError(t, err)

	record, err := tr.Run(newTestLoader(t, 6, 1, true), newTestLoader(t, 2, 1, false))
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "IGVCModel_2.json"))
	assert.NoFileExists(t, filepath.Join(dir, "IGVCModel_1.json"))
	assert.NoFileExists(t, filepath.Join(dir, "IGVCModel_3.json"))

	// the checkpoint carries the progress of the epoch it was saved at
	require.NoError(t, model.LoadStateDict(mustRead(t, filepath.Join(dir, "IGVCModel_2.json"))))
	assert.Equal(t, 2, model.epoch)
	assert.Equal(t, 11, model.step)

	snap, err := LoadMetricsSnapshot(filepath.Join(dir, MetricsSnapshotFile))
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, record.Entries(), snap.Entries)

	assert.FileExists(t, filepath.Join(dir, PlotsFile))
	assert.FileExists(t, filepath.Join(dir, VisualizationDir, "epoch_3_batch_5.png"))

	prom := string(mustRead(t, filepath.Join(dir, MetricsTextFile)))
	assert.Contains(t, prom, "igvc_train_val_accuracy")
	assert.Contains(t, prom, `igvc_train_checkpoints_total{run_id="run-1"} 1`)
	assert.Contains(t, prom, `igvc_train_epoch{run_id="run-1"} 3`)
}

func TestRunUsesInjectedCheckpointCadence(t *testing.T) {
	dir := t.TempDir()
	hp := testHyperparameters()
	hp.Epochs = 3
	hp.SaveModel = true
	hp.SaveInterval = 1
	hp.LogInterval = 1

	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, SaveFrequency: 3}, nil)
	model := newFakeModel()
	tr, err := NewTrainer(hp, model, WithCheckpointManager(cm))
	require.NoError(t, err)

	record, err := tr.Run(newTestLoader(t, 2, 1, true), newTestLoader(t, 2, 1, false))
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, "IGVCModel_1.json"))
	assert.NoFileExists(t, filepath.Join(dir, "IGVCModel_2.json"))
	assert.FileExists(t, filepath.Join(dir, "IGVCModel_3.json"))

	require.Len(t, model.progress, 1)
	p := model.progress[0]
	assert.Equal(t, 3, p.Epoch)
	assert.Equal(t, 5, p.Step)

	bestLoss, bestAcc := record.Entries()[0].ValLoss, 0.0
	for _, e := range record.Entries() {
		bestLoss = math.Min(bestLoss, e.ValLoss)
		bestAcc = math.Max(bestAcc, e.ValAccuracy)
	}
	assert.Equal(t, bestLoss, p.BestLoss)
	assert.Equal(t, bestAcc, p.BestAccuracy)
	assert.Greater(t, p.BestAccuracy, 0.0)
}

func TestNewTrainerValidates(t *testing.T) {
	hp := testHyperparameters()
	hp.Epochs = 0
	_, err := NewTrainer(hp, newFakeModel())
	assert.ErrorIs(t, err, ErrConfig)

	_, err = NewTrainer(testHyperparameters(), nil)
	assert.ErrorIs(t, err, ErrConfig)

	hp = testHyperparameters()
	hp.SaveModel = true
	_, err = NewTrainer(hp, newFakeModel())
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewTrainerGeneratesRunID(t *testing.T) {
	a, err := NewTrainer(testHyperparameters(), newFakeModel())
	require.NoError(t, err)
	b, err := NewTrainer(testHyperparameters(), newFakeModel())
	require.NoError(t, err)
	assert.Len(t, a.RunID(), 36)
	assert.NotEqual(t, a.RunID(), b.RunID())
}

func TestNewTrainerSchedulerSelection(t *testing.T) {
	hp := testHyperparameters()
	hp.LRDecay = 1
	tr, err := NewTrainer(hp, newFakeModel())
	require.NoError(t, err)
	assert.IsType(t, &NoOpScheduler{}, tr.scheduler)

	hp.LRDecay = 0.5
	tr, err = NewTrainer(hp, newFakeModel())
	require.NoError(t, err)
	assert.IsType(t, &StepDecayScheduler{}, tr.scheduler)

	custom := NewStepDecayScheduler(3, 0.1)
	tr, err = NewTrainer(hp, newFakeModel(), WithScheduler(custom))
	require.NoError(t, err)
	assert.Same(t, custom, tr.scheduler)
}

func TestTrainerTest(t *testing.T) {
	model := newFakeModel()
	tr, err := NewTrainer(testHyperparameters(), model)
	require.NoError(t, err)

	res, err := tr.Test(newTestLoader(t, 5, 1, false))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Examples)
	assert.InDelta(t, 0.5, res.Accuracy, 1e-12)
	assert.Zero(t, model.steps)

	_, err = tr.Test(nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestFormatProgress(t *testing.T) {
	line := FormatProgress(2, 30, 100, 3, 10, 0.5, 0.25, 0.75)
	assert.Equal(t, "Train Epoch: 2 [30/100 (30%)]\tTrain Loss: 0.500000\tVal Loss: 0.250000\tVal Acc: 0.750000", line)
	assert.True(t, strings.HasPrefix(FormatProgress(1, 0, 0, 0, 0, 0, 0, 0), "Train Epoch: 1 [0/0 (0%)]"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "01:05", formatDuration(65e9))
	assert.Equal(t, "01:00:01", formatDuration(3601e9))
	assert.Equal(t, "00:00", formatDuration(-1))
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestBCEOfConstantPrediction(t *testing.T) {
	// sanity check of the value the evaluator tests rely on
	want := -(0.5*math.Log(0.7) + 0.5*math.Log(0.3))
	assert.InDelta(t, 0.7803238741323343, want, 1e-12)
}
