package training

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/suhacker1/igvc-software/tensor"
)

// fakeModel predicts a constant probability everywhere and records how the
// trainer drives it
type fakeModel struct {
	mode Mode
	lr   float64
	p    float64

	steps          int
	zeroGrads      int
	trainForwards  int
	evalForwards   int
	stepsOutOfMode int       // Step calls made while not in training mode
	stepLRs        []float64 // learning rate in effect at each Step
	nanAtStep      int       // Forward returns NaN when steps == nanAtStep (if > 0)

	epoch, step int
	progress    []Progress // every RecordProgress call
	loaded      []byte
}

func newFakeModel() *fakeModel {
	return &fakeModel{p: 0.7, nanAtStep: -1}
}

func (m *fakeModel) SetMode(mode Mode) { m.mode = mode }

func (m *fakeModel) Forward(images *tensor.Tensor) (*tensor.Tensor, error) {
	if m.mode == ModeTrain {
		m.trainForwards++
	} else {
		m.evalForwards++
	}
	out := tensor.Zeros(images.Shape[0], 1, images.Shape[2], images.Shape[3])
	if m.mode == ModeTrain && m.steps == m.nanAtStep {
		out.Fill(math.NaN())
		return out, nil
	}
	out.Fill(m.p)
	return out, nil
}

func (m *fakeModel) ZeroGrad() { m.zeroGrads++ }

func (m *fakeModel) Backward(grad *tensor.Tensor) error { return nil }

func (m *fakeModel) Step() error {
	if m.mode != ModeTrain {
		m.stepsOutOfMode++
	}
	m.steps++
	m.stepLRs = append(m.stepLRs, m.lr)
	return nil
}

func (m *fakeModel) LearningRate() float64      { return m.lr }
func (m *fakeModel) SetLearningRate(lr float64) { m.lr = lr }

type fakeState struct {
	Steps int `json:"steps"`
	Epoch int `json:"epoch"`
	Step  int `json:"step"`
}

func (m *fakeModel) StateDict() ([]byte, error) {
	return json.Marshal(fakeState{Steps: m.steps, Epoch: m.epoch, Step: m.step})
}

func (m *fakeModel) LoadStateDict(data []byte) error {
	var s fakeState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	m.loaded = data
	m.steps, m.epoch, m.step = s.Steps, s.Epoch, s.Step
	return nil
}

func (m *fakeModel) RecordProgress(p Progress) {
	m.epoch, m.step = p.Epoch, p.Step
	m.progress = append(m.progress, p)
}

// fakeMirror records uploaded paths
type fakeMirror struct {
	uploaded []string
	err      error
}

func (f *fakeMirror) Upload(ctx context.Context, localPath string) error {
	if f.err != nil {
		return f.err
	}
	f.uploaded = append(f.uploaded, localPath)
	return nil
}

// newTestDataset returns n 3x4x4 images whose masks mark the left half of
// every row as lane
func newTestDataset(t *testing.T, n int) *SimpleDataset {
	t.Helper()
	images := make([]*tensor.Tensor, n)
	masks := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		img := tensor.Zeros(3, 4, 4)
		img.Fill(float64(i) / float64(n))
		mask := tensor.Zeros(1, 4, 4)
		for j := range mask.Data {
			if j%4 < 2 {
				mask.Data[j] = 1
			}
		}
		images[i], masks[i] = img, mask
	}
	ds, err := NewSimpleDataset(images, masks)
	require.NoError(t, err)
	return ds
}

func newTestLoader(t *testing.T, n, batchSize int, shuffle bool) *DataLoader {
	t.Helper()
	return NewDataLoader(newTestDataset(t, n), batchSize, shuffle, 2, 1)
}

func testHyperparameters() Hyperparameters {
	hp := DefaultHyperparameters()
	hp.Height, hp.Width = 4, 4
	hp.Epochs = 1
	hp.LogInterval = 5
	hp.ValBatches = Unbounded
	return hp
}

// failingDataset errors on one index
type failingDataset struct {
	*SimpleDataset
	bad int
}

func (f failingDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx == f.bad {
		return nil, nil, fmt.Errorf("corrupt sample %d", idx)
	}
	return f.SimpleDataset.Get(idx)
}
