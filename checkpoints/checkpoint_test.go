package checkpoints

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/suhacker1/igvc-software/layers"
	"github.com/suhacker1/igvc-software/tensor"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	spec, err := layers.LaneNetSpec(1, 3, 8, 8, 3)
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}
	built, err := layers.Build(spec, rand.New(rand.NewSource(11)))
	if err != nil {
		t.Fatalf("Failed to build test model: %v", err)
	}
	var params []*layers.Parameter
	for _, l := range built {
		params = append(params, l.Parameters()...)
	}

	return &Checkpoint{
		ModelSpec: spec,
		Weights:   ExtractWeights(params),
		TrainingState: TrainingState{
			Epoch:        3,
			Step:         41,
			LearningRate: 0.0005,
			BestLoss:     0.123456789,
			BestAccuracy: 0.91,
			TotalSteps:   120,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"beta1": 0.9, "beta2": 0.999, "step_count": 41},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{2}, Data: []float64{1e-9, -3.5}, StateType: "m"},
				{Name: "v_0", Shape: []int{2}, Data: []float64{math.SmallestNonzeroFloat64, 7}, StateType: "v"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:   "1.0.0",
			Framework: "igvc-software",
			CreatedAt: time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC),
			RunID:     "run-1",
			Tags:      []string{"lanes"},
		},
	}
}

func assertCheckpointsEqual(t *testing.T, want, got *Checkpoint) {
	t.Helper()
	if len(got.Weights) != len(want.Weights) {
		t.Fatalf("Expected %d weights, got %d", len(want.Weights), len(got.Weights))
	}
	for i := range want.Weights {
		w, g := want.Weights[i], got.Weights[i]
		if w.Name != g.Name || w.Layer != g.Layer || w.Type != g.Type || !tensor.ShapeEqual(w.Shape, g.Shape) {
			t.Errorf("Weight %d header mismatch: %+v vs %+v", i, w.Name, g.Name)
		}
		for j := range w.Data {
			if math.Float64bits(w.Data[j]) != math.Float64bits(g.Data[j]) {
				t.Fatalf("Weight %s[%d] not bit-identical: %v vs %v", w.Name, j, w.Data[j], g.Data[j])
			}
		}
	}
	if got.TrainingState != want.TrainingState {
		t.Errorf("Training state mismatch: %+v vs %+v", want.TrainingState, got.TrainingState)
	}
	if !reflect.DeepEqual(got.OptimizerState, want.OptimizerState) {
		t.Errorf("Optimizer state mismatch: %+v vs %+v", want.OptimizerState, got.OptimizerState)
	}
	if !got.Metadata.CreatedAt.Equal(want.Metadata.CreatedAt) || got.Metadata.RunID != want.Metadata.RunID {
		t.Errorf("Metadata mismatch: %+v vs %+v", want.Metadata, got.Metadata)
	}
	if got.ModelSpec == nil || !tensor.ShapeEqual(got.ModelSpec.OutputShape, want.ModelSpec.OutputShape) {
		t.Errorf("Model spec not restored")
	}
}

func TestCheckpointRoundTripBothFormats(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			want := testCheckpoint(t)
			path := filepath.Join(t.TempDir(), "IGVCModel_3"+format.Extension())

			saver := NewCheckpointSaver(format)
			if err := saver.SaveCheckpoint(want, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			got, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			assertCheckpointsEqual(t, want, got)
		})
	}
}

func TestLoadCheckpointDetectsFormat(t *testing.T) {
	want := testCheckpoint(t)
	path := filepath.Join(t.TempDir(), "model.json")
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(want, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// A proto saver can still read a JSON checkpoint
	got, err := NewCheckpointSaver(FormatProto).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	assertCheckpointsEqual(t, want, got)
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IGVCModel_1.ckpt")
	saver := NewCheckpointSaver(FormatProto)
	for i := 0; i < 2; i++ {
		if err := saver.SaveCheckpoint(testCheckpoint(t), path); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "IGVCModel_1.ckpt" {
		t.Errorf("Expected only the checkpoint file, found %v", entries)
	}
}

func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
		ext      string
	}{
		{FormatJSON, "JSON", ".json"},
		{FormatProto, "Proto", ".ckpt"},
		{CheckpointFormat(999), "Unknown", ".ckpt"},
	}

	for _, test := range tests {
		if result := test.format.String(); result != test.expected {
			t.Errorf("Format %d: expected %s, got %s", test.format, test.expected, result)
		}
		if ext := test.format.Extension(); ext != test.ext {
			t.Errorf("Format %d: expected extension %s, got %s", test.format, test.ext, ext)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat("proto"); err != nil || f != FormatProto {
		t.Errorf("ParseFormat(proto) = %v, %v", f, err)
	}
	if _, err := ParseFormat("onnx"); err == nil {
		t.Errorf("Expected error for unsupported format")
	}
}

func TestUnsupportedCheckpointFormat(t *testing.T) {
	saver := NewCheckpointSaver(CheckpointFormat(999))
	err := saver.SaveCheckpoint(testCheckpoint(t), filepath.Join(t.TempDir(), "x"))
	if err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestLoadCheckpointFileErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatProto)
	if _, err := saver.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.ckpt")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "garbage.ckpt")
	if err := os.WriteFile(path, []byte{0x0a, 0xff, 0xff}, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := saver.LoadCheckpoint(path); err == nil {
		t.Error("Expected error for truncated protobuf")
	}
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	small, err := layers.LaneNetSpec(1, 3, 8, 8, 3)
	if err != nil {
		t.Fatalf("LaneNetSpec failed: %v", err)
	}
	large, err := layers.LaneNetSpec(1, 3, 8, 8, 5)
	if err != nil {
		t.Fatalf("LaneNetSpec failed: %v", err)
	}
	paramsOf := func(spec *layers.ModelSpec) []*layers.Parameter {
		built, err := layers.Build(spec, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		var params []*layers.Parameter
		for _, l := range built {
			params = append(params, l.Parameters()...)
		}
		return params
	}

	src := paramsOf(small)
	dst := paramsOf(large)
	before := append([]float64(nil), dst[0].Value.Data...)

	err = LoadWeights(ExtractWeights(src), dst)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Expected ErrShapeMismatch, got %v", err)
	}
	for i, v := range dst[0].Value.Data {
		if v != before[i] {
			t.Fatalf("Parameters modified by failed load")
		}
	}

	if err := LoadWeights(ExtractWeights(src)[:2], src); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for a weight count mismatch, got %v", err)
	}
}

func TestExtractWeightsNaming(t *testing.T) {
	p := &layers.Parameter{Name: "conv1.bias", Value: tensor.Zeros(4)}
	w := ExtractWeights([]*layers.Parameter{p})
	if w[0].Layer != "conv1" || w[0].Type != "bias" {
		t.Errorf("Expected layer conv1 type bias, got %s %s", w[0].Layer, w[0].Type)
	}

	p.Value.Data[0] = 5
	if w[0].Data[0] != 0 {
		t.Errorf("ExtractWeights must copy parameter data")
	}
}
