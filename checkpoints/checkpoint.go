package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/suhacker1/igvc-software/layers"
)

// ErrShapeMismatch is returned when checkpoint weights do not fit the model they are loaded into
var ErrShapeMismatch = errors.New("checkpoint shape mismatch")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for checkpoints of this format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".ckpt"
}

// ParseFormat maps a command line value ("proto" or "json") to a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "proto", "protobuf", "ckpt":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %q", s)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (first and second moments)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "m" or "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the format new checkpoints are written in
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Marshal encodes a checkpoint in the saver's format
func (cs *CheckpointSaver) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "igvc-software"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	switch cs.format {
	case FormatJSON:
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return data, nil
	case FormatProto:
		return encodeProto(checkpoint)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Unmarshal decodes a checkpoint. The format is detected from the payload:
// JSON documents start with '{', anything else is treated as protobuf.
func Unmarshal(data []byte) (*Checkpoint, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var checkpoint Checkpoint
		if err := json.Unmarshal(trimmed, &checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		return &checkpoint, nil
	}
	return decodeProto(data)
}

// SaveCheckpoint writes a complete model checkpoint. The file is written to a
// temporary sibling and renamed so a crash never leaves a truncated checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := cs.Marshal(checkpoint)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint written in either format
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	return Unmarshal(data)
}

// WriteFileAtomic writes data to path via a temporary file in the same directory
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename checkpoint into place: %w", err)
	}
	return nil
}

// ExtractWeights copies model parameters into checkpoint weight tensors
func ExtractWeights(params []*layers.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layerName, kind := p.Name, "weight"
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layerName, kind = p.Name[:i], p.Name[i+1:]
		}
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float64(nil), p.Value.Data...),
			Layer: layerName,
			Type:  kind,
		})
	}
	return weights
}

// LoadWeights copies checkpoint weights into model parameters. Weights are
// matched by position; any difference in count, name or shape is reported as
// ErrShapeMismatch and leaves params untouched.
func LoadWeights(weights []WeightTensor, params []*layers.Parameter) error {
	if err := CheckWeights(weights, params); err != nil {
		return err
	}
	for i, p := range params {
		copy(p.Value.Data, weights[i].Data)
	}
	return nil
}

// CheckWeights reports whether LoadWeights would accept weights for params
// without modifying either
func CheckWeights(weights []WeightTensor, params []*layers.Parameter) error {
	if len(weights) != len(params) {
		return fmt.Errorf("%w: %d weights, %d parameters", ErrShapeMismatch, len(weights), len(params))
	}

	for i, p := range params {
		w := weights[i]
		if w.Name != p.Name {
			return fmt.Errorf("%w: weight %d is %s, model expects %s", ErrShapeMismatch, i, w.Name, p.Name)
		}
		if len(w.Shape) != len(p.Value.Shape) {
			return fmt.Errorf("%w: weight %s has shape %v, model expects %v", ErrShapeMismatch, w.Name, w.Shape, p.Value.Shape)
		}
		for j, dim := range p.Value.Shape {
			if dim != w.Shape[j] {
				return fmt.Errorf("%w: weight %s has shape %v, model expects %v", ErrShapeMismatch, w.Name, w.Shape, p.Value.Shape)
			}
		}
		if len(w.Data) != len(p.Value.Data) {
			return fmt.Errorf("%w: weight %s holds %d values, expected %d", ErrShapeMismatch, w.Name, len(w.Data), len(p.Value.Data))
		}
	}
	return nil
}
