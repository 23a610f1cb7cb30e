package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/suhacker1/igvc-software/layers"
)

// Field numbers of the binary checkpoint message.
//
//	message Checkpoint {
//	  bytes          model_spec      = 1; // JSON encoded layers.ModelSpec
//	  repeated Tensor weights        = 2;
//	  TrainingState  training_state  = 3;
//	  OptimizerState optimizer_state = 4;
//	  Metadata       metadata        = 5;
//	}
//	message Tensor { string name = 1; repeated int64 shape = 2; repeated double data = 3; string layer = 4; string type = 5; }
//	message TrainingState { int64 epoch = 1; int64 step = 2; double learning_rate = 3; double best_loss = 4; double best_accuracy = 5; int64 total_steps = 6; }
//	message OptimizerState { string type = 1; repeated Param parameters = 2; repeated Tensor state_data = 3; }
//	message Param { string key = 1; double value = 2; }
//	message Metadata { string version = 1; string framework = 2; int64 created_at_unix_nano = 3; string description = 4; repeated string tags = 5; string run_id = 6; }
const (
	ckptModelSpec      protowire.Number = 1
	ckptWeights        protowire.Number = 2
	ckptTrainingState  protowire.Number = 3
	ckptOptimizerState protowire.Number = 4
	ckptMetadata       protowire.Number = 5

	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorLayer protowire.Number = 4
	tensorType  protowire.Number = 5

	stateEpoch        protowire.Number = 1
	stateStep         protowire.Number = 2
	stateLearningRate protowire.Number = 3
	stateBestLoss     protowire.Number = 4
	stateBestAccuracy protowire.Number = 5
	stateTotalSteps   protowire.Number = 6

	optType       protowire.Number = 1
	optParameters protowire.Number = 2
	optStateData  protowire.Number = 3

	paramKey   protowire.Number = 1
	paramValue protowire.Number = 2

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3
	metaDescription protowire.Number = 4
	metaTags        protowire.Number = 5
	metaRunID       protowire.Number = 6
)

func encodeProto(c *Checkpoint) ([]byte, error) {
	var b []byte

	if c.ModelSpec != nil {
		spec, err := json.Marshal(c.ModelSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode model spec: %w", err)
		}
		b = protowire.AppendTag(b, ckptModelSpec, protowire.BytesType)
		b = protowire.AppendBytes(b, spec)
	}

	for _, w := range c.Weights {
		b = protowire.AppendTag(b, ckptWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type))
	}

	b = protowire.AppendTag(b, ckptTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendTrainingState(nil, c.TrainingState))

	if c.OptimizerState != nil {
		b = protowire.AppendTag(b, ckptOptimizerState, protowire.BytesType)
		b = protowire.AppendBytes(b, appendOptimizerState(nil, c.OptimizerState))
	}

	b = protowire.AppendTag(b, ckptMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, c.Metadata))

	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind string) []byte {
	b = appendString(b, tensorName, name)

	if len(shape) > 0 {
		var packed []byte
		for _, d := range shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(data) > 0 {
		packed := make([]byte, 0, 8*len(data))
		for _, v := range data {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, tensorData, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	b = appendString(b, tensorLayer, layer)
	return appendString(b, tensorType, kind)
}

func appendTrainingState(b []byte, s TrainingState) []byte {
	b = appendInt(b, stateEpoch, int64(s.Epoch))
	b = appendInt(b, stateStep, int64(s.Step))
	b = appendDouble(b, stateLearningRate, s.LearningRate)
	b = appendDouble(b, stateBestLoss, s.BestLoss)
	b = appendDouble(b, stateBestAccuracy, s.BestAccuracy)
	return appendInt(b, stateTotalSteps, int64(s.TotalSteps))
}

func appendOptimizerState(b []byte, s *OptimizerState) []byte {
	b = appendString(b, optType, s.Type)

	// Sorted so identical states encode to identical bytes
	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, paramKey, k)
		entry = appendDouble(entry, paramValue, s.Parameters[k])
		b = protowire.AppendTag(b, optParameters, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	for _, t := range s.StateData {
		b = protowire.AppendTag(b, optStateData, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t.Name, t.Shape, t.Data, "", t.StateType))
	}
	return b
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendInt(b, metaCreatedAt, m.CreatedAt.UnixNano())
	}
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, metaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return appendString(b, metaRunID, m.RunID)
}

// field is one decoded (number, type, payload) triple
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walkFields iterates over the top-level fields of a message
func walkFields(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("malformed checkpoint: %w", protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("malformed checkpoint: %w", protowire.ParseError(n))
			}
			f.varint = v
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("malformed checkpoint: %w", protowire.ParseError(n))
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("malformed checkpoint: %w", protowire.ParseError(n))
			}
			f.bytes = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("malformed checkpoint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func decodeProto(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case ckptModelSpec:
			spec := &layers.ModelSpec{}
			if err := json.Unmarshal(f.bytes, spec); err != nil {
				return fmt.Errorf("failed to decode model spec: %w", err)
			}
			c.ModelSpec = spec
		case ckptWeights:
			name, shape, data, layer, kind, err := decodeTensor(f.bytes)
			if err != nil {
				return err
			}
			c.Weights = append(c.Weights, WeightTensor{Name: name, Shape: shape, Data: data, Layer: layer, Type: kind})
		case ckptTrainingState:
			s, err := decodeTrainingState(f.bytes)
			if err != nil {
				return err
			}
			c.TrainingState = s
		case ckptOptimizerState:
			s, err := decodeOptimizerState(f.bytes)
			if err != nil {
				return err
			}
			c.OptimizerState = s
		case ckptMetadata:
			m, err := decodeMetadata(f.bytes)
			if err != nil {
				return err
			}
			c.Metadata = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeTensor(b []byte) (name string, shape []int, data []float64, layer, kind string, err error) {
	err = walkFields(b, func(f field) error {
		switch f.num {
		case tensorName:
			name = string(f.bytes)
		case tensorShape:
			if f.typ == protowire.VarintType {
				shape = append(shape, int(f.varint))
				return nil
			}
			for p := f.bytes; len(p) > 0; {
				v, n := protowire.ConsumeVarint(p)
				if n < 0 {
					return fmt.Errorf("malformed tensor shape: %w", protowire.ParseError(n))
				}
				shape = append(shape, int(v))
				p = p[n:]
			}
		case tensorData:
			if f.typ == protowire.Fixed64Type {
				data = append(data, math.Float64frombits(f.varint))
				return nil
			}
			if len(f.bytes)%8 != 0 {
				return fmt.Errorf("malformed tensor data: %d bytes", len(f.bytes))
			}
			if data == nil {
				data = make([]float64, 0, len(f.bytes)/8)
			}
			for p := f.bytes; len(p) > 0; {
				v, n := protowire.ConsumeFixed64(p)
				if n < 0 {
					return fmt.Errorf("malformed tensor data: %w", protowire.ParseError(n))
				}
				data = append(data, math.Float64frombits(v))
				p = p[n:]
			}
		case tensorLayer:
			layer = string(f.bytes)
		case tensorType:
			kind = string(f.bytes)
		}
		return nil
	})
	return
}

func decodeTrainingState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(f field) error {
		switch f.num {
		case stateEpoch:
			s.Epoch = int(int64(f.varint))
		case stateStep:
			s.Step = int(int64(f.varint))
		case stateLearningRate:
			s.LearningRate = math.Float64frombits(f.varint)
		case stateBestLoss:
			s.BestLoss = math.Float64frombits(f.varint)
		case stateBestAccuracy:
			s.BestAccuracy = math.Float64frombits(f.varint)
		case stateTotalSteps:
			s.TotalSteps = int(int64(f.varint))
		}
		return nil
	})
	return s, err
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case optType:
			s.Type = string(f.bytes)
		case optParameters:
			var key string
			var value float64
			if err := walkFields(f.bytes, func(pf field) error {
				switch pf.num {
				case paramKey:
					key = string(pf.bytes)
				case paramValue:
					value = math.Float64frombits(pf.varint)
				}
				return nil
			}); err != nil {
				return err
			}
			s.Parameters[key] = value
		case optStateData:
			name, shape, data, _, kind, err := decodeTensor(f.bytes)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: name, Shape: shape, Data: data, StateType: kind})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(f field) error {
		switch f.num {
		case metaVersion:
			m.Version = string(f.bytes)
		case metaFramework:
			m.Framework = string(f.bytes)
		case metaCreatedAt:
			m.CreatedAt = time.Unix(0, int64(f.varint)).UTC()
		case metaDescription:
			m.Description = string(f.bytes)
		case metaTags:
			m.Tags = append(m.Tags, string(f.bytes))
		case metaRunID:
			m.RunID = string(f.bytes)
		}
		return nil
	})
	return m, err
}
