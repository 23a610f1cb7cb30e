package training

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/suhacker1/igvc-software/checkpoints"
)

// ArtifactMirror copies finished artifacts to remote storage
type ArtifactMirror interface {
	Upload(ctx context.Context, localPath string) error
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string // Directory to save checkpoints
	SaveFrequency   int    // Save every N epochs
	FilenamePattern string // Pattern for checkpoint filenames, formatted with the epoch
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./backup",
		SaveFrequency:   1,
		FilenamePattern: "IGVCModel_%d",
	}
}

// CheckpointManager saves and restores model state dicts. Saved files are
// never removed.
type CheckpointManager struct {
	config CheckpointConfig
	mirror ArtifactMirror
	logger *log.Entry
}

// NewCheckpointManager creates a new checkpoint manager. mirror may be nil.
func NewCheckpointManager(config CheckpointConfig, mirror ArtifactMirror) *CheckpointManager {
	if config.FilenamePattern == "" {
		config.FilenamePattern = DefaultCheckpointConfig().FilenamePattern
	}
	if config.SaveFrequency <= 0 {
		config.SaveFrequency = 1
	}
	return &CheckpointManager{
		config: config,
		mirror: mirror,
		logger: log.WithField("component", "checkpoints"),
	}
}

// ShouldSave reports whether epoch is on the save cadence
func (cm *CheckpointManager) ShouldSave(epoch int) bool {
	return epoch%cm.config.SaveFrequency == 0
}

// Save serializes the model to path, replacing any existing file
func (cm *CheckpointManager) Save(model Model, path string) error {
	data, err := model.StateDict()
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if err := checkpoints.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if cm.mirror != nil {
		if err := cm.mirror.Upload(context.Background(), path); err != nil {
			return fmt.Errorf("failed to mirror checkpoint %s: %w", path, err)
		}
	}
	return nil
}

// SaveEpoch saves the model under the deterministic name of p.Epoch and
// returns the written path
func (cm *CheckpointManager) SaveEpoch(model Model, p Progress) (string, error) {
	if pr, ok := model.(ProgressRecorder); ok {
		pr.RecordProgress(p)
	}
	data, err := model.StateDict()
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}

	path := cm.PathForEpoch(p.Epoch, formatOf(data))
	cm.logger.WithField("path", path).Info("Saving model")
	if err := checkpoints.WriteFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if cm.mirror != nil {
		if err := cm.mirror.Upload(context.Background(), path); err != nil {
			return "", fmt.Errorf("failed to mirror checkpoint %s: %w", path, err)
		}
	}
	return path, nil
}

// Load restores model from the checkpoint at path. Shape disagreements are
// reported as checkpoints.ErrShapeMismatch.
func (cm *CheckpointManager) Load(model Model, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	if err := model.LoadStateDict(data); err != nil {
		return fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}
	return nil
}

// PathForEpoch returns the checkpoint path of epoch for a given format
func (cm *CheckpointManager) PathForEpoch(epoch int, format checkpoints.CheckpointFormat) string {
	name := fmt.Sprintf(cm.config.FilenamePattern, epoch) + format.Extension()
	return filepath.Join(cm.config.SaveDirectory, name)
}

// formatOf identifies the encoding of a serialized state dict
func formatOf(data []byte) checkpoints.CheckpointFormat {
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return checkpoints.FormatJSON
	}
	return checkpoints.FormatProto
}
