// Package config loads the data configuration naming a run's split files.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMissingKey is returned when a required key is absent
var ErrMissingKey = errors.New("missing required key")

// DataConfig names the split list files and output locations
type DataConfig struct {
	Train  string `yaml:"train"`
	Test   string `yaml:"test"`
	Backup string `yaml:"backup"`
	// Mirror is an optional s3://bucket/prefix that receives copies of
	// checkpoints and metrics
	Mirror string `yaml:"mirror"`
}

// Load reads a data config. Files ending in .yaml or .yml are parsed as
// YAML; anything else as "key = value" lines with '#' comments.
func Load(path string) (*DataConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data config: %w", err)
	}

	var cfg *DataConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	default:
		cfg, err = ParseKeyValue(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseYAML decodes a YAML data config
func ParseYAML(data []byte) (*DataConfig, error) {
	var cfg DataConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	return &cfg, cfg.validate()
}

// ParseKeyValue decodes "key = value" lines. Unknown keys are ignored and
// later lines override earlier ones.
func ParseKeyValue(data []byte) (*DataConfig, error) {
	var cfg DataConfig
	fields := map[string]*string{
		"train":  &cfg.Train,
		"test":   &cfg.Test,
		"backup": &cfg.Backup,
		"mirror": &cfg.Mirror,
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key = value", lineNo)
		}
		if dst, known := fields[strings.TrimSpace(key)]; known {
			*dst = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &cfg, cfg.validate()
}

func (c *DataConfig) validate() error {
	if c.Train == "" {
		return fmt.Errorf("%w: train", ErrMissingKey)
	}
	if c.Test == "" {
		return fmt.Errorf("%w: test", ErrMissingKey)
	}
	if c.Backup == "" {
		return fmt.Errorf("%w: backup", ErrMissingKey)
	}
	return nil
}
