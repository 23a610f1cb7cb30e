// Package dataset reads IGVC lane-segmentation splits from list files.
package dataset

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/suhacker1/igvc-software/tensor"
	"github.com/suhacker1/igvc-software/vision/dataloader"
	"github.com/suhacker1/igvc-software/vision/preprocessing"
)

// Sample is one image/mask file pair
type Sample struct {
	ImagePath string
	MaskPath  string
}

// ReadList parses a split list file. Each non-empty line names an image and
// optionally its mask. Lines starting with '#' are skipped. Relative paths
// are resolved against the list file's directory, and a missing mask path
// is derived with MaskPathFor.
func ReadList(path string) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open list file: %w", err)
	}
	defer file.Close()

	base := filepath.Dir(path)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	var samples []Sample
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch len(fields) {
		case 1:
			img := resolve(fields[0])
			samples = append(samples, Sample{ImagePath: img, MaskPath: MaskPathFor(img)})
		case 2:
			samples = append(samples, Sample{ImagePath: resolve(fields[0]), MaskPath: resolve(fields[1])})
		default:
			return nil, fmt.Errorf("%s:%d: expected \"image [mask]\", got %d fields", path, lineNo, len(fields))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list file: %w", err)
	}
	return samples, nil
}

// MaskPathFor derives the mask location of an image: the last "images"
// directory becomes "masks" and the extension becomes .png
func MaskPathFor(imagePath string) string {
	dir, file := filepath.Split(imagePath)
	parts := strings.Split(filepath.ToSlash(dir), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "images" {
			parts[i] = "masks"
			break
		}
	}
	dir = filepath.FromSlash(strings.Join(parts, "/"))
	return filepath.Join(dir, strings.TrimSuffix(file, filepath.Ext(file))+".png")
}

// IGVCDataset serves image/mask tensor pairs for a list of samples.
// It is safe for concurrent Get calls as long as the processor's
// Preprocessor is.
type IGVCDataset struct {
	samples   []Sample
	processor *preprocessing.ImageProcessor
	cache     *dataloader.CacheManager
	logger    *log.Entry
}

// New creates a dataset over samples. cache may be nil.
func New(samples []Sample, processor *preprocessing.ImageProcessor, cache *dataloader.CacheManager) *IGVCDataset {
	return &IGVCDataset{
		samples:   samples,
		processor: processor,
		cache:     cache,
		logger:    log.WithField("component", "dataset"),
	}
}

// Load reads the list file at path and creates a dataset over it
func Load(path string, processor *preprocessing.ImageProcessor, cache *dataloader.CacheManager) (*IGVCDataset, error) {
	samples, err := ReadList(path)
	if err != nil {
		return nil, err
	}
	return New(samples, processor, cache), nil
}

// Len returns the number of samples
func (d *IGVCDataset) Len() int {
	return len(d.samples)
}

// Samples returns the underlying file pairs
func (d *IGVCDataset) Samples() []Sample {
	return d.samples
}

// Get loads sample idx as a [C, H, W] image and a [1, H, W] binary mask
func (d *IGVCDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.samples) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.samples))
	}
	s := d.samples[idx]

	img, err := d.load(s.ImagePath)
	if err != nil {
		return nil, nil, err
	}
	mask, err := d.load(s.MaskPath)
	if err != nil {
		return nil, nil, err
	}

	imgTensor, err := d.processor.ProcessImage(img)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", s.ImagePath, err)
	}
	return imgTensor, d.processor.ProcessMask(mask), nil
}

// load returns the file at path resized to the processor's dimensions,
// going through the cache when one is set
func (d *IGVCDataset) load(path string) (*image.RGBA, error) {
	key := dataloader.Key(path, d.processor.Width, d.processor.Height)
	if d.cache != nil {
		if img, ok := d.cache.Get(key); ok {
			return img, nil
		}
	}

	img, err := preprocessing.LoadImage(path)
	if err != nil {
		return nil, err
	}
	img = preprocessing.Resize(img, d.processor.Width, d.processor.Height)

	if d.cache != nil {
		if err := d.cache.Put(key, img); err != nil {
			d.logger.WithError(err).Debug("image not cached")
		}
	}
	return img, nil
}
