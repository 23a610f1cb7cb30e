package dataloader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/coocood/freecache"
)

const (
	headerSize = 12 // width, height, chunk count

	// freecache splits its budget into 256 segments and rejects entries
	// larger than a quarter of one segment
	minCacheBytes    = 512 * 1024
	entryLimitDivide = 1024
	entryOverhead    = 24 // freecache entry header
	chunkSuffixLen   = 8  // "#" plus the chunk index
)

// CacheManager caches decoded, resized images. Images larger than one
// freecache entry are split into chunks stored under derived keys; an image
// whose chunk was evicted is a miss. Entries are evicted by freecache when
// the byte budget is exhausted. Each key is expected to always hold the same
// image.
type CacheManager struct {
	cache     *freecache.Cache
	maxBytes  int
	chunkSize int

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a cache holding up to maxBytes of pixel data.
// Budgets below 512KB are rounded up to 512KB.
func NewCacheManager(maxBytes int) *CacheManager {
	if maxBytes < minCacheBytes {
		maxBytes = minCacheBytes
	}
	return &CacheManager{
		cache:     freecache.NewCache(maxBytes),
		maxBytes:  maxBytes,
		chunkSize: maxBytes/entryLimitDivide - entryOverhead,
	}
}

// Key identifies an image file at a given target size
func Key(path string, width, height int) string {
	return fmt.Sprintf("%s@%dx%d", path, width, height)
}

func chunkKey(key string, i int) []byte {
	if i == 0 {
		return []byte(key)
	}
	return []byte(fmt.Sprintf("%s#%d", key, i))
}

// payloadPerChunk is the number of image bytes stored in each entry of key
func (cm *CacheManager) payloadPerChunk(key string) int {
	return cm.chunkSize - len(key) - chunkSuffixLen
}

// Get retrieves an image from the cache. The returned image is a private
// copy.
func (cm *CacheManager) Get(key string) (*image.RGBA, bool) {
	img, ok := cm.get(key)
	if ok {
		cm.hits.Add(1)
	} else {
		cm.misses.Add(1)
	}
	return img, ok
}

func (cm *CacheManager) get(key string) (*image.RGBA, bool) {
	first, err := cm.cache.Get(chunkKey(key, 0))
	if err != nil || len(first) < headerSize {
		return nil, false
	}

	w := int(binary.LittleEndian.Uint32(first[0:4]))
	h := int(binary.LittleEndian.Uint32(first[4:8]))
	chunks := int(binary.LittleEndian.Uint32(first[8:12]))

	pix := make([]byte, 0, 4*w*h)
	pix = append(pix, first[headerSize:]...)
	for i := 1; i < chunks; i++ {
		part, err := cm.cache.Get(chunkKey(key, i))
		if err != nil {
			return nil, false
		}
		pix = append(pix, part...)
	}
	if len(pix) != 4*w*h {
		return nil, false
	}
	return &image.RGBA{Pix: pix, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}, true
}

// Put adds an image to the cache. Images needing more than a quarter of
// the budget are reported with ErrEntryTooLarge.
func (cm *CacheManager) Put(key string, img *image.RGBA) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	size := headerSize + 4*w*h
	per := cm.payloadPerChunk(key)
	if !cm.CanHold(w, h) || per <= headerSize {
		return fmt.Errorf("%w: %s (%d bytes)", ErrEntryTooLarge, key, size)
	}

	data := make([]byte, size)
	for y := 0; y < h; y++ {
		src := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(data[headerSize+y*4*w:headerSize+(y+1)*4*w], img.Pix[src:src+4*w])
	}
	chunks := (size + per - 1) / per
	binary.LittleEndian.PutUint32(data[0:4], uint32(w))
	binary.LittleEndian.PutUint32(data[4:8], uint32(h))
	binary.LittleEndian.PutUint32(data[8:12], uint32(chunks))

	// the first chunk is written last so a reader never sees a header
	// before its chunks
	for i := chunks - 1; i >= 0; i-- {
		end := min((i+1)*per, size)
		if err := cm.cache.Set(chunkKey(key, i), data[i*per:end], 0); err != nil {
			if errors.Is(err, freecache.ErrLargeEntry) || errors.Is(err, freecache.ErrLargeKey) {
				return fmt.Errorf("%w: %s (%d bytes)", ErrEntryTooLarge, key, size)
			}
			return err
		}
	}
	return nil
}

// CanHold reports whether a width x height image is small enough to cache
func (cm *CacheManager) CanHold(width, height int) bool {
	return headerSize+4*width*height <= cm.maxBytes/4
}

// ErrEntryTooLarge is returned by Put for images that cannot be cached
var ErrEntryTooLarge = errors.New("cache entry too large")

// Stats returns cache statistics. Size counts freecache entries, so an
// image split into chunks counts once per chunk.
func (cm *CacheManager) Stats() CacheStats {
	hits, misses := cm.hits.Load(), cm.misses.Load()
	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}
	return CacheStats{
		Size:     cm.cache.EntryCount(),
		MaxBytes: cm.maxBytes,
		Hits:     hits,
		Misses:   misses,
		HitRate:  rate,
	}
}

// Clear drops every entry
func (cm *CacheManager) Clear() {
	cm.cache.Clear()
}

// ResetStats resets the hit and miss counters
func (cm *CacheManager) ResetStats() {
	cm.hits.Store(0)
	cm.misses.Store(0)
	cm.cache.ResetStatistics()
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size     int64
	MaxBytes int
	Hits     int64
	Misses   int64
	HitRate  float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d entries (%d MB budget), Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxBytes>>20, cs.Hits, cs.Misses, cs.HitRate)
}
