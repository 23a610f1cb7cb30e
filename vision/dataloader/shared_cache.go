package dataloader

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SharedCacheManager manages named caches shared across datasets, so the
// train, validation and test splits of one run reuse decoded images
type SharedCacheManager struct {
	mu     sync.RWMutex
	caches map[string]*CacheManager
}

var (
	globalSharedCache *SharedCacheManager
	sharedCacheOnce   sync.Once
)

// NewSharedCacheManager creates an empty manager
func NewSharedCacheManager() *SharedCacheManager {
	return &SharedCacheManager{caches: make(map[string]*CacheManager)}
}

// GetGlobalSharedCache returns the process-wide shared cache manager
func GetGlobalSharedCache() *SharedCacheManager {
	sharedCacheOnce.Do(func() {
		globalSharedCache = NewSharedCacheManager()
	})
	return globalSharedCache
}

// GetOrCreateCache gets or creates a cache with the given name. maxBytes is
// only used when the cache is created.
func (scm *SharedCacheManager) GetOrCreateCache(name string, maxBytes int) *CacheManager {
	scm.mu.Lock()
	defer scm.mu.Unlock()

	if cache, exists := scm.caches[name]; exists {
		return cache
	}

	cache := NewCacheManager(maxBytes)
	scm.caches[name] = cache
	return cache
}

// RemoveCache removes a cache by name
func (scm *SharedCacheManager) RemoveCache(name string) {
	scm.mu.Lock()
	defer scm.mu.Unlock()
	delete(scm.caches, name)
}

// ClearAllCaches clears all managed caches
func (scm *SharedCacheManager) ClearAllCaches() {
	scm.mu.RLock()
	defer scm.mu.RUnlock()

	for _, cache := range scm.caches {
		cache.Clear()
	}
}

// LogStats writes one debug line per cache, in name order
func (scm *SharedCacheManager) LogStats(logger *log.Entry) {
	scm.mu.RLock()
	defer scm.mu.RUnlock()

	names := make([]string, 0, len(scm.caches))
	for name := range scm.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := scm.caches[name].Stats()
		logger.WithFields(log.Fields{
			"cache":    name,
			"entries":  stats.Size,
			"hit_rate": stats.HitRate,
		}).Debug(stats.String())
	}
}
