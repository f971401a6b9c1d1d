package redis

import (
	"context"
	"errors"
	"time"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/curriculum"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// CachedCatalog is a read-through cache in front of a curriculum.Catalog.
// Redis failures fall through to the backing catalog.
type CachedCatalog struct {
	next  curriculum.Catalog
	cache *Cache
	ttl   time.Duration
	log   *logger.Logger
}

// NewCachedCatalog wraps next. A zero ttl uses TTLCatalog.
func NewCachedCatalog(next curriculum.Catalog, cache *Cache, ttl time.Duration, log *logger.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = TTLCatalog
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CachedCatalog{next: next, cache: cache, ttl: ttl, log: log.With(logger.Component("catalog_cache"))}
}

// GetModule implements curriculum.Catalog.
func (c *CachedCatalog) GetModule(ctx context.Context, moduleID string) (*curriculum.Module, error) {
	return readThrough(ctx, c, ModuleKey(moduleID), func() (*curriculum.Module, error) {
		return c.next.GetModule(ctx, moduleID)
	})
}

// GetCourse implements curriculum.Catalog.
func (c *CachedCatalog) GetCourse(ctx context.Context, courseID string) (*curriculum.Course, error) {
	return readThrough(ctx, c, CourseKey(courseID), func() (*curriculum.Course, error) {
		return c.next.GetCourse(ctx, courseID)
	})
}

// ListModules implements curriculum.ModuleLister when the backing catalog does.
func (c *CachedCatalog) ListModules(ctx context.Context, courseID string) ([]*curriculum.Module, error) {
	lister, ok := c.next.(curriculum.ModuleLister)
	if !ok {
		return nil, errors.New("catalog cannot list modules")
	}
	modules, err := readThrough(ctx, c, CourseModulesKey(courseID), func() (*[]*curriculum.Module, error) {
		m, err := lister.ListModules(ctx, courseID)
		return &m, err
	})
	if err != nil {
		return nil, err
	}
	return *modules, nil
}

// Invalidate drops the cached course, its module list and the given modules.
func (c *CachedCatalog) Invalidate(ctx context.Context, courseID string, moduleIDs ...string) error {
	keys := []string{CourseKey(courseID), CourseModulesKey(courseID)}
	for _, id := range moduleIDs {
		keys = append(keys, ModuleKey(id))
	}
	return c.cache.Delete(ctx, keys...)
}

func readThrough[T any](ctx context.Context, c *CachedCatalog, key string, load func() (*T, error)) (*T, error) {
	var cached T
	err := c.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.log.Warn("catalog cache read failed", logger.String("key", key), logger.Err(err))
	}

	v, err := load()
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, v, c.ttl); err != nil {
		c.log.Warn("catalog cache write failed", logger.String("key", key), logger.Err(err))
	}
	return v, nil
}

var (
	_ curriculum.Catalog      = (*CachedCatalog)(nil)
	_ curriculum.ModuleLister = (*CachedCatalog)(nil)
)
