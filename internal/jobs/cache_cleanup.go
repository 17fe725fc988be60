package jobs

import (
	"context"

	"chatcontext/internal/logging"

	"github.com/sirupsen/logrus"
)

// CacheCleanupJobName is the scheduler name of the cache cleanup job
const CacheCleanupJobName = "cache_cleanup"

// CacheCleaner removes expired entries and trims per-user caches
type CacheCleaner interface {
	Cleanup(ctx context.Context, maxPerUser int) (expired, trimmed int64, err error)
}

// CacheCleanupJob deletes expired semantic cache entries and caps
// the number of entries kept per user
type CacheCleanupJob struct {
	cache      CacheCleaner
	maxPerUser func() int
}

// NewCacheCleanupJob creates the cleanup job. maxPerUser is read on every
// run so reloaded tunables take effect without re-registering.
func NewCacheCleanupJob(cache CacheCleaner, maxPerUser func() int) *CacheCleanupJob {
	return &CacheCleanupJob{cache: cache, maxPerUser: maxPerUser}
}

// Run performs one cleanup pass
func (j *CacheCleanupJob) Run(ctx context.Context) error {
	log := logging.Component("cache-cleanup")

	limit := j.maxPerUser()
	expired, trimmed, err := j.cache.Cleanup(ctx, limit)
	if err != nil {
		log.WithError(err).Error("Cache cleanup failed")
		return err
	}

	if expired > 0 || trimmed > 0 {
		log.WithFields(logrus.Fields{
			"expired":      expired,
			"trimmed":      trimmed,
			"max_per_user": limit,
		}).Info("Cache cleanup removed entries")
	}
	return nil
}
