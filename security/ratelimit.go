package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxTrackedSubjects bounds how many subjects hold a live token
	// bucket at once. Provisioning is user-driven and rare, so the bound
	// exists to stop a caller from cycling fabricated subjects until the
	// broker runs out of memory, not to serve real traffic volume.
	DefaultMaxTrackedSubjects = 10000

	limiterSweepInterval = 5 * time.Minute
	limiterIdleTimeout   = 30 * time.Minute
)

// RateLimiter enforces a per-subject token bucket. The broker checks it
// before minting an authorization URL so one session cannot start
// provisioning flows in a loop and hammer the identity provider's
// authorization endpoint. Subjects are tracked most-recently-used first
// with a hard capacity; when full, the coldest subject's bucket is
// dropped. A background sweeper removes buckets idle past
// limiterIdleTimeout.
type RateLimiter struct {
	mu       sync.Mutex
	subjects map[string]*list.Element
	lru      *list.List // of *subjectBucket, most recent at front

	perSecond   rate.Limit
	burst       int
	maxSubjects int
	evictions   int64

	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// subjectBucket pairs a subject's token bucket with its last activity, so
// both LRU eviction and the idle sweep can reason about it.
type subjectBucket struct {
	subject  string
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a per-subject limiter allowing perSecond sustained
// attempts with the given burst, tracking at most DefaultMaxTrackedSubjects
// subjects.
func NewRateLimiter(perSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithCapacity(perSecond, burst, DefaultMaxTrackedSubjects, logger)
}

// NewRateLimiterWithCapacity is NewRateLimiter with an explicit subject
// capacity. A capacity of 0 disables the bound.
func NewRateLimiterWithCapacity(perSecond, burst, maxSubjects int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSubjects < 0 {
		maxSubjects = DefaultMaxTrackedSubjects
	}

	rl := &RateLimiter{
		subjects:    make(map[string]*list.Element),
		lru:         list.New(),
		perSecond:   rate.Limit(perSecond),
		burst:       burst,
		maxSubjects: maxSubjects,
		logger:      logger,
		stop:        make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether subject may make another attempt now. The first
// call for a subject creates its bucket, evicting the least recently seen
// subject if the limiter is at capacity.
func (rl *RateLimiter) Allow(subject string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.subjects[subject]; ok {
		rl.lru.MoveToFront(elem)
		sb := elem.Value.(*subjectBucket)
		sb.lastSeen = now
		return sb.bucket.Allow()
	}

	if rl.maxSubjects > 0 && len(rl.subjects) >= rl.maxSubjects {
		rl.evictColdest()
	}

	sb := &subjectBucket{
		subject:  subject,
		bucket:   rate.NewLimiter(rl.perSecond, rl.burst),
		lastSeen: now,
	}
	rl.subjects[subject] = rl.lru.PushFront(sb)
	return sb.bucket.Allow()
}

// evictColdest drops the least recently seen subject. Caller holds the lock.
func (rl *RateLimiter) evictColdest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	sb := elem.Value.(*subjectBucket)
	delete(rl.subjects, sb.subject)
	rl.lru.Remove(elem)
	rl.evictions++

	rl.logger.Debug("evicted rate limiter bucket",
		"evictions", rl.evictions,
		"tracked_subjects", len(rl.subjects))
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.RemoveIdle(limiterIdleTimeout)
		case <-rl.stop:
			return
		}
	}
}

// RemoveIdle drops buckets whose subject has not been seen for maxIdle.
func (rl *RateLimiter) RemoveIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	// Idle buckets cluster at the back of the LRU list, so walk from
	// the back and stop at the first recently seen subject.
	for {
		elem := rl.lru.Back()
		if elem == nil {
			break
		}
		sb := elem.Value.(*subjectBucket)
		if now.Sub(sb.lastSeen) <= maxIdle {
			break
		}
		delete(rl.subjects, sb.subject)
		rl.lru.Remove(elem)
		removed++
	}

	if removed > 0 {
		rl.logger.Debug("removed idle rate limiter buckets",
			"removed", removed,
			"tracked_subjects", len(rl.subjects))
	}
}

// TrackedSubjects reports how many subjects currently hold a bucket.
func (rl *RateLimiter) TrackedSubjects() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.subjects)
}

// Stop shuts down the idle sweeper. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
