// Package history answers range and rollup queries over persisted detections.
// It only reads; ingestion invalidates the rollup cache after each write.
package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/skywatch/internal/datastore"
	"github.com/tphakala/skywatch/internal/detection"
)

// Limits per kind. A zero limit selects the default, larger values are
// clamped to the ceiling and negative values to one.
const (
	DefensiveDefaultLimit = 200
	DefensiveMaxLimit     = 500
	OffensiveDefaultLimit = 200
	OffensiveMaxLimit     = 1000

	LatestAlertsLimit   = 50
	MessageDefaultLimit = 50
	MessageMaxLimit     = 500
)

// SourceAll disables source filtering.
const SourceAll = "all"

// Query selects records of one kind. Zero times select the defaults:
// the Unix epoch for Start and the current time for End.
type Query struct {
	Source string
	Start  time.Time
	End    time.Time
	Limit  int
}

// Service reads persisted detections.
type Service struct {
	store datastore.Interface
	cache *cache.Cache // nil when rollup caching is disabled
	now   func() time.Time

	// generations counts invalidations per kind. A rollup read that
	// overlapped an invalidation is returned but not cached.
	mu          sync.Mutex
	generations map[detection.Kind]uint64
}

// Option configures a Service.
type Option func(*Service)

// WithCacheTTL caches per-source rollups for ttl. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl <= 0 {
			s.cache = nil
			return
		}
		// no janitor: there are two keys and Get checks expiry itself
		s.cache = cache.New(ttl, 0)
	}
}

// WithClock sets the time source for the default End.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a history service over store.
func New(store datastore.Interface, opts ...Option) *Service {
	s := &Service{
		store:       store,
		now:         time.Now,
		generations: make(map[detection.Kind]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LatestAlerts returns the most recently stored defensive frames.
func (s *Service) LatestAlerts(ctx context.Context) ([]datastore.DefensiveAlert, error) {
	return s.store.LatestDefensiveAlerts(ctx, LatestAlertsLimit)
}

// Defensive returns defensive frames in range, newest first.
func (s *Service) Defensive(ctx context.Context, q Query) ([]datastore.DefensiveAlert, error) {
	return s.store.DefensiveHistory(ctx, s.resolve(q, DefensiveDefaultLimit, DefensiveMaxLimit))
}

// Offensive returns offensive detections in range, newest first.
func (s *Service) Offensive(ctx context.Context, q Query) ([]datastore.OffensiveDetection, error) {
	return s.store.OffensiveHistory(ctx, s.resolve(q, OffensiveDefaultLimit, OffensiveMaxLimit))
}

// Messages returns the latest raw bus messages.
func (s *Service) Messages(ctx context.Context, limit int) ([]datastore.Message, error) {
	return s.store.RecentMessages(ctx, ClampLimit(limit, MessageDefaultLimit, MessageMaxLimit))
}

// Sources returns the per-source rollup for kind. Defensive rows are ordered
// by source id, offensive rows by most recent activity.
func (s *Service) Sources(ctx context.Context, kind detection.Kind) ([]datastore.SourceSummary, error) {
	key := sourcesKey(kind)
	var gen uint64
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v.([]datastore.SourceSummary), nil
		}
		gen = s.generation(kind)
	}

	var (
		rows []datastore.SourceSummary
		err  error
	)
	if kind == detection.KindOffensive {
		rows, err = s.store.OffensiveSources(ctx)
	} else {
		rows, err = s.store.DefensiveSources(ctx)
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.mu.Lock()
		if s.generations[kind] == gen {
			s.cache.SetDefault(key, rows)
		}
		s.mu.Unlock()
	}
	return rows, nil
}

// Invalidate drops the cached rollup for kind. Reads already in flight
// will not cache their result.
func (s *Service) Invalidate(kind detection.Kind) {
	if s.cache == nil {
		return
	}
	s.mu.Lock()
	s.generations[kind]++
	s.cache.Delete(sourcesKey(kind))
	s.mu.Unlock()
}

func (s *Service) generation(kind detection.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[kind]
}

func (s *Service) resolve(q Query, def, ceiling int) datastore.HistoryQuery {
	hq := datastore.HistoryQuery{
		Source: NormalizeSource(q.Source),
		Start:  q.Start,
		End:    q.End,
		Limit:  ClampLimit(q.Limit, def, ceiling),
	}
	if hq.Start.IsZero() {
		hq.Start = time.Unix(0, 0)
	}
	if hq.End.IsZero() {
		hq.End = s.now()
	}
	return hq
}

// NormalizeSource maps the "all" sentinel and blank filters to no filter.
func NormalizeSource(source string) string {
	source = strings.TrimSpace(source)
	if strings.EqualFold(source, SourceAll) {
		return ""
	}
	return source
}

// ClampLimit applies the default for zero and bounds the rest to [1, ceiling].
func ClampLimit(limit, def, ceiling int) int {
	switch {
	case limit == 0:
		return def
	case limit < 1:
		return 1
	case limit > ceiling:
		return ceiling
	default:
		return limit
	}
}

func sourcesKey(kind detection.Kind) string {
	return "sources:" + string(kind)
}
