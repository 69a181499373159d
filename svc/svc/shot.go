package svc

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shotcap/cfg"
	"shotcap/metrics"
	"shotcap/pkg/domain"
	"shotcap/svc/cache"
	"shotcap/svc/db"
	"shotcap/svc/util"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

// Shot owns the insert-or-update lifecycle of captured pages. Writes go to
// sqlite synchronously; cache propagation is queued and handled by a worker
// pool so the write path never waits on Redis.
type Shot struct {
	db             *db.SQLite
	lru            *cache.LRU
	rdb            *db.Redis
	cfg            *cfg.Cfg
	cacheQueue     chan string
	cacheWorkerWg  sync.WaitGroup
	activeWriteOps int32
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	shutdown       atomic.Bool
	opWg           sync.WaitGroup
}

func NewShot(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, c *cfg.Cfg) *Shot {
	if sqlDB == nil || lru == nil || c == nil {
		panic("shot service: nil dependency (sqlDB, lru, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	s := &Shot{
		db:          sqlDB,
		lru:         lru,
		rdb:         rdb,
		cfg:         c,
		cacheQueue:  make(chan string, c.WorkerPoolSize*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 20
	}
	s.startWorkers(c.WorkerPoolSize)
	return s
}
func (s *Shot) startWorkers(n int) {
	for i := 0; i < n; i++ {
		s.cacheWorkerWg.Add(1)
		go s.cacheWorker()
	}
}
func (s *Shot) cacheWorker() {
	defer s.cacheWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("cacheWorker panicked")
		}
	}()
	for id := range s.cacheQueue {
		ctx, cancel := context.WithTimeout(s.shutdownCtx, 5*time.Second)
		shot, err := s.db.GetShot(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			if !errors.Is(err, domain.ErrShotNotFound) {
				util.Warn().Err(err).Str("id", id).Msg("failed to reload shot for cache")
			}
			cancel()
			continue
		}
		s.lru.Set(ctx, shot, s.cfg.ShotCacheTTL)
		if s.rdb != nil {
			if err := s.rdb.CacheShot(ctx, shot, s.cfg.ShotCacheTTL); err != nil {
				util.Warn().Err(err).Str("id", id).Msg("failed to cache in Redis")
			}
		}
		cancel()
	}
}
func (s *Shot) Shutdown() {
	s.shutdown.Store(true)
	close(s.cacheQueue)
	s.shutdownFn()
	done := make(chan struct{})
	go func() {
		s.cacheWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("cache workers didn't stop in time")
	}
	s.opWg.Wait()
	util.Debug().Msg("shot service shutdown complete")
}

// InsertOrUpdate is the single write entry point for shot content. Creation
// and update race safely: the shots primary key decides the winner and every
// loser takes the update path. Only the stored owner may update.
func (s *Shot) InsertOrUpdate(ctx context.Context, shotID, shotDomain, deviceID string, content *domain.ShotContent) (*domain.InsertResult, error) {
	if s.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	s.opWg.Add(1)
	defer s.opWg.Done()
	currentLoad := atomic.AddInt32(&s.activeWriteOps, 1)
	defer atomic.AddInt32(&s.activeWriteOps, -1)
	if currentLoad > int32(s.cfg.MaxWorkerLoad) {
		return nil, errors.New("worker pool overloaded")
	}
	if !domain.ValidDeviceID(deviceID) {
		return nil, domain.ErrInvalidDeviceID
	}
	if content == nil || content.URL == "" {
		return nil, domain.ErrInvalidContent
	}
	if int64(len(content.Head)+len(content.Body)) > s.cfg.MaxShotSize {
		return nil, domain.ErrShotTooLarge
	}
	id := compositeID(shotID, shotDomain)
	now := time.Now()
	shot := &domain.Shot{
		ID:        id,
		Domain:    shotDomain,
		DeviceID:  deviceID,
		URL:       content.URL,
		DocTitle:  norm.NFC.String(content.DocTitle),
		Head:      content.Head,
		Body:      content.Body,
		HeadAttrs: content.HeadAttrs,
		BodyAttrs: content.BodyAttrs,
		HTMLAttrs: content.HTMLAttrs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	clips, err := s.buildClips(id, content.Clips)
	if err != nil {
		return nil, err
	}

	created, err := s.db.InsertShot(ctx, shot, clips)
	if err != nil {
		return nil, errors.Wrap(err, "insert shot")
	}
	if created {
		s.enqueueCache(id)
		metrics.ShotCreated.Inc()
		return &domain.InsertResult{Created: true}, nil
	}

	owner, err := s.db.GetShotOwner(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrShotNotFound) {
			return nil, domain.ErrShotNotFound
		}
		return nil, errors.Wrap(err, "resolve shot owner")
	}
	if owner != deviceID {
		return nil, domain.ErrNotOwner
	}
	// the update re-checks ownership in its own WHERE clause; the read above
	// only produces the cheap early rejection
	removed, replaced, ok, err := s.db.UpdateShot(ctx, shot, clips)
	if err != nil {
		return nil, errors.Wrap(err, "update shot")
	}
	if !ok {
		return nil, s.ownershipFailure(ctx, id)
	}
	s.invalidate(ctx, id)
	s.enqueueCache(id)
	metrics.ShotUpdated.Inc()
	return &domain.InsertResult{Created: false, Directives: buildDirectives(removed, replaced)}, nil
}

func (s *Shot) buildClips(shotID string, uploads map[string]domain.ClipUpload) ([]domain.ClipImage, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	clips := make([]domain.ClipImage, 0, len(uploads))
	for key, up := range uploads {
		if key == "" || len(up.Data) == 0 {
			return nil, domain.ErrInvalidContent
		}
		if int64(len(up.Data)) > s.cfg.MaxClipSize {
			return nil, domain.ErrShotTooLarge
		}
		contentType := up.ContentType
		if contentType == "" {
			contentType = "image/png"
		}
		clips = append(clips, domain.ClipImage{
			ImageID:     uuid.NewString(),
			ShotID:      shotID,
			ClipKey:     key,
			ContentType: contentType,
			Data:        up.Data,
		})
	}
	return clips, nil
}

// buildDirectives tells the client which clip images to forget and which to
// refetch after an update. Order is stable so responses are comparable.
func buildDirectives(removed, replaced []string) []domain.Directive {
	sort.Strings(removed)
	sort.Strings(replaced)
	directives := make([]domain.Directive, 0, len(removed)+len(replaced))
	for _, key := range removed {
		directives = append(directives, domain.Directive{Action: "removeClip", ClipID: key})
	}
	for _, key := range replaced {
		directives = append(directives, domain.Directive{Action: "updateClip", ClipID: key})
	}
	return directives
}

// Get returns the shot for a viewer. The owner identity is stripped for every
// caller; ownership only matters on mutation. Expiry is enforced lazily here,
// not only by the background cleaner.
func (s *Shot) Get(ctx context.Context, shotID, shotDomain string) (*domain.Shot, error) {
	id := compositeID(shotID, shotDomain)
	now := time.Now()

	if shot := s.lru.Get(ctx, id); shot != nil {
		if shot.Expired(now) {
			s.invalidate(ctx, id)
			return nil, domain.ErrShotNotFound
		}
		metrics.CacheHits.Inc()
		metrics.ShotRetrieved.Inc()
		return shot.Redacted(), nil
	}
	metrics.CacheMisses.Inc()

	if s.rdb != nil {
		if shot, err := s.rdb.GetShot(ctx, id); err == nil && shot != nil {
			if shot.Expired(now) {
				s.invalidate(ctx, id)
				return nil, domain.ErrShotNotFound
			}
			metrics.CacheHits.Inc()
			s.lru.Set(ctx, shot, s.cfg.ShotCacheTTL)
			metrics.ShotRetrieved.Inc()
			return shot.Redacted(), nil
		}
	}

	shot, err := s.db.GetShot(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrShotNotFound) {
			return nil, domain.ErrShotNotFound
		}
		return nil, errors.Wrap(err, "get shot")
	}
	if shot.Expired(now) {
		return nil, domain.ErrShotNotFound
	}
	s.lru.Set(ctx, shot, s.cfg.ShotCacheTTL)
	if s.rdb != nil {
		if err := s.rdb.CacheShot(ctx, shot, s.cfg.ShotCacheTTL); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to cache in Redis")
		}
	}
	metrics.ShotRetrieved.Inc()
	return shot.Redacted(), nil
}

func (s *Shot) GetClipImage(ctx context.Context, imageID string) (*domain.ClipImage, error) {
	if imageID == "" {
		return nil, domain.ErrImageNotFound
	}
	return s.db.GetClipImage(ctx, imageID)
}

// SetTitle stores the user-chosen title. The write is ownership-gated in one
// statement; a zero-row outcome is disambiguated afterwards.
func (s *Shot) SetTitle(ctx context.Context, shotID, shotDomain, deviceID, title string) error {
	title = strings.TrimSpace(norm.NFC.String(title))
	if title == "" {
		return domain.ErrTitleRequired
	}
	id := compositeID(shotID, shotDomain)
	ok, err := s.db.SetTitle(ctx, id, deviceID, title)
	if err != nil {
		return errors.Wrap(err, "set title")
	}
	if !ok {
		return s.ownershipFailure(ctx, id)
	}
	s.invalidate(ctx, id)
	s.enqueueCache(id)
	return nil
}

// SetExpiration takes a lifetime in seconds from now. Zero clears expiry and
// the shot lives until deleted. Negative values are rejected before any IO.
func (s *Shot) SetExpiration(ctx context.Context, shotID, shotDomain, deviceID string, seconds int) error {
	if seconds < 0 {
		return domain.ErrInvalidExpiration
	}
	var expiresAt *time.Time
	if seconds > 0 {
		t := time.Now().Add(time.Duration(seconds) * time.Second)
		expiresAt = &t
	}
	id := compositeID(shotID, shotDomain)
	ok, err := s.db.SetExpiration(ctx, id, deviceID, expiresAt)
	if err != nil {
		return errors.Wrap(err, "set expiration")
	}
	if !ok {
		return s.ownershipFailure(ctx, id)
	}
	s.invalidate(ctx, id)
	s.enqueueCache(id)
	return nil
}

func (s *Shot) Delete(ctx context.Context, shotID, shotDomain, deviceID string) error {
	id := compositeID(shotID, shotDomain)
	ok, err := s.db.DeleteShot(ctx, id, deviceID)
	if err != nil {
		return errors.Wrap(err, "delete shot")
	}
	if !ok {
		return s.ownershipFailure(ctx, id)
	}
	s.invalidate(ctx, id)
	metrics.ShotDeleted.Inc()
	util.Info().Str("id", id).Msg("shot deleted")
	return nil
}

// DeleteAllForDevice wipes every shot the device owns. Cache entries are left
// to expire; reads check the db row anyway once evicted.
func (s *Shot) DeleteAllForDevice(ctx context.Context, deviceID string) error {
	if err := s.db.DeleteAllForDevice(ctx, deviceID); err != nil {
		return errors.Wrap(err, "delete all for device")
	}
	util.Info().Str("device_id", deviceID).Msg("all shots deleted for device")
	return nil
}

// ownershipFailure turns a zero-row ownership-gated write into the right
// error: 404 when the shot never existed, 403 when someone else owns it.
func (s *Shot) ownershipFailure(ctx context.Context, id string) error {
	if _, err := s.db.GetShotOwner(ctx, id); err != nil {
		if errors.Is(err, domain.ErrShotNotFound) {
			return domain.ErrShotNotFound
		}
		return errors.Wrap(err, "resolve shot owner")
	}
	return domain.ErrNotOwner
}

func (s *Shot) enqueueCache(id string) {
	select {
	case s.cacheQueue <- id:
	default:
		util.Warn().Str("id", id).Msg("cache queue full, dropping refresh")
	}
}
func (s *Shot) invalidate(ctx context.Context, id string) {
	s.lru.Delete(id)
	if s.rdb != nil {
		if err := s.rdb.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Msg("failed to delete from redis")
		}
	}
}

func compositeID(shotID, shotDomain string) string {
	return shotID + "/" + shotDomain
}

var (
	cleanerOnce    sync.Once
	cleanerRunning atomic.Bool
)

func StartCleaner(ctx context.Context, db *db.SQLite, interval time.Duration) error {
	if cleanerRunning.Load() {
		return errors.New("cleaner already running")
	}
	cleanerOnce.Do(func() {
		cleanerRunning.Store(true)
		go runCleaner(ctx, db, interval)
	})
	return nil
}
func runCleaner(ctx context.Context, db *db.SQLite, interval time.Duration) {
	defer cleanerRunning.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := db.CleanupExpired(ctx)
			metrics.PruneCycles.Inc()
			if err != nil {
				util.Error().
					Err(err).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", util.GetRequestID(ctx)).
					Msg("cleanup completed")
			}
		}
	}
}
