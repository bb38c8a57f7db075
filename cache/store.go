// Package cache implements the quota-bounded local persistence layer for
// canvas content and sync metadata. It is a best-effort cache over a small
// key-value substrate: storage failures never propagate to callers, they
// resolve to false/nil returns, and corrupted or expired entries are purged
// the moment they are encountered.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	drawsync "github.com/drawbase/drawsync"
	"github.com/drawbase/drawsync/kv"
)

// Config holds cache policy settings.
type Config struct {
	// MaxBytes caps total stored content bytes across all entries.
	MaxBytes int64

	// EvictHeadroom is the fraction of MaxBytes that eviction frees up once
	// the cap is hit, so back-to-back writes do not re-trigger eviction.
	EvictHeadroom float64

	// Retention is how long an entry may go without a local write before it
	// is considered expired.
	Retention time.Duration
}

// DefaultConfig returns the default cache policy: 50 MB cap, 30% headroom,
// 7 day retention.
func DefaultConfig() Config {
	return Config{
		MaxBytes:      50 * 1024 * 1024,
		EvictHeadroom: 0.3,
		Retention:     7 * 24 * time.Hour,
	}
}

// Stats is a diagnostic aggregate computed by scanning stored entries.
type Stats struct {
	TotalEntries    int
	TotalBytes      int64
	PendingCount    int
	OldestTimestamp time.Time
}

// metaRecord is the stored form of entry metadata, carrying the owner so
// index rebuilds and scans do not need to decode content.
type metaRecord struct {
	OwnerID string `json:"ownerId"`
	drawsync.Metadata
}

// Store is the local cache for canvas content. It is shared by the save
// orchestrator and the background guard; mutations are last-write-wins at
// the key level.
type Store struct {
	kv        kv.Store
	codec     *Codec
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	metrics   *Metrics
	sessionID string
	deviceID  string

	// evictMu serializes capacity accounting and eviction so concurrent
	// saves cannot both conclude there is room.
	evictMu chMutex
}

// chMutex is a channel-based mutex so eviction can be abandoned on context
// cancellation instead of blocking shutdown.
type chMutex chan struct{}

func (m chMutex) lock(ctx context.Context) bool {
	select {
	case m <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m chMutex) unlock() { <-m }

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithMetrics sets the metric instruments recorded by the store.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithIdentity sets the session and device identifiers stamped onto every
// written entry. Both are diagnostic only.
func WithIdentity(sessionID, deviceID string) Option {
	return func(s *Store) {
		s.sessionID = sessionID
		s.deviceID = deviceID
	}
}

// New creates a cache store over the given substrate.
func New(store kv.Store, cfg Config, opts ...Option) (*Store, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	s := &Store{
		kv:      store,
		codec:   codec,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		evictMu: make(chMutex, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases codec resources. The underlying substrate is owned by the
// caller and is not closed.
func (s *Store) Close() {
	s.codec.Close()
}

// Save writes an entry for entityID. When lastSync is zero the entry is
// marked pending (unsynced local edits); otherwise it is recorded as synced
// as of lastSync. Returns false on any storage failure, in which case the
// caller must treat the local backup as not guaranteed.
func (s *Store) Save(ctx context.Context, entityID, ownerID string, content *drawsync.CanvasContent, version int64, lastSync time.Time) bool {
	data, err := s.codec.Encode(content)
	if err != nil {
		s.logger.Warn("failed to encode content", "entity", entityID, "error", err)
		s.recordSave(ctx, false)
		return false
	}

	if !s.evictMu.lock(ctx) {
		return false
	}
	defer s.evictMu.unlock()

	if !s.ensureCapacity(ctx, entityID, int64(len(data))) {
		s.recordSave(ctx, false)
		return false
	}

	meta := metaRecord{
		OwnerID: ownerID,
		Metadata: drawsync.Metadata{
			Version:        version,
			LocalTimestamp: s.now(),
			LastSyncTime:   lastSync,
			SyncStatus:     drawsync.SyncStatusPending,
			SessionID:      s.sessionID,
			DeviceID:       s.deviceID,
			Size:           int64(len(data)),
		},
	}
	if !lastSync.IsZero() {
		meta.SyncStatus = drawsync.SyncStatusSynced
		meta.SyncedDigest = content.Fingerprint()
	} else if prev := s.loadMeta(ctx, entityID); prev != nil {
		// Preserve the last-synced digest so redundant-write suppression
		// survives local edits that are later undone.
		meta.SyncedDigest = prev.SyncedDigest
	}

	if err := s.kv.Set(ctx, contentKey(entityID), data); err != nil {
		if errors.Is(err, kv.ErrQuotaExceeded) && s.evict(ctx, entityID, int64(len(data))) {
			err = s.kv.Set(ctx, contentKey(entityID), data)
		}
		if err != nil {
			s.logger.Warn("failed to store content", "entity", entityID, "error", err)
			s.recordSave(ctx, false)
			return false
		}
	}

	if !s.writeMeta(ctx, entityID, &meta) {
		// Without metadata the content is unreachable; drop it.
		_ = s.kv.Delete(ctx, contentKey(entityID))
		s.recordSave(ctx, false)
		return false
	}

	s.addToIndex(ctx, ownerID, entityID)
	s.recordSave(ctx, true)
	return true
}

// Load returns the entry for entityID, or nil if absent, expired, or
// corrupted. Expired and corrupted entries are purged as a side effect.
func (s *Store) Load(ctx context.Context, entityID string) *drawsync.CacheEntry {
	rec := s.loadMeta(ctx, entityID)
	if rec == nil {
		return nil
	}
	if rec.Expired(s.now(), s.cfg.Retention) {
		s.purge(ctx, entityID, rec, "expired")
		return nil
	}

	data, err := s.kv.Get(ctx, contentKey(entityID))
	if err != nil {
		s.purge(ctx, entityID, rec, "missing content")
		return nil
	}

	var content drawsync.CanvasContent
	if err := s.codec.Decode(data, &content); err != nil {
		s.purge(ctx, entityID, rec, "corrupted content")
		return nil
	}

	return &drawsync.CacheEntry{
		EntityID: entityID,
		OwnerID:  rec.OwnerID,
		Content:  &content,
		Metadata: rec.Metadata,
	}
}

// GetMetadata returns entry metadata without deserializing content, or nil
// if the entry is absent or expired.
func (s *Store) GetMetadata(ctx context.Context, entityID string) *drawsync.Metadata {
	rec := s.loadMeta(ctx, entityID)
	if rec == nil {
		return nil
	}
	if rec.Expired(s.now(), s.cfg.Retention) {
		s.purge(ctx, entityID, rec, "expired")
		return nil
	}
	meta := rec.Metadata
	return &meta
}

// UpdateSyncStatus mutates entry metadata in place without touching content.
// Returns false if the entry does not exist.
func (s *Store) UpdateSyncStatus(ctx context.Context, entityID string, status drawsync.SyncStatus, lastSync time.Time) bool {
	rec := s.loadMeta(ctx, entityID)
	if rec == nil {
		return false
	}
	rec.SyncStatus = status
	if !lastSync.IsZero() {
		rec.LastSyncTime = lastSync
	}
	return s.writeMeta(ctx, entityID, rec)
}

// MarkSynced records a successful remote sync: bumps the version, stamps the
// sync time, stores the synced content digest, and flips the status to
// synced. Returns false if the entry does not exist.
func (s *Store) MarkSynced(ctx context.Context, entityID string, at time.Time, digest drawsync.Fingerprint) bool {
	rec := s.loadMeta(ctx, entityID)
	if rec == nil {
		return false
	}
	rec.Version++
	rec.LastSyncTime = at
	rec.SyncStatus = drawsync.SyncStatusSynced
	rec.SyncedDigest = digest
	return s.writeMeta(ctx, entityID, rec)
}

// Clear removes content, metadata, and the fallback copy for entityID, and
// removes the entity from every owner index it appears under. Clearing an
// absent entry is a no-op returning false.
func (s *Store) Clear(ctx context.Context, entityID string) bool {
	existed := false
	if _, err := s.kv.Get(ctx, metaKey(entityID)); err == nil {
		existed = true
	} else if _, err := s.kv.Get(ctx, contentKey(entityID)); err == nil {
		existed = true
	}

	_ = s.kv.Delete(ctx, contentKey(entityID))
	_ = s.kv.Delete(ctx, metaKey(entityID))
	_ = s.kv.Delete(ctx, fallbackKey(entityID))
	s.removeFromIndexes(ctx, entityID)
	return existed
}

// ListPending returns all non-expired entries for the owner with pending
// sync status. The per-owner index is consulted first; a full metadata scan
// is the fallback when the index is missing or unreadable.
func (s *Store) ListPending(ctx context.Context, ownerID string) []*drawsync.CacheEntry {
	ids := s.readIndex(ctx, ownerID)
	if ids == nil {
		for _, sc := range s.scanMetas(ctx) {
			if sc.rec.OwnerID == ownerID {
				ids = append(ids, sc.id)
			}
		}
	}

	var pending []*drawsync.CacheEntry
	for _, id := range ids {
		entry := s.Load(ctx, id)
		if entry == nil {
			continue
		}
		if entry.OwnerID != ownerID || entry.Metadata.SyncStatus != drawsync.SyncStatusPending {
			continue
		}
		pending = append(pending, entry)
	}
	return pending
}

// Stats computes the diagnostic aggregate by scanning stored entries.
// Expired entries encountered during the scan are purged and not counted.
func (s *Store) Stats(ctx context.Context) Stats {
	var stats Stats
	for _, sc := range s.scanMetas(ctx) {
		if sc.rec.Expired(s.now(), s.cfg.Retention) {
			s.purge(ctx, sc.id, sc.rec, "expired")
			continue
		}
		stats.TotalEntries++
		stats.TotalBytes += sc.rec.Size
		if sc.rec.SyncStatus == drawsync.SyncStatusPending {
			stats.PendingCount++
		}
		if stats.OldestTimestamp.IsZero() || sc.rec.LocalTimestamp.Before(stats.OldestTimestamp) {
			stats.OldestTimestamp = sc.rec.LocalTimestamp
		}
	}
	return stats
}

// PurgeExpired removes all expired entries. Returns the number of entries
// purged and the content bytes reclaimed.
func (s *Store) PurgeExpired(ctx context.Context) (int, int64) {
	var purged int
	var bytes int64
	for _, sc := range s.scanMetas(ctx) {
		if sc.rec.Expired(s.now(), s.cfg.Retention) {
			s.purge(ctx, sc.id, sc.rec, "expired")
			purged++
			bytes += sc.rec.Size
		}
	}
	return purged, bytes
}

// SaveFallback writes a raw, uncompressed copy of the content under a single
// key, bypassing eviction bookkeeping. It is the degraded last-resort write
// used when the structured save path fails.
func (s *Store) SaveFallback(ctx context.Context, entityID string, content *drawsync.CanvasContent) bool {
	data, err := json.Marshal(content)
	if err != nil {
		s.logger.Warn("failed to encode fallback content", "entity", entityID, "error", err)
		return false
	}
	if err := s.kv.Set(ctx, fallbackKey(entityID), data); err != nil {
		s.logger.Warn("failed to store fallback content", "entity", entityID, "error", err)
		return false
	}
	return true
}

// LoadFallback returns the degraded fallback copy, or nil if absent or
// unparseable.
func (s *Store) LoadFallback(ctx context.Context, entityID string) *drawsync.CanvasContent {
	data, err := s.kv.Get(ctx, fallbackKey(entityID))
	if err != nil {
		return nil
	}
	var content drawsync.CanvasContent
	if err := json.Unmarshal(data, &content); err != nil {
		_ = s.kv.Delete(ctx, fallbackKey(entityID))
		return nil
	}
	return &content
}

// Usage reports substrate capacity when the substrate can estimate it. The
// second return is false when estimation is unavailable.
func (s *Store) Usage(ctx context.Context) (kv.Usage, bool) {
	est, ok := s.kv.(kv.QuotaEstimator)
	if !ok {
		return kv.Usage{}, false
	}
	usage, err := est.Estimate(ctx)
	if err != nil {
		return kv.Usage{}, false
	}
	return usage, true
}

type scannedMeta struct {
	id  string
	rec *metaRecord
}

// scanMetas reads all metadata records. Corrupted records are purged as
// encountered and skipped.
func (s *Store) scanMetas(ctx context.Context) []scannedMeta {
	keys, err := s.kv.Keys(ctx, metaPrefix)
	if err != nil {
		s.logger.Warn("failed to scan metadata keys", "error", err)
		return nil
	}

	var out []scannedMeta
	for _, key := range keys {
		id := entityIDFromMetaKey(key)
		rec := s.loadMeta(ctx, id)
		if rec == nil {
			continue
		}
		out = append(out, scannedMeta{id: id, rec: rec})
	}
	return out
}

// loadMeta reads and decodes a metadata record. Corrupted records are purged
// and reported as absent.
func (s *Store) loadMeta(ctx context.Context, entityID string) *metaRecord {
	data, err := s.kv.Get(ctx, metaKey(entityID))
	if err != nil {
		return nil
	}
	var rec metaRecord
	if err := json.Unmarshal(data, &rec); err != nil || !rec.SyncStatus.Valid() {
		s.purge(ctx, entityID, nil, "corrupted metadata")
		return nil
	}
	return &rec
}

func (s *Store) writeMeta(ctx context.Context, entityID string, rec *metaRecord) bool {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("failed to encode metadata", "entity", entityID, "error", err)
		return false
	}
	if err := s.kv.Set(ctx, metaKey(entityID), data); err != nil {
		s.logger.Warn("failed to store metadata", "entity", entityID, "error", err)
		return false
	}
	return true
}

// purge removes a broken or expired entry and its index references.
func (s *Store) purge(ctx context.Context, entityID string, rec *metaRecord, reason string) {
	_ = s.kv.Delete(ctx, contentKey(entityID))
	_ = s.kv.Delete(ctx, metaKey(entityID))
	if rec != nil {
		s.removeFromIndex(ctx, rec.OwnerID, entityID)
	} else {
		s.removeFromIndexes(ctx, entityID)
	}
	s.logger.Debug("purged cache entry", "entity", entityID, "reason", reason)
	s.recordPurge(ctx, reason)
}

// ensureCapacity checks that writing incoming bytes stays under the cap,
// evicting the oldest entries when it would not. Must be called with
// evictMu held.
func (s *Store) ensureCapacity(ctx context.Context, entityID string, incoming int64) bool {
	if s.cfg.MaxBytes <= 0 {
		return true
	}
	if incoming > s.cfg.MaxBytes {
		s.logger.Warn("content larger than cache cap", "entity", entityID, "bytes", incoming)
		return false
	}

	var used int64
	for _, sc := range s.scanMetas(ctx) {
		if sc.id == entityID {
			continue // will be overwritten
		}
		if sc.rec.Expired(s.now(), s.cfg.Retention) {
			s.purge(ctx, sc.id, sc.rec, "expired")
			continue
		}
		used += sc.rec.Size
	}
	if used+incoming <= s.cfg.MaxBytes {
		return true
	}
	return s.evict(ctx, entityID, incoming)
}

// evict removes the least-recently-written entries until the cap has the
// configured headroom free. Pending entries are not exempt: this is a
// best-effort cache, not a durable queue.
func (s *Store) evict(ctx context.Context, entityID string, incoming int64) bool {
	target := int64(float64(s.cfg.MaxBytes)*(1-s.cfg.EvictHeadroom)) - incoming
	if target < 0 {
		target = 0
	}

	metas := s.scanMetas(ctx)
	metas = slices.DeleteFunc(metas, func(sc scannedMeta) bool {
		return sc.id == entityID
	})
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].rec.LocalTimestamp.Before(metas[j].rec.LocalTimestamp)
	})

	var used int64
	for _, sc := range metas {
		used += sc.rec.Size
	}

	for _, sc := range metas {
		if used <= target {
			break
		}
		s.purge(ctx, sc.id, sc.rec, "evicted")
		used -= sc.rec.Size
		s.recordEviction(ctx, sc.rec.Size)
		s.logger.Debug("evicted cache entry",
			"entity", sc.id,
			"localTimestamp", sc.rec.LocalTimestamp,
			"bytes", sc.rec.Size)
	}
	return used+incoming <= s.cfg.MaxBytes
}

// readIndex returns the entity ids recorded for an owner, or nil when the
// index is missing or unreadable (callers fall back to a full scan).
func (s *Store) readIndex(ctx context.Context, ownerID string) []string {
	data, err := s.kv.Get(ctx, indexKey(ownerID))
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		_ = s.kv.Delete(ctx, indexKey(ownerID))
		return nil
	}
	return ids
}

func (s *Store) writeIndex(ctx context.Context, ownerID string, ids []string) {
	if len(ids) == 0 {
		_ = s.kv.Delete(ctx, indexKey(ownerID))
		return
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, indexKey(ownerID), data); err != nil {
		s.logger.Debug("failed to update owner index", "owner", ownerID, "error", err)
	}
}

func (s *Store) addToIndex(ctx context.Context, ownerID, entityID string) {
	ids := s.readIndex(ctx, ownerID)
	if slices.Contains(ids, entityID) {
		return
	}
	ids = append(ids, entityID)
	sort.Strings(ids)
	s.writeIndex(ctx, ownerID, ids)
}

func (s *Store) removeFromIndex(ctx context.Context, ownerID, entityID string) {
	ids := s.readIndex(ctx, ownerID)
	next := slices.DeleteFunc(ids, func(id string) bool { return id == entityID })
	if len(next) != len(ids) {
		s.writeIndex(ctx, ownerID, next)
	}
}

// removeFromIndexes removes the entity from every owner index.
func (s *Store) removeFromIndexes(ctx context.Context, entityID string) {
	keys, err := s.kv.Keys(ctx, indexPrefix)
	if err != nil {
		return
	}
	for _, key := range keys {
		s.removeFromIndex(ctx, ownerIDFromIndexKey(key), entityID)
	}
}

func (s *Store) recordSave(ctx context.Context, ok bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSave(ctx, ok)
}

func (s *Store) recordEviction(ctx context.Context, bytes int64) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordEviction(ctx, bytes)
}

func (s *Store) recordPurge(ctx context.Context, reason string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordPurge(ctx, reason)
}
