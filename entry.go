package drawsync

import (
	"fmt"
	"time"
)

// SyncStatus describes the relationship between a locally cached copy and the
// remote store.
type SyncStatus string

const (
	// SyncStatusSynced means local and remote content are known to match as
	// of the last successful sync.
	SyncStatusSynced SyncStatus = "synced"

	// SyncStatusPending means local content exists that has not yet been
	// confirmed persisted to the remote store.
	SyncStatusPending SyncStatus = "pending"

	// SyncStatusConflict is reserved for divergent local/remote state.
	// Conflicts are only ever resolved newest-timestamp-wins; the status
	// exists so stored metadata can represent the divergence.
	SyncStatusConflict SyncStatus = "conflict"
)

// Valid returns true for a known sync status value.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusSynced, SyncStatusPending, SyncStatusConflict:
		return true
	}
	return false
}

// ParseSyncStatus parses a sync status string.
func ParseSyncStatus(s string) (SyncStatus, error) {
	status := SyncStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("invalid sync status %q", s)
	}
	return status, nil
}

// Metadata is the sync bookkeeping stored alongside cached canvas content.
type Metadata struct {
	// Version increases monotonically, bumped on every successful remote sync.
	Version int64 `json:"version"`

	// LocalTimestamp is the wall-clock time of the last local write.
	LocalTimestamp time.Time `json:"localTimestamp"`

	// LastSyncTime is the time of the last successful remote sync, zero when
	// the entry has never been synced.
	LastSyncTime time.Time `json:"lastSyncTime,omitzero"`

	SyncStatus SyncStatus `json:"syncStatus"`

	// SessionID and DeviceID identify the writing browser session and device.
	// They are diagnostic only and carry no conflict-resolution semantics.
	SessionID string `json:"sessionId,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`

	// SyncedDigest is the fingerprint of the content as of the last
	// successful remote sync. A pending entry whose current fingerprint
	// equals SyncedDigest needs no remote write.
	SyncedDigest Fingerprint `json:"syncedDigest"`

	// Size is the encoded size in bytes of the stored content, recorded so
	// capacity accounting does not need to decode content payloads.
	Size int64 `json:"size"`
}

// Expired returns true if the entry's last local write is older than the
// retention window as of now.
func (m *Metadata) Expired(now time.Time, retention time.Duration) bool {
	if retention <= 0 {
		return false
	}
	return m.LocalTimestamp.Before(now.Add(-retention))
}

// CacheEntry is the unit of local persistence for one drawing.
type CacheEntry struct {
	EntityID string
	OwnerID  string
	Content  *CanvasContent
	Metadata Metadata
}
