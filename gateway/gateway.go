// Package gateway abstracts remote persistence for canvas content. The sync
// guard and save orchestrator speak only to the Gateway interface; concrete
// implementations cover an HTTP canvas API and S3-compatible object storage.
package gateway

import (
	"context"
	"errors"
	"time"

	drawsync "github.com/drawbase/drawsync"
)

var (
	// ErrNotFound indicates the remote has no record for the entity.
	ErrNotFound = errors.New("gateway: not found")

	// ErrUnauthorized indicates the caller is not permitted to access the
	// entity. Retrying without a credential change is pointless.
	ErrUnauthorized = errors.New("gateway: unauthorized")
)

// RemoteMetadata describes the authoritative record for an entity.
type RemoteMetadata struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RemoteCanvas is the full remote record: content plus its metadata.
type RemoteCanvas struct {
	Content  *drawsync.CanvasContent
	Metadata RemoteMetadata
}

// MetadataPatch carries the client-side context attached to a save so the
// remote can attribute and order writes.
type MetadataPatch struct {
	Version         int64     `json:"version"`
	ClientUpdatedAt time.Time `json:"clientUpdatedAt"`
	SessionID       string    `json:"sessionId,omitempty"`
	DeviceID        string    `json:"deviceId,omitempty"`
}

// Gateway is the remote persistence boundary. Implementations must be safe
// for concurrent use.
type Gateway interface {
	// Fetch retrieves the remote record for the entity.
	// Returns ErrNotFound when no remote record exists.
	Fetch(ctx context.Context, entityID string) (*RemoteCanvas, error)

	// Save writes content for the entity and returns the resulting remote
	// metadata.
	Save(ctx context.Context, entityID string, content *drawsync.CanvasContent, patch MetadataPatch) (*RemoteMetadata, error)

	// DeleteContent removes the remote content for the entity. Deleting an
	// absent entity is not an error.
	DeleteContent(ctx context.Context, entityID string) error
}
