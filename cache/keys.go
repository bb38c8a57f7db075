package cache

import "strings"

// Key namespaces within the kv substrate. Content and metadata live under
// separate prefixes so metadata-only reads never deserialize content, and
// the per-owner index keys enumerate an owner's entries without an unbounded
// scan of all storage keys.
const (
	contentPrefix  = "content/"
	metaPrefix     = "meta/"
	indexPrefix    = "index/"
	fallbackPrefix = "fallback/"
)

func contentKey(entityID string) string {
	return contentPrefix + entityID
}

func metaKey(entityID string) string {
	return metaPrefix + entityID
}

func indexKey(ownerID string) string {
	return indexPrefix + ownerID
}

func fallbackKey(entityID string) string {
	return fallbackPrefix + entityID
}

// entityIDFromMetaKey extracts the entity id from a metadata key.
func entityIDFromMetaKey(key string) string {
	return strings.TrimPrefix(key, metaPrefix)
}

// ownerIDFromIndexKey extracts the owner id from an index key.
func ownerIDFromIndexKey(key string) string {
	return strings.TrimPrefix(key, indexPrefix)
}
