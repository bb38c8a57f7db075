// Package drawsync holds the shared data model for the offline-resilient
// drawing save pipeline: canvas content payloads, sync metadata, content
// fingerprints, and session/device identity.
package drawsync

import (
	"encoding/json"
	"maps"
	"slices"
)

// FileData is an embedded file referenced by canvas elements, typically an
// image pasted into the drawing.
type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Created  int64  `json:"created,omitempty"`
}

// CanvasContent is the editable payload of one drawing. Elements are an
// ordered sequence of drawable-object records and AppState is an opaque UI
// blob; neither is interpreted by the sync machinery beyond serialization.
type CanvasContent struct {
	Elements []json.RawMessage   `json:"elements"`
	Files    map[string]FileData `json:"files,omitempty"`
	AppState json.RawMessage     `json:"appState,omitempty"`
}

// IsEmpty returns true if the content has no elements and no files.
func (c *CanvasContent) IsEmpty() bool {
	if c == nil {
		return true
	}
	return len(c.Elements) == 0 && len(c.Files) == 0
}

// Clone returns a deep copy of the content so a caller can hold a snapshot
// that later edits cannot mutate.
func (c *CanvasContent) Clone() *CanvasContent {
	if c == nil {
		return nil
	}
	clone := &CanvasContent{
		Elements: make([]json.RawMessage, len(c.Elements)),
		AppState: slices.Clone(c.AppState),
	}
	for i, el := range c.Elements {
		clone.Elements[i] = slices.Clone(el)
	}
	if c.Files != nil {
		clone.Files = make(map[string]FileData, len(c.Files))
		for ref, fd := range c.Files {
			fd.Data = slices.Clone(fd.Data)
			clone.Files[ref] = fd
		}
	}
	return clone
}

// Equal reports whether two contents have identical canonical encodings.
func (c *CanvasContent) Equal(other *CanvasContent) bool {
	return c.Fingerprint() == other.Fingerprint()
}

// Fingerprint computes the BLAKE3 fingerprint of the canonical JSON encoding
// of the content. encoding/json emits map keys in sorted order, so the
// encoding is deterministic for identical contents.
func (c *CanvasContent) Fingerprint() Fingerprint {
	if c == nil {
		return Fingerprint{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		// json.RawMessage payloads marshal without error unless they hold
		// invalid JSON; treat that as an unfingerprinted content.
		return Fingerprint{}
	}
	return FingerprintBytes(data)
}

// FileRefs returns the sorted file references embedded in the content.
func (c *CanvasContent) FileRefs() []string {
	if c == nil || len(c.Files) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(c.Files))
}
