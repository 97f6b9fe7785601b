package collab

import (
	"encoding/json"
)

// file sync status carried on asset-backed elements
type FileStatus string

const (
	FileStatusPending FileStatus = "pending"
	FileStatusSaved   FileStatus = "saved"
	FileStatusError   FileStatus = "error"
)

// Element is one drawable object in the scene.
// The engine only reads the fields that drive synchronization. Everything the
// editor knows about geometry, style, and content rides along opaquely in
// `Data` and is never inspected here.
type Element struct {
	Id           string     `json:"id"`
	Version      int64      `json:"version"`
	VersionNonce int64      `json:"versionNonce"`
	Deleted      bool       `json:"isDeleted"`
	// hidden from view-only users
	Restricted   bool       `json:"isRestricted,omitempty"`
	FileId       string     `json:"fileId,omitempty"`
	Status       FileStatus `json:"status,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

func (self *Element) Clone() *Element {
	clone := *self
	if self.Data != nil {
		clone.Data = make(json.RawMessage, len(self.Data))
		copy(clone.Data, self.Data)
	}
	return &clone
}

// SceneVersion computes the monotonic fingerprint of a set of elements:
// equal for two sets with identical (id, version) pairs regardless of order,
// and changed whenever any element version changes. It is a cheap
// "did anything change" guard, never a merge key. Two different edits can
// coincidentally produce the same value; correctness rests on per-element
// version/nonce comparison in the reconciler.
func SceneVersion(elements []*Element) int64 {
	var version int64
	for _, element := range elements {
		version += element.Version
	}
	return version
}

// CloneScene copies the slice but shares the element records.
// Elements are immutable until replaced, so sharing is safe.
func CloneScene(elements []*Element) []*Element {
	clone := make([]*Element, len(elements))
	copy(clone, elements)
	return clone
}
