package collab

// TieStrategy decides the winner when local and remote carry an identical
// (version, versionNonce) pair for the same id. The host editor inherits its
// own policy, so the exact tie is pluggable. The default treats the records
// as identical and keeps local.
type TieStrategy func(local *Element, remote *Element) bool

func KeepLocalTieStrategy(local *Element, remote *Element) bool {
	return true
}

type Reconciler struct {
	tieStrategy TieStrategy
}

func NewReconcilerWithDefaults() *Reconciler {
	return NewReconciler(KeepLocalTieStrategy)
}

func NewReconciler(tieStrategy TieStrategy) *Reconciler {
	return &Reconciler{
		tieStrategy: tieStrategy,
	}
}

// keepLocal applies the per-element rule: strictly greater version wins;
// equal versions fall to the higher nonce; full ties go to the strategy.
func (self *Reconciler) keepLocal(local *Element, remote *Element) bool {
	if local.Version != remote.Version {
		return remote.Version < local.Version
	}
	if local.VersionNonce != remote.VersionNonce {
		return remote.VersionNonce < local.VersionNonce
	}
	return self.tieStrategy(local, remote)
}

// Reconcile merges a remote element set into the local set.
// For every id present in either set, the newer record is kept. Ids present
// in only one set are kept as-is, tombstones included, so a remote delete
// propagates and can still be compared against on later passes.
// The output preserves local z-order for surviving local records and appends
// remote-only records in remote order. The inputs are never mutated and the
// result is deterministic for the same inputs.
func (self *Reconciler) Reconcile(local []*Element, remote []*Element) []*Element {
	remoteById := make(map[string]*Element, len(remote))
	for _, element := range remote {
		remoteById[element.Id] = element
	}

	merged := make([]*Element, 0, len(local)+len(remote))
	localIds := make(map[string]bool, len(local))
	for _, localElement := range local {
		localIds[localElement.Id] = true
		if remoteElement, ok := remoteById[localElement.Id]; ok && !self.keepLocal(localElement, remoteElement) {
			merged = append(merged, remoteElement)
		} else {
			merged = append(merged, localElement)
		}
	}
	for _, remoteElement := range remote {
		if !localIds[remoteElement.Id] {
			merged = append(merged, remoteElement)
		}
	}
	return merged
}

// FilterForViewer rewrites restricted elements to tombstones in a copy handed
// to a view-only rendering surface. The filter is a view, not a mutation;
// the underlying reconciled state is left untouched.
func FilterForViewer(elements []*Element) []*Element {
	filtered := make([]*Element, 0, len(elements))
	for _, element := range elements {
		if element.Restricted && !element.Deleted {
			clone := element.Clone()
			clone.Deleted = true
			filtered = append(filtered, clone)
		} else {
			filtered = append(filtered, element)
		}
	}
	return filtered
}
