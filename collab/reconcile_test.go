package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func element(id string, version int64, nonce int64) *Element {
	return &Element{
		Id:           id,
		Version:      version,
		VersionNonce: nonce,
	}
}

func deletedElement(id string, version int64, nonce int64) *Element {
	e := element(id, version, nonce)
	e.Deleted = true
	return e
}

func byId(elements []*Element) map[string]*Element {
	m := map[string]*Element{}
	for _, e := range elements {
		m[e.Id] = e
	}
	return m
}

func TestReconcileNewerVersionWins(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	local := []*Element{element("1", 2, 10)}
	remote := []*Element{element("1", 3, 5), element("2", 1, 1)}

	merged := reconciler.Reconcile(local, remote)
	assert.Equal(t, 2, len(merged))

	m := byId(merged)
	assert.Equal(t, int64(3), m["1"].Version)
	assert.Equal(t, int64(1), m["2"].Version)
}

func TestReconcileNonceTieBreak(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	local := []*Element{element("1", 2, 10)}
	remote := []*Element{element("1", 2, 20)}

	merged := reconciler.Reconcile(local, remote)
	assert.Equal(t, 1, len(merged))
	assert.Equal(t, int64(20), merged[0].VersionNonce)

	// equal version, lower remote nonce keeps local
	remote = []*Element{element("1", 2, 5)}
	merged = reconciler.Reconcile(local, remote)
	assert.Equal(t, int64(10), merged[0].VersionNonce)
}

func TestReconcileIdenticalKeepsLocal(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	localElement := element("1", 2, 10)
	remoteElement := element("1", 2, 10)

	merged := reconciler.Reconcile([]*Element{localElement}, []*Element{remoteElement})
	assert.Equal(t, 1, len(merged))
	if merged[0] != localElement {
		t.Fatal("expected the local record on a full tie")
	}
}

func TestReconcileTieStrategy(t *testing.T) {
	// a strategy that prefers remote on full ties
	reconciler := NewReconciler(func(local *Element, remote *Element) bool {
		return false
	})

	localElement := element("1", 2, 10)
	remoteElement := element("1", 2, 10)

	merged := reconciler.Reconcile([]*Element{localElement}, []*Element{remoteElement})
	if merged[0] != remoteElement {
		t.Fatal("expected the remote record under the remote-preferring strategy")
	}
}

func TestReconcileIdempotence(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	a := []*Element{element("1", 2, 1), element("2", 5, 3), deletedElement("3", 1, 1)}
	b := []*Element{element("1", 3, 2), element("4", 1, 1)}

	once := reconciler.Reconcile(a, b)
	twice := reconciler.Reconcile(once, b)

	assert.Equal(t, len(once), len(twice))
	for i := range once {
		assert.Equal(t, once[i], twice[i])
	}
}

func TestReconcileCommutativityDisjointIds(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	a := []*Element{element("1", 2, 1), element("2", 5, 3)}
	b := []*Element{element("3", 3, 2), element("4", 1, 1)}

	ab := byId(reconciler.Reconcile(a, b))
	ba := byId(reconciler.Reconcile(b, a))

	assert.Equal(t, len(ab), len(ba))
	for id, e := range ab {
		assert.Equal(t, e, ba[id])
	}
}

func TestReconcileTombstonePropagation(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	local := []*Element{element("1", 2, 1)}
	remote := []*Element{deletedElement("1", 3, 1)}

	merged := reconciler.Reconcile(local, remote)
	assert.Equal(t, 1, len(merged))
	assert.Equal(t, true, merged[0].Deleted)

	// the tombstone is retained, not physically removed, so a later pass
	// can still compare versions against it
	again := reconciler.Reconcile(merged, []*Element{element("1", 1, 1)})
	assert.Equal(t, 1, len(again))
	assert.Equal(t, true, again[0].Deleted)
}

func TestReconcileRemoteOnlyTombstoneKept(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	merged := reconciler.Reconcile([]*Element{}, []*Element{deletedElement("1", 1, 1)})
	assert.Equal(t, 1, len(merged))
	assert.Equal(t, true, merged[0].Deleted)
}

func TestReconcileDoesNotMutateInputs(t *testing.T) {
	reconciler := NewReconcilerWithDefaults()

	local := []*Element{element("1", 2, 1), element("2", 1, 1)}
	remote := []*Element{element("1", 3, 1)}

	reconciler.Reconcile(local, remote)

	assert.Equal(t, int64(2), local[0].Version)
	assert.Equal(t, 2, len(local))
	assert.Equal(t, 1, len(remote))
}

func TestFilterForViewer(t *testing.T) {
	restricted := element("2", 1, 1)
	restricted.Restricted = true

	elements := []*Element{element("1", 1, 1), restricted}

	filtered := FilterForViewer(elements)
	assert.Equal(t, 2, len(filtered))
	assert.Equal(t, false, filtered[0].Deleted)
	assert.Equal(t, true, filtered[1].Deleted)

	// the filter is a view, not a mutation
	assert.Equal(t, false, restricted.Deleted)
}
