package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// testTransport is an in-memory Transport with scripted delivery
type testTransport struct {
	receiveCallbacks *CallbackList[ReceiveEventFunction]
	stateCallbacks   *CallbackList[SessionStateFunction]

	mutex sync.Mutex
	sent  []sentEvent
}

type sentEvent struct {
	eventType EventType
	payload   any
	immediate bool
}

func newTestTransport() *testTransport {
	return &testTransport{
		receiveCallbacks: NewCallbackList[ReceiveEventFunction](),
		stateCallbacks:   NewCallbackList[SessionStateFunction](),
	}
}

func (self *testTransport) Connect() {}
func (self *testTransport) Close()   {}

func (self *testTransport) Send(eventType EventType, payload any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, sentEvent{eventType, payload, false})
	return nil
}

func (self *testTransport) SendNow(eventType EventType, payload any) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.sent = append(self.sent, sentEvent{eventType, payload, true})
	return nil
}

func (self *testTransport) AddReceiveCallback(callback ReceiveEventFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *testTransport) AddStateCallback(callback SessionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *testTransport) SetVisible(visible bool) {}

func (self *testTransport) deliver(event ServerEvent) {
	for _, callback := range self.receiveCallbacks.Get() {
		callback(event)
	}
}

func (self *testTransport) setState(state SessionState) {
	for _, callback := range self.stateCallbacks.Get() {
		callback(state)
	}
}

func (self *testTransport) sentEvents(eventType EventType) []sentEvent {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := []sentEvent{}
	for _, event := range self.sent {
		if event.eventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

// testScene is a stand-in for the rendering surface's element store
type testScene struct {
	mutex    sync.Mutex
	elements []*Element
	updates  int
}

func (self *testScene) provider() []*Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return CloneScene(self.elements)
}

func (self *testScene) update(elements []*Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.elements = elements
	self.updates += 1
}

func (self *testScene) set(elements []*Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.elements = elements
}

func (self *testScene) get() []*Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return CloneScene(self.elements)
}

func (self *testScene) updateCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.updates
}

type coordinatorFixture struct {
	transport   *testTransport
	scene       *testScene
	coordinator *SyncCoordinator
	cancel      context.CancelFunc
}

func newCoordinatorFixture(t *testing.T, viewOnly bool) *coordinatorFixture {
	ctx, cancel := context.WithCancel(context.Background())

	transport := newTestTransport()
	scene := &testScene{}

	api := NewBoardsApiWithContext(ctx, "http://127.0.0.1:0")
	files := NewFileTracker(ctx, api, "boardA", &FileTrackerSettings{
		SyncWindow:       1 * time.Hour,
		StaleAge:         1 * time.Hour,
		PayloadCacheSize: 16,
	})
	presence := NewPresenceTrackerWithDefaults()

	coordinator := NewSyncCoordinator(
		ctx,
		transport,
		files,
		presence,
		scene.provider,
		scene.update,
		viewOnly,
		&SyncCoordinatorSettings{
			SnapshotWindow:  40 * time.Millisecond,
			BroadcastTick:   1 * time.Millisecond,
			BroadcastMinGap: 1 * time.Millisecond,
		},
	)
	coordinator.Start()

	t.Cleanup(func() {
		coordinator.Stop()
		cancel()
	})

	return &coordinatorFixture{
		transport:   transport,
		scene:       scene,
		coordinator: coordinator,
		cancel:      cancel,
	}
}

func TestCoordinatorIncrementalBroadcast(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	f.scene.set([]*Element{element("1", 1, 1), element("2", 1, 1)})
	f.coordinator.OnLocalChange()

	broadcasts := f.transport.sentEvents(EventBroadcastScene)
	assert.Equal(t, 1, len(broadcasts))
	assert.Equal(t, 2, len(broadcasts[0].payload.(*BroadcastSceneEvent).Elements))

	// only the element whose version advanced goes out
	f.scene.set([]*Element{element("1", 2, 2), element("2", 1, 1)})
	f.coordinator.OnLocalChange()

	broadcasts = f.transport.sentEvents(EventBroadcastScene)
	assert.Equal(t, 2, len(broadcasts))
	diff := broadcasts[1].payload.(*BroadcastSceneEvent).Elements
	assert.Equal(t, 1, len(diff))
	assert.Equal(t, "1", diff[0].Id)

	// a change callback with nothing new is skipped entirely
	f.coordinator.OnLocalChange()
	assert.Equal(t, 2, len(f.transport.sentEvents(EventBroadcastScene)))
}

func TestCoordinatorStaleBroadcastDiscarded(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	// scene version 10 arrives first
	f.transport.deliver(&BroadcastSceneEvent{
		Elements: []*Element{element("1", 10, 1)},
	})
	assert.Equal(t, int64(10), f.coordinator.LastVersion())
	assert.Equal(t, 1, f.scene.updateCount())

	// an out-of-order version 7 arrives second and is discarded
	f.transport.deliver(&BroadcastSceneEvent{
		Elements: []*Element{element("1", 7, 1)},
	})
	assert.Equal(t, int64(10), f.coordinator.LastVersion())
	assert.Equal(t, 1, f.scene.updateCount())

	elements := f.scene.get()
	assert.Equal(t, int64(10), elements[0].Version)
}

func TestCoordinatorVersionMonotonic(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	versions := []int64{3, 1, 5, 5, 2, 8, 8}
	last := int64(0)
	for _, v := range versions {
		f.transport.deliver(&BroadcastSceneEvent{
			Elements: []*Element{element("1", v, 1)},
		})
		current := f.coordinator.LastVersion()
		if current < last {
			t.Fatalf("version went backwards: %d -> %d", last, current)
		}
		last = current
	}
	assert.Equal(t, int64(8), last)
}

func TestCoordinatorTombstonePropagation(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	f.scene.set([]*Element{element("1", 2, 1)})
	f.coordinator.OnLocalChange()

	f.transport.deliver(&BroadcastSceneEvent{
		Elements: []*Element{deletedElement("1", 3, 1)},
	})

	elements := f.scene.get()
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, true, elements[0].Deleted)
}

func TestCoordinatorLedgerResetOnReconnect(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	f.scene.set([]*Element{element("1", 1, 1), element("2", 1, 1)})
	f.coordinator.OnLocalChange()
	assert.Equal(t, 1, len(f.transport.sentEvents(EventBroadcastScene)))

	// disconnect: the ledger must not be trusted across sessions
	f.transport.setState(SessionDisconnected)
	f.transport.setState(SessionConnected)

	// next local edit rebroadcasts the full current element set
	f.scene.set([]*Element{element("1", 2, 2), element("2", 1, 1)})
	f.coordinator.OnLocalChange()

	broadcasts := f.transport.sentEvents(EventBroadcastScene)
	assert.Equal(t, 2, len(broadcasts))
	assert.Equal(t, 2, len(broadcasts[1].payload.(*BroadcastSceneEvent).Elements))
}

func TestCoordinatorVersionResetOnReconnect(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	f.transport.deliver(&InitEvent{
		SocketId: "s1",
		Elements: []*Element{element("1", 5, 10)},
	})
	assert.Equal(t, int64(5), f.coordinator.LastVersion())

	// while offline, a remote peer won an equal-version nonce tie. the
	// post-reconnect init carries the same version sum and must still be
	// accepted: last-known version does not survive a session either.
	f.transport.setState(SessionDisconnected)
	f.transport.setState(SessionConnected)

	f.transport.deliver(&InitEvent{
		SocketId: "s1",
		Elements: []*Element{element("1", 5, 99)},
	})

	elements := f.scene.get()
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, int64(99), elements[0].VersionNonce)
}

func TestCoordinatorSnapshotAndSavedFlag(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	savedStates := []bool{}
	savedMutex := sync.Mutex{}
	f.coordinator.AddSavedStateCallback(func(saved bool) {
		savedMutex.Lock()
		savedStates = append(savedStates, saved)
		savedMutex.Unlock()
	})

	assert.Equal(t, true, f.coordinator.Saved())

	f.scene.set([]*Element{element("1", 1, 1)})
	f.coordinator.OnLocalChange()
	assert.Equal(t, false, f.coordinator.Saved())

	// the trailing-edge snapshot fires once quiet
	time.Sleep(120 * time.Millisecond)
	snapshots := f.transport.sentEvents(EventSendSnapshot)
	assert.Equal(t, 1, len(snapshots))
	assert.Equal(t, true, f.coordinator.Saved())

	savedMutex.Lock()
	assert.Equal(t, []bool{false, true}, savedStates)
	savedMutex.Unlock()
}

func TestCoordinatorFlushOnlyWhenUnsaved(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	// saved: flush is a no-op
	f.coordinator.Flush()
	assert.Equal(t, 0, len(f.transport.sentEvents(EventSendSnapshot)))

	f.scene.set([]*Element{element("1", 1, 1)})
	f.coordinator.OnLocalChange()
	f.coordinator.Flush()

	snapshots := f.transport.sentEvents(EventSendSnapshot)
	assert.Equal(t, 1, len(snapshots))
	assert.Equal(t, true, snapshots[0].immediate)
}

func TestCoordinatorKickSendsFinalSnapshot(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	statuses := []ConnectionStatus{}
	statusMutex := sync.Mutex{}
	f.coordinator.AddConnectionStatusCallback(func(status ConnectionStatus) {
		statusMutex.Lock()
		statuses = append(statuses, status)
		statusMutex.Unlock()
	})

	f.scene.set([]*Element{element("1", 1, 1)})
	f.transport.deliver(&KickEvent{})

	snapshots := f.transport.sentEvents(EventSendSnapshot)
	assert.Equal(t, 1, len(snapshots))
	assert.Equal(t, true, snapshots[0].immediate)

	// the kicked banner is not replaced by the offline banner
	f.transport.setState(SessionDisconnected)
	statusMutex.Lock()
	assert.Equal(t, []ConnectionStatus{StatusKicked}, statuses)
	statusMutex.Unlock()
}

func TestCoordinatorViewOnlyFilter(t *testing.T) {
	f := newCoordinatorFixture(t, true)

	restricted := element("2", 1, 1)
	restricted.Restricted = true

	f.transport.deliver(&BroadcastSceneEvent{
		Elements: []*Element{element("1", 1, 1), restricted},
	})

	elements := f.scene.get()
	assert.Equal(t, 2, len(elements))
	m := byId(elements)
	assert.Equal(t, false, m["1"].Deleted)
	assert.Equal(t, true, m["2"].Deleted)
}

func TestCoordinatorInitSetsLocalSocket(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	f.transport.deliver(&InitEvent{
		SocketId: "s1",
		Elements: []*Element{element("1", 1, 1)},
	})
	f.transport.deliver(&SetCollaboratorsEvent{
		Collaborators: []*Collaborator{
			{SocketId: "s1"},
			{SocketId: "s2"},
		},
	})

	for _, collaborator := range f.coordinator.presence.Collaborators() {
		assert.Equal(t, collaborator.SocketId == "s1", collaborator.IsCurrentUser)
	}
}

func TestCoordinatorFollowBounds(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	// not followed: viewport changes are not broadcast
	f.coordinator.OnViewportChange(SceneBounds{X: 0, Y: 0, Width: 100, Height: 100})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, len(f.transport.sentEvents(EventRelaySceneBounds)))

	f.transport.deliver(&FollowedByEvent{SocketIds: []string{"s2"}})
	f.coordinator.OnViewportChange(SceneBounds{X: 10, Y: 10, Width: 100, Height: 100})
	time.Sleep(30 * time.Millisecond)

	bounds := f.transport.sentEvents(EventRelaySceneBounds)
	if len(bounds) == 0 {
		t.Fatal("expected a bounds broadcast while followed")
	}

	// an empty follower set stops the broadcasts
	f.transport.deliver(&FollowedByEvent{SocketIds: []string{}})
	before := len(f.transport.sentEvents(EventRelaySceneBounds))
	f.coordinator.OnViewportChange(SceneBounds{X: 20, Y: 20, Width: 100, Height: 100})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, len(f.transport.sentEvents(EventRelaySceneBounds)))
}

func TestCoordinatorRemoteBoundsCallback(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	received := make(chan SceneBounds, 1)
	f.coordinator.AddRemoteBoundsCallback(func(bounds SceneBounds, socketId string) {
		assert.Equal(t, "s3", socketId)
		received <- bounds
	})

	f.transport.deliver(&RelaySceneBoundsEvent{
		Bounds:   SceneBounds{X: 1, Y: 2, Width: 3, Height: 4},
		SocketId: "s3",
	})

	select {
	case bounds := <-received:
		assert.Equal(t, float64(3), bounds.Width)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bounds")
	}
}

func TestCoordinatorPointerCoalesced(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	for i := 0; i < 50; i += 1 {
		f.coordinator.OnPointerMove(&Pointer{X: float64(i), Y: 0}, nil)
	}
	time.Sleep(30 * time.Millisecond)

	updates := f.transport.sentEvents(EventPointerUpdate)
	if len(updates) == 0 || 3 < len(updates) {
		t.Fatalf("expected coalesced pointer updates, got %d", len(updates))
	}
	// the latest pointer wins
	last := updates[len(updates)-1].payload.(*PointerUpdateEvent)
	assert.Equal(t, float64(49), last.Pointer.X)
}

func TestCoordinatorStopIsExhaustive(t *testing.T) {
	f := newCoordinatorFixture(t, false)

	f.scene.set([]*Element{element("1", 1, 1)})
	f.coordinator.OnLocalChange()
	sent := len(f.transport.sentEvents(EventSendSnapshot))

	f.coordinator.Stop()

	// the pending snapshot throttle was cancelled, and delivery after stop
	// is ignored
	time.Sleep(120 * time.Millisecond)
	after := f.transport.sentEvents(EventSendSnapshot)

	// stop flushes unsaved changes once; nothing further fires
	assert.Equal(t, sent+1, len(after))
}
