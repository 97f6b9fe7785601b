package collab

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// Transport is the connection surface the coordinator drives.
// *TransportSession is the production implementation.
type Transport interface {
	Connect()
	Close()
	Send(eventType EventType, payload any) error
	SendNow(eventType EventType, payload any) error
	AddReceiveCallback(callback ReceiveEventFunction) func()
	AddStateCallback(callback SessionStateFunction) func()
	SetVisible(visible bool)
}

type ConnectionStatus string

const (
	StatusOnline ConnectionStatus = "online"
	// non-blocking "disconnected, changes not saved" banner
	StatusOffline ConnectionStatus = "offline"
	// terminal, distinct "kicked" banner, no retry
	StatusKicked ConnectionStatus = "kicked"
)

// the rendering surface owns the authoritative element set. the coordinator
// reads it through the provider and requests updates through the updater.
type SceneProviderFunction func() []*Element
type SceneUpdateFunction func(elements []*Element)
type SavedStateFunction func(saved bool)
type ConnectionStatusFunction func(status ConnectionStatus)
type RemoteBoundsFunction func(bounds SceneBounds, socketId string)
type FilesLoadedFunction func(result *FetchFilesResult)

type SyncCoordinatorSettings struct {
	// trailing-edge window for the durable snapshot
	SnapshotWindow time.Duration
	// coalescing tick for outgoing pointer and viewport traffic
	BroadcastTick   time.Duration
	BroadcastMinGap time.Duration
}

func DefaultSyncCoordinatorSettings() *SyncCoordinatorSettings {
	return &SyncCoordinatorSettings{
		SnapshotWindow:  10 * time.Second,
		BroadcastTick:   16 * time.Millisecond,
		BroadcastMinGap: 100 * time.Millisecond,
	}
}

// SyncCoordinator orchestrates local-edit -> broadcast and
// remote-broadcast -> merge, plus periodic durable snapshotting.
type SyncCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	session    Transport
	reconciler *Reconciler
	files      *FileTracker
	presence   *PresenceTracker

	sceneProvider SceneProviderFunction
	sceneUpdate   SceneUpdateFunction

	settings *SyncCoordinatorSettings
	viewOnly bool

	savedCallbacks  *CallbackList[SavedStateFunction]
	statusCallbacks *CallbackList[ConnectionStatusFunction]
	boundsCallbacks *CallbackList[RemoteBoundsFunction]
	filesCallbacks  *CallbackList[FilesLoadedFunction]

	snapshotThrottle *Throttle
	pointerCoalescer *TickCoalescer
	boundsCoalescer  *TickCoalescer

	mutex sync.Mutex
	// broadcast version ledger: element id -> last version this client sent.
	// reset on every reconnect; the peer's state is unknown after a drop.
	ledger      map[string]int64
	lastVersion int64
	saved       bool
	started     bool
	kicked      bool
	followedBy  map[string]bool

	latestPointer  *Pointer
	latestSelected []string
	latestBounds   *SceneBounds

	removeCallbacks []func()
}

func NewSyncCoordinatorWithDefaults(
	ctx context.Context,
	session Transport,
	files *FileTracker,
	presence *PresenceTracker,
	sceneProvider SceneProviderFunction,
	sceneUpdate SceneUpdateFunction,
	viewOnly bool,
) *SyncCoordinator {
	return NewSyncCoordinator(
		ctx,
		session,
		files,
		presence,
		sceneProvider,
		sceneUpdate,
		viewOnly,
		DefaultSyncCoordinatorSettings(),
	)
}

func NewSyncCoordinator(
	ctx context.Context,
	session Transport,
	files *FileTracker,
	presence *PresenceTracker,
	sceneProvider SceneProviderFunction,
	sceneUpdate SceneUpdateFunction,
	viewOnly bool,
	settings *SyncCoordinatorSettings,
) *SyncCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)

	coordinator := &SyncCoordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		session:         session,
		reconciler:      NewReconcilerWithDefaults(),
		files:           files,
		presence:        presence,
		sceneProvider:   sceneProvider,
		sceneUpdate:     sceneUpdate,
		settings:        settings,
		viewOnly:        viewOnly,
		savedCallbacks:  NewCallbackList[SavedStateFunction](),
		statusCallbacks: NewCallbackList[ConnectionStatusFunction](),
		boundsCallbacks: NewCallbackList[RemoteBoundsFunction](),
		filesCallbacks:  NewCallbackList[FilesLoadedFunction](),
		ledger:          map[string]int64{},
		saved:           true,
		followedBy:      map[string]bool{},
	}
	coordinator.snapshotThrottle = NewThrottle(settings.SnapshotWindow, coordinator.sendSnapshot)
	coordinator.pointerCoalescer = NewTickCoalescer(
		settings.BroadcastTick,
		settings.BroadcastMinGap,
		coordinator.sendPointer,
	)
	coordinator.boundsCoalescer = NewTickCoalescer(
		settings.BroadcastTick,
		settings.BroadcastMinGap,
		coordinator.sendBounds,
	)
	return coordinator
}

func (self *SyncCoordinator) AddSavedStateCallback(callback SavedStateFunction) func() {
	return self.savedCallbacks.Add(callback)
}

func (self *SyncCoordinator) AddConnectionStatusCallback(callback ConnectionStatusFunction) func() {
	return self.statusCallbacks.Add(callback)
}

func (self *SyncCoordinator) AddRemoteBoundsCallback(callback RemoteBoundsFunction) func() {
	return self.boundsCallbacks.Add(callback)
}

func (self *SyncCoordinator) AddFilesLoadedCallback(callback FilesLoadedFunction) func() {
	return self.filesCallbacks.Add(callback)
}

// Start wires all subscriptions and opens the session. Every subscription
// and timer registered here is released by Stop.
func (self *SyncCoordinator) Start() {
	self.mutex.Lock()
	if self.started {
		self.mutex.Unlock()
		return
	}
	self.started = true
	self.mutex.Unlock()

	removeReceive := self.session.AddReceiveCallback(self.handleEvent)
	removeState := self.session.AddStateCallback(self.handleSessionState)
	removeActivity := self.presence.AddActivityChangeCallback(self.handleActivityChange)
	removeStatus := self.files.AddStatusChangeCallback(self.handleFileStatus)

	self.mutex.Lock()
	self.removeCallbacks = []func(){removeReceive, removeState, removeActivity, removeStatus}
	self.mutex.Unlock()

	self.session.Connect()
}

// Stop deterministically unregisters every timer and event subscription.
func (self *SyncCoordinator) Stop() {
	self.mutex.Lock()
	if !self.started {
		self.mutex.Unlock()
		return
	}
	self.started = false
	removeCallbacks := self.removeCallbacks
	self.removeCallbacks = nil
	self.mutex.Unlock()

	self.Flush()

	for _, removeCallback := range removeCallbacks {
		removeCallback()
	}
	self.snapshotThrottle.Cancel()
	self.pointerCoalescer.Cancel()
	self.boundsCoalescer.Cancel()
	self.presence.Stop()
	self.files.Stop()
	self.session.Close()
	self.cancel()
}

// OnLocalChange is the hook the rendering surface calls after every local
// scene mutation. Only elements whose version exceeds the broadcast ledger
// are sent; a remote-sourced change that re-enters through the host's change
// callback computes a non-advancing version and is skipped, which breaks the
// feedback loop.
func (self *SyncCoordinator) OnLocalChange() {
	elements := self.sceneProvider()
	version := SceneVersion(elements)

	self.mutex.Lock()
	if version <= self.lastVersion {
		self.mutex.Unlock()
		return
	}
	self.lastVersion = version

	diff := []*Element{}
	for _, element := range elements {
		if self.ledger[element.Id] < element.Version {
			self.ledger[element.Id] = element.Version
			diff = append(diff, element)
		}
	}
	wasSaved := self.saved
	self.saved = false
	self.mutex.Unlock()

	if wasSaved {
		self.emitSaved(false)
	}

	if len(diff) > 0 {
		self.session.Send(EventBroadcastScene, &BroadcastSceneEvent{
			Elements: diff,
		})
		glog.V(2).Infof("[c]broadcast %d/%d elements v%d\n", len(diff), len(elements), version)
	}

	self.snapshotThrottle.Trigger()
	self.files.Sync(elements)
}

func (self *SyncCoordinator) handleEvent(event ServerEvent) {
	switch v := event.(type) {
	case *InitEvent:
		self.presence.SetLocalSocketId(v.SocketId)
		self.mergeRemote(v.Elements)
	case *BroadcastSceneEvent:
		self.mergeRemote(v.Elements)
	case *SendSnapshotEvent:
		self.mergeRemote(v.Elements)
	case *IsSavedEvent:
		self.mutex.Lock()
		self.saved = true
		self.mutex.Unlock()
		self.emitSaved(true)
	case *SetCollaboratorsEvent:
		self.presence.ApplyMembership(v.Collaborators)
	case *PointerUpdateEvent:
		self.presence.ApplyPointerUpdate(v)
	case *PreloadFilesEvent:
		go func() {
			result := self.files.Fetch(v.FileIds, false)
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			self.emitFilesLoaded(result)
		}()
	case *FilesUpdatedEvent:
		self.files.Sync(self.sceneProvider())
	case *KickEvent:
		// best-effort final snapshot, then the session closes for good
		self.mutex.Lock()
		self.kicked = true
		self.mutex.Unlock()
		self.session.SendNow(EventSendSnapshot, &SendSnapshotEvent{
			Elements: self.sceneProvider(),
		})
		self.emitStatus(StatusKicked)
	case *FollowedByEvent:
		self.mutex.Lock()
		maps.Clear(self.followedBy)
		for _, socketId := range v.SocketIds {
			self.followedBy[socketId] = true
		}
		followed := 0 < len(self.followedBy)
		self.mutex.Unlock()
		if followed {
			self.boundsCoalescer.Bump()
		}
	case *RelaySceneBoundsEvent:
		self.emitRemoteBounds(v.Bounds, v.SocketId)
	}
}

// mergeRemote reconciles a remote element set against the full local set,
// tombstones included so a stale local copy cannot resurrect a remote
// delete. Reconciled results that do not advance the version are stale or
// duplicate deliveries and are silently discarded.
func (self *SyncCoordinator) mergeRemote(remote []*Element) {
	local := self.sceneProvider()
	merged := self.reconciler.Reconcile(local, remote)
	version := SceneVersion(merged)

	self.mutex.Lock()
	if version <= self.lastVersion {
		self.mutex.Unlock()
		glog.V(2).Infof("[c]discard stale broadcast v%d <= v%d\n", version, self.lastVersion)
		return
	}
	self.lastVersion = version
	self.mutex.Unlock()

	out := merged
	if self.viewOnly {
		out = FilterForViewer(merged)
	}
	self.sceneUpdate(out)
	self.files.Sync(merged)
}

func (self *SyncCoordinator) handleSessionState(state SessionState) {
	switch state {
	case SessionConnected:
		self.emitStatus(StatusOnline)
	case SessionDisconnected:
		// version bookkeeping does not survive a session. the next local
		// edit rebroadcasts the full current element set, and the next
		// remote merge is accepted even when the version sum stands still,
		// as after a lost nonce tie-break.
		self.mutex.Lock()
		maps.Clear(self.ledger)
		self.lastVersion = 0
		kicked := self.kicked
		self.mutex.Unlock()
		if !kicked {
			self.emitStatus(StatusOffline)
		}
	}
}

func (self *SyncCoordinator) handleActivityChange(state ActivityState) {
	self.session.Send(EventPointerUpdate, &PointerUpdateEvent{
		ActivityState: state,
	})
}

// handleFileStatus advances the status of elements referencing the file.
// This is a local-only state change: errored uploads are not re-queued.
func (self *SyncCoordinator) handleFileStatus(fileId string, status FileStatus) {
	elements := self.sceneProvider()
	changed := false
	next := make([]*Element, 0, len(elements))
	for _, element := range elements {
		if element.FileId == fileId && element.Status != status {
			clone := element.Clone()
			clone.Status = status
			next = append(next, clone)
			changed = true
		} else {
			next = append(next, element)
		}
	}
	if changed {
		self.sceneUpdate(next)
	}
}

// OnPointerMove is the hook for local pointer movement and selection change.
// Outgoing traffic is coalesced to a bounded rate.
func (self *SyncCoordinator) OnPointerMove(pointer *Pointer, selectedElementIds []string) {
	self.mutex.Lock()
	self.latestPointer = pointer
	self.latestSelected = selectedElementIds
	self.mutex.Unlock()

	self.presence.Bump()
	self.pointerCoalescer.Bump()
}

func (self *SyncCoordinator) sendPointer() {
	self.mutex.Lock()
	pointer := self.latestPointer
	selected := self.latestSelected
	self.mutex.Unlock()

	if pointer == nil {
		return
	}
	self.session.Send(EventPointerUpdate, &PointerUpdateEvent{
		Pointer:            pointer,
		SelectedElementIds: selected,
		ActivityState:      self.presence.State(),
	})
}

// OnViewportChange is the hook for local viewport movement. Bounds are only
// broadcast while at least one peer follows the local user.
func (self *SyncCoordinator) OnViewportChange(bounds SceneBounds) {
	self.mutex.Lock()
	self.latestBounds = &bounds
	followed := 0 < len(self.followedBy)
	self.mutex.Unlock()

	if followed {
		self.boundsCoalescer.Bump()
	}
}

func (self *SyncCoordinator) sendBounds() {
	self.mutex.Lock()
	bounds := self.latestBounds
	followed := 0 < len(self.followedBy)
	self.mutex.Unlock()

	if bounds == nil || !followed {
		return
	}
	self.session.Send(EventRelaySceneBounds, &RelaySceneBoundsEvent{
		Bounds: *bounds,
	})
}

// Follow subscribes to a peer's viewport; Unfollow releases it.
func (self *SyncCoordinator) Follow(socketId string) {
	self.session.Send(EventUserFollow, &UserFollowEvent{
		SocketId: socketId,
		Action:   "follow",
	})
}

func (self *SyncCoordinator) Unfollow(socketId string) {
	self.session.Send(EventUserFollow, &UserFollowEvent{
		SocketId: socketId,
		Action:   "unfollow",
	})
}

// sendSnapshot is the trailing edge of the snapshot throttle: the full
// current element set goes out as a durable save.
func (self *SyncCoordinator) sendSnapshot() {
	self.session.Send(EventSendSnapshot, &SendSnapshotEvent{
		Elements: self.sceneProvider(),
	})

	self.mutex.Lock()
	self.saved = true
	self.mutex.Unlock()
	self.emitSaved(true)
}

// Flush pushes an unconditional snapshot if there are unsaved changes.
// Called on page unload; delivery is best-effort.
func (self *SyncCoordinator) Flush() {
	self.mutex.Lock()
	saved := self.saved
	self.mutex.Unlock()

	if saved {
		return
	}
	self.session.SendNow(EventSendSnapshot, &SendSnapshotEvent{
		Elements: self.sceneProvider(),
	})
}

func (self *SyncCoordinator) Saved() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.saved
}

func (self *SyncCoordinator) LastVersion() int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastVersion
}

// SetVisible forwards document visibility to presence and the transport.
func (self *SyncCoordinator) SetVisible(visible bool) {
	self.presence.SetVisible(visible)
	self.session.SetVisible(visible)
}

func (self *SyncCoordinator) SetFocused(focused bool) {
	self.presence.SetFocused(focused)
}

func (self *SyncCoordinator) emitSaved(saved bool) {
	for _, callback := range self.savedCallbacks.Get() {
		HandleError(func() {
			callback(saved)
		})
	}
}

func (self *SyncCoordinator) emitStatus(status ConnectionStatus) {
	for _, callback := range self.statusCallbacks.Get() {
		HandleError(func() {
			callback(status)
		})
	}
}

func (self *SyncCoordinator) emitRemoteBounds(bounds SceneBounds, socketId string) {
	for _, callback := range self.boundsCallbacks.Get() {
		HandleError(func() {
			callback(bounds, socketId)
		})
	}
}

func (self *SyncCoordinator) emitFilesLoaded(result *FetchFilesResult) {
	for _, callback := range self.filesCallbacks.Get() {
		HandleError(func() {
			callback(result)
		})
	}
}
