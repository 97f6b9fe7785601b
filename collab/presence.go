package collab

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type ActivityState string

const (
	ActivityActive ActivityState = "active"
	ActivityIdle   ActivityState = "idle"
	ActivityAway   ActivityState = "away"
)

// Collaborator is one connected editor as seen by the local client.
// Lifecycle: created on a membership snapshot, updated in place on pointer
// and activity events, removed when absent from the next snapshot.
type Collaborator struct {
	SocketId           string        `json:"socketId"`
	UserId             string        `json:"userId,omitempty"`
	Username           string        `json:"username,omitempty"`
	AvatarUrl          string        `json:"avatarUrl,omitempty"`
	Pointer            *Pointer      `json:"pointer,omitempty"`
	SelectedElementIds []string      `json:"selectedElementIds,omitempty"`
	ActivityState      ActivityState `json:"activityState,omitempty"`
	IsCurrentUser      bool          `json:"isCurrentUser,omitempty"`
}

type PresenceSettings struct {
	// no qualifying input for this long while active flips to idle
	IdleTimeout time.Duration
	// one evaluation per tick, the animation-frame equivalent
	BumpTick time.Duration
	// minimum interval between presence evaluations
	MinBumpGap time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		IdleTimeout: 75 * time.Second,
		BumpTick:    16 * time.Millisecond,
		MinBumpGap:  500 * time.Millisecond,
	}
}

type ActivityChangeFunction func(state ActivityState)
type CollaboratorsChangeFunction func(collaborators []*Collaborator)

// PresenceTracker owns the local activity state machine and the remote
// collaborator map. It is the single writer for both.
type PresenceTracker struct {
	settings *PresenceSettings

	activityCallbacks      *CallbackList[ActivityChangeFunction]
	collaboratorsCallbacks *CallbackList[CollaboratorsChangeFunction]

	coalescer *TickCoalescer

	mutex         sync.Mutex
	state         ActivityState
	visible       bool
	focused       bool
	idleTimer     *time.Timer
	stopped       bool
	localSocketId string

	// live and shadow collaborator maps, swapped by the hide toggle.
	// updates always land in whichever map is active.
	collaborators map[string]*Collaborator
	shadow        map[string]*Collaborator
	hiddenMode    bool
}

func NewPresenceTrackerWithDefaults() *PresenceTracker {
	return NewPresenceTracker(DefaultPresenceSettings())
}

func NewPresenceTracker(settings *PresenceSettings) *PresenceTracker {
	presenceTracker := &PresenceTracker{
		settings:               settings,
		activityCallbacks:      NewCallbackList[ActivityChangeFunction](),
		collaboratorsCallbacks: NewCallbackList[CollaboratorsChangeFunction](),
		state:                  ActivityActive,
		visible:                true,
		focused:                true,
		collaborators:          map[string]*Collaborator{},
		shadow:                 map[string]*Collaborator{},
	}
	presenceTracker.coalescer = NewTickCoalescer(
		settings.BumpTick,
		settings.MinBumpGap,
		presenceTracker.evaluateBump,
	)
	presenceTracker.resetIdleTimer()
	return presenceTracker
}

func (self *PresenceTracker) AddActivityChangeCallback(callback ActivityChangeFunction) func() {
	return self.activityCallbacks.Add(callback)
}

func (self *PresenceTracker) AddCollaboratorsChangeCallback(callback CollaboratorsChangeFunction) func() {
	return self.collaboratorsCallbacks.Add(callback)
}

func (self *PresenceTracker) State() ActivityState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// Bump records a qualifying input event: pointer move, click, key press,
// scroll, or focus. Raw events are coalesced; at most one evaluation runs
// per tick and per minimum gap.
func (self *PresenceTracker) Bump() {
	self.coalescer.Bump()
}

func (self *PresenceTracker) evaluateBump() {
	self.mutex.Lock()
	if self.stopped || !self.visible || !self.focused {
		self.mutex.Unlock()
		return
	}
	self.resetIdleTimerLocked()
	changed := self.state != ActivityActive
	self.state = ActivityActive
	self.mutex.Unlock()

	if changed {
		self.emitActivity(ActivityActive)
	}
}

func (self *PresenceTracker) idleExpired() {
	self.mutex.Lock()
	if self.stopped || self.state != ActivityActive {
		self.mutex.Unlock()
		return
	}
	self.state = ActivityIdle
	self.idleTimer = nil
	self.mutex.Unlock()

	self.emitActivity(ActivityIdle)
}

// SetVisible reports document visibility. Hiding is unconditional: it
// overrides any in-flight idle timer.
func (self *PresenceTracker) SetVisible(visible bool) {
	self.setPresent(func() {
		self.visible = visible
	})
}

// SetFocused reports window focus.
func (self *PresenceTracker) SetFocused(focused bool) {
	self.setPresent(func() {
		self.focused = focused
	})
}

// apply runs under the tracker mutex
func (self *PresenceTracker) setPresent(apply func()) {
	self.mutex.Lock()
	if self.stopped {
		self.mutex.Unlock()
		return
	}
	apply()

	visible := self.visible
	focused := self.focused

	var next ActivityState
	if visible && focused {
		next = ActivityActive
		self.resetIdleTimerLocked()
	} else {
		next = ActivityAway
		self.cancelIdleTimerLocked()
	}
	changed := self.state != next
	self.state = next
	self.mutex.Unlock()

	if changed {
		self.emitActivity(next)
	}
}

func (self *PresenceTracker) resetIdleTimer() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.resetIdleTimerLocked()
}

func (self *PresenceTracker) resetIdleTimerLocked() {
	if self.idleTimer != nil {
		self.idleTimer.Stop()
	}
	self.idleTimer = time.AfterFunc(self.settings.IdleTimeout, self.idleExpired)
}

func (self *PresenceTracker) cancelIdleTimerLocked() {
	if self.idleTimer != nil {
		self.idleTimer.Stop()
		self.idleTimer = nil
	}
}

func (self *PresenceTracker) emitActivity(state ActivityState) {
	glog.V(2).Infof("[p]activity %s\n", state)
	for _, callback := range self.activityCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

// SetLocalSocketId records the connection-scoped id of the local user so
// membership snapshots can mark the matching record.
func (self *PresenceTracker) SetLocalSocketId(socketId string) {
	self.mutex.Lock()
	self.localSocketId = socketId
	self.mutex.Unlock()
}

// ApplyMembership replaces the active collaborator map with a snapshot.
// Records absent from the snapshot are dropped.
func (self *PresenceTracker) ApplyMembership(collaborators []*Collaborator) {
	self.mutex.Lock()
	active := self.activeMapLocked()
	maps.Clear(active)
	for _, collaborator := range collaborators {
		collaborator.IsCurrentUser = collaborator.SocketId == self.localSocketId
		active[collaborator.SocketId] = collaborator
	}
	self.mutex.Unlock()

	self.emitCollaborators()
}

// ApplyPointerUpdate updates one collaborator record in place. Updates for
// sockets not in the current membership snapshot are dropped.
func (self *PresenceTracker) ApplyPointerUpdate(update *PointerUpdateEvent) {
	self.mutex.Lock()
	active := self.activeMapLocked()
	collaborator, ok := active[update.SocketId]
	if !ok {
		self.mutex.Unlock()
		glog.V(2).Infof("[p]pointer update for unknown socket %s\n", update.SocketId)
		return
	}
	if update.Pointer != nil {
		collaborator.Pointer = update.Pointer
	}
	if update.SelectedElementIds != nil {
		collaborator.SelectedElementIds = update.SelectedElementIds
	}
	if update.ActivityState != "" {
		collaborator.ActivityState = update.ActivityState
	}
	if update.Username != "" {
		collaborator.Username = update.Username
	}
	self.mutex.Unlock()

	self.emitCollaborators()
}

// SetCollaboratorsHidden toggles between the live and shadow maps. The
// outgoing map's contents are copied across so un-hiding restores the exact
// last-known state rather than resetting it.
func (self *PresenceTracker) SetCollaboratorsHidden(hidden bool) {
	self.mutex.Lock()
	if hidden == self.hiddenMode {
		self.mutex.Unlock()
		return
	}
	outgoing := self.activeMapLocked()
	self.hiddenMode = hidden
	incoming := self.activeMapLocked()
	maps.Clear(incoming)
	maps.Copy(incoming, outgoing)
	self.mutex.Unlock()

	self.emitCollaborators()
}

func (self *PresenceTracker) CollaboratorsHidden() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.hiddenMode
}

func (self *PresenceTracker) activeMapLocked() map[string]*Collaborator {
	if self.hiddenMode {
		return self.shadow
	}
	return self.collaborators
}

// Collaborators returns a copy of the active map's records.
func (self *PresenceTracker) Collaborators() []*Collaborator {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.activeMapLocked())
}

func (self *PresenceTracker) emitCollaborators() {
	collaborators := self.Collaborators()
	for _, callback := range self.collaboratorsCallbacks.Get() {
		HandleError(func() {
			callback(collaborators)
		})
	}
}

// Stop cancels all timers. No callback fires after Stop returns.
func (self *PresenceTracker) Stop() {
	self.coalescer.Cancel()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.stopped = true
	self.cancelIdleTimerLocked()
}
