package collab

import (
	"encoding/json"
	"fmt"
)

// wire protocol with the relay: JSON text frames with a `{type, payload}`
// envelope. payloads are decoded into one variant per event at the transport
// boundary so nothing past the session inspects raw bytes.

type EventType string

const (
	// server -> client
	EventInit              EventType = "init"
	EventKick              EventType = "kick"
	EventSetCollaborators  EventType = "setCollaborators"
	EventBroadcastScene    EventType = "broadcastScene"
	EventSendSnapshot      EventType = "sendSnapshot"
	EventIsSaved           EventType = "isSaved"
	EventPreloadFiles      EventType = "preloadFiles"
	EventFilesUpdated      EventType = "filesUpdated"
	EventPointerUpdate     EventType = "collaboratorPointerUpdate"
	EventFollowedBy        EventType = "followedBy"
	EventRelaySceneBounds  EventType = "relayVisibleSceneBounds"

	// client -> server only
	EventUserFollow EventType = "userFollow"
)

type ServerEvent interface {
	EventType() EventType
}

type InitEvent struct {
	// connection-scoped id the relay assigned to this client
	SocketId string     `json:"socketId"`
	Elements []*Element `json:"elements"`
}

func (self *InitEvent) EventType() EventType {
	return EventInit
}

type KickEvent struct{}

func (self *KickEvent) EventType() EventType {
	return EventKick
}

type SetCollaboratorsEvent struct {
	Collaborators []*Collaborator `json:"collaborators"`
}

func (self *SetCollaboratorsEvent) EventType() EventType {
	return EventSetCollaborators
}

type BroadcastSceneEvent struct {
	Elements []*Element `json:"elements"`
}

func (self *BroadcastSceneEvent) EventType() EventType {
	return EventBroadcastScene
}

type SendSnapshotEvent struct {
	Elements []*Element `json:"elements"`
}

func (self *SendSnapshotEvent) EventType() EventType {
	return EventSendSnapshot
}

type IsSavedEvent struct{}

func (self *IsSavedEvent) EventType() EventType {
	return EventIsSaved
}

type PreloadFilesEvent struct {
	FileIds []string `json:"fileIds"`
}

func (self *PreloadFilesEvent) EventType() EventType {
	return EventPreloadFiles
}

type FilesUpdatedEvent struct {
	Uploaded int `json:"uploaded,omitempty"`
	Failed   int `json:"failed,omitempty"`
}

func (self *FilesUpdatedEvent) EventType() EventType {
	return EventFilesUpdated
}

type Pointer struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Tool string  `json:"tool,omitempty"`
}

type PointerUpdateEvent struct {
	SocketId           string        `json:"socketId"`
	Pointer            *Pointer      `json:"pointer,omitempty"`
	Button             string        `json:"button,omitempty"`
	SelectedElementIds []string      `json:"selectedElementIds,omitempty"`
	ActivityState      ActivityState `json:"activityState,omitempty"`
	Username           string        `json:"username,omitempty"`
}

func (self *PointerUpdateEvent) EventType() EventType {
	return EventPointerUpdate
}

type FollowedByEvent struct {
	SocketIds []string `json:"socketIds"`
}

func (self *FollowedByEvent) EventType() EventType {
	return EventFollowedBy
}

type SceneBounds struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type RelaySceneBoundsEvent struct {
	Bounds   SceneBounds `json:"bounds"`
	SocketId string      `json:"socketId"`
}

func (self *RelaySceneBoundsEvent) EventType() EventType {
	return EventRelaySceneBounds
}

// UserFollowEvent is client -> server only: follow or unfollow a peer.
type UserFollowEvent struct {
	SocketId string `json:"socketId"`
	// "follow" or "unfollow"
	Action string `json:"action"`
}

func (self *UserFollowEvent) EventType() EventType {
	return EventUserFollow
}

type eventEnvelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func DecodeServerEvent(message []byte) (ServerEvent, error) {
	envelope := &eventEnvelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, err
	}

	var event ServerEvent
	switch envelope.Type {
	case EventInit:
		event = &InitEvent{}
	case EventKick:
		return &KickEvent{}, nil
	case EventSetCollaborators:
		event = &SetCollaboratorsEvent{}
	case EventBroadcastScene:
		event = &BroadcastSceneEvent{}
	case EventSendSnapshot:
		event = &SendSnapshotEvent{}
	case EventIsSaved:
		return &IsSavedEvent{}, nil
	case EventPreloadFiles:
		event = &PreloadFilesEvent{}
	case EventFilesUpdated:
		event = &FilesUpdatedEvent{}
	case EventPointerUpdate:
		event = &PointerUpdateEvent{}
	case EventFollowedBy:
		event = &FollowedByEvent{}
	case EventRelaySceneBounds:
		event = &RelaySceneBoundsEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", envelope.Type)
	}

	if len(envelope.Payload) != 0 {
		if err := json.Unmarshal(envelope.Payload, event); err != nil {
			return nil, err
		}
	}
	return event, nil
}

func EncodeClientEvent(eventType EventType, payload any) ([]byte, error) {
	envelope := &eventEnvelope{
		Type: eventType,
	}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = payloadBytes
	}
	return json.Marshal(envelope)
}
