package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeInitEvent(t *testing.T) {
	message := []byte(`{"type":"init","payload":{"socketId":"s1","elements":[{"id":"1","version":2,"versionNonce":7}]}}`)

	event, err := DecodeServerEvent(message)
	assert.Equal(t, nil, err)

	init, ok := event.(*InitEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, "s1", init.SocketId)
	assert.Equal(t, 1, len(init.Elements))
	assert.Equal(t, int64(2), init.Elements[0].Version)
}

func TestDecodeEmptyPayloadEvents(t *testing.T) {
	event, err := DecodeServerEvent([]byte(`{"type":"kick"}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, EventKick, event.EventType())

	event, err = DecodeServerEvent([]byte(`{"type":"isSaved"}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, EventIsSaved, event.EventType())
}

func TestDecodePointerUpdate(t *testing.T) {
	message := []byte(`{"type":"collaboratorPointerUpdate","payload":{"socketId":"s2","pointer":{"x":1.5,"y":2.5,"tool":"laser"},"selectedElementIds":["a","b"],"activityState":"idle"}}`)

	event, err := DecodeServerEvent(message)
	assert.Equal(t, nil, err)

	update, ok := event.(*PointerUpdateEvent)
	assert.Equal(t, true, ok)
	assert.Equal(t, "s2", update.SocketId)
	assert.Equal(t, 1.5, update.Pointer.X)
	assert.Equal(t, "laser", update.Pointer.Tool)
	assert.Equal(t, []string{"a", "b"}, update.SelectedElementIds)
	assert.Equal(t, ActivityIdle, update.ActivityState)
}

func TestDecodeSceneEvents(t *testing.T) {
	event, err := DecodeServerEvent([]byte(`{"type":"broadcastScene","payload":{"elements":[{"id":"1","version":1,"versionNonce":1,"isDeleted":true}]}}`))
	assert.Equal(t, nil, err)
	broadcast := event.(*BroadcastSceneEvent)
	assert.Equal(t, true, broadcast.Elements[0].Deleted)

	event, err = DecodeServerEvent([]byte(`{"type":"sendSnapshot","payload":{"elements":[]}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, EventSendSnapshot, event.EventType())
}

func TestDecodeMembershipAndFiles(t *testing.T) {
	event, err := DecodeServerEvent([]byte(`{"type":"setCollaborators","payload":{"collaborators":[{"socketId":"s1","username":"ada"}]}}`))
	assert.Equal(t, nil, err)
	collaborators := event.(*SetCollaboratorsEvent)
	assert.Equal(t, "ada", collaborators.Collaborators[0].Username)

	event, err = DecodeServerEvent([]byte(`{"type":"preloadFiles","payload":{"fileIds":["f1","f2"]}}`))
	assert.Equal(t, nil, err)
	preload := event.(*PreloadFilesEvent)
	assert.Equal(t, []string{"f1", "f2"}, preload.FileIds)

	event, err = DecodeServerEvent([]byte(`{"type":"filesUpdated","payload":{"uploaded":3,"failed":1}}`))
	assert.Equal(t, nil, err)
	updated := event.(*FilesUpdatedEvent)
	assert.Equal(t, 3, updated.Uploaded)
}

func TestDecodeFollowEvents(t *testing.T) {
	event, err := DecodeServerEvent([]byte(`{"type":"followedBy","payload":{"socketIds":["s3"]}}`))
	assert.Equal(t, nil, err)
	followed := event.(*FollowedByEvent)
	assert.Equal(t, []string{"s3"}, followed.SocketIds)

	event, err = DecodeServerEvent([]byte(`{"type":"relayVisibleSceneBounds","payload":{"bounds":{"x":0,"y":0,"width":800,"height":600},"socketId":"s3"}}`))
	assert.Equal(t, nil, err)
	bounds := event.(*RelaySceneBoundsEvent)
	assert.Equal(t, float64(800), bounds.Bounds.Width)
	assert.Equal(t, "s3", bounds.SocketId)
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := DecodeServerEvent([]byte(`{"type":"nope"}`))
	assert.NotEqual(t, nil, err)

	_, err = DecodeServerEvent([]byte(`not json`))
	assert.NotEqual(t, nil, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	message, err := EncodeClientEvent(EventBroadcastScene, &BroadcastSceneEvent{
		Elements: []*Element{element("1", 4, 9)},
	})
	assert.Equal(t, nil, err)

	event, err := DecodeServerEvent(message)
	assert.Equal(t, nil, err)
	broadcast := event.(*BroadcastSceneEvent)
	assert.Equal(t, int64(4), broadcast.Elements[0].Version)
	assert.Equal(t, int64(9), broadcast.Elements[0].VersionNonce)
}

func TestEncodeNilPayload(t *testing.T) {
	message, err := EncodeClientEvent(EventSendSnapshot, nil)
	assert.Equal(t, nil, err)

	event, err := DecodeServerEvent(message)
	assert.Equal(t, nil, err)
	assert.Equal(t, EventSendSnapshot, event.EventType())
}
