package offline

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPushUpdateKind(t *testing.T) {
	kind, ok := PushUpdateKind("chat_message")
	assert.Equal(t, ok, true)
	assert.Equal(t, kind, UpdateKindMessageReceived)

	kind, ok = PushUpdateKind("inventory_update")
	assert.Equal(t, ok, true)
	assert.Equal(t, kind, UpdateKindInventoryChanged)

	_, ok = PushUpdateKind("mystery")
	assert.Equal(t, ok, false)

	_, ok = PushUpdateKind("")
	assert.Equal(t, ok, false)
}

func TestPushHandler(t *testing.T) {
	ctx := context.Background()

	updates := NewUpdateBusWithDefaults(ctx, NewMemoryStorage())
	defer updates.Close()

	received := []*UpdateRecord{}
	updates.AddListener("inbox", []UpdateKind{UpdateKindMessageReceived}, func(record *UpdateRecord) {
		received = append(received, record)
	})

	push := NewPushHandler(updates)

	handled := push.HandlePush(map[string]any{
		"type":      "chat_message",
		"thread_id": "t1",
		"sender":    "ana",
	})
	assert.Equal(t, handled, true)
	assert.Equal(t, len(received), 1)
	assert.Equal(t, received[0].Kind, UpdateKindMessageReceived)
	assert.Equal(t, received[0].Source, UpdateSourcePush)
	assert.Equal(t, received[0].Payload["thread_id"], "t1")
	assert.Equal(t, received[0].Payload["sender"], "ana")

	// the routing discriminator stays out of the payload
	_, ok := received[0].Payload["type"]
	assert.Equal(t, ok, false)

	// the stamp is durable, a cold start would still see it
	check := updates.CheckForUpdate(UpdateKindMessageReceived)
	assert.NotEqual(t, check, nil)
	assert.Equal(t, check.Record.Source, UpdateSourcePush)

	// unknown and missing types are ignored
	assert.Equal(t, push.HandlePush(map[string]any{"type": "mystery"}), false)
	assert.Equal(t, push.HandlePush(map[string]any{"thread_id": "t1"}), false)
	assert.Equal(t, push.HandlePush(nil), false)
	assert.Equal(t, len(received), 1)
}
