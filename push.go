package offline

import (
	"github.com/golang/glog"
)

// maps push notification types to the update kind they stamp.
// unknown types are ignored so that old clients tolerate new pushes.
var pushTypeUpdateKinds = map[string]UpdateKind{
	"chat_message":     UpdateKindMessageReceived,
	"product_update":   UpdateKindProductChanged,
	"inventory_update": UpdateKindInventoryChanged,
	"profile_update":   UpdateKindProfileChanged,
	"order_update":     UpdateKindOrderChanged,
}

func PushUpdateKind(pushType string) (UpdateKind, bool) {
	kind, ok := pushTypeUpdateKinds[pushType]
	return kind, ok
}

// converts push notification data into update bus stamps. the native
// push receiver hands the data map here, it never touches the bus.
type PushHandler struct {
	updates *UpdateBus
}

func NewPushHandler(updates *UpdateBus) *PushHandler {
	return &PushHandler{
		updates: updates,
	}
}

// the "type" entry selects the update kind and the remaining entries
// become the update payload. returns whether the push was recognized.
func (self *PushHandler) HandlePush(payload map[string]any) bool {
	pushType, ok := payload["type"].(string)
	if !ok {
		glog.V(1).Infof("[push]missing type\n")
		return false
	}
	kind, ok := pushTypeUpdateKinds[pushType]
	if !ok {
		glog.V(1).Infof("[push]unknown type=%s\n", pushType)
		return false
	}

	data := map[string]any{}
	for key, value := range payload {
		if key != "type" {
			data[key] = value
		}
	}

	opts := DefaultTriggerUpdateOptions()
	opts.Source = UpdateSourcePush
	self.updates.TriggerUpdate(kind, data, opts)
	glog.V(1).Infof("[push]%s -> %s\n", pushType, kind)
	return true
}
