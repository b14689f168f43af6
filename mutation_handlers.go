package offline

import (
	"context"
)

// builds the handler set used by the queue: one handler per operation
// kind, each resolving pending local assets first, then calling the
// kind's endpoint, then stamping the matching update kind on success.
func DefaultOperationHandlers(api *MarketdayApi, updates *UpdateBus) map[OpKind]OperationHandler {
	handlers := &operationHandlers{
		api:     api,
		updates: updates,
	}
	return map[OpKind]OperationHandler{
		OpKindCreateProduct:  handlers.createProduct,
		OpKindUpdateProduct:  handlers.updateProduct,
		OpKindDeleteProduct:  handlers.deleteProduct,
		OpKindToggleFavorite: handlers.toggleFavorite,
		OpKindUpdateProfile:  handlers.updateProfile,
		OpKindSendMessage:    handlers.sendMessage,
	}
}

type operationHandlers struct {
	api     *MarketdayApi
	updates *UpdateBus
}

// uploads `payload["pending_assets"]` ({local_path, kind} items) and
// folds the returned urls into `payload["asset_urls"]`. the payload
// mutation persists with the queue, so a retry of the main write does
// not upload twice.
func (self *operationHandlers) resolvePendingAssets(op *Operation) error {
	pendingAssets, ok := op.Payload["pending_assets"]
	if !ok {
		return nil
	}
	items, ok := pendingAssets.([]any)
	if !ok {
		return &ValidationError{Message: "pending_assets must be a list"}
	}

	assetUrls := payloadStrings(op.Payload, "asset_urls")
	for _, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return &ValidationError{Message: "pending_assets items must be objects"}
		}
		localPath, _ := fields["local_path"].(string)
		if localPath == "" {
			return &ValidationError{Message: "pending asset missing local_path"}
		}
		kind, _ := fields["kind"].(string)

		result, err := self.api.UploadAssetSync(&UploadAssetArgs{
			LocalPath: localPath,
			Kind:      kind,
		})
		if err != nil {
			if IsValidationError(err) {
				return err
			}
			return &TransientNetworkError{Err: err}
		}
		if result.Error != nil {
			return &ServerRejectionError{Message: result.Error.Message}
		}
		if result.Url == "" {
			return &ServerRejectionError{Message: "upload returned no url"}
		}
		assetUrls = append(assetUrls, result.Url)
	}

	op.Payload["asset_urls"] = assetUrls
	delete(op.Payload, "pending_assets")
	return nil
}

func (self *operationHandlers) createProduct(ctx context.Context, op *Operation) error {
	if err := self.resolvePendingAssets(op); err != nil {
		return err
	}

	name := payloadString(op.Payload, "name")
	if name == "" {
		return &ValidationError{Message: "name required"}
	}
	quantity, _ := payloadInt(op.Payload, "quantity")
	priceCents, _ := payloadInt64(op.Payload, "price_cents")

	result, err := self.api.CreateProductSync(&CreateProductArgs{
		Name:        name,
		Description: payloadString(op.Payload, "description"),
		PriceCents:  priceCents,
		Quantity:    quantity,
		AssetUrls:   payloadStrings(op.Payload, "asset_urls"),
	})
	if err != nil {
		return &TransientNetworkError{Err: err}
	}
	if result.Error != nil {
		return &ServerRejectionError{Message: result.Error.Message}
	}
	if result.ProductId == nil {
		// an absent id counts as failure
		return &ServerRejectionError{Message: "no product id returned"}
	}

	self.updates.TriggerUpdate(UpdateKindProductChanged, map[string]any{
		"product_id": result.ProductId.String(),
	}, nil)
	return nil
}

func (self *operationHandlers) updateProduct(ctx context.Context, op *Operation) error {
	if err := self.resolvePendingAssets(op); err != nil {
		return err
	}

	productId, err := payloadId(op.Payload, "product_id")
	if err != nil {
		return &ValidationError{Message: "product_id required"}
	}

	args := &UpdateProductArgs{
		ProductId:   productId,
		Name:        payloadString(op.Payload, "name"),
		Description: payloadString(op.Payload, "description"),
		AssetUrls:   payloadStrings(op.Payload, "asset_urls"),
	}
	if priceCents, ok := payloadInt64(op.Payload, "price_cents"); ok {
		args.PriceCents = priceCents
	}
	if quantity, ok := payloadInt(op.Payload, "quantity"); ok {
		args.Quantity = &quantity
	}

	result, err := self.api.UpdateProductSync(args)
	if err != nil {
		return &TransientNetworkError{Err: err}
	}
	if result.Error != nil {
		return &ServerRejectionError{Message: result.Error.Message}
	}
	if !result.Success {
		return &ServerRejectionError{Message: "update not accepted"}
	}

	self.updates.TriggerUpdate(UpdateKindProductChanged, map[string]any{
		"product_id": productId.String(),
	}, nil)
	return nil
}

func (self *operationHandlers) deleteProduct(ctx context.Context, op *Operation) error {
	productId, err := payloadId(op.Payload, "product_id")
	if err != nil {
		return &ValidationError{Message: "product_id required"}
	}

	result, err := self.api.DeleteProductSync(&DeleteProductArgs{
		ProductId: productId,
	})
	if err != nil {
		return &TransientNetworkError{Err: err}
	}
	if result.Error != nil {
		return &ServerRejectionError{Message: result.Error.Message}
	}
	if !result.Success {
		return &ServerRejectionError{Message: "delete not accepted"}
	}

	self.updates.TriggerUpdate(UpdateKindProductChanged, map[string]any{
		"product_id": productId.String(),
		"deleted":    true,
	}, nil)
	return nil
}

func (self *operationHandlers) toggleFavorite(ctx context.Context, op *Operation) error {
	productId, err := payloadId(op.Payload, "product_id")
	if err != nil {
		return &ValidationError{Message: "product_id required"}
	}

	result, err := self.api.ToggleFavoriteSync(&ToggleFavoriteArgs{
		ProductId: productId,
	})
	if err != nil {
		return &TransientNetworkError{Err: err}
	}
	if result.Error != nil {
		return &ServerRejectionError{Message: result.Error.Message}
	}
	if !result.Success {
		return &ServerRejectionError{Message: "toggle not accepted"}
	}

	self.updates.TriggerUpdate(UpdateKindFavoritesChanged, map[string]any{
		"product_id": productId.String(),
		"saved":      result.Saved,
	}, nil)
	return nil
}

func (self *operationHandlers) updateProfile(ctx context.Context, op *Operation) error {
	if err := self.resolvePendingAssets(op); err != nil {
		return err
	}

	args := &UpdateProfileArgs{
		DisplayName:  payloadString(op.Payload, "display_name"),
		Bio:          payloadString(op.Payload, "bio"),
		BusinessName: payloadString(op.Payload, "business_name"),
		BusinessBio:  payloadString(op.Payload, "business_bio"),
		AvatarUrl:    payloadString(op.Payload, "avatar_url"),
	}
	// an uploaded avatar lands in asset_urls
	if assetUrls := payloadStrings(op.Payload, "asset_urls"); args.AvatarUrl == "" && 0 < len(assetUrls) {
		args.AvatarUrl = assetUrls[0]
	}

	result, err := self.api.UpdateProfileSync(args)
	if err != nil {
		return &TransientNetworkError{Err: err}
	}
	if result.Error != nil {
		return &ServerRejectionError{Message: result.Error.Message}
	}
	if !result.Success {
		return &ServerRejectionError{Message: "profile update not accepted"}
	}

	self.updates.TriggerUpdate(UpdateKindProfileChanged, map[string]any{}, nil)
	return nil
}

func (self *operationHandlers) sendMessage(ctx context.Context, op *Operation) error {
	threadId, err := payloadId(op.Payload, "thread_id")
	if err != nil {
		return &ValidationError{Message: "thread_id required"}
	}
	text := payloadString(op.Payload, "text")
	if text == "" {
		return &ValidationError{Message: "text required"}
	}

	result, err := self.api.SendChatMessageSync(&SendChatMessageArgs{
		ThreadId: threadId,
		Text:     text,
		// the operation id doubles as the dedup key, a copy of this
		// message sent over the realtime channel carries the same id
		ClientMessageId: op.OperationId,
	})
	if err != nil {
		return &TransientNetworkError{Err: err}
	}
	if result.Error != nil {
		return &ServerRejectionError{Message: result.Error.Message}
	}
	if result.MessageId == nil {
		return &ServerRejectionError{Message: "no message id returned"}
	}
	return nil
}

func payloadString(payload map[string]any, key string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

// json round trips turn numbers into float64, accept both
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	value, ok := payloadInt64(payload, key)
	return int(value), ok
}

func payloadId(payload map[string]any, key string) (Id, error) {
	idStr := payloadString(payload, key)
	return ParseId(idStr)
}

func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		values := []string{}
		for _, item := range v {
			if value, ok := item.(string); ok {
				values = append(values, value)
			}
		}
		return values
	default:
		return nil
	}
}
