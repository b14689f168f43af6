package offline

import (
	"context"
)

type ClientSettings struct {
	ApiUrl string

	ConnectivitySettings  *ConnectivityMonitorSettings
	CacheSettings         *CacheStoreSettings
	UpdateBusSettings     *UpdateBusSettings
	MutationQueueSettings *MutationQueueSettings
	ChannelSettings       *ChannelManagerSettings
}

func DefaultClientSettings(apiUrl string) *ClientSettings {
	return &ClientSettings{
		ApiUrl:                apiUrl,
		ConnectivitySettings:  DefaultConnectivityMonitorSettings(),
		CacheSettings:         DefaultCacheStoreSettings(),
		UpdateBusSettings:     DefaultUpdateBusSettings(),
		MutationQueueSettings: DefaultMutationQueueSettings(),
		ChannelSettings:       DefaultChannelManagerSettings(),
	}
}

// composition root for one signed-in identity. a client binds the
// storage backed subsystems together and wires connectivity through
// them. identity changes close the client and create a new one.
// the caller owns the storage and closes it after the client.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	auth    *ClientAuth
	storage Storage

	api          *MarketdayApi
	connectivity *ConnectivityMonitor
	cache        *CacheStore
	updates      *UpdateBus
	queue        *MutationQueue
	channel      *ChannelManager
	push         *PushHandler
}

func NewClientWithDefaults(ctx context.Context, auth *ClientAuth, storage Storage, apiUrl string) *Client {
	return NewClient(ctx, auth, storage, DefaultClientSettings(apiUrl))
}

func NewClient(ctx context.Context, auth *ClientAuth, storage Storage, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewMarketdayApiWithContext(cancelCtx, settings.ApiUrl)
	api.SetByJwt(auth.ByJwt)

	connectivity := NewConnectivityMonitor(cancelCtx, settings.ConnectivitySettings)
	cache := NewCacheStore(cancelCtx, storage, settings.CacheSettings)
	updates := NewUpdateBus(cancelCtx, storage, settings.UpdateBusSettings)
	queue := NewMutationQueue(
		cancelCtx,
		storage,
		connectivity,
		DefaultOperationHandlers(api, updates),
		settings.MutationQueueSettings,
	)
	channel := NewChannelManager(cancelCtx, api, auth, settings.ChannelSettings)
	channel.SetUpdateBus(updates)
	push := NewPushHandler(updates)

	return &Client{
		ctx:          cancelCtx,
		cancel:       cancel,
		auth:         auth,
		storage:      storage,
		api:          api,
		connectivity: connectivity,
		cache:        cache,
		updates:      updates,
		queue:        queue,
		channel:      channel,
		push:         push,
	}
}

func (self *Client) Auth() *ClientAuth {
	return self.auth
}

func (self *Client) Api() *MarketdayApi {
	return self.api
}

func (self *Client) Connectivity() *ConnectivityMonitor {
	return self.connectivity
}

func (self *Client) Cache() *CacheStore {
	return self.cache
}

func (self *Client) Updates() *UpdateBus {
	return self.updates
}

func (self *Client) Queue() *MutationQueue {
	return self.queue
}

func (self *Client) Channel() *ChannelManager {
	return self.channel
}

func (self *Client) Push() *PushHandler {
	return self.push
}

// the platform reachability callback drives this
func (self *Client) SetOnline(online bool) {
	self.connectivity.SetOnline(online)
}

func (self *Client) Close() {
	self.channel.Close()
	self.queue.Close()
	self.updates.Close()
	self.cache.Close()
	self.connectivity.Close()
	self.api.Close()
	self.cancel()
}
