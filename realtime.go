package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const ChannelSendBufferSize = 8

const (
	channelTypeJoin        = "join"
	channelTypeMessage     = "message"
	channelTypeTyping      = "typing"
	channelTypeReadReceipt = "read_receipt"
)

// wire envelope for channel events in both directions
type channelEnvelope struct {
	Type      string     `json:"type"`
	Group     string     `json:"group,omitempty"`
	ThreadId  *Id        `json:"thread_id,omitempty"`
	MessageId *Id        `json:"message_id,omitempty"`
	SenderId  *Id        `json:"sender_id,omitempty"`
	UserId    *Id        `json:"user_id,omitempty"`
	Text      string     `json:"text,omitempty"`
	Started   bool       `json:"started,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

type ChatMessageEvent struct {
	ThreadId  Id
	MessageId Id
	SenderId  Id
	Text      string
	SentAt    time.Time
}

type TypingEvent struct {
	ThreadId Id
	UserId   Id
	Started  bool
}

type ReadReceiptEvent struct {
	ThreadId  Id
	UserId    Id
	MessageId Id
}

type MessageReceivedFunction func(event *ChatMessageEvent)

type TypingEventFunction func(event *TypingEvent)

type ReadReceiptFunction func(event *ReadReceiptEvent)

type ConnectionStateChangeFunction func(state *ConnectionState)

type ChannelManagerSettings struct {
	// minimum time between liveness probes. inside this window the last
	// probe result is reused.
	ProbeInterval        time.Duration
	ProbeTimeout         time.Duration
	WsHandshakeTimeout   time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	ReconnectMinTimeout  time.Duration
	ReconnectMaxTimeout  time.Duration
	MaxReconnectAttempts int
	ReadLimit            ByteCount
	SilentLogInterval    time.Duration
}

func DefaultChannelManagerSettings() *ChannelManagerSettings {
	return &ChannelManagerSettings{
		ProbeInterval:        120 * time.Second,
		ProbeTimeout:         1500 * time.Millisecond,
		WsHandshakeTimeout:   5 * time.Second,
		PingTimeout:          30 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          65 * time.Second,
		ReconnectMinTimeout:  2 * time.Second,
		ReconnectMaxTimeout:  30 * time.Second,
		MaxReconnectAttempts: 5,
		ReadLimit:            kib(64),
		SilentLogInterval:    5 * time.Minute,
	}
}

type stateListenerEntry struct {
	listenerId string
	callback   ConnectionStateChangeFunction
}

// keeps one realtime channel to the chat hub alive per client.
//
// Initialize is single flight. Concurrent callers join the in-flight
// attempt and see its outcome. A failed attempt, a missing identity, or
// exhausted reconnects put the manager in offline mode, which is
// terminal until Reset. Everything in offline mode fails soft: sends
// return false and state snapshots report OfflineMode.
type ChannelManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	api  *MarketdayApi
	auth *ClientAuth

	settings *ChannelManagerSettings

	silentLog *LogRateLimiter

	stateLock         sync.Mutex
	state             ChannelState
	lastError         string
	offlineMode       bool
	isServerAvailable bool
	reconnectAttempts int
	lastProbeTime     time.Time
	lastProbeOk       bool
	channel           *channel
	attempt           *connectAttempt
	// bumped on Reset so stale reconnect loops stop themselves
	sequenceId     int
	updates        *UpdateBus
	stateListeners []*stateListenerEntry

	messageCallbacks     *CallbackList[MessageReceivedFunction]
	typingCallbacks      *CallbackList[TypingEventFunction]
	readReceiptCallbacks *CallbackList[ReadReceiptFunction]
}

// an in-flight initialize that concurrent callers can join
type connectAttempt struct {
	done    chan struct{}
	success bool
}

func NewChannelManagerWithDefaults(ctx context.Context, api *MarketdayApi, auth *ClientAuth) *ChannelManager {
	return NewChannelManager(ctx, api, auth, DefaultChannelManagerSettings())
}

func NewChannelManager(ctx context.Context, api *MarketdayApi, auth *ClientAuth, settings *ChannelManagerSettings) *ChannelManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChannelManager{
		ctx:                  cancelCtx,
		cancel:               cancel,
		api:                  api,
		auth:                 auth,
		settings:             settings,
		silentLog:            NewLogRateLimiter(settings.SilentLogInterval),
		state:                ChannelStateDisconnected,
		messageCallbacks:     NewCallbackList[MessageReceivedFunction](),
		typingCallbacks:      NewCallbackList[TypingEventFunction](),
		readReceiptCallbacks: NewCallbackList[ReadReceiptFunction](),
	}
}

// inbound chat messages additionally stamp the update bus when set
func (self *ChannelManager) SetUpdateBus(updates *UpdateBus) {
	self.stateLock.Lock()
	self.updates = updates
	self.stateLock.Unlock()
}

// brings the channel up if it is not already up. returns whether the
// channel is connected when the attempt settles.
func (self *ChannelManager) Initialize() bool {
	self.stateLock.Lock()

	if self.offlineMode {
		self.stateLock.Unlock()
		if suppressedCount, allow := self.silentLog.Allow("initialize"); allow {
			glog.Infof("[ch]initialize skipped, offline mode (%d suppressed)\n", suppressedCount)
		}
		return false
	}

	if attempt := self.attempt; attempt != nil {
		// join the in-flight attempt
		self.stateLock.Unlock()
		select {
		case <-attempt.done:
			return attempt.success
		case <-self.ctx.Done():
			return false
		}
	}

	switch self.state {
	case ChannelStateConnected, ChannelStateReconnecting:
		// the session exists. recovery is handled internally.
		self.stateLock.Unlock()
		return true
	}

	if _, err := self.auth.UserId(); err != nil {
		// no identity, no network attempt
		self.offlineMode = true
		self.state = ChannelStateDisconnected
		self.lastError = ErrIdentityNotEstablished.Error()
		self.stateLock.Unlock()
		glog.Infof("[ch]offline mode, %s\n", ErrIdentityNotEstablished)
		self.notifyState()
		return false
	}

	attempt := &connectAttempt{
		done: make(chan struct{}),
	}
	self.attempt = attempt
	self.state = ChannelStateConnecting
	self.lastError = ""
	sequenceId := self.sequenceId
	self.stateLock.Unlock()
	self.notifyState()

	err := self.connect(sequenceId)

	self.stateLock.Lock()
	self.attempt = nil
	self.stateLock.Unlock()

	if err != nil {
		self.enterOfflineMode(sequenceId, err.Error())
		attempt.success = false
		close(attempt.done)
		return false
	}

	attempt.success = true
	close(attempt.done)
	return true
}

// one full connection attempt: probe, negotiate, dial, install
func (self *ChannelManager) connect(sequenceId int) error {
	if !self.probe() {
		return fmt.Errorf("channel endpoint unreachable")
	}

	result, err := self.api.NegotiateChannelSync(&NegotiateChannelArgs{
		InstanceId: self.auth.InstanceId,
	})
	if err != nil {
		return err
	}
	if result.Error != nil {
		return fmt.Errorf("negotiate error: %s", result.Error.Message)
	}
	if result.Url == "" {
		return fmt.Errorf("negotiate missing channel url")
	}

	ws, err := self.dial(result)
	if err != nil {
		return err
	}

	channel := newChannel(self.ctx, self, ws, self.settings)

	self.stateLock.Lock()
	if self.sequenceId != sequenceId {
		self.stateLock.Unlock()
		channel.close()
		return fmt.Errorf("reset during connect")
	}
	self.channel = channel
	self.state = ChannelStateConnected
	self.lastError = ""
	self.isServerAvailable = true
	self.reconnectAttempts = 0
	self.stateLock.Unlock()

	// a session can die the moment it is up. start the loops only after
	// the install so that channelDown sees the installed channel.
	channel.start()
	self.notifyState()

	userId, _ := self.auth.UserId()

	// join the per-identity group so the hub can route events here
	channel.Send(&channelEnvelope{
		Type:  channelTypeJoin,
		Group: fmt.Sprintf("user:%s", userId),
	})

	glog.V(1).Infof("[ch]connected %s\n", userId)
	return nil
}

// reuses the last probe result when it is recent so that repeated
// initialize calls do not hammer the negotiation endpoint
func (self *ChannelManager) probe() bool {
	self.stateLock.Lock()
	if !self.lastProbeTime.IsZero() && time.Since(self.lastProbeTime) < self.settings.ProbeInterval {
		ok := self.lastProbeOk
		self.stateLock.Unlock()
		return ok
	}
	self.stateLock.Unlock()

	ok := self.api.ProbeChannel(self.settings.ProbeTimeout)

	self.stateLock.Lock()
	self.lastProbeTime = time.Now()
	self.lastProbeOk = ok
	self.isServerAvailable = ok
	self.stateLock.Unlock()
	return ok
}

func (self *ChannelManager) dial(negotiate *NegotiateChannelResult) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if negotiate.AccessToken != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", negotiate.AccessToken))
	}

	dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.WsHandshakeTimeout)
	defer dialCancel()

	ws, _, err := dialer.DialContext(dialCtx, negotiate.Url, header)
	return ws, err
}

// called by the channel when its loops end
func (self *ChannelManager) channelDown(channel *channel, err error) {
	self.stateLock.Lock()
	if self.channel != channel {
		// already replaced or torn down
		self.stateLock.Unlock()
		return
	}
	self.channel = nil
	if self.offlineMode {
		self.stateLock.Unlock()
		return
	}
	select {
	case <-self.ctx.Done():
		self.stateLock.Unlock()
		return
	default:
	}
	self.state = ChannelStateReconnecting
	if err != nil {
		self.lastError = err.Error()
	}
	sequenceId := self.sequenceId
	self.stateLock.Unlock()
	self.notifyState()

	glog.Infof("[ch]connection lost, %s\n", err)
	go HandleError(func() {
		self.reconnect(sequenceId)
	})
}

func (self *ChannelManager) reconnect(sequenceId int) {
	for {
		self.stateLock.Lock()
		if self.sequenceId != sequenceId || self.offlineMode || self.channel != nil {
			self.stateLock.Unlock()
			return
		}
		self.reconnectAttempts += 1
		attemptNumber := self.reconnectAttempts
		self.stateLock.Unlock()

		if self.settings.MaxReconnectAttempts < attemptNumber {
			self.enterOfflineMode(sequenceId, "reconnect attempts exhausted")
			return
		}

		timeout := self.settings.ReconnectMinTimeout << (attemptNumber - 1)
		if self.settings.ReconnectMaxTimeout < timeout {
			timeout = self.settings.ReconnectMaxTimeout
		}
		self.notifyState()
		glog.V(1).Infof("[ch]reconnect %d/%d in %s\n", attemptNumber, self.settings.MaxReconnectAttempts, timeout)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(timeout):
		}

		if err := self.connect(sequenceId); err != nil {
			glog.V(1).Infof("[ch]reconnect error = %s\n", err)
		} else {
			return
		}
	}
}

// terminal for the session until Reset. a stale sequence id means a
// Reset already superseded this attempt, in which case nothing changes.
func (self *ChannelManager) enterOfflineMode(sequenceId int, reason string) {
	self.stateLock.Lock()
	if self.sequenceId != sequenceId || self.offlineMode {
		self.stateLock.Unlock()
		return
	}
	self.offlineMode = true
	self.state = ChannelStateDisconnected
	self.lastError = reason
	self.isServerAvailable = false
	self.stateLock.Unlock()

	if suppressedCount, allow := self.silentLog.Allow("offline"); allow {
		glog.Infof("[ch]offline mode, %s (%d suppressed)\n", reason, suppressedCount)
	}
	self.notifyState()
}

// clears offline mode and tears down any session so that the next
// Initialize starts fresh. call after the identity changes.
func (self *ChannelManager) Reset() {
	self.stateLock.Lock()
	channel := self.channel
	self.channel = nil
	self.offlineMode = false
	self.state = ChannelStateDisconnected
	self.lastError = ""
	self.reconnectAttempts = 0
	self.lastProbeTime = time.Time{}
	self.lastProbeOk = false
	self.sequenceId += 1
	self.stateLock.Unlock()

	if channel != nil {
		channel.close()
	}
	self.notifyState()
	glog.V(1).Infof("[ch]reset\n")
}

func (self *ChannelManager) handleEvent(envelope *channelEnvelope) {
	switch envelope.Type {
	case channelTypeMessage:
		if envelope.ThreadId == nil || envelope.MessageId == nil || envelope.SenderId == nil {
			glog.V(1).Infof("[ch]message event missing ids\n")
			return
		}
		event := &ChatMessageEvent{
			ThreadId:  *envelope.ThreadId,
			MessageId: *envelope.MessageId,
			SenderId:  *envelope.SenderId,
			Text:      envelope.Text,
		}
		if envelope.SentAt != nil {
			event.SentAt = *envelope.SentAt
		}
		for _, callback := range self.messageCallbacks.Get() {
			func() {
				defer recover()
				callback(event)
			}()
		}

		self.stateLock.Lock()
		updates := self.updates
		self.stateLock.Unlock()
		if updates != nil {
			opts := DefaultTriggerUpdateOptions()
			opts.Source = UpdateSourcePush
			updates.TriggerUpdate(UpdateKindMessageReceived, map[string]any{
				"thread_id":  event.ThreadId.String(),
				"message_id": event.MessageId.String(),
				"sender_id":  event.SenderId.String(),
			}, opts)
		}
	case channelTypeTyping:
		if envelope.ThreadId == nil || envelope.UserId == nil {
			return
		}
		event := &TypingEvent{
			ThreadId: *envelope.ThreadId,
			UserId:   *envelope.UserId,
			Started:  envelope.Started,
		}
		for _, callback := range self.typingCallbacks.Get() {
			func() {
				defer recover()
				callback(event)
			}()
		}
	case channelTypeReadReceipt:
		if envelope.ThreadId == nil || envelope.UserId == nil || envelope.MessageId == nil {
			return
		}
		event := &ReadReceiptEvent{
			ThreadId:  *envelope.ThreadId,
			UserId:    *envelope.UserId,
			MessageId: *envelope.MessageId,
		}
		for _, callback := range self.readReceiptCallbacks.Get() {
			func() {
				defer recover()
				callback(event)
			}()
		}
	default:
		glog.V(1).Infof("[ch]unknown event type=%s\n", envelope.Type)
	}
}

// realtime send. drops and returns false when the channel is down.
// durable delivery goes through the mutation queue instead.
func (self *ChannelManager) SendMessage(threadId Id, text string) bool {
	channel := self.connectedChannel()
	if channel == nil {
		glog.V(1).Infof("[ch]send message dropped, not connected\n")
		return false
	}
	userId, err := self.auth.UserId()
	if err != nil {
		return false
	}
	messageId := NewId()
	now := time.Now()
	return channel.Send(&channelEnvelope{
		Type:      channelTypeMessage,
		ThreadId:  &threadId,
		MessageId: &messageId,
		SenderId:  &userId,
		Text:      text,
		SentAt:    &now,
	})
}

func (self *ChannelManager) SendTypingIndicator(threadId Id, started bool) bool {
	channel := self.connectedChannel()
	if channel == nil {
		return false
	}
	userId, err := self.auth.UserId()
	if err != nil {
		return false
	}
	return channel.Send(&channelEnvelope{
		Type:     channelTypeTyping,
		ThreadId: &threadId,
		UserId:   &userId,
		Started:  started,
	})
}

func (self *ChannelManager) SendReadReceipt(threadId Id, messageId Id) bool {
	channel := self.connectedChannel()
	if channel == nil {
		return false
	}
	userId, err := self.auth.UserId()
	if err != nil {
		return false
	}
	return channel.Send(&channelEnvelope{
		Type:      channelTypeReadReceipt,
		ThreadId:  &threadId,
		MessageId: &messageId,
		UserId:    &userId,
	})
}

func (self *ChannelManager) connectedChannel() *channel {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != ChannelStateConnected {
		return nil
	}
	return self.channel
}

func (self *ChannelManager) GetConnectionState() *ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionState()
}

// must be called with the state lock
func (self *ChannelManager) connectionState() *ConnectionState {
	return &ConnectionState{
		State:             self.state,
		IsConnected:       self.state == ChannelStateConnected,
		IsConnecting:      self.state == ChannelStateConnecting,
		LastError:         self.lastError,
		IsServerAvailable: self.isServerAvailable,
		OfflineMode:       self.offlineMode,
		ReconnectAttempts: self.reconnectAttempts,
	}
}

func (self *ChannelManager) notifyState() {
	self.stateLock.Lock()
	state := self.connectionState()
	entries := slices.Clone(self.stateListeners)
	self.stateLock.Unlock()

	for _, entry := range entries {
		func() {
			defer recover()
			entry.callback(state)
		}()
	}
}

// re-adding an existing listener id replaces its callback
func (self *ChannelManager) AddStateListener(listenerId string, callback ConnectionStateChangeFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, entry := range self.stateListeners {
		if entry.listenerId == listenerId {
			self.stateListeners[i] = &stateListenerEntry{
				listenerId: listenerId,
				callback:   callback,
			}
			return
		}
	}
	self.stateListeners = append(self.stateListeners, &stateListenerEntry{
		listenerId: listenerId,
		callback:   callback,
	})
}

func (self *ChannelManager) RemoveStateListener(listenerId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, entry := range self.stateListeners {
		if entry.listenerId == listenerId {
			self.stateListeners = slices.Delete(self.stateListeners, i, i+1)
			return
		}
	}
}

func (self *ChannelManager) AddMessageReceivedCallback(callback MessageReceivedFunction) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *ChannelManager) AddTypingEventCallback(callback TypingEventFunction) func() {
	callbackId := self.typingCallbacks.Add(callback)
	return func() {
		self.typingCallbacks.Remove(callbackId)
	}
}

func (self *ChannelManager) AddReadReceiptCallback(callback ReadReceiptFunction) func() {
	callbackId := self.readReceiptCallbacks.Add(callback)
	return func() {
		self.readReceiptCallbacks.Remove(callbackId)
	}
}

// manual disconnect. ends the session in disconnected without
// entering offline mode.
func (self *ChannelManager) Close() {
	self.cancel()

	self.stateLock.Lock()
	channel := self.channel
	self.channel = nil
	self.state = ChannelStateDisconnected
	self.isServerAvailable = false
	self.sequenceId += 1
	self.stateLock.Unlock()

	if channel != nil {
		channel.close()
	}
	self.notifyState()
	glog.V(1).Infof("[ch]close\n")
}

// one websocket session. the send loop also keeps the connection alive
// with pings, and the receive loop resets the read deadline on every
// message and pong.
type channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager  *ChannelManager
	ws       *websocket.Conn
	settings *ChannelManagerSettings

	send chan *channelEnvelope

	errLock sync.Mutex
	err     error
}

func newChannel(ctx context.Context, manager *ChannelManager, ws *websocket.Conn, settings *ChannelManagerSettings) *channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &channel{
		ctx:      cancelCtx,
		cancel:   cancel,
		manager:  manager,
		ws:       ws,
		settings: settings,
		send:     make(chan *channelEnvelope, ChannelSendBufferSize),
	}
}

// the loops end in channelDown, which only acts on the installed
// channel. the manager installs first, then starts.
func (self *channel) start() {
	go HandleError(self.run)
}

func (self *channel) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	go HandleError(self.sendLoop, self.cancel)
	go HandleError(self.receiveLoop, self.cancel)

	select {
	case <-self.ctx.Done():
	}

	self.errLock.Lock()
	err := self.err
	self.errLock.Unlock()
	if err == nil {
		err = fmt.Errorf("connection closed")
	}
	self.manager.channelDown(self, err)
}

// the first error wins
func (self *channel) setErr(err error) {
	self.errLock.Lock()
	if self.err == nil && err != nil {
		self.err = err
	}
	self.errLock.Unlock()
}

func (self *channel) sendLoop() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case envelope, ok := <-self.send:
			if !ok {
				return
			}

			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteJSON(envelope); err != nil {
				// a websocket deadline timeout cannot be recovered
				self.setErr(err)
				glog.Infof("[ch]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[ch]->%s\n", envelope.Type)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
				self.setErr(err)
				return
			}
		}
	}
}

func (self *channel) receiveLoop() {
	defer self.cancel()

	self.ws.SetReadLimit(self.settings.ReadLimit)
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			self.setErr(err)
			glog.Infof("[ch]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			var envelope channelEnvelope
			if err := json.Unmarshal(message, &envelope); err != nil {
				glog.V(1).Infof("[ch]<- malformed event = %s\n", err)
				continue
			}
			glog.V(2).Infof("[ch]<-%s\n", envelope.Type)
			self.manager.handleEvent(&envelope)
		default:
			glog.V(2).Infof("[ch]<-other=%d\n", messageType)
		}
	}
}

func (self *channel) Send(envelope *channelEnvelope) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- envelope:
		return true
	case <-time.After(self.settings.WriteTimeout):
		return false
	}
}

// safe on a channel that was never started
func (self *channel) close() {
	self.cancel()
	self.ws.Close()
}
