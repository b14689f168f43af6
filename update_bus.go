package offline

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type UpdateFunction func(record *UpdateRecord)

type TriggerUpdateOptions struct {
	// persist and broadcast without notifying in-process listeners
	Silent bool
	// retry a failed persist once after a fixed delay
	Retry  bool
	Source UpdateSource
}

func DefaultTriggerUpdateOptions() *TriggerUpdateOptions {
	return &TriggerUpdateOptions{
		Silent: false,
		Retry:  true,
		Source: UpdateSourceManual,
	}
}

type UpdateBusSettings struct {
	// window for `IsRecent` on checks
	RecentWindow time.Duration
	// wait before the single persist retry
	PersistRetryDelay time.Duration
}

func DefaultUpdateBusSettings() *UpdateBusSettings {
	return &UpdateBusSettings{
		RecentWindow:      5 * time.Minute,
		PersistRetryDelay: 250 * time.Millisecond,
	}
}

type UpdateCheck struct {
	Record   *UpdateRecord
	IsRecent bool
}

// one level only. a cascaded kind never cascades again, which keeps the
// product/inventory pair from looping.
var cascadeTargets = map[UpdateKind][]UpdateKind{
	UpdateKindInventoryChanged: {UpdateKindProductChanged, UpdateKindBusinessProfileChanged},
	UpdateKindProductChanged:   {UpdateKindInventoryChanged},
	UpdateKindProfileChanged:   {UpdateKindBusinessProfileChanged},
}

type listenerEntry struct {
	listenerId string
	callback   UpdateFunction
}

// typed publish/subscribe for "something changed" notifications.
// the latest record per kind is persisted so screens opened later can
// still see what moved, and an optional transport repeats each stamp to
// other processes of the same app.
type UpdateBus struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage  Storage
	settings *UpdateBusSettings

	stateLock      sync.Mutex
	listeners      map[UpdateKind][]*listenerEntry
	transport      BusTransport
	transportUnsub func()
}

func NewUpdateBusWithDefaults(ctx context.Context, storage Storage) *UpdateBus {
	return NewUpdateBus(ctx, storage, DefaultUpdateBusSettings())
}

func NewUpdateBus(ctx context.Context, storage Storage, settings *UpdateBusSettings) *UpdateBus {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &UpdateBus{
		ctx:       cancelCtx,
		cancel:    cancel,
		storage:   storage,
		settings:  settings,
		listeners: map[UpdateKind][]*listenerEntry{},
	}
}

// stamps and persists `kind`, stamps each cascade target once, repeats
// the stamps to other processes, then notifies listeners for the root
// and cascaded kinds. returns whether the root stamp persisted.
// listeners are notified even when persistence fails.
func (self *UpdateBus) TriggerUpdate(kind UpdateKind, data map[string]any, opts *TriggerUpdateOptions) bool {
	if opts == nil {
		opts = DefaultTriggerUpdateOptions()
	}
	source := opts.Source
	if source == "" {
		source = UpdateSourceManual
	}

	record := &UpdateRecord{
		Kind:      kind,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   data,
	}
	ok := self.persistRecord(record, opts.Retry)

	records := []*UpdateRecord{record}
	for _, cascadeKind := range cascadeTargets[kind] {
		cascadeRecord := &UpdateRecord{
			Kind:      cascadeKind,
			Timestamp: record.Timestamp,
			Source:    CascadeSource(kind),
			Payload:   data,
		}
		self.persistRecord(cascadeRecord, opts.Retry)
		records = append(records, cascadeRecord)
	}

	self.broadcast(records)

	if !opts.Silent {
		for _, r := range records {
			self.notify(r)
		}
	}

	glog.V(2).Infof("[ub]trigger %s source=%s ok=%t\n", kind, source, ok)
	return ok
}

func (self *UpdateBus) persistRecord(record *UpdateRecord, retry bool) bool {
	recordJson, err := json.Marshal(record)
	if err != nil {
		glog.Warningf("[ub]persist %s: %s\n", record.Kind, err)
		return false
	}
	key := storageKeyUpdatePrefix + string(record.Kind)

	err = self.storage.Set(self.ctx, key, recordJson)
	if err != nil && retry {
		glog.V(1).Infof("[ub]persist %s failed, retrying: %s\n", record.Kind, err)
		select {
		case <-self.ctx.Done():
			return false
		case <-time.After(self.settings.PersistRetryDelay):
		}
		err = self.storage.Set(self.ctx, key, recordJson)
	}
	if err != nil {
		glog.Warningf("[ub]persist %s: %s\n", record.Kind, err)
		return false
	}
	return true
}

func (self *UpdateBus) notify(record *UpdateRecord) {
	self.stateLock.Lock()
	entries := slices.Clone(self.listeners[record.Kind])
	self.stateLock.Unlock()

	for _, entry := range entries {
		func() {
			defer recover()
			entry.callback(record)
		}()
	}
}

func (self *UpdateBus) broadcast(records []*UpdateRecord) {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()

	if transport == nil {
		return
	}
	for _, record := range records {
		if err := transport.Broadcast(record); err != nil {
			glog.V(1).Infof("[ub]broadcast %s: %s\n", record.Kind, err)
		}
	}
}

// the persisted record for `kind` plus whether it is fresh enough to
// act on without refetching. nil when nothing is recorded.
func (self *UpdateBus) CheckForUpdate(kind UpdateKind) *UpdateCheck {
	value, ok, err := self.storage.Get(self.ctx, storageKeyUpdatePrefix+string(kind))
	if err != nil {
		glog.Warningf("[ub]check %s: %s\n", kind, err)
		return nil
	}
	if !ok {
		return nil
	}
	var record UpdateRecord
	if err := json.Unmarshal(value, &record); err != nil {
		glog.Warningf("[ub]check %s: %s\n", kind, err)
		return nil
	}
	return &UpdateCheck{
		Record:   &record,
		IsRecent: time.Since(record.Timestamp) < self.settings.RecentWindow,
	}
}

func (self *UpdateBus) ClearUpdate(kind UpdateKind) bool {
	if err := self.storage.Delete(self.ctx, storageKeyUpdatePrefix+string(kind)); err != nil {
		glog.Warningf("[ub]clear %s: %s\n", kind, err)
		return false
	}
	return true
}

// all persisted records, ordered by kind
func (self *UpdateBus) ListUpdates() []*UpdateRecord {
	keys, err := self.storage.Keys(self.ctx, storageKeyUpdatePrefix)
	if err != nil {
		glog.Warningf("[ub]list: %s\n", err)
		return nil
	}
	records := []*UpdateRecord{}
	for _, key := range keys {
		value, ok, err := self.storage.Get(self.ctx, key)
		if err != nil || !ok {
			continue
		}
		var record UpdateRecord
		if err := json.Unmarshal(value, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records
}

// a listener may watch multiple kinds. re-adding the same listener id
// replaces its callback in place, keeping its position.
func (self *UpdateBus) AddListener(listenerId string, kinds []UpdateKind, callback UpdateFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, kind := range kinds {
		entries := self.listeners[kind]
		replaced := false
		for i, entry := range entries {
			if entry.listenerId == listenerId {
				entries[i] = &listenerEntry{
					listenerId: listenerId,
					callback:   callback,
				}
				replaced = true
				break
			}
		}
		if !replaced {
			self.listeners[kind] = append(entries, &listenerEntry{
				listenerId: listenerId,
				callback:   callback,
			})
		}
	}
}

// removes the listener id from every kind it was registered under
func (self *UpdateBus) RemoveListener(listenerId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, kind := range maps.Keys(self.listeners) {
		entries := []*listenerEntry{}
		for _, entry := range self.listeners[kind] {
			if entry.listenerId != listenerId {
				entries = append(entries, entry)
			}
		}
		if 0 == len(entries) {
			delete(self.listeners, kind)
		} else {
			self.listeners[kind] = entries
		}
	}
}

// attaches a cross-process transport. records stamped by other
// processes were already persisted and cascaded by the sender, so they
// only notify local listeners here.
func (self *UpdateBus) SetTransport(transport BusTransport) {
	self.stateLock.Lock()
	if self.transportUnsub != nil {
		self.transportUnsub()
		self.transportUnsub = nil
	}
	self.transport = transport
	self.stateLock.Unlock()

	if transport != nil {
		unsub := transport.AddReceiveCallback(self.notify)
		self.stateLock.Lock()
		self.transportUnsub = unsub
		self.stateLock.Unlock()
	}
}

func (self *UpdateBus) Close() {
	self.cancel()
	self.stateLock.Lock()
	transportUnsub := self.transportUnsub
	self.transportUnsub = nil
	self.stateLock.Unlock()
	if transportUnsub != nil {
		transportUnsub()
	}
}
