package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// handles one operation kind. a nil return removes the operation,
// any error consumes a retry.
type OperationHandler func(ctx context.Context, op *Operation) error

// fired when an operation is dropped after exhausting its retries
type OperationDropFunction func(op *Operation, err error)

type MutationQueueSettings struct {
	// total attempts per operation before it is dropped
	MaxRetries int
}

func DefaultMutationQueueSettings() *MutationQueueSettings {
	return &MutationQueueSettings{
		MaxRetries: 5,
	}
}

type QueueStatus struct {
	QueueLength int  `json:"queue_length"`
	IsOnline    bool `json:"is_online"`
	IsSyncing   bool `json:"is_syncing"`
}

// ordered, persisted list of pending writes. drains fifo while online,
// failed heads are re-appended at the tail until their retries run out.
// the caller already got an optimistic result by the time an operation
// is here, so failures are logged, never re-surfaced.
type MutationQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	storage  Storage
	monitor  *ConnectivityMonitor
	settings *MutationQueueSettings

	handlers map[OpKind]OperationHandler

	stateLock sync.Mutex
	ops       []*Operation
	draining  bool

	statusMonitor *Monitor
	dropCallbacks *CallbackList[OperationDropFunction]

	monitorUnsub func()
}

func NewMutationQueueWithDefaults(
	ctx context.Context,
	storage Storage,
	monitor *ConnectivityMonitor,
	handlers map[OpKind]OperationHandler,
) *MutationQueue {
	return NewMutationQueue(ctx, storage, monitor, handlers, DefaultMutationQueueSettings())
}

func NewMutationQueue(
	ctx context.Context,
	storage Storage,
	monitor *ConnectivityMonitor,
	handlers map[OpKind]OperationHandler,
	settings *MutationQueueSettings,
) *MutationQueue {
	cancelCtx, cancel := context.WithCancel(ctx)

	mutationQueue := &MutationQueue{
		ctx:           cancelCtx,
		cancel:        cancel,
		storage:       storage,
		monitor:       monitor,
		settings:      settings,
		handlers:      handlers,
		ops:           []*Operation{},
		statusMonitor: NewMonitor(),
		dropCallbacks: NewCallbackList[OperationDropFunction](),
	}

	mutationQueue.load()

	// connectivity regained immediately resumes the drain
	mutationQueue.monitorUnsub = monitor.AddChangeCallback(func(online bool) {
		if online {
			go HandleError(mutationQueue.Process)
		}
	})

	return mutationQueue
}

func (self *MutationQueue) load() {
	value, ok, err := self.storage.Get(self.ctx, storageKeyOps)
	if err != nil {
		glog.Warningf("[mq]load: %s\n", err)
		return
	}
	if !ok {
		return
	}
	ops := []*Operation{}
	if err := json.Unmarshal(value, &ops); err != nil {
		glog.Warningf("[mq]load: %s\n", err)
		return
	}
	self.ops = ops
	if 0 < len(ops) {
		glog.Infof("[mq]loaded %d pending operations\n", len(ops))
	}
}

// must hold stateLock
func (self *MutationQueue) persist() error {
	opsJson, err := json.Marshal(self.ops)
	if err != nil {
		return err
	}
	return self.storage.Set(self.ctx, storageKeyOps, opsJson)
}

// appends a new operation and persists the list. returns whether
// persistence succeeded. an operation that failed to persist still
// replays this session, it just will not survive a restart.
func (self *MutationQueue) Enqueue(kind OpKind, payload map[string]any) bool {
	if _, ok := self.handlers[kind]; !ok {
		validationErr := &ValidationError{Message: fmt.Sprintf("no handler for kind %s", kind)}
		glog.Warningf("[mq]enqueue: %s\n", validationErr)
		return false
	}
	if payload == nil {
		validationErr := &ValidationError{Message: "payload required"}
		glog.Warningf("[mq]enqueue %s: %s\n", kind, validationErr)
		return false
	}

	op := &Operation{
		OperationId: NewId(),
		Kind:        kind,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
		RetryCount:  0,
		MaxRetries:  self.settings.MaxRetries,
	}

	self.stateLock.Lock()
	self.ops = append(self.ops, op)
	err := self.persist()
	self.stateLock.Unlock()
	self.statusMonitor.NotifyAll()

	glog.V(2).Infof("[mq]enqueue %s %s\n", op.Kind, op.OperationId)
	if err != nil {
		glog.Warningf("[mq]enqueue persist %s: %s\n", op.OperationId, err)
	}

	if self.monitor.IsOnline() {
		go HandleError(self.Process)
	}

	return err == nil
}

// drains the queue while online. re-entrant safe, a call during an
// active drain is a no-op.
func (self *MutationQueue) Process() {
	self.stateLock.Lock()
	if self.draining {
		self.stateLock.Unlock()
		return
	}
	self.draining = true
	self.stateLock.Unlock()
	self.statusMonitor.NotifyAll()

	defer func() {
		self.stateLock.Lock()
		self.draining = false
		self.stateLock.Unlock()
		self.statusMonitor.NotifyAll()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if !self.monitor.IsOnline() {
			// connectivity lost mid drain. leave the remaining items
			// for the next online transition.
			return
		}

		self.stateLock.Lock()
		if 0 == len(self.ops) {
			self.stateLock.Unlock()
			return
		}
		head := self.ops[0]
		self.stateLock.Unlock()

		err := self.dispatch(head)

		var dropErr error
		self.stateLock.Lock()
		self.ops = self.ops[1:]
		if err == nil {
			glog.V(2).Infof("[mq]done %s %s\n", head.Kind, head.OperationId)
		} else {
			head.RetryCount += 1
			if IsValidationError(err) {
				// retrying cannot change a validation outcome
				glog.Warningf("[mq]drop %s %s: %s\n", head.Kind, head.OperationId, err)
				dropErr = err
			} else if head.RetryCount < head.MaxRetries {
				self.ops = append(self.ops, head)
				glog.V(2).Infof("[mq]retry %d/%d %s %s: %s\n", head.RetryCount, head.MaxRetries, head.Kind, head.OperationId, err)
			} else {
				exhausted := &RetriesExhaustedError{
					OperationId: head.OperationId,
					Kind:        head.Kind,
				}
				glog.Warningf("[mq]%s: %s\n", exhausted, err)
				dropErr = exhausted
			}
		}
		if err := self.persist(); err != nil {
			glog.Warningf("[mq]persist: %s\n", err)
		}
		self.stateLock.Unlock()
		if dropErr != nil {
			self.notifyDrop(head, dropErr)
		}
		self.statusMonitor.NotifyAll()
	}
}

func (self *MutationQueue) dispatch(op *Operation) error {
	handler, ok := self.handlers[op.Kind]
	if !ok {
		// can happen for operations loaded from an older install
		return &ValidationError{Message: fmt.Sprintf("no handler for kind %s", op.Kind)}
	}

	var handlerErr error
	HandleError(func() {
		handlerErr = handler(self.ctx, op)
	}, func(err error) {
		// a handler panic counts the same as a returned failure
		handlerErr = err
	})
	return handlerErr
}

func (self *MutationQueue) notifyDrop(op *Operation, err error) {
	for _, dropCallback := range self.dropCallbacks.Get() {
		func() {
			defer recover()
			dropCallback(op, err)
		}()
	}
}

func (self *MutationQueue) GetStatus() *QueueStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &QueueStatus{
		QueueLength: len(self.ops),
		IsOnline:    self.monitor.IsOnline(),
		IsSyncing:   self.draining,
	}
}

// snapshot of the pending operations in queue order
func (self *MutationQueue) Operations() []*Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.ops)
}

// notified whenever the queue length or syncing flag changes
func (self *MutationQueue) StatusMonitor() *Monitor {
	return self.statusMonitor
}

func (self *MutationQueue) AddDropCallback(dropCallback OperationDropFunction) func() {
	callbackId := self.dropCallbacks.Add(dropCallback)
	return func() {
		self.dropCallbacks.Remove(callbackId)
	}
}

func (self *MutationQueue) Close() {
	self.cancel()
	self.monitorUnsub()
}
