package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// one handler for every kind, delegating to `dispatch`
func testHandlers(dispatch func(op *Operation) error) map[OpKind]OperationHandler {
	handler := func(ctx context.Context, op *Operation) error {
		return dispatch(op)
	}
	return map[OpKind]OperationHandler{
		OpKindCreateProduct:  handler,
		OpKindUpdateProduct:  handler,
		OpKindDeleteProduct:  handler,
		OpKindToggleFavorite: handler,
		OpKindUpdateProfile:  handler,
		OpKindSendMessage:    handler,
	}
}

func waitForQueueIdle(t *testing.T, queue *MutationQueue, queueLength int) {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		status := queue.GetStatus()
		if status.QueueLength == queueLength && !status.IsSyncing {
			return
		}
		notify := queue.StatusMonitor().NotifyChannel()
		select {
		case <-notify:
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.FailNow()
}

func TestMutationQueueOfflineDrainOrder(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	delivered := make(chan OpKind, 16)
	queue := NewMutationQueueWithDefaults(ctx, storage, monitor, testHandlers(func(op *Operation) error {
		delivered <- op.Kind
		return nil
	}))
	defer queue.Close()

	assert.Equal(t, queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "a"}), true)
	assert.Equal(t, queue.Enqueue(OpKindUpdateProduct, map[string]any{"product_id": NewId().String()}), true)
	assert.Equal(t, queue.Enqueue(OpKindSendMessage, map[string]any{"thread_id": NewId().String(), "text": "hi"}), true)

	// nothing dispatches while offline
	select {
	case <-delivered:
		t.FailNow()
	case <-time.After(50 * time.Millisecond):
	}
	status := queue.GetStatus()
	assert.Equal(t, status.QueueLength, 3)
	assert.Equal(t, status.IsOnline, false)
	assert.Equal(t, status.IsSyncing, false)

	// the pending list is already durable, in order
	opsJson, ok, err := storage.Get(ctx, "ops")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	ops := []*Operation{}
	assert.Equal(t, json.Unmarshal(opsJson, &ops), nil)
	assert.Equal(t, len(ops), 3)
	assert.Equal(t, ops[0].Kind, OpKindCreateProduct)
	assert.Equal(t, ops[1].Kind, OpKindUpdateProduct)
	assert.Equal(t, ops[2].Kind, OpKindSendMessage)

	monitor.SetOnline(true)

	kinds := []OpKind{}
	for i := 0; i < 3; i++ {
		select {
		case kind := <-delivered:
			kinds = append(kinds, kind)
		case <-time.After(5 * time.Second):
			t.FailNow()
		}
	}
	assert.Equal(t, kinds, []OpKind{OpKindCreateProduct, OpKindUpdateProduct, OpKindSendMessage})

	waitForQueueIdle(t, queue, 0)
}

func TestMutationQueueEnqueueValidation(t *testing.T) {
	ctx := context.Background()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	queue := NewMutationQueueWithDefaults(ctx, NewMemoryStorage(), monitor, testHandlers(func(op *Operation) error {
		return nil
	}))
	defer queue.Close()

	assert.Equal(t, queue.Enqueue(OpKind("mystery"), map[string]any{"name": "a"}), false)
	assert.Equal(t, queue.Enqueue(OpKindCreateProduct, nil), false)
	assert.Equal(t, queue.GetStatus().QueueLength, 0)
}

// the app restart scenario. a second queue over the same storage picks
// up the pending writes and drains them in the original order.
func TestMutationQueueRestart(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	{
		monitor := NewConnectivityMonitorWithDefaults(ctx)
		queue := NewMutationQueueWithDefaults(ctx, storage, monitor, testHandlers(func(op *Operation) error {
			return nil
		}))
		queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "a"})
		queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "b"})
		queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "c"})
		queue.Close()
		monitor.Close()
	}

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	delivered := make(chan string, 16)
	queue := NewMutationQueueWithDefaults(ctx, storage, monitor, testHandlers(func(op *Operation) error {
		delivered <- op.Payload["name"].(string)
		return nil
	}))
	defer queue.Close()

	assert.Equal(t, queue.GetStatus().QueueLength, 3)

	monitor.SetOnline(true)

	names := []string{}
	for i := 0; i < 3; i++ {
		select {
		case name := <-delivered:
			names = append(names, name)
		case <-time.After(5 * time.Second):
			t.FailNow()
		}
	}
	assert.Equal(t, names, []string{"a", "b", "c"})
	waitForQueueIdle(t, queue, 0)
}

// a failed head is re-appended at the tail, so the next operation gets
// its turn before the retry
func TestMutationQueueRequeueOnFailure(t *testing.T) {
	ctx := context.Background()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	attempts := make(chan string, 16)
	failedOnce := false
	queue := NewMutationQueueWithDefaults(ctx, NewMemoryStorage(), monitor, testHandlers(func(op *Operation) error {
		name := op.Payload["name"].(string)
		attempts <- name
		if name == "a" && !failedOnce {
			failedOnce = true
			return &TransientNetworkError{Err: fmt.Errorf("connection reset")}
		}
		return nil
	}))
	defer queue.Close()

	queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "a"})
	queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "b"})

	monitor.SetOnline(true)

	names := []string{}
	for i := 0; i < 3; i++ {
		select {
		case name := <-attempts:
			names = append(names, name)
		case <-time.After(5 * time.Second):
			t.FailNow()
		}
	}
	assert.Equal(t, names, []string{"a", "b", "a"})
	waitForQueueIdle(t, queue, 0)
}

func TestMutationQueueRetriesExhausted(t *testing.T) {
	ctx := context.Background()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	attempts := &atomic.Int32{}
	settings := &MutationQueueSettings{
		MaxRetries: 3,
	}
	queue := NewMutationQueue(ctx, NewMemoryStorage(), monitor, testHandlers(func(op *Operation) error {
		if op.Payload["name"] == "doomed" {
			attempts.Add(1)
			return &TransientNetworkError{Err: fmt.Errorf("connection reset")}
		}
		return nil
	}), settings)
	defer queue.Close()

	dropped := make(chan error, 4)
	unsub := queue.AddDropCallback(func(op *Operation, err error) {
		dropped <- err
	})
	defer unsub()

	queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "doomed"})
	queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "fine"})

	monitor.SetOnline(true)

	select {
	case err := <-dropped:
		var retriesExhausted *RetriesExhaustedError
		assert.Equal(t, errors.As(err, &retriesExhausted), true)
		assert.Equal(t, retriesExhausted.Kind, OpKindCreateProduct)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	// the drop does not block the rest of the queue
	waitForQueueIdle(t, queue, 0)
	assert.Equal(t, attempts.Load(), int32(3))
}

// a validation error is not retryable. the operation drops on the
// first attempt.
func TestMutationQueueValidationDrop(t *testing.T) {
	ctx := context.Background()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	attempts := &atomic.Int32{}
	queue := NewMutationQueueWithDefaults(ctx, NewMemoryStorage(), monitor, testHandlers(func(op *Operation) error {
		attempts.Add(1)
		return &ValidationError{Message: "name required"}
	}))
	defer queue.Close()

	dropped := make(chan error, 4)
	unsub := queue.AddDropCallback(func(op *Operation, err error) {
		dropped <- err
	})
	defer unsub()

	queue.Enqueue(OpKindCreateProduct, map[string]any{})

	monitor.SetOnline(true)

	select {
	case err := <-dropped:
		assert.Equal(t, IsValidationError(err), true)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	waitForQueueIdle(t, queue, 0)
	assert.Equal(t, attempts.Load(), int32(1))
}

// a drain started while one is already running returns immediately and
// dispatches nothing
func TestMutationQueueSingleDrain(t *testing.T) {
	ctx := context.Background()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	gate := make(chan struct{})
	started := make(chan struct{}, 4)
	dispatches := &atomic.Int32{}
	queue := NewMutationQueueWithDefaults(ctx, NewMemoryStorage(), monitor, testHandlers(func(op *Operation) error {
		dispatches.Add(1)
		started <- struct{}{}
		<-gate
		return nil
	}))
	defer queue.Close()

	queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "a"})
	monitor.SetOnline(true)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	assert.Equal(t, queue.GetStatus().IsSyncing, true)

	// this call must not wait on the in-flight handler
	queue.Process()

	close(gate)
	waitForQueueIdle(t, queue, 0)
	assert.Equal(t, dispatches.Load(), int32(1))
}

// losing connectivity mid drain leaves the remainder queued
func TestMutationQueueOfflineMidDrain(t *testing.T) {
	ctx := context.Background()

	monitor := NewConnectivityMonitorWithDefaults(ctx)
	defer monitor.Close()

	delivered := make(chan string, 16)
	queue := NewMutationQueueWithDefaults(ctx, NewMemoryStorage(), monitor, testHandlers(func(op *Operation) error {
		name := op.Payload["name"].(string)
		if name == "a" {
			monitor.SetOnline(false)
		}
		delivered <- name
		return nil
	}))
	defer queue.Close()

	queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "a"})
	queue.Enqueue(OpKindCreateProduct, map[string]any{"name": "b"})

	monitor.SetOnline(true)

	select {
	case name := <-delivered:
		assert.Equal(t, name, "a")
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	waitForQueueIdle(t, queue, 1)
	assert.Equal(t, queue.Operations()[0].Payload["name"], "b")

	monitor.SetOnline(true)
	select {
	case name := <-delivered:
		assert.Equal(t, name, "b")
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	waitForQueueIdle(t, queue, 0)
}
