package offline

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
)

// repeats update records to other processes/windows of the same app.
// in-process and cross-process delivery share the bus's notify path.
type BusTransport interface {
	Broadcast(record *UpdateRecord) error
	AddReceiveCallback(receiveCallback func(record *UpdateRecord)) func()
	Close() error
}

type UnixBusTransportSettings struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

func DefaultUnixBusTransportSettings() *UnixBusTransportSettings {
	return &UnixBusTransportSettings{
		DialTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		ReadTimeout:  5 * time.Second,
	}
}

// bus transport over a shared socket directory. every process listens
// on its own socket named by instance id, a broadcast dials each peer
// socket and writes one json record. stale sockets from crashed peers
// are removed when a dial fails.
type UnixBusTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	socketDir  string
	socketPath string
	settings   *UnixBusTransportSettings

	listener net.Listener

	receiveCallbacks *CallbackList[func(record *UpdateRecord)]
}

func NewUnixBusTransportWithDefaults(ctx context.Context, socketDir string, instanceId Id) (*UnixBusTransport, error) {
	return NewUnixBusTransport(ctx, socketDir, instanceId, DefaultUnixBusTransportSettings())
}

func NewUnixBusTransport(ctx context.Context, socketDir string, instanceId Id, settings *UnixBusTransportSettings) (*UnixBusTransport, error) {
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return nil, err
	}
	socketPath := filepath.Join(socketDir, instanceId.String()+".sock")
	// a previous run with the same instance id crashed
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &UnixBusTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		socketDir:        socketDir,
		socketPath:       socketPath,
		settings:         settings,
		listener:         listener,
		receiveCallbacks: NewCallbackList[func(record *UpdateRecord)](),
	}

	go HandleError(transport.accept, cancel)
	go func() {
		<-cancelCtx.Done()
		listener.Close()
		os.Remove(socketPath)
	}()

	return transport, nil
}

func (self *UnixBusTransport) accept() {
	for {
		conn, err := self.listener.Accept()
		if err != nil {
			select {
			case <-self.ctx.Done():
			default:
				glog.Warningf("[ubt]accept: %s\n", err)
			}
			return
		}
		go HandleError(func() {
			self.receive(conn)
		})
	}
}

func (self *UnixBusTransport) receive(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	decoder := json.NewDecoder(conn)
	for {
		var record UpdateRecord
		if err := decoder.Decode(&record); err != nil {
			return
		}
		for _, receiveCallback := range self.receiveCallbacks.Get() {
			func() {
				defer recover()
				receiveCallback(&record)
			}()
		}
	}
}

func (self *UnixBusTransport) Broadcast(record *UpdateRecord) error {
	recordJson, err := json.Marshal(record)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(self.socketDir)
	if err != nil {
		return err
	}

	var lastErr error
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".sock") {
			continue
		}
		peerPath := filepath.Join(self.socketDir, entry.Name())
		if peerPath == self.socketPath {
			continue
		}
		conn, err := net.DialTimeout("unix", peerPath, self.settings.DialTimeout)
		if err != nil {
			// crashed peer, clean up its socket
			os.Remove(peerPath)
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		_, err = conn.Write(append(recordJson, '\n'))
		conn.Close()
		if err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (self *UnixBusTransport) AddReceiveCallback(receiveCallback func(record *UpdateRecord)) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *UnixBusTransport) Close() error {
	self.cancel()
	return nil
}

// in-memory pair for tests and single-window sessions. records cross
// the pair through a json round trip so neither side can share state.
type LoopbackBusTransport struct {
	peer *LoopbackBusTransport

	receiveCallbacks *CallbackList[func(record *UpdateRecord)]
}

func NewLoopbackBusTransportPair() (*LoopbackBusTransport, *LoopbackBusTransport) {
	a := &LoopbackBusTransport{
		receiveCallbacks: NewCallbackList[func(record *UpdateRecord)](),
	}
	b := &LoopbackBusTransport{
		receiveCallbacks: NewCallbackList[func(record *UpdateRecord)](),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (self *LoopbackBusTransport) Broadcast(record *UpdateRecord) error {
	recordJson, err := json.Marshal(record)
	if err != nil {
		return err
	}
	var copied UpdateRecord
	if err := json.Unmarshal(recordJson, &copied); err != nil {
		return err
	}
	for _, receiveCallback := range self.peer.receiveCallbacks.Get() {
		func() {
			defer recover()
			receiveCallback(&copied)
		}()
	}
	return nil
}

func (self *LoopbackBusTransport) AddReceiveCallback(receiveCallback func(record *UpdateRecord)) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *LoopbackBusTransport) Close() error {
	return nil
}
