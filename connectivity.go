package offline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectivityChangeFunction func(online bool)

type ConnectivityMonitorSettings struct {
	// when set, the monitor polls this url for reachability.
	// platforms with a native reachability signal leave it empty
	// and push transitions in with `SetOnline`.
	ProbeUrl      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func DefaultConnectivityMonitorSettings() *ConnectivityMonitorSettings {
	return &ConnectivityMonitorSettings{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// tracks online/offline and fires callbacks once per edge.
// starts offline until the platform or the probe says otherwise.
type ConnectivityMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ConnectivityMonitorSettings

	stateLock sync.Mutex
	online    bool

	changeCallbacks *CallbackList[ConnectivityChangeFunction]
}

func NewConnectivityMonitorWithDefaults(ctx context.Context) *ConnectivityMonitor {
	return NewConnectivityMonitor(ctx, DefaultConnectivityMonitorSettings())
}

func NewConnectivityMonitor(ctx context.Context, settings *ConnectivityMonitorSettings) *ConnectivityMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	connectivityMonitor := &ConnectivityMonitor{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		changeCallbacks: NewCallbackList[ConnectivityChangeFunction](),
	}
	if settings.ProbeUrl != "" {
		go HandleError(connectivityMonitor.run, cancel)
	}
	return connectivityMonitor
}

func (self *ConnectivityMonitor) run() {
	for {
		self.SetOnline(self.probe())

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ProbeInterval):
		}
	}
}

func (self *ConnectivityMonitor) probe() bool {
	probeCtx, probeCancel := context.WithTimeout(self.ctx, self.settings.ProbeTimeout)
	defer probeCancel()

	req, err := http.NewRequestWithContext(probeCtx, "HEAD", self.settings.ProbeUrl, nil)
	if err != nil {
		return false
	}
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		// any response means reachable, only transport errors count
		return false
	}
	r.Body.Close()
	return true
}

func (self *ConnectivityMonitor) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.online
}

func (self *ConnectivityMonitor) SetOnline(online bool) {
	self.stateLock.Lock()
	if self.online == online {
		self.stateLock.Unlock()
		return
	}
	self.online = online
	self.stateLock.Unlock()

	glog.Infof("[cm]online=%t\n", online)
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(online)
		}()
	}
}

func (self *ConnectivityMonitor) AddChangeCallback(changeCallback ConnectivityChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ConnectivityMonitor) Close() {
	self.cancel()
}
