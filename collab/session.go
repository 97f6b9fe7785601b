package collab

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
)

type SessionAuth struct {
	// opaque bearer credential from the auth collaborator
	ByJwt      string
	BoardId    string
	InstanceId Id
}

type TransportSessionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingInterval       time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int

	// messages queued before the server acks the connection
	QueueMaxCount int
}

func DefaultTransportSessionSettings() *TransportSessionSettings {
	return &TransportSessionSettings{
		WsHandshakeTimeout:    2 * time.Second,
		WriteTimeout:          5 * time.Second,
		ReadTimeout:           30 * time.Second,
		PingInterval:          10 * time.Second,
		ReconnectInitialDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:     10 * time.Second,
		ReconnectMaxAttempts:  8,
		QueueMaxCount:         1024,
	}
}

type ReceiveEventFunction func(event ServerEvent)
type SessionStateFunction func(state SessionState)

// TransportSession owns the socket connection lifecycle: handshake, event
// dispatch, reconnection with backoff, and queuing while the connection is
// not yet acknowledged by the server.
//
// States cycle disconnected -> connecting -> connected -> disconnected.
// `initialized` is set only after the server's first full-state message on
// the current connection, and resets on every disconnect.
type TransportSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	wsUrl    string
	auth     *SessionAuth
	settings *TransportSessionSettings

	receiveCallbacks *CallbackList[ReceiveEventFunction]
	stateCallbacks   *CallbackList[SessionStateFunction]

	// serializes websocket writes
	sendMutex sync.Mutex

	mutex         sync.Mutex
	state         SessionState
	initialized   bool
	terminal      bool
	running       bool
	conn          *websocket.Conn
	queue         [][]byte
	attempts      int
	visible       bool
	visibleUpdate chan struct{}
}

func NewTransportSessionWithDefaults(ctx context.Context, wsUrl string, auth *SessionAuth) *TransportSession {
	return NewTransportSession(ctx, wsUrl, auth, DefaultTransportSessionSettings())
}

func NewTransportSession(ctx context.Context, wsUrl string, auth *SessionAuth, settings *TransportSessionSettings) *TransportSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TransportSession{
		ctx:              cancelCtx,
		cancel:           cancel,
		wsUrl:            wsUrl,
		auth:             auth,
		settings:         settings,
		receiveCallbacks: NewCallbackList[ReceiveEventFunction](),
		stateCallbacks:   NewCallbackList[SessionStateFunction](),
		state:            SessionDisconnected,
		queue:            [][]byte{},
		visible:          true,
		visibleUpdate:    make(chan struct{}),
	}
}

func (self *TransportSession) AddReceiveCallback(callback ReceiveEventFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *TransportSession) AddStateCallback(callback SessionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *TransportSession) State() SessionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *TransportSession) Initialized() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.initialized
}

// Connect opens the session. Idempotent: calling while already
// connecting/connected is a no-op.
func (self *TransportSession) Connect() {
	self.mutex.Lock()
	if self.running || self.terminal {
		self.mutex.Unlock()
		return
	}
	self.running = true
	self.mutex.Unlock()

	go self.run()
}

func (self *TransportSession) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = self.settings.ReconnectInitialDelay
	b.MaxInterval = self.settings.ReconnectMaxDelay
	// the attempt count is the bound, not elapsed time
	b.MaxElapsedTime = 0
	// deterministic delays, capped at MaxInterval
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func (self *TransportSession) run() {
	reconnect := self.newBackOff()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		// a hidden tab does not burn reconnection attempts.
		// becoming visible again resets the attempt counter.
		if !self.awaitVisible() {
			return
		}

		self.mutex.Lock()
		if self.terminal {
			self.mutex.Unlock()
			return
		}
		if self.settings.ReconnectMaxAttempts <= self.attempts {
			update := self.visibleUpdate
			self.mutex.Unlock()
			// out of attempts. wait for a visibility edge to reset.
			select {
			case <-self.ctx.Done():
				return
			case <-update:
				reconnect = self.newBackOff()
				continue
			}
		}
		self.attempts += 1
		self.state = SessionConnecting
		self.mutex.Unlock()
		self.emitState(SessionConnecting)

		conn, err := self.dial()
		if err != nil {
			glog.Infof("[s]connect error %s = %s\n", self.auth.BoardId, err)
			self.mutex.Lock()
			self.state = SessionDisconnected
			self.mutex.Unlock()
			self.emitState(SessionDisconnected)

			select {
			case <-self.ctx.Done():
				return
			case <-time.After(reconnect.NextBackOff()):
			}
			continue
		}

		self.mutex.Lock()
		self.conn = conn
		self.state = SessionConnected
		self.attempts = 0
		self.mutex.Unlock()
		self.emitState(SessionConnected)
		reconnect = self.newBackOff()

		self.handle(conn)

		// the queue was meant for a session whose server state is now
		// unknown. clear it rather than flushing onto the next connection.
		self.mutex.Lock()
		terminal := self.terminal
		self.conn = nil
		self.initialized = false
		self.queue = [][]byte{}
		self.state = SessionDisconnected
		self.mutex.Unlock()
		self.emitState(SessionDisconnected)

		if terminal {
			return
		}
	}
}

func (self *TransportSession) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	header := http.Header{}
	header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.ByJwt))
	header.Add("X-Board-Id", self.auth.BoardId)
	header.Add("X-Instance-Id", self.auth.InstanceId.String())

	conn, _, err := dialer.DialContext(self.ctx, self.wsUrl, header)
	return conn, err
}

// handle runs the read and ping pumps for one connection and returns when
// the connection is finished.
func (self *TransportSession) handle(conn *websocket.Conn) {
	defer conn.Close()

	// pongs are the only inbound traffic on a quiet board. they must hold
	// the read deadline open or a healthy idle connection times out.
	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	})

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingInterval):
			}

			self.sendMutex.Lock()
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			self.sendMutex.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			glog.Infof("[s]%s<- error = %s\n", self.auth.BoardId, err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			event, err := DecodeServerEvent(message)
			if err != nil {
				glog.Infof("[s]%s<- bad event = %s\n", self.auth.BoardId, err)
				continue
			}
			glog.V(2).Infof("[s]%s<- %s\n", self.auth.BoardId, event.EventType())

			switch event.(type) {
			case *InitEvent:
				// flush before dispatch. a send issued from inside an init
				// handler must not overtake messages queued earlier.
				self.setInitialized()
				self.flushQueue(conn)
				self.dispatch(event)
			case *KickEvent:
				// terminal for the session. the handler gets one chance to
				// push a final snapshot before the socket closes.
				self.mutex.Lock()
				self.terminal = true
				self.mutex.Unlock()
				self.dispatch(event)
				return
			default:
				self.dispatch(event)
			}
		}
	}
}

func (self *TransportSession) setInitialized() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.initialized = true
}

func (self *TransportSession) dispatch(event ServerEvent) {
	for _, callback := range self.receiveCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

func (self *TransportSession) emitState(state SessionState) {
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

// Send emits an event to the relay. Before the server acks the connection
// with its first full-state message, messages are queued rather than
// dropped, and flushed FIFO once initialized.
func (self *TransportSession) Send(eventType EventType, payload any) error {
	message, err := EncodeClientEvent(eventType, payload)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	if self.terminal {
		self.mutex.Unlock()
		return fmt.Errorf("session is terminal")
	}
	if !self.initialized {
		if self.settings.QueueMaxCount <= len(self.queue) {
			self.mutex.Unlock()
			return fmt.Errorf("send queue full")
		}
		self.queue = append(self.queue, message)
		self.mutex.Unlock()
		return nil
	}
	conn := self.conn
	self.mutex.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return self.write(conn, message)
}

// SendNow bypasses the queue and writes directly if a connection is up.
// Used for the best-effort final snapshot on kick and unload.
func (self *TransportSession) SendNow(eventType EventType, payload any) error {
	message, err := EncodeClientEvent(eventType, payload)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	conn := self.conn
	self.mutex.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return self.write(conn, message)
}

func (self *TransportSession) write(conn *websocket.Conn, message []byte) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, message)
}

func (self *TransportSession) flushQueue(conn *websocket.Conn) {
	self.mutex.Lock()
	queued := self.queue
	self.queue = [][]byte{}
	current := self.conn == conn
	self.mutex.Unlock()

	if !current {
		// never flush onto a dead connection
		return
	}
	for _, message := range queued {
		if err := self.write(conn, message); err != nil {
			glog.Infof("[s]%s-> flush error = %s\n", self.auth.BoardId, err)
			return
		}
	}
}

// SetVisible gates reconnection on tab visibility.
func (self *TransportSession) SetVisible(visible bool) {
	self.mutex.Lock()
	wasVisible := self.visible
	self.visible = visible
	if visible && !wasVisible {
		self.attempts = 0
		close(self.visibleUpdate)
		self.visibleUpdate = make(chan struct{})
	}
	self.mutex.Unlock()
}

func (self *TransportSession) awaitVisible() bool {
	for {
		self.mutex.Lock()
		if self.visible {
			self.mutex.Unlock()
			return true
		}
		update := self.visibleUpdate
		self.mutex.Unlock()

		select {
		case <-self.ctx.Done():
			return false
		case <-update:
		}
	}
}

func (self *TransportSession) Close() {
	self.cancel()

	self.mutex.Lock()
	conn := self.conn
	self.conn = nil
	self.initialized = false
	self.queue = [][]byte{}
	self.mutex.Unlock()

	if conn != nil {
		conn.Close()
	}
}
