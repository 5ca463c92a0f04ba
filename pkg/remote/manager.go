// Package remote implements the client side of the remoting protocol:
// resource handles, subscriptions with revision and acknowledgement gap
// tracking, the batched write pipeline with queued-update deferral, and
// reconnection with resubscription and write resubmission.
package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/frame"
	"github.com/cdl-lang/remoting/pkg/paid"
	"github.com/cdl-lang/remoting/pkg/ticker"
	"github.com/cdl-lang/remoting/pkg/wire"
	"github.com/cdl-lang/remoting/pkg/xdr"
)

// Connection states reported to consumers.
const (
	StateOpen = iota
	StateClosed
	StateTerminated
	StateReload
)

// A Consumer receives the state of one subscribed resource.
type Consumer interface {
	// ResourceUpdate delivers one element of the resource at the given
	// revision. A delete-marker value removes the element.
	ResourceUpdate(ident string, value xdr.Value, revision uint64)

	// ConnectionState reports connection lifecycle changes: StateOpen on
	// (re)connect, StateClosed with a reconnect pending, StateTerminated
	// and StateReload without one.
	ConnectionState(state int, reason string)
}

// A LoginWatcher receives login status updates for a connection.
type LoginWatcher func(username string, authenticated bool, reason string, loginSeqNr uint64)

// A Dialer opens the transport to a host. The default dials a websocket.
type Dialer func(hostSpec string) (frame.MessageConn, error)

// Options tune the manager.
type Options struct {
	Frame          frame.Options
	ReconnectDelay time.Duration // default 3s
	Dialer         Dialer
}

const defaultReconnectDelay = 3 * time.Second

func (o Options) withDefaults() Options {
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.Dialer == nil {
		o.Dialer = dialWebsocket
	}
	return o
}

func dialWebsocket(hostSpec string) (frame.MessageConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(hostSpec, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling %s: %w", hostSpec, err)
	}
	return frame.NewWebsocketConn(conn), nil
}

// Manager owns the client's connections and resource handles. One
// connection exists per host spec; resources on the same host share it.
type Manager struct {
	registry *paid.Registry
	ticker   ticker.Ticker
	opts     Options
	log      *logging.Entry

	mu             sync.Mutex
	connections    map[string]*Connection
	resources      map[uint64]*resourceHandle
	nextResourceID uint64
	loginWatcher   LoginWatcher
	closed         bool
}

type resourceHandle struct {
	id       uint64
	hostSpec string
	spec     wire.ResourceSpec
	consumer Consumer
	refs     int
}

// NewManager returns a manager sharing the given process-wide registry.
func NewManager(registry *paid.Registry, tick ticker.Ticker, opts Options, log *logging.Entry) *Manager {
	return &Manager{
		registry:    registry,
		ticker:      tick,
		opts:        opts.withDefaults(),
		log:         log.WithField("component", "remote-manager"),
		connections: make(map[string]*Connection),
		resources:   make(map[uint64]*resourceHandle),
	}
}

// Subscribe opens (or reuses) the connection to hostSpec, allocates a
// resource handle and subscribes consumer to the named resource. It
// returns the resource ID used in all further calls.
func (m *Manager) Subscribe(consumer Consumer, hostSpec string, spec wire.ResourceSpec) (uint64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, fmt.Errorf("remote manager closed")
	}
	m.nextResourceID++
	id := m.nextResourceID
	m.resources[id] = &resourceHandle{id: id, hostSpec: hostSpec, spec: spec, consumer: consumer, refs: 1}
	conn, ok := m.connections[hostSpec]
	if !ok {
		conn = newConnection(m, hostSpec)
		m.connections[hostSpec] = conn
	}
	m.mu.Unlock()

	conn.addSubscription(id, spec, consumer)
	return id, nil
}

// Unsubscribe removes the subscription. It is idempotent; one or two
// straggler updates may still be delivered if they were already in
// flight.
func (m *Manager) Unsubscribe(resourceID uint64) {
	m.mu.Lock()
	handle, ok := m.resources[resourceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.resources, resourceID)
	conn := m.connections[handle.hostSpec]
	m.mu.Unlock()
	if conn != nil {
		conn.removeSubscription(resourceID)
	}
}

// Write queues one element onto the per-resource batch. Nothing travels
// until Flush.
func (m *Manager) Write(resourceID uint64, ident xdr.Ident, value xdr.Value) error {
	conn, err := m.connFor(resourceID)
	if err != nil {
		return err
	}
	conn.queueWrite(resourceID, ident, value)
	return nil
}

// Flush coalesces all pending write batches into write messages and
// pushes them out.
func (m *Manager) Flush() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.flushWrites()
	}
}

// Login relays a login request on the connection to hostSpec. The result
// arrives through the login watcher.
func (m *Manager) Login(hostSpec, username, password string, loginSeqNr uint64) error {
	return m.sendControl(hostSpec, &wire.Message{
		Type: wire.TypeLogin, Username: username, Password: password, LoginSeqNr: loginSeqNr,
	})
}

// Logout relays a logout request.
func (m *Manager) Logout(hostSpec string) error {
	return m.sendControl(hostSpec, &wire.Message{Type: wire.TypeLogout})
}

// CreateAccount relays an account creation request.
func (m *Manager) CreateAccount(hostSpec, username, password, email string, loginSeqNr uint64) error {
	return m.sendControl(hostSpec, &wire.Message{
		Type: wire.TypeCreateAccount, Username: username, Password: password, Email: email, LoginSeqNr: loginSeqNr,
	})
}

// SetLoginWatcher registers the callback receiving loginStatus messages.
func (m *Manager) SetLoginWatcher(w LoginWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginWatcher = w
}

// Close tears down every connection. Consumers are not notified; no
// reconnects are scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

func (m *Manager) connFor(resourceID uint64) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.resources[resourceID]
	if !ok {
		return nil, fmt.Errorf("unknown resource %d", resourceID)
	}
	conn, ok := m.connections[handle.hostSpec]
	if !ok {
		return nil, fmt.Errorf("no connection for resource %d", resourceID)
	}
	return conn, nil
}

func (m *Manager) sendControl(hostSpec string, msg *wire.Message) error {
	m.mu.Lock()
	conn, ok := m.connections[hostSpec]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection to %s", hostSpec)
	}
	return conn.send(msg)
}

func (m *Manager) notifyLogin(username string, authenticated bool, reason string, loginSeqNr uint64) {
	m.mu.Lock()
	w := m.loginWatcher
	m.mu.Unlock()
	if w != nil {
		w(username, authenticated, reason, loginSeqNr)
	}
}

func (m *Manager) dropConnection(c *Connection) {
	m.mu.Lock()
	if m.connections[c.hostSpec] == c {
		delete(m.connections, c.hostSpec)
	}
	m.mu.Unlock()
}
