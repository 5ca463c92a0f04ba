package remote

import (
	"fmt"
	"sync"

	logging "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/frame"
	"github.com/cdl-lang/remoting/pkg/ticker"
	"github.com/cdl-lang/remoting/pkg/wire"
	"github.com/cdl-lang/remoting/pkg/xdr"
)

// Connection is the client end of one framed connection to a host. It
// owns the subscriptions riding on it, the per-resource write batches and
// the pending-write table, and drives reconnection.
type Connection struct {
	manager  *Manager
	hostSpec string
	log      *logging.Entry

	marshaller   *xdr.Marshaller
	unmarshaller *xdr.Unmarshaller

	// sendMu keeps a define message and the write that first uses its
	// entries adjacent on the wire.
	sendMu sync.Mutex

	mu           sync.Mutex
	conn         *frame.Conn
	open         bool
	terminated   bool
	shuttingDown bool
	subs         map[uint64]*subState
	nextAckID    uint64
	reconnect    ticker.Task
}

// subState bundles a subscription with its consumer, its unsent write
// batch and its in-flight pending writes.
type subState struct {
	subscription
	spec     wire.ResourceSpec
	consumer Consumer
	batch    []batchElement
	pending  map[string]*pendingWrite
}

type batchElement struct {
	ident xdr.Ident
	value xdr.Value
}

// pendingWrite tracks one identifier of an in-flight write batch. Only an
// acknowledgement carrying the entry's current ackID clears it; an update
// arriving meanwhile is deferred on the entry instead of reaching the
// consumer.
type pendingWrite struct {
	ackID  uint64
	ident  xdr.Ident
	value  xdr.Value
	queued *queuedUpdate
}

type queuedUpdate struct {
	value    xdr.Value
	revision uint64
}

// ackContext correlates a write acknowledgement with its batch.
type ackContext struct {
	resourceID uint64
	ackID      uint64
	idents     []string
}

// delivery is one consumer notification assembled under the lock and
// fired after it is released.
type delivery struct {
	consumer Consumer
	ident    string
	value    xdr.Value
	revision uint64
}

func newConnection(m *Manager, hostSpec string) *Connection {
	c := &Connection{
		manager:      m,
		hostSpec:     hostSpec,
		log:          m.log.WithField("host", hostSpec),
		marshaller:   xdr.NewMarshaller(m.registry),
		unmarshaller: xdr.NewUnmarshaller(m.registry),
		subs:         make(map[uint64]*subState),
	}
	go c.connect()
	return c
}

func (c *Connection) connect() {
	transport, err := c.manager.opts.Dialer(c.hostSpec)
	if err != nil {
		c.log.Warnf("Connect failed: %s", err)
		c.handleClose(fmt.Sprintf("connect failed: %s", err))
		return
	}
	fc := frame.New(transport, frame.HandlerFunc(c.handleMessage), c.manager.ticker, c.manager.opts.Frame, c.log)
	fc.OnOpen = c.handleOpen
	fc.OnClose = c.handleClose

	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		fc.Close()
		return
	}
	c.conn = fc
	c.mu.Unlock()
	go fc.Serve()
}

// handleOpen re-establishes the session on a fresh transport: notify
// consumers, resubscribe each resource from its current revision and
// resubmit every still-pending write under a fresh ackID.
func (c *Connection) handleOpen() {
	c.mu.Lock()
	c.open = true
	fc := c.conn
	consumers := c.consumersLocked()
	var msgs []*wire.Message
	type resubmit struct {
		resourceID uint64
		elems      []batchElement
	}
	var resubmits []resubmit
	for id, s := range c.subs {
		msgs = append(msgs, &wire.Message{
			Type:         wire.TypeSubscribe,
			ResourceID:   id,
			ResourceSpec: &s.spec,
			Revision:     wire.Rev(s.revision),
		})
		if len(s.pending) > 0 {
			r := resubmit{resourceID: id}
			for _, e := range s.pending {
				r.elems = append(r.elems, batchElement{ident: e.ident, value: e.value})
			}
			resubmits = append(resubmits, r)
		}
	}
	c.mu.Unlock()

	for _, consumer := range consumers {
		consumer.ConnectionState(StateOpen, "")
	}
	for _, msg := range msgs {
		if _, err := fc.SendMessage(msg, nil, nil); err != nil {
			c.log.Warnf("Resubscribe failed: %s", err)
			return
		}
	}
	for _, r := range resubmits {
		c.sendWriteBatch(fc, r.resourceID, r.elems)
	}
	// Batches queued while the connection was down go out as well.
	c.flushWrites()
	fc.Flush()
}

func (c *Connection) handleClose(reason string) {
	c.mu.Lock()
	c.open = false
	c.conn = nil
	wasTerminated := c.terminated
	shuttingDown := c.shuttingDown
	consumers := c.consumersLocked()
	scheduleReconnect := !wasTerminated && !shuttingDown && c.reconnect == nil
	if scheduleReconnect {
		c.reconnect = c.manager.ticker.Schedule(c.manager.opts.ReconnectDelay, c.reconnectNow)
	}
	c.mu.Unlock()

	if wasTerminated || shuttingDown {
		return
	}
	for _, consumer := range consumers {
		consumer.ConnectionState(StateClosed, reason)
	}
}

// reconnectNow re-dials after the backoff. The declaration state of the
// codec is reset so templates and indices are re-declared on the new
// connection.
func (c *Connection) reconnectNow() {
	c.mu.Lock()
	c.reconnect = nil
	stop := c.shuttingDown || c.terminated
	c.mu.Unlock()
	if stop {
		return
	}
	c.marshaller.Reset()
	c.unmarshaller.Reset()
	c.connect()
}

func (c *Connection) addSubscription(resourceID uint64, spec wire.ResourceSpec, consumer Consumer) {
	c.mu.Lock()
	s := &subState{
		subscription: subscription{resourceID: resourceID},
		spec:         spec,
		consumer:     consumer,
		pending:      make(map[string]*pendingWrite),
	}
	c.subs[resourceID] = s
	fc, open := c.conn, c.open
	c.mu.Unlock()

	if open {
		msg := &wire.Message{
			Type:         wire.TypeSubscribe,
			ResourceID:   resourceID,
			ResourceSpec: &spec,
			Revision:     wire.Rev(0),
		}
		if _, err := fc.SendMessage(msg, nil, nil); err != nil {
			c.log.Warnf("Subscribe failed: %s", err)
		}
	}
}

func (c *Connection) removeSubscription(resourceID uint64) {
	c.mu.Lock()
	_, known := c.subs[resourceID]
	delete(c.subs, resourceID)
	fc, open := c.conn, c.open
	c.mu.Unlock()

	if !known || !open {
		return
	}
	for _, t := range []string{wire.TypeUnsubscribe, wire.TypeReleaseResource} {
		if _, err := fc.SendMessage(&wire.Message{Type: t, ResourceID: resourceID}, nil, nil); err != nil {
			c.log.Warnf("Unsubscribe failed: %s", err)
			return
		}
	}
}

func (c *Connection) queueWrite(resourceID uint64, ident xdr.Ident, value xdr.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[resourceID]
	if !ok {
		return
	}
	s.batch = append(s.batch, batchElement{ident: ident, value: value})
}

// flushWrites turns every non-empty batch into a write message. Each
// element lands in the pending table under the batch's ackID; an element
// already pending is re-tagged with the new ackID, so only the newest
// outstanding write's acknowledgement clears it.
func (c *Connection) flushWrites() {
	c.mu.Lock()
	fc, open := c.conn, c.open
	type flushItem struct {
		resourceID uint64
		elems      []batchElement
	}
	var items []flushItem
	if open {
		for id, s := range c.subs {
			if len(s.batch) == 0 {
				continue
			}
			items = append(items, flushItem{resourceID: id, elems: s.batch})
			s.batch = nil
		}
	}
	c.mu.Unlock()

	if !open || len(items) == 0 {
		return
	}
	for _, item := range items {
		c.sendWriteBatch(fc, item.resourceID, item.elems)
	}
	fc.Flush()
}

// sendWriteBatch marshals elems, registers them in the pending table
// under a fresh ackID, emits any newly needed definitions and sends the
// write message.
func (c *Connection) sendWriteBatch(fc *frame.Conn, resourceID uint64, elems []batchElement) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	s, ok := c.subs[resourceID]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.nextAckID++
	ackID := c.nextAckID

	var list []wire.WriteElement
	var idents []string
	for _, e := range elems {
		c.marshaller.NoteIdent(e.ident)
		raw, err := c.marshaller.MarshalValue(e.value)
		if err != nil {
			c.log.Errorf("Cannot marshal element %s: %s", e.ident, err)
			continue
		}
		key := e.ident.String()
		list = append(list, wire.WriteElement{Ident: key, Value: raw})
		idents = append(idents, key)
		if entry, ok := s.pending[key]; ok {
			entry.ackID = ackID
			entry.value = e.value
		} else {
			s.pending[key] = &pendingWrite{ackID: ackID, ident: e.ident, value: e.value}
		}
	}
	c.mu.Unlock()
	if len(list) == 0 {
		return
	}

	c.sendDefinitions(fc, resourceID)
	rawList, err := wire.EncodeList(list)
	if err != nil {
		c.log.Errorf("Cannot encode write batch: %s", err)
		return
	}
	msg := &wire.Message{Type: wire.TypeWrite, ResourceID: resourceID, AckID: ackID, List: rawList}
	ctx := &ackContext{resourceID: resourceID, ackID: ackID, idents: idents}
	if _, err := fc.SendMessage(msg, c.onWriteAck, ctx); err != nil {
		c.log.Warnf("Write failed: %s", err)
	}
}

// sendDefinitions declares any templates and indices used since the last
// send, before the message that needs them.
func (c *Connection) sendDefinitions(fc *frame.Conn, resourceID uint64) {
	defs, err := c.marshaller.TakeDefinitions()
	if err != nil {
		c.log.Errorf("Cannot collect definitions: %s", err)
		return
	}
	if len(defs) == 0 {
		return
	}
	rawList, err := wire.EncodeList(defs)
	if err != nil {
		c.log.Errorf("Cannot encode definitions: %s", err)
		return
	}
	if _, err := fc.SendMessage(&wire.Message{Type: wire.TypeDefine, ResourceID: resourceID, List: rawList}, nil, nil); err != nil {
		c.log.Warnf("Define failed: %s", err)
	}
}

// onWriteAck handles the acknowledgement of one write batch. Entries
// overwritten by a newer write in the meantime keep waiting for the newer
// acknowledgement; cleared entries surface either the deferred queued
// update or the acknowledged write, whichever carries the higher
// revision.
func (c *Connection) onWriteAck(arg interface{}, ok bool, msg *wire.Message) {
	ctx := arg.(*ackContext)
	if !ok {
		// Connection went down; the entries stay pending and are
		// resubmitted after reconnect.
		return
	}
	if msg.Type == wire.TypeError {
		c.log.Errorf("Write %d rejected: %s", ctx.ackID, msg.Description)
		return
	}
	if msg.Revision == nil {
		c.log.Errorf("Write acknowledgement without revision for ack %d", ctx.ackID)
		return
	}
	revision := *msg.Revision

	c.mu.Lock()
	s, known := c.subs[ctx.resourceID]
	var deliveries []delivery
	if known {
		s.noteAck(revision, ctx.idents)
		for _, ident := range ctx.idents {
			entry, pending := s.pending[ident]
			if !pending || entry.ackID != ctx.ackID {
				continue
			}
			delete(s.pending, ident)
			if entry.queued != nil && entry.queued.revision > revision {
				deliveries = append(deliveries, delivery{s.consumer, ident, entry.queued.value, entry.queued.revision})
			} else {
				deliveries = append(deliveries, delivery{s.consumer, ident, entry.value, revision})
			}
		}
	}
	c.mu.Unlock()

	for _, d := range deliveries {
		d.consumer.ResourceUpdate(d.ident, d.value, d.revision)
	}
}

func (c *Connection) handleMessage(fc *frame.Conn, seqNr uint64, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeResourceUpdate:
		c.handleUpdate(msg)
	case wire.TypeDefine:
		defs, err := msg.Definitions()
		if err == nil {
			err = c.unmarshaller.ApplyDefinitions(defs)
		}
		if err != nil {
			c.log.Errorf("Bad define message: %s", err)
		}
	case wire.TypeLoginStatus:
		c.manager.notifyLogin(msg.Username, msg.Authenticated, msg.Reason, msg.LoginSeqNr)
	case wire.TypeTerminate:
		c.handleTerminal(StateTerminated, msg.Reason)
	case wire.TypeReloadApplication:
		c.handleTerminal(StateReload, msg.Reason)
	case wire.TypeError:
		c.log.Errorf("Peer error: %s", msg.Description)
	case wire.TypeWriteAck:
		// An acknowledgement whose reply handler is gone (reconnect raced
		// the reply) is ignored.
		c.log.Debugf("Unrouted write acknowledgement %d", msg.InReplyTo)
	default:
		c.log.Warnf("Unexpected message type %q", msg.Type)
	}
}

// handleUpdate applies one resourceUpdate: translation of identifiers and
// values, deferral for identifiers with a pending write, suppression of
// updates superseded by acked writes, then revision accounting.
func (c *Connection) handleUpdate(msg *wire.Message) {
	if msg.Revision == nil {
		c.log.Errorf("Resource update without revision")
		return
	}
	revision := *msg.Revision

	c.mu.Lock()
	s, ok := c.subs[msg.ResourceID]
	if !ok {
		// Stragglers after unsubscribe are expected; drop them.
		c.mu.Unlock()
		return
	}
	if revision != 0 && revision <= s.revision {
		c.mu.Unlock()
		return
	}
	var deliveries []delivery
	for identStr, raw := range msg.Update {
		remote, err := xdr.ParseIdent(identStr)
		if err != nil {
			c.log.Errorf("Bad identifier in update: %s", err)
			continue
		}
		local, err := c.unmarshaller.TranslateIdent(remote)
		if err != nil {
			c.log.Errorf("Untranslatable identifier %s: %s", identStr, err)
			continue
		}
		value, err := c.unmarshaller.UnmarshalValue(raw)
		if err != nil {
			c.log.Errorf("Bad value for %s: %s", identStr, err)
			continue
		}
		key := local.String()
		if entry, pending := s.pending[key]; pending {
			if entry.queued == nil || revision > entry.queued.revision {
				entry.queued = &queuedUpdate{value: value, revision: revision}
			}
			continue
		}
		if s.staleForIdent(key, revision) {
			continue
		}
		deliveries = append(deliveries, delivery{s.consumer, key, value, revision})
	}
	s.noteUpdate(revision)
	c.mu.Unlock()

	for _, d := range deliveries {
		d.consumer.ResourceUpdate(d.ident, d.value, d.revision)
	}
}

func (c *Connection) handleTerminal(state int, reason string) {
	c.mu.Lock()
	c.terminated = true
	fc := c.conn
	consumers := c.consumersLocked()
	if c.reconnect != nil {
		c.reconnect.Cancel()
		c.reconnect = nil
	}
	c.mu.Unlock()

	for _, consumer := range consumers {
		consumer.ConnectionState(state, reason)
	}
	c.manager.dropConnection(c)
	if fc != nil {
		fc.Close()
	}
}

// send transmits a control message on an open connection.
func (c *Connection) send(msg *wire.Message) error {
	c.mu.Lock()
	fc, open := c.conn, c.open
	c.mu.Unlock()
	if !open {
		return fmt.Errorf("connection to %s is not open", c.hostSpec)
	}
	_, err := fc.SendMessage(msg, nil, nil)
	return err
}

func (c *Connection) shutdown() {
	c.mu.Lock()
	c.shuttingDown = true
	if c.reconnect != nil {
		c.reconnect.Cancel()
		c.reconnect = nil
	}
	fc := c.conn
	c.mu.Unlock()
	if fc != nil {
		fc.Close()
	}
}

// consumersLocked returns the distinct consumers across all
// subscriptions. Callers hold c.mu.
func (c *Connection) consumersLocked() []Consumer {
	seen := make(map[Consumer]bool, len(c.subs))
	consumers := make([]Consumer, 0, len(c.subs))
	for _, s := range c.subs {
		if !seen[s.consumer] {
			seen[s.consumer] = true
			consumers = append(consumers, s.consumer)
		}
	}
	return consumers
}
