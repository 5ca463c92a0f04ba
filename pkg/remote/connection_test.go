package remote

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/frame"
	"github.com/cdl-lang/remoting/pkg/paid"
	"github.com/cdl-lang/remoting/pkg/ticker"
	"github.com/cdl-lang/remoting/pkg/wire"
	"github.com/cdl-lang/remoting/pkg/xdr"
)

// pipeConn is an in-memory duplex transport shared by both ends through
// the done channel.
type pipeConn struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

func newPipe() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	done := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, done: done, once: once},
		&pipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case buf := <-p.in:
		return buf, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteMessage(buf []byte) error {
	select {
	case p.out <- append([]byte(nil), buf...):
		return nil
	case <-p.done:
		return errors.New("pipe closed")
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type receivedMessage struct {
	seqNr uint64
	msg   *wire.Message
}

// fakeServer drives the server end of a connection at the frame level,
// so tests can script acknowledgements and fanout updates.
type fakeServer struct {
	fc   *frame.Conn
	msgs chan receivedMessage
}

func newFakeServer(t *testing.T, transport frame.MessageConn) *fakeServer {
	s := &fakeServer{msgs: make(chan receivedMessage, 64)}
	s.fc = frame.New(transport, frame.HandlerFunc(func(_ *frame.Conn, seqNr uint64, msg *wire.Message) {
		s.msgs <- receivedMessage{seqNr: seqNr, msg: msg}
	}), ticker.Wall(), frame.Options{PoolDelay: time.Millisecond}, logging.WithField("test", t.Name()+"/server"))
	go s.fc.Serve()
	return s
}

func (s *fakeServer) expect(t *testing.T, msgType string) receivedMessage {
	t.Helper()
	for {
		select {
		case m := <-s.msgs:
			if m.msg.Type == msgType {
				return m
			}
			t.Fatalf("expected a %s message, got %s", msgType, m.msg.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for a %s message", msgType)
		}
	}
}

func (s *fakeServer) send(t *testing.T, msg *wire.Message) {
	t.Helper()
	if _, err := s.fc.SendMessage(msg, nil, nil); err != nil {
		t.Fatalf("server send failed: %s", err)
	}
	s.fc.Flush()
}

type updateRecord struct {
	ident    string
	value    xdr.Value
	revision uint64
}

type recordingConsumer struct {
	mu      sync.Mutex
	updates []updateRecord
	states  []int
	arrived chan struct{}
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{arrived: make(chan struct{}, 64)}
}

func (c *recordingConsumer) ResourceUpdate(ident string, value xdr.Value, revision uint64) {
	c.mu.Lock()
	c.updates = append(c.updates, updateRecord{ident, value, revision})
	c.mu.Unlock()
	c.arrived <- struct{}{}
}

func (c *recordingConsumer) ConnectionState(state int, reason string) {
	c.mu.Lock()
	c.states = append(c.states, state)
	c.mu.Unlock()
	c.arrived <- struct{}{}
}

func (c *recordingConsumer) waitUpdates(t *testing.T, n int) []updateRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.updates) >= n {
			out := append([]updateRecord(nil), c.updates...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.arrived:
		case <-deadline:
			c.mu.Lock()
			defer c.mu.Unlock()
			t.Fatalf("timed out waiting for %d updates, have %v", n, c.updates)
		}
	}
}

func (c *recordingConsumer) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

// testSetup wires a manager whose dialer hands out pre-arranged pipes.
type testSetup struct {
	mgr   *Manager
	dials chan frame.MessageConn
}

func newTestSetup(t *testing.T) *testSetup {
	dials := make(chan frame.MessageConn, 4)
	opts := Options{
		Frame:          frame.Options{PoolDelay: time.Millisecond},
		ReconnectDelay: 10 * time.Millisecond,
		Dialer: func(string) (frame.MessageConn, error) {
			select {
			case c := <-dials:
				return c, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("no pipe prepared for the dial")
			}
		},
	}
	mgr := NewManager(paid.NewRegistry(), ticker.Wall(), opts, logging.WithField("test", t.Name()))
	t.Cleanup(mgr.Close)
	return &testSetup{mgr: mgr, dials: dials}
}

func (ts *testSetup) acceptServer(t *testing.T) *fakeServer {
	clientEnd, serverEnd := newPipe()
	ts.dials <- clientEnd
	return newFakeServer(t, serverEnd)
}

func (ts *testSetup) connection(hostSpec string) *Connection {
	ts.mgr.mu.Lock()
	defer ts.mgr.mu.Unlock()
	return ts.mgr.connections[hostSpec]
}

func pendingCount(c *Connection, resourceID uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[resourceID]
	if !ok {
		return 0
	}
	return len(s.pending)
}

func subscriptionRevision(c *Connection, resourceID uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[resourceID]
	if !ok {
		return 0
	}
	return s.revision
}

const testIdent = "1:1:context.x"

// The small write round trip: subscribe, initial empty update, one
// write, its acknowledgement and its fanout.
func TestWriteRoundTrip(t *testing.T) {
	ts := newTestSetup(t)
	srv := ts.acceptServer(t)
	consumer := newRecordingConsumer()

	resourceID, err := ts.mgr.Subscribe(consumer, "ws://test", wire.ResourceSpec{Kind: "appState"})
	if err != nil {
		t.Fatalf("subscribe failed: %s", err)
	}

	sub := srv.expect(t, wire.TypeSubscribe)
	if sub.msg.ResourceID != resourceID {
		t.Fatalf("subscribed resource %d, want %d", sub.msg.ResourceID, resourceID)
	}
	if sub.msg.Revision == nil || *sub.msg.Revision != 0 {
		t.Fatalf("expected a fresh subscription to quote revision 0, got %v", sub.msg.Revision)
	}
	srv.send(t, &wire.Message{
		Type: wire.TypeResourceUpdate, ResourceID: resourceID, Revision: wire.Rev(0),
		Update: map[string]json.RawMessage{},
	})

	if err := ts.mgr.Write(resourceID, mustIdent(t, testIdent), xdr.Number(42)); err != nil {
		t.Fatalf("write failed: %s", err)
	}
	ts.mgr.Flush()

	write := srv.expect(t, wire.TypeWrite)
	if write.msg.AckID == 0 {
		t.Fatal("write without an ackId")
	}
	elems, err := write.msg.Elements()
	if err != nil || len(elems) != 1 || elems[0].Ident != testIdent {
		t.Fatalf("unexpected write elements %v (err %v)", elems, err)
	}

	srv.send(t, &wire.Message{
		Type: wire.TypeWriteAck, InReplyTo: write.seqNr,
		ResourceID: resourceID, AckID: write.msg.AckID, Revision: wire.Rev(1),
	})
	srv.send(t, &wire.Message{
		Type: wire.TypeResourceUpdate, ResourceID: resourceID, Revision: wire.Rev(1),
		Update: map[string]json.RawMessage{testIdent: elems[0].Value},
	})

	updates := consumer.waitUpdates(t, 1)
	if updates[0].ident != testIdent || !updates[0].value.Equal(xdr.Number(42)) || updates[0].revision != 1 {
		t.Fatalf("unexpected update %+v", updates[0])
	}

	conn := ts.connection("ws://test")
	waitFor(t, func() bool { return pendingCount(conn, resourceID) == 0 })
	if got := subscriptionRevision(conn, resourceID); got != 1 {
		t.Fatalf("subscription revision %d, want 1", got)
	}
	// The fanned-out copy of the own write must not be surfaced twice.
	time.Sleep(20 * time.Millisecond)
	if consumer.updateCount() != 1 {
		t.Fatalf("expected exactly one update, got %d", consumer.updateCount())
	}
}

// An acknowledgement arriving after the identifier was overwritten by a
// newer write: the older acknowledgement must not clear the entry, and
// the consumer sees the newer value once its own acknowledgement lands.
func TestAckAfterLaterWrite(t *testing.T) {
	ts := newTestSetup(t)
	srv := ts.acceptServer(t)
	consumer := newRecordingConsumer()

	resourceID, err := ts.mgr.Subscribe(consumer, "ws://test", wire.ResourceSpec{Kind: "appState"})
	if err != nil {
		t.Fatalf("subscribe failed: %s", err)
	}
	srv.expect(t, wire.TypeSubscribe)

	ts.mgr.Write(resourceID, mustIdent(t, testIdent), xdr.String("first"))
	ts.mgr.Flush()
	write1 := srv.expect(t, wire.TypeWrite)

	ts.mgr.Write(resourceID, mustIdent(t, testIdent), xdr.String("second"))
	ts.mgr.Flush()
	write2 := srv.expect(t, wire.TypeWrite)
	if write2.msg.AckID <= write1.msg.AckID {
		t.Fatalf("ackIds not monotonic: %d then %d", write1.msg.AckID, write2.msg.AckID)
	}

	conn := ts.connection("ws://test")

	// Fanout of write 1 reaches the client first; the identifier is
	// pending under write 2's ackId, so the update is deferred.
	elems1, _ := write1.msg.Elements()
	srv.send(t, &wire.Message{
		Type: wire.TypeResourceUpdate, ResourceID: resourceID, Revision: wire.Rev(5),
		Update: map[string]json.RawMessage{testIdent: elems1[0].Value},
	})
	waitFor(t, func() bool { return subscriptionRevision(conn, resourceID) == 5 })
	if consumer.updateCount() != 0 {
		t.Fatal("a deferred update reached the consumer")
	}

	// The acknowledgement of write 1 does not clear the entry.
	srv.send(t, &wire.Message{
		Type: wire.TypeWriteAck, InReplyTo: write1.seqNr,
		ResourceID: resourceID, AckID: write1.msg.AckID, Revision: wire.Rev(5),
	})
	time.Sleep(20 * time.Millisecond)
	if n := pendingCount(conn, resourceID); n != 1 {
		t.Fatalf("pending entries %d after the stale acknowledgement, want 1", n)
	}
	if consumer.updateCount() != 0 {
		t.Fatal("the stale acknowledgement surfaced an update")
	}

	// The acknowledgement of write 2 clears it; the queued update has
	// revision 5 < 6, so the consumer sees write 2's value.
	srv.send(t, &wire.Message{
		Type: wire.TypeWriteAck, InReplyTo: write2.seqNr,
		ResourceID: resourceID, AckID: write2.msg.AckID, Revision: wire.Rev(6),
	})
	updates := consumer.waitUpdates(t, 1)
	if !updates[0].value.Equal(xdr.String("second")) || updates[0].revision != 6 {
		t.Fatalf("unexpected update %+v", updates[0])
	}
	if n := pendingCount(conn, resourceID); n != 0 {
		t.Fatalf("pending entries %d after the final acknowledgement", n)
	}
}

// A stale fanout for an identifier whose write was already acked with a
// higher revision is suppressed.
func TestStaleUpdateSuppression(t *testing.T) {
	ts := newTestSetup(t)
	srv := ts.acceptServer(t)
	consumer := newRecordingConsumer()

	resourceID, err := ts.mgr.Subscribe(consumer, "ws://test", wire.ResourceSpec{Kind: "appState"})
	if err != nil {
		t.Fatalf("subscribe failed: %s", err)
	}
	srv.expect(t, wire.TypeSubscribe)
	conn := ts.connection("ws://test")

	// Catch the subscription up to revision 15.
	srv.send(t, &wire.Message{
		Type: wire.TypeResourceUpdate, ResourceID: resourceID, Revision: wire.Rev(15),
		Update: map[string]json.RawMessage{},
	})
	waitFor(t, func() bool { return subscriptionRevision(conn, resourceID) == 15 })

	// A write acked at revision 20 while 16..19 are outstanding.
	ts.mgr.Write(resourceID, mustIdent(t, testIdent), xdr.String("mine"))
	ts.mgr.Flush()
	write := srv.expect(t, wire.TypeWrite)
	srv.send(t, &wire.Message{
		Type: wire.TypeWriteAck, InReplyTo: write.seqNr,
		ResourceID: resourceID, AckID: write.msg.AckID, Revision: wire.Rev(20),
	})
	consumer.waitUpdates(t, 1)

	// An out-of-order update for the same identifier at revision 18 is
	// dropped; one for another identifier is delivered.
	otherIdent := "1:1:context.z"
	srv.send(t, &wire.Message{
		Type: wire.TypeResourceUpdate, ResourceID: resourceID, Revision: wire.Rev(18),
		Update: map[string]json.RawMessage{
			testIdent:  json.RawMessage(`"old"`),
			otherIdent: json.RawMessage(`"zed"`),
		},
	})
	updates := consumer.waitUpdates(t, 2)
	last := updates[len(updates)-1]
	if last.ident != otherIdent || !last.value.Equal(xdr.String("zed")) {
		t.Fatalf("unexpected update %+v", last)
	}
	time.Sleep(20 * time.Millisecond)
	if consumer.updateCount() != 2 {
		t.Fatalf("the stale update leaked: %d updates", consumer.updateCount())
	}
}

// A dropped connection: the client reconnects, resubscribes from its
// current revision and resubmits the in-flight write under a fresh
// ackId.
func TestReconnectResubscribesAndResubmits(t *testing.T) {
	ts := newTestSetup(t)
	srv := ts.acceptServer(t)
	consumer := newRecordingConsumer()

	resourceID, err := ts.mgr.Subscribe(consumer, "ws://test", wire.ResourceSpec{Kind: "appState"})
	if err != nil {
		t.Fatalf("subscribe failed: %s", err)
	}
	srv.expect(t, wire.TypeSubscribe)
	conn := ts.connection("ws://test")

	srv.send(t, &wire.Message{
		Type: wire.TypeResourceUpdate, ResourceID: resourceID, Revision: wire.Rev(10),
		Update: map[string]json.RawMessage{},
	})
	waitFor(t, func() bool { return subscriptionRevision(conn, resourceID) == 10 })

	ts.mgr.Write(resourceID, mustIdent(t, testIdent), xdr.String("inflight"))
	ts.mgr.Flush()
	write := srv.expect(t, wire.TypeWrite)

	// Drop the connection before the acknowledgement; prepare the
	// replacement server for the redial.
	srv2 := ts.acceptServer(t)
	srv.fc.Close()

	resub := srv2.expect(t, wire.TypeSubscribe)
	if resub.msg.Revision == nil || *resub.msg.Revision != 10 {
		t.Fatalf("expected resubscription from revision 10, got %v", resub.msg.Revision)
	}
	rewrite := srv2.expect(t, wire.TypeWrite)
	if rewrite.msg.AckID == write.msg.AckID {
		t.Fatal("resubmitted write reused the old ackId")
	}
	elems, err := rewrite.msg.Elements()
	if err != nil || len(elems) != 1 || elems[0].Ident != testIdent {
		t.Fatalf("unexpected resubmitted elements %v (err %v)", elems, err)
	}

	// The duplicate commits under revision 11; the client converges.
	srv2.send(t, &wire.Message{
		Type: wire.TypeWriteAck, InReplyTo: rewrite.seqNr,
		ResourceID: resourceID, AckID: rewrite.msg.AckID, Revision: wire.Rev(11),
	})
	consumer.waitUpdates(t, 1)
	waitFor(t, func() bool { return pendingCount(conn, resourceID) == 0 })
	if got := subscriptionRevision(conn, resourceID); got != 11 {
		t.Fatalf("subscription revision %d, want 11", got)
	}
}

// A terminate message ends the connection without a reconnect.
func TestTerminateStopsReconnect(t *testing.T) {
	ts := newTestSetup(t)
	srv := ts.acceptServer(t)
	consumer := newRecordingConsumer()

	if _, err := ts.mgr.Subscribe(consumer, "ws://test", wire.ResourceSpec{Kind: "appState"}); err != nil {
		t.Fatalf("subscribe failed: %s", err)
	}
	srv.expect(t, wire.TypeSubscribe)

	srv.send(t, &wire.Message{Type: wire.TypeTerminate, Reason: "going away"})

	waitFor(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		for _, s := range consumer.states {
			if s == StateTerminated {
				return true
			}
		}
		return false
	})
	// No redial: the prepared dial queue stays untouched.
	time.Sleep(50 * time.Millisecond)
	if len(ts.dials) != 0 {
		t.Fatal("a terminated connection attempted to reconnect")
	}
}

func mustIdent(t *testing.T, s string) xdr.Ident {
	t.Helper()
	id, err := xdr.ParseIdent(s)
	if err != nil {
		t.Fatalf("bad identifier %q: %s", s, err)
	}
	return id
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached in time")
		case <-time.After(time.Millisecond):
		}
	}
}
