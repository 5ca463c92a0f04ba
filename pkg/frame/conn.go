// Package frame implements the framed, resumable message stream that the
// remoting client and server speak over a duplex byte-pipe. Logical
// messages of arbitrary size are chunked into buffers carrying a
// fixed-width textual header, reassembled on the far side, and
// acknowledged per buffer. Outbound messages are pooled and flushed by
// size or age, and replies are routed back to the originating send.
package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/ticker"
	"github.com/cdl-lang/remoting/pkg/wire"
)

// ErrClosed is returned by SendMessage after the connection has been torn
// down.
var ErrClosed = errors.New("frame connection closed")

// A MessageConn is the underlying transport: a duplex pipe delivering
// whole buffers in order. The websocket adapter in this package is the
// production implementation.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(buf []byte) error
	Close() error
}

// A Handler receives delivered messages that are not replies.
type Handler interface {
	HandleMessage(c *Conn, seqNr uint64, msg *wire.Message)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(c *Conn, seqNr uint64, msg *wire.Message)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(c *Conn, seqNr uint64, msg *wire.Message) {
	f(c, seqNr, msg)
}

// A ReplyFunc is invoked when the reply to a sent message arrives (ok
// true) or when the connection is torn down while the reply is still
// outstanding (ok false, msg nil).
type ReplyFunc func(arg interface{}, ok bool, msg *wire.Message)

// A ProgressFunc is invoked per buffer with the cumulative byte count of
// the message the buffer belongs to.
type ProgressFunc func(resourceID, seqNr, receivedSoFar, totalLength uint64)

// Options tune a connection. Zero values select the defaults.
type Options struct {
	Version      int
	MaxBuffer    int           // chunking threshold in bytes
	PoolSize     int           // queued messages that force a flush
	PoolDelay    time.Duration // max age of a queued message before flush
	ReplyTimeout time.Duration // 0 disables reply deadlines
	SendDelay    time.Duration // artificial per-flush delay (test hook)
}

const (
	defaultMaxBuffer = 16000
	defaultPoolSize  = 10
	defaultPoolDelay = 300 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Version == 0 {
		o.Version = ProtocolVersion
	}
	if o.MaxBuffer == 0 {
		o.MaxBuffer = defaultMaxBuffer
	}
	if o.PoolSize == 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.PoolDelay == 0 {
		o.PoolDelay = defaultPoolDelay
	}
	return o
}

type queuedMessage struct {
	seqNr      uint64
	resourceID uint64
	body       []byte
}

type pendingReply struct {
	fn      ReplyFunc
	arg     interface{}
	timeout ticker.Task
}

type reassembly struct {
	header   Header
	received uint64
	body     []byte
}

// Conn is one end of a framed connection.
type Conn struct {
	opts      Options
	transport MessageConn
	ticker    ticker.Ticker
	handler   Handler
	log       *logging.Entry

	// Lifecycle callbacks. Set before Serve is called.
	OnOpen  func()
	OnClose func(reason string)

	// Progress callbacks, inbound per received buffer and outbound per
	// received buffer-receipt acknowledgement.
	InboundProgress  ProgressFunc
	OutboundProgress ProgressFunc

	writeMu sync.Mutex // serializes transport writes

	mu        sync.Mutex
	nextSeqNr uint64
	queue     []queuedMessage
	flushTask ticker.Task
	replies   map[uint64]*pendingReply
	reasm     *reassembly
	closed    bool
}

// New wraps transport in a framed connection. Delivered messages go to
// handler; deferred work runs on tick.
func New(transport MessageConn, handler Handler, tick ticker.Ticker, opts Options, log *logging.Entry) *Conn {
	return &Conn{
		opts:      opts.withDefaults(),
		transport: transport,
		ticker:    tick,
		handler:   handler,
		log:       log.WithField("component", "frame-conn"),
		replies:   make(map[uint64]*pendingReply),
	}
}

// SendMessage assigns the next sequence number to msg, queues it and
// schedules a flush. If onReply is non-nil it is registered against the
// assigned sequence number and invoked when a message with a matching
// inReplyTo arrives. The assigned sequence number is returned.
func (c *Conn) SendMessage(msg *wire.Message, onReply ReplyFunc, replyArg interface{}) (uint64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshalling %s message: %w", msg.Type, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.nextSeqNr++
	seqNr := c.nextSeqNr
	c.queue = append(c.queue, queuedMessage{seqNr: seqNr, resourceID: msg.ResourceID, body: body})
	if onReply != nil {
		pr := &pendingReply{fn: onReply, arg: replyArg}
		if c.opts.ReplyTimeout > 0 {
			pr.timeout = c.ticker.Schedule(c.opts.ReplyTimeout, func() { c.replyExpired(seqNr) })
		}
		c.replies[seqNr] = pr
	}
	flushNow := len(c.queue) > c.opts.PoolSize
	if flushNow {
		if c.flushTask != nil {
			c.flushTask.Cancel()
			c.flushTask = nil
		}
	} else if c.flushTask == nil {
		c.flushTask = c.ticker.Schedule(c.opts.PoolDelay, c.Flush)
	}
	c.mu.Unlock()

	if flushNow {
		c.Flush()
	}
	return seqNr, nil
}

// Flush drains the outbound queue, chunking each message into buffers of
// at most MaxBuffer bytes.
func (c *Conn) Flush() {
	c.mu.Lock()
	if c.flushTask != nil {
		c.flushTask.Cancel()
		c.flushTask = nil
	}
	pending := c.queue
	c.queue = nil
	closed := c.closed
	c.mu.Unlock()
	if closed || len(pending) == 0 {
		return
	}

	if c.opts.SendDelay > 0 {
		time.Sleep(c.opts.SendDelay)
	}
	for _, m := range pending {
		if err := c.writeChunked(m); err != nil {
			c.teardown(fmt.Sprintf("write failed: %s", err))
			return
		}
	}
}

func (c *Conn) writeChunked(m queuedMessage) error {
	total := uint64(len(m.body))
	h := Header{
		Version:     c.opts.Version,
		ResourceID:  m.resourceID,
		SequenceNr:  m.seqNr,
		TotalLength: total,
	}
	if len(m.body) <= c.opts.MaxBuffer {
		h.Segment = SegmentWhole
		return c.writeBuffer(h, m.body)
	}
	for off := 0; off < len(m.body); off += c.opts.MaxBuffer {
		end := off + c.opts.MaxBuffer
		switch {
		case off == 0:
			h.Segment = SegmentFirst
		case end >= len(m.body):
			h.Segment = SegmentLast
		default:
			h.Segment = SegmentMiddle
		}
		if end > len(m.body) {
			end = len(m.body)
		}
		if err := c.writeBuffer(h, m.body[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeBuffer(h Header, payload []byte) error {
	buf := append(FormatHeader(h), payload...)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buffersSent.Inc()
	return c.transport.WriteMessage(buf)
}

// Serve reads buffers from the transport until it fails or the connection
// is torn down. It invokes OnOpen first and always returns after OnClose
// has fired.
func (c *Conn) Serve() {
	if c.OnOpen != nil {
		c.OnOpen()
	}
	for {
		buf, err := c.transport.ReadMessage()
		if err != nil {
			c.teardown(fmt.Sprintf("read failed: %s", err))
			return
		}
		if !c.receive(buf) {
			return
		}
	}
}

// receive processes one inbound buffer. It returns false once the
// connection has been torn down.
func (c *Conn) receive(buf []byte) bool {
	buffersReceived.Inc()
	version, err := ParseVersion(buf)
	if err != nil || version != c.opts.Version {
		// The compatibility gate: nothing after an alien version header can
		// be trusted, so the connection is terminated unilaterally.
		c.teardown("protocol version")
		return false
	}
	h, err := ParseHeader(buf)
	if err != nil {
		protocolErrors.Inc()
		c.log.Errorf("Bad buffer header: %s", err)
		c.teardown(fmt.Sprintf("bad header: %s", err))
		return false
	}
	payload := buf[HeaderLen:]

	if h.SequenceNr == 0 {
		c.receiveServiceMessage(h, payload)
		return true
	}

	body, complete := c.appendSegment(h, payload)
	c.sendReceiptAck(h, uint64(len(payload)))
	if !complete {
		return true
	}
	return c.deliver(h, body)
}

// appendSegment runs the segment state machine. It returns the completed
// message body once the final segment has arrived. Out-of-order segments
// are fatal for the message in progress but not for the connection: the
// partial buffer is discarded and a following whole or first segment
// resynchronizes.
func (c *Conn) appendSegment(h Header, payload []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	received := uint64(len(payload))
	switch h.Segment {
	case SegmentWhole:
		if c.reasm != nil {
			c.dropReassemblyLocked(h)
		}
		if c.InboundProgress != nil {
			c.InboundProgress(h.ResourceID, h.SequenceNr, received, h.TotalLength)
		}
		return payload, true
	case SegmentFirst:
		if c.reasm != nil {
			c.dropReassemblyLocked(h)
		}
		c.reasm = &reassembly{header: h, received: received, body: append([]byte(nil), payload...)}
	case SegmentMiddle, SegmentLast:
		if c.reasm == nil || c.reasm.header.SequenceNr != h.SequenceNr {
			c.dropReassemblyLocked(h)
			return nil, false
		}
		c.reasm.received += received
		c.reasm.body = append(c.reasm.body, payload...)
	}

	if c.InboundProgress != nil {
		c.InboundProgress(h.ResourceID, h.SequenceNr, c.reasm.received, h.TotalLength)
	}
	if h.Segment == SegmentLast {
		body := c.reasm.body
		c.reasm = nil
		return body, true
	}
	return nil, false
}

func (c *Conn) dropReassemblyLocked(h Header) {
	protocolErrors.Inc()
	if c.reasm != nil {
		c.log.Errorf("Out-of-order segment %q for message %d; discarding partial message %d",
			h.Segment, h.SequenceNr, c.reasm.header.SequenceNr)
		c.reasm = nil
	} else {
		c.log.Errorf("Segment %q for message %d without a message in progress", h.Segment, h.SequenceNr)
	}
}

// sendReceiptAck acknowledges one received buffer with the cumulative byte
// count for its message. Acknowledgements are service messages; they skip
// the pool.
func (c *Conn) sendReceiptAck(h Header, bufLen uint64) {
	c.mu.Lock()
	received := bufLen
	if c.reasm != nil && c.reasm.header.SequenceNr == h.SequenceNr {
		received = c.reasm.received
	} else if h.Segment == SegmentLast {
		received = h.TotalLength
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	body := formatAck(ack{AckedSequenceNr: h.SequenceNr, ReceivedSoFar: received, TotalLength: h.TotalLength})
	ackHeader := Header{
		Version:     c.opts.Version,
		Segment:     SegmentWhole,
		ResourceID:  h.ResourceID,
		SequenceNr:  0,
		TotalLength: uint64(len(body)),
	}
	if err := c.writeBuffer(ackHeader, body); err != nil {
		c.teardown(fmt.Sprintf("write failed: %s", err))
	}
}

func (c *Conn) receiveServiceMessage(h Header, payload []byte) {
	a, err := parseAck(payload)
	if err != nil {
		protocolErrors.Inc()
		c.log.Errorf("Bad service message: %s", err)
		return
	}
	// Receipt acknowledgements for messages no longer tracked (for example
	// after a reconnect) are silently ignored.
	if c.OutboundProgress != nil {
		c.OutboundProgress(h.ResourceID, a.AckedSequenceNr, a.ReceivedSoFar, a.TotalLength)
	}
}

// deliver parses a completed message body and routes it: replies to their
// registered handler, everything else to the connection handler.
func (c *Conn) deliver(h Header, body []byte) bool {
	var msg wire.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		protocolErrors.Inc()
		c.log.Errorf("Unparseable message %d: %s", h.SequenceNr, err)
		c.sendParseFailure(h.SequenceNr, err)
		return false
	}

	if msg.InReplyTo != 0 {
		c.mu.Lock()
		pr, ok := c.replies[msg.InReplyTo]
		if ok {
			delete(c.replies, msg.InReplyTo)
			if pr.timeout != nil {
				pr.timeout.Cancel()
			}
		}
		c.mu.Unlock()
		if ok {
			pr.fn(pr.arg, true, &msg)
			return true
		}
	}
	c.handler.HandleMessage(c, h.SequenceNr, &msg)
	return true
}

// sendParseFailure reports an unparseable message to the peer and tears
// the connection down: an error reply for the offending sequence number
// followed by a reloadApplication message.
func (c *Conn) sendParseFailure(seqNr uint64, cause error) {
	reason := fmt.Sprintf("cannot parse message: %s", cause)
	c.SendMessage(&wire.Message{Type: wire.TypeError, InReplyTo: seqNr, Description: reason}, nil, nil)
	c.SendMessage(&wire.Message{Type: wire.TypeReloadApplication, Reason: reason}, nil, nil)
	c.Flush()
	c.teardown(reason)
}

func (c *Conn) replyExpired(seqNr uint64) {
	c.mu.Lock()
	_, waiting := c.replies[seqNr]
	c.mu.Unlock()
	if waiting {
		c.teardown(fmt.Sprintf("no reply to message %d", seqNr))
	}
}

// Close tears the connection down locally.
func (c *Conn) Close() {
	c.teardown("closed locally")
}

// teardown closes the transport, fails every pending reply handler and
// fires OnClose exactly once.
func (c *Conn) teardown(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	replies := c.replies
	c.replies = make(map[uint64]*pendingReply)
	c.queue = nil
	c.reasm = nil
	if c.flushTask != nil {
		c.flushTask.Cancel()
		c.flushTask = nil
	}
	c.mu.Unlock()

	for _, pr := range replies {
		if pr.timeout != nil {
			pr.timeout.Cancel()
		}
		pr.fn(pr.arg, false, nil)
	}
	if err := c.transport.Close(); err != nil {
		c.log.Debugf("Transport close: %s", err)
	}
	if c.OnClose != nil {
		c.OnClose(reason)
	}
}
