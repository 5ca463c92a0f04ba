package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	logging "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/frame"
	"github.com/cdl-lang/remoting/pkg/store"
	"github.com/cdl-lang/remoting/pkg/wire"
	"github.com/cdl-lang/remoting/pkg/xdr"
)

// Session is the server end of one client connection: the framed
// connection, the authenticated user, the codec state and the map of
// active subscriptions keyed by the client's resource IDs.
type Session struct {
	srv  *Server
	conn *frame.Conn
	user string
	log  *logging.Entry

	marshaller   *xdr.Marshaller
	unmarshaller *xdr.Unmarshaller

	// sendMu keeps a define message and the update that first uses its
	// entries adjacent when fanouts for different resources race.
	sendMu sync.Mutex

	mu   sync.Mutex
	subs map[uint64]string // client resource ID -> resource name
}

// User returns the session's authenticated user.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) setUser(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

func newSession(srv *Server, transport frame.MessageConn, user string) *Session {
	s := &Session{
		srv:          srv,
		user:         user,
		marshaller:   xdr.NewMarshaller(srv.registry),
		unmarshaller: xdr.NewUnmarshaller(srv.registry),
		subs:         make(map[uint64]string),
	}
	s.log = srv.log.WithFields(logging.Fields{
		"component": "session",
		"user":      user,
	})
	s.conn = frame.New(transport, frame.HandlerFunc(s.handleMessage), srv.ticker, srv.opts.Frame, s.log)
	s.conn.OnClose = func(reason string) {
		s.log.Infof("Session closed: %s", reason)
		srv.removeSession(s)
	}
	return s
}

// Serve runs the session until its connection closes.
func (s *Session) Serve() {
	s.conn.Serve()
}

// terminate sends a terminate message and closes the connection.
func (s *Session) terminate(reason string) {
	if _, err := s.conn.SendMessage(&wire.Message{Type: wire.TypeTerminate, Reason: reason}, nil, nil); err == nil {
		s.conn.Flush()
	}
	s.conn.Close()
}

func (s *Session) handleMessage(_ *frame.Conn, seqNr uint64, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeSubscribe:
		s.handleSubscribe(seqNr, msg)
	case wire.TypeUnsubscribe, wire.TypeReleaseResource:
		s.handleUnsubscribe(msg.ResourceID)
	case wire.TypeWrite:
		s.handleWrite(seqNr, msg)
	case wire.TypeDefine:
		s.handleDefine(seqNr, msg)
	case wire.TypeLogin, wire.TypeLogout, wire.TypeCreateAccount:
		s.handleLogin(msg)
	case wire.TypeError:
		s.log.Errorf("Peer error: %s", msg.Description)
	default:
		s.sendError(seqNr, fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

// handleSubscribe attaches the session to the resource's fanout list and
// streams everything past the client's resume revision. Once the backlog
// is drained the session receives live updates inline.
func (s *Session) handleSubscribe(seqNr uint64, msg *wire.Message) {
	resource, err := validateSpec(msg.ResourceSpec)
	if err != nil {
		s.sendError(seqNr, err.Error())
		return
	}
	resumeFrom := uint64(0)
	if msg.Revision != nil {
		resumeFrom = *msg.Revision
	}

	s.mu.Lock()
	s.subs[msg.ResourceID] = resource
	s.mu.Unlock()

	// Attaching before streaming means a write committed during the
	// backlog replay reaches the session as a live update; the client's
	// revision tracking discards whatever the replay already covered.
	s.srv.getOrNewPublisher(resource).subscribe(s, msg.ResourceID)

	elems, err := s.srv.store.Range(resource, resumeFrom)
	if err != nil && err != store.ErrNoResource {
		s.sendError(seqNr, fmt.Sprintf("reading resource %s: %s", resource, err))
		return
	}
	latest := s.srv.store.LatestRevision(resource)
	if len(elems) == 0 {
		// Nothing beyond the resume point; report the current revision so
		// the client knows it is caught up.
		if err := s.sendUpdate(msg.ResourceID, latest, nil); err != nil {
			s.log.Debugf("Initial update failed: %s", err)
		}
		return
	}
	for _, batch := range groupByRevision(elems) {
		if err := s.sendUpdate(msg.ResourceID, batch.revision, batch.elems); err != nil {
			s.log.Debugf("Backlog update failed: %s", err)
			return
		}
	}
}

func (s *Session) handleUnsubscribe(resourceID uint64) {
	s.mu.Lock()
	resource, ok := s.subs[resourceID]
	delete(s.subs, resourceID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.srv.getOrNewPublisher(resource).unsubscribe(s, resourceID)
}

// handleWrite commits one batch. All elements share the revision the
// store assigns to the batch; the acknowledgement carries it, and the
// fanout (which includes this session) carries the same revision.
func (s *Session) handleWrite(seqNr uint64, msg *wire.Message) {
	s.mu.Lock()
	resource, subscribed := s.subs[msg.ResourceID]
	s.mu.Unlock()
	if !subscribed {
		s.sendError(seqNr, fmt.Sprintf("write to unsubscribed resource %d", msg.ResourceID))
		return
	}
	elements, err := msg.Elements()
	if err != nil {
		s.sendError(seqNr, fmt.Sprintf("malformed write list: %s", err))
		return
	}

	batch := make([]store.Element, 0, len(elements))
	info := make([]wire.WriteInfo, 0, len(elements))
	for _, e := range elements {
		remote, err := xdr.ParseIdent(e.Ident)
		if err != nil {
			s.sendError(seqNr, fmt.Sprintf("bad identifier %q: %s", e.Ident, err))
			return
		}
		local, err := s.unmarshaller.TranslateIdent(remote)
		if err != nil {
			s.sendError(seqNr, fmt.Sprintf("identifier %q: %s", e.Ident, err))
			return
		}
		value, err := s.unmarshaller.UnmarshalValue(e.Value)
		if err != nil {
			s.sendError(seqNr, fmt.Sprintf("value for %q: %s", e.Ident, err))
			return
		}
		raw, err := xdr.EncodeLocal(value)
		if err != nil {
			s.sendError(seqNr, fmt.Sprintf("re-encoding %q: %s", e.Ident, err))
			return
		}
		batch = append(batch, store.Element{Ident: local.String(), Value: raw})
		info = append(info, wire.WriteInfo{
			Ident:      local.String(),
			TemplateID: local.TemplateID,
			IndexID:    local.IndexID,
		})
	}

	_, err = s.srv.commit(resource, batch, func(revision uint64) {
		ackMsg := &wire.Message{
			Type:       wire.TypeWriteAck,
			InReplyTo:  seqNr,
			ResourceID: msg.ResourceID,
			AckID:      msg.AckID,
			Revision:   wire.Rev(revision),
			Info:       info,
		}
		if _, err := s.conn.SendMessage(ackMsg, nil, nil); err != nil {
			s.log.Debugf("Write acknowledgement failed: %s", err)
		}
	})
	if err != nil {
		// The batch consumed no revision; the client resubmits after
		// reconnect.
		s.sendError(seqNr, fmt.Sprintf("write failed: %s", err))
	}
}

func (s *Session) handleDefine(seqNr uint64, msg *wire.Message) {
	defs, err := msg.Definitions()
	if err == nil {
		err = s.unmarshaller.ApplyDefinitions(defs)
	}
	if err != nil {
		s.sendError(seqNr, fmt.Sprintf("bad define message: %s", err))
	}
}

func (s *Session) handleLogin(msg *wire.Message) {
	status := s.srv.handleAuthControl(s, msg)
	if status == nil {
		return
	}
	if _, err := s.conn.SendMessage(status, nil, nil); err != nil {
		s.log.Debugf("Login status failed: %s", err)
	}
}

// sendUpdate transmits one committed batch as a resourceUpdate under the
// client's resource ID, declaring any not-yet-declared templates and
// indices first.
func (s *Session) sendUpdate(resourceID uint64, revision uint64, elems []store.Element) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	update := make(map[string]json.RawMessage, len(elems))
	for _, e := range elems {
		ident, err := xdr.ParseIdent(e.Ident)
		if err != nil {
			return fmt.Errorf("stored identifier %q: %w", e.Ident, err)
		}
		s.marshaller.NoteIdent(ident)
		value, err := xdr.DecodeLocal(e.Value)
		if err != nil {
			return fmt.Errorf("stored value for %q: %w", e.Ident, err)
		}
		raw, err := s.marshaller.MarshalValue(value)
		if err != nil {
			return fmt.Errorf("marshalling %q: %w", e.Ident, err)
		}
		update[e.Ident] = raw
	}

	defs, err := s.marshaller.TakeDefinitions()
	if err != nil {
		return err
	}
	if len(defs) > 0 {
		rawDefs, err := wire.EncodeList(defs)
		if err != nil {
			return err
		}
		defineMsg := &wire.Message{Type: wire.TypeDefine, ResourceID: resourceID, List: rawDefs}
		if _, err := s.conn.SendMessage(defineMsg, nil, nil); err != nil {
			return err
		}
	}
	updateMsg := &wire.Message{
		Type:       wire.TypeResourceUpdate,
		ResourceID: resourceID,
		Revision:   wire.Rev(revision),
		Update:     update,
	}
	_, err = s.conn.SendMessage(updateMsg, nil, nil)
	return err
}

func (s *Session) sendError(seqNr uint64, description string) {
	s.log.Warnf("Rejecting message %d: %s", seqNr, description)
	msg := &wire.Message{Type: wire.TypeError, InReplyTo: seqNr, Description: description}
	if _, err := s.conn.SendMessage(msg, nil, nil); err != nil {
		s.log.Debugf("Error reply failed: %s", err)
	}
}

// revisionBatch is one revision's worth of backlog elements.
type revisionBatch struct {
	revision uint64
	elems    []store.Element
}

// groupByRevision splits a Range result into per-revision batches in
// ascending revision order.
func groupByRevision(elems []store.Element) []revisionBatch {
	byRevision := make(map[uint64][]store.Element)
	for _, e := range elems {
		byRevision[e.Revision] = append(byRevision[e.Revision], e)
	}
	revisions := make([]uint64, 0, len(byRevision))
	for r := range byRevision {
		revisions = append(revisions, r)
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i] < revisions[j] })
	batches := make([]revisionBatch, 0, len(revisions))
	for _, r := range revisions {
		batches = append(batches, revisionBatch{revision: r, elems: byRevision[r]})
	}
	return batches
}
