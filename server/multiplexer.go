// Package server implements the remoting server: it accepts framed
// websocket connections, authenticates them, owns the per-resource
// fanout lists and stamps writes with monotonic revisions from the
// backing store.
package server

import (
	"fmt"
	"sync"
	"time"

	logging "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/frame"
	"github.com/cdl-lang/remoting/pkg/paid"
	"github.com/cdl-lang/remoting/pkg/store"
	"github.com/cdl-lang/remoting/pkg/ticker"
	"github.com/cdl-lang/remoting/pkg/wire"
)

// Resource kinds accepted in a subscription spec.
var validKinds = map[string]bool{
	"appState": true,
	"metadata": true,
	"table":    true,
}

// Options tune the server.
type Options struct {
	Frame frame.Options

	// Validator authenticates handshakes and services login messages. With
	// nil, login messages get no reply and only a local-mode Listener
	// accepts handshakes; skipping authentication and binding to loopback
	// are Listener settings.
	Validator Validator
}

// Server is the per-process multiplexer. It owns the shared PAID
// registry, the backing store and one publisher per resource.
type Server struct {
	store    store.Store
	registry *paid.StoreRegistry
	ticker   ticker.Ticker
	opts     Options
	log      *logging.Entry

	mu         sync.Mutex
	publishers map[string]*resourcePublisher
	sessions   map[*Session]struct{}
}

// New builds a server over st, preloading the registry from the
// allocations persisted there.
func New(st store.Store, tick ticker.Ticker, opts Options, log *logging.Entry) (*Server, error) {
	registry := paid.NewStoreRegistry(st, log)
	templates, err := st.Templates()
	if err != nil {
		return nil, fmt.Errorf("loading persisted templates: %w", err)
	}
	indexes, err := st.Indexes()
	if err != nil {
		return nil, fmt.Errorf("loading persisted indexes: %w", err)
	}
	if err := registry.Preload(templates, indexes); err != nil {
		return nil, fmt.Errorf("preloading registry: %w", err)
	}
	return &Server{
		store:      st,
		registry:   registry,
		ticker:     tick,
		opts:       opts,
		log:        log.WithField("component", "multiplexer"),
		publishers: make(map[string]*resourcePublisher),
		sessions:   make(map[*Session]struct{}),
	}, nil
}

// Registry exposes the server's PAID registry (for the dbio tool and
// tests).
func (srv *Server) Registry() *paid.StoreRegistry {
	return srv.registry
}

func (srv *Server) validator() Validator {
	return srv.opts.Validator
}

// NewSession wraps an accepted, authenticated transport in a session.
// The caller runs Serve on it.
func (srv *Server) NewSession(transport frame.MessageConn, user string) *Session {
	s := newSession(srv, transport, user)
	srv.mu.Lock()
	srv.sessions[s] = struct{}{}
	srv.mu.Unlock()
	sessionsActive.Inc()
	return s
}

func (srv *Server) removeSession(s *Session) {
	srv.mu.Lock()
	_, known := srv.sessions[s]
	delete(srv.sessions, s)
	publishers := make([]*resourcePublisher, 0, len(srv.publishers))
	for _, p := range srv.publishers {
		publishers = append(publishers, p)
	}
	srv.mu.Unlock()
	if !known {
		return
	}
	sessionsActive.Dec()
	for _, p := range publishers {
		p.detachSession(s)
	}
}

// Shutdown terminates every session: a terminate message, a flush and a
// close.
func (srv *Server) Shutdown(reason string) {
	srv.mu.Lock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()
	for _, s := range sessions {
		s.terminate(reason)
	}
}

// getOrNewPublisher returns the publisher of a resource, creating a stub
// if it does not exist yet so subscribers can be attached before the
// first write.
func (srv *Server) getOrNewPublisher(resource string) *resourcePublisher {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	p, ok := srv.publishers[resource]
	if !ok {
		p = &resourcePublisher{
			resource: resource,
			log: srv.log.WithFields(logging.Fields{
				"component": "resource-publisher",
				"resource":  resource,
			}),
		}
		srv.publishers[resource] = p
	}
	return p
}

// commit appends one write batch and fans the resulting update out to
// every subscribed session, including the writer. The whole sequence
// runs under the resource's write lock: writes to the same resource are
// ordered by arrival and their fanouts carry revisions in order, while
// writes to different resources commit in parallel. acked runs between
// the append and the fanout, so the writer sees its acknowledgement
// before its own round-tripped update.
func (srv *Server) commit(resource string, elems []store.Element, acked func(revision uint64)) (uint64, error) {
	p := srv.getOrNewPublisher(resource)
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	start := time.Now()
	revision, err := srv.store.Append(resource, elems)
	observeAppend(time.Since(start))
	if err != nil {
		writeFailures.Inc()
		return 0, err
	}
	writesTotal.WithLabelValues(resource).Inc()
	if acked != nil {
		acked(revision)
	}
	p.fanout(revision, elems)
	return revision, nil
}

// resourcePublisher owns the fanout list of one resource. Joining and
// leaving is synchronized against in-flight fanouts by the mutex;
// writeMu orders commits.
type resourcePublisher struct {
	resource string
	log      *logging.Entry

	writeMu sync.Mutex

	mu          sync.Mutex
	subscribers []subscriberRef
}

// subscriberRef points at a subscribed session together with the
// resource ID that session uses for this resource.
type subscriberRef struct {
	session    *Session
	resourceID uint64
}

func (p *resourcePublisher) subscribe(s *Session, resourceID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ref := range p.subscribers {
		if ref.session == s && ref.resourceID == resourceID {
			return
		}
	}
	p.subscribers = append(p.subscribers, subscriberRef{session: s, resourceID: resourceID})
	subscribersGauge.WithLabelValues(p.resource).Set(float64(len(p.subscribers)))
}

func (p *resourcePublisher) unsubscribe(s *Session, resourceID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ref := range p.subscribers {
		if ref.session == s && ref.resourceID == resourceID {
			n := len(p.subscribers)
			p.subscribers[i] = p.subscribers[n-1]
			p.subscribers = p.subscribers[:n-1]
			break
		}
	}
	subscribersGauge.WithLabelValues(p.resource).Set(float64(len(p.subscribers)))
}

func (p *resourcePublisher) detachSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.subscribers[:0]
	for _, ref := range p.subscribers {
		if ref.session != s {
			kept = append(kept, ref)
		}
	}
	p.subscribers = kept
	subscribersGauge.WithLabelValues(p.resource).Set(float64(len(p.subscribers)))
}

// fanout delivers one committed batch to every subscriber. Sessions whose
// send fails are dropped lazily.
func (p *resourcePublisher) fanout(revision uint64, elems []store.Element) {
	p.mu.Lock()
	refs := make([]subscriberRef, len(p.subscribers))
	copy(refs, p.subscribers)
	p.mu.Unlock()

	for _, ref := range refs {
		if err := ref.session.sendUpdate(ref.resourceID, revision, elems); err != nil {
			p.log.Debugf("Dropping subscriber after failed fanout: %s", err)
			p.unsubscribe(ref.session, ref.resourceID)
		}
		fanoutTotal.Inc()
	}
}

// validateSpec checks a subscription spec and returns the canonical
// resource name.
func validateSpec(spec *wire.ResourceSpec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("subscribe without a resource spec")
	}
	if !validKinds[spec.Kind] {
		return "", fmt.Errorf("unknown resource kind %q", spec.Kind)
	}
	return spec.String(), nil
}
