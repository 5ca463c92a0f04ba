package server

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	logging "github.com/sirupsen/logrus"

	"github.com/cdl-lang/remoting/pkg/frame"
)

// RemotingPath is the websocket endpoint clients connect to.
const RemotingPath = "/remoting"

// Listener accepts websocket handshakes, authenticates them and hands
// the upgraded connections to the multiplexer as sessions.
type Listener struct {
	srv      *Server
	addr     string
	local    bool
	upgrader websocket.Upgrader
	log      *logging.Entry
}

// NewListener builds a listener for srv. With local set, authentication
// is skipped and the listener binds to loopback regardless of addr's
// host part.
func NewListener(srv *Server, addr string, local bool, log *logging.Entry) *Listener {
	l := &Listener{
		srv:   srv,
		addr:  addr,
		local: local,
		log:   log.WithField("component", "listener"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if local {
		l.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return l
}

// Router returns the listener's route table.
func (l *Listener) Router() *httprouter.Router {
	router := httprouter.New()
	router.GET(RemotingPath, l.handleRemoting)
	router.GET("/status", l.handleStatus)
	return router
}

// NewHTTPServer wraps the router in an http.Server bound to the
// listener's address.
func (l *Listener) NewHTTPServer() (*http.Server, error) {
	addr := l.addr
	if l.local {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", addr, err)
		}
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           l.Router(),
		ReadHeaderTimeout: 15 * time.Second,
	}, nil
}

func (l *Listener) handleRemoting(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	user := ""
	if !l.local {
		v := l.srv.validator()
		if v == nil {
			l.log.Error("No validator configured outside local mode")
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		var err error
		if user, err = authenticate(req, v); err != nil {
			l.log.Infof("Rejected handshake from %s: %s", req.RemoteAddr, err)
			w.Header().Set("WWW-Authenticate", `Basic realm="remoting"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := l.upgrader.Upgrade(w, req, nil)
	if err != nil {
		l.log.Warnf("Upgrade failed for %s: %s", req.RemoteAddr, err)
		return
	}
	l.log.Infof("Session opened from %s user %q", req.RemoteAddr, user)
	session := l.srv.NewSession(frame.NewWebsocketConn(ws), user)
	session.Serve()
}

func (l *Listener) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Write([]byte("ok\n"))
}
