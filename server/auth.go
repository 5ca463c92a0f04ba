package server

import (
	"fmt"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cdl-lang/remoting/pkg/wire"
)

// AuthCookieName is the cookie checked when no Authorization header is
// present.
const AuthCookieName = "mauth"

// A Validator implements the pluggable authentication checks. The server
// only defines the interface; deployments provide the implementation.
type Validator interface {
	// ValidateBasic checks a username/password pair.
	ValidateBasic(username, password string) error

	// ValidateCookie resolves a session cookie to a username.
	ValidateCookie(value string) (string, error)

	// CreateAccount registers a new account.
	CreateAccount(username, password, email string) error
}

// CachingValidator wraps a Validator, caching successful cookie
// validations so a chatty client does not hammer the external callback.
type CachingValidator struct {
	inner Validator
	cache *gocache.Cache
}

// NewCachingValidator caches cookie validations for ttl.
func NewCachingValidator(inner Validator, ttl time.Duration) *CachingValidator {
	return &CachingValidator{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (v *CachingValidator) ValidateBasic(username, password string) error {
	return v.inner.ValidateBasic(username, password)
}

func (v *CachingValidator) ValidateCookie(value string) (string, error) {
	if username, ok := v.cache.Get(value); ok {
		return username.(string), nil
	}
	username, err := v.inner.ValidateCookie(value)
	if err != nil {
		return "", err
	}
	v.cache.SetDefault(value, username)
	return username, nil
}

func (v *CachingValidator) CreateAccount(username, password, email string) error {
	return v.inner.CreateAccount(username, password, email)
}

// authenticate resolves the user of an incoming handshake from HTTP basic
// credentials or the auth cookie. It runs before the websocket upgrade so
// a rejected client sees a plain 401 and does not enter a reconnect loop.
func authenticate(req *http.Request, v Validator) (string, error) {
	if username, password, ok := req.BasicAuth(); ok {
		if err := v.ValidateBasic(username, password); err != nil {
			return "", fmt.Errorf("basic auth for %q: %w", username, err)
		}
		return username, nil
	}
	if cookie, err := req.Cookie(AuthCookieName); err == nil {
		username, err := v.ValidateCookie(cookie.Value)
		if err != nil {
			return "", fmt.Errorf("auth cookie: %w", err)
		}
		return username, nil
	}
	return "", fmt.Errorf("no credentials presented")
}

// handleAuthControl services login, logout and createAccount messages,
// returning the loginStatus reply (nil when the server runs without a
// validator, i.e. local mode).
func (srv *Server) handleAuthControl(s *Session, msg *wire.Message) *wire.Message {
	v := srv.validator()
	if v == nil {
		return nil
	}
	status := &wire.Message{Type: wire.TypeLoginStatus, Username: msg.Username, LoginSeqNr: msg.LoginSeqNr}
	switch msg.Type {
	case wire.TypeLogin:
		if err := v.ValidateBasic(msg.Username, msg.Password); err != nil {
			status.Reason = err.Error()
			return status
		}
		s.setUser(msg.Username)
		status.Authenticated = true
	case wire.TypeLogout:
		status.Username = s.User()
		s.setUser("")
	case wire.TypeCreateAccount:
		if err := v.CreateAccount(msg.Username, msg.Password, msg.Email); err != nil {
			status.Reason = err.Error()
			return status
		}
		status.Authenticated = true
	}
	return status
}
