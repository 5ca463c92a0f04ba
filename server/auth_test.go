package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

type fakeValidator struct {
	cookieCalls int
}

func (v *fakeValidator) ValidateBasic(username, password string) error {
	if username == "alice" && password == "secret" {
		return nil
	}
	return errors.New("bad credentials")
}

func (v *fakeValidator) ValidateCookie(value string) (string, error) {
	v.cookieCalls++
	if value == "valid-token" {
		return "alice", nil
	}
	return "", errors.New("bad cookie")
}

func (v *fakeValidator) CreateAccount(username, password, email string) error {
	return nil
}

func TestAuthenticateBasic(t *testing.T) {
	v := &fakeValidator{}

	req, _ := http.NewRequest("GET", RemotingPath, nil)
	req.SetBasicAuth("alice", "secret")
	user, err := authenticate(req, v)
	if err != nil || user != "alice" {
		t.Fatalf("expected alice, got %q (err %v)", user, err)
	}

	req, _ = http.NewRequest("GET", RemotingPath, nil)
	req.SetBasicAuth("alice", "wrong")
	if _, err := authenticate(req, v); err == nil {
		t.Fatal("expected bad credentials to fail")
	}

	req, _ = http.NewRequest("GET", RemotingPath, nil)
	if _, err := authenticate(req, v); err == nil {
		t.Fatal("expected a request without credentials to fail")
	}
}

func TestAuthenticateCookie(t *testing.T) {
	v := &fakeValidator{}

	req, _ := http.NewRequest("GET", RemotingPath, nil)
	req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "valid-token"})
	user, err := authenticate(req, v)
	if err != nil || user != "alice" {
		t.Fatalf("expected alice, got %q (err %v)", user, err)
	}

	req, _ = http.NewRequest("GET", RemotingPath, nil)
	req.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "nope"})
	if _, err := authenticate(req, v); err == nil {
		t.Fatal("expected a bad cookie to fail")
	}
}

func TestCachingValidatorCachesCookieHits(t *testing.T) {
	inner := &fakeValidator{}
	v := NewCachingValidator(inner, time.Minute)

	for i := 0; i < 5; i++ {
		user, err := v.ValidateCookie("valid-token")
		if err != nil || user != "alice" {
			t.Fatalf("validation %d failed: %q (err %v)", i, user, err)
		}
	}
	if inner.cookieCalls != 1 {
		t.Fatalf("inner validator called %d times, want 1", inner.cookieCalls)
	}

	// Failures are not cached.
	for i := 0; i < 2; i++ {
		if _, err := v.ValidateCookie(fmt.Sprintf("bad-%d", 0)); err == nil {
			t.Fatal("expected a bad cookie to fail")
		}
	}
	if inner.cookieCalls != 3 {
		t.Fatalf("inner validator called %d times, want 3", inner.cookieCalls)
	}
}
