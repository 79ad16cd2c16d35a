package impersonate

import (
	"errors"
	"os"
	"testing"
)

func TestNoopRunsFnWithoutIdentityChange(t *testing.T) {
	called := false
	err := Noop(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("fn was not invoked")
	}
}

func TestDoPropagatesFnError(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("Do() requires CAP_SETUID/CAP_SETGID to drop and regain identity")
	}
	want := errors.New("boom")
	err := Do(Identity{UID: 65534, GID: 65534}, func() error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}
