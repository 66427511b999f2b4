// ABOUTME: Tests for the token cache: round trips, expiry, and the size
// ABOUTME: bound tokens must stay under.

package token

import (
	"testing"
	"time"
)

func TestCreateResolveRoundTrip(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	action := Action{
		Kind:     KindRender,
		AgentID:  "agent-1",
		Path:     "C:\\Users\\me\\Documents",
		Sort:     "size_desc",
		Page:     3,
		HideDirs: true,
	}
	tok, err := c.Create(action)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := c.Resolve(tok)
	if !ok {
		t.Fatal("token must resolve before expiry")
	}
	if got != action {
		t.Errorf("resolved %+v, want %+v", got, action)
	}
}

func TestTokensAreShortAndUnique(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok, err := c.Create(Action{Kind: KindOpenDir})
		if err != nil {
			t.Fatal(err)
		}
		if len(tok) > 64 {
			t.Fatalf("token %q exceeds the callback payload bound", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestResolveIsNotConsuming(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	tok, err := c.Create(Action{Kind: KindFetchFile, Path: "/tmp/x"})
	if err != nil {
		t.Fatal(err)
	}

	// A re-rendered keyboard can be clicked repeatedly.
	for i := 0; i < 3; i++ {
		if _, ok := c.Resolve(tok); !ok {
			t.Fatalf("resolve %d failed; tokens must survive reads", i+1)
		}
	}
}

func TestExpiredTokenDoesNotResolve(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Close()

	tok, err := c.Create(Action{Kind: KindOpenDir, Path: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Resolve(tok); ok {
		t.Error("expired token must not resolve")
	}
}

func TestUnknownTokenDoesNotResolve(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	if _, ok := c.Resolve("no-such-token"); ok {
		t.Error("unknown token must not resolve")
	}
}
