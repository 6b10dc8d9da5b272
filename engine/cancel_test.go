package engine

import "testing"

func TestCancelTokenStartsUncancelled(t *testing.T) {
	c := NewCancelToken()
	if c.Cancelled() {
		t.Fatal("expected a fresh token to be uncancelled")
	}
}

func TestCancelTokenIsIdempotent(t *testing.T) {
	c := NewCancelToken()
	c.Cancel()
	c.Cancel()
	if !c.Cancelled() {
		t.Fatal("expected the token to report cancelled after Cancel")
	}
}
