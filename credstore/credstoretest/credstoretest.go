// Package credstoretest runs the common conformance suite against any
// credential store implementation.
package credstoretest

import (
	"testing"

	"github.com/mochi-id/loginflow/credstore"
)

// Run exercises the Store contract: presence semantics, overwrite, and
// silent removal of missing keys.
func Run(t *testing.T, store credstore.Store) {
	t.Helper()
	opts := credstore.DefaultOptions()

	t.Run("SetAndGet", func(t *testing.T) {
		store.Set("token", "tok-1", opts)
		got, ok := store.Get("token")
		if !ok {
			t.Fatal("expected to find value")
		}
		if got != "tok-1" {
			t.Fatalf("got %q, want %q", got, "tok-1")
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, ok := store.Get("no-such-key")
		if ok {
			t.Fatal("expected not found for missing key")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		store.Set("token", "tok-a", opts)
		store.Set("token", "tok-b", opts)
		got, ok := store.Get("token")
		if !ok {
			t.Fatal("expected to find value")
		}
		if got != "tok-b" {
			t.Fatalf("got %q, want %q", got, "tok-b")
		}
	})

	t.Run("Remove", func(t *testing.T) {
		store.Set("doomed", "value", opts)
		store.Remove("doomed")
		if _, ok := store.Get("doomed"); ok {
			t.Fatal("expected value to be removed")
		}
	})

	t.Run("RemoveMissing", func(t *testing.T) {
		// Should not panic.
		store.Remove("never-existed")
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		store.Set("first", "1", opts)
		store.Set("second", "2", opts)
		store.Remove("first")
		got, ok := store.Get("second")
		if !ok || got != "2" {
			t.Fatalf("got %q, %v; want %q, true", got, ok, "2")
		}
	})
}
