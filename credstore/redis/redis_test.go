package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mochi-id/loginflow/credstore"
	"github.com/mochi-id/loginflow/credstore/credstoretest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestConformance(t *testing.T) {
	store, _ := newTestStore(t)
	credstoretest.Run(t, store)
}

func TestTTLEnforced(t *testing.T) {
	store, mr := newTestStore(t)

	store.Set("token", "tok-1", credstore.Options{TTL: time.Hour})
	if _, ok := store.Get("token"); !ok {
		t.Fatal("expected value before expiry")
	}

	mr.FastForward(2 * time.Hour)
	if _, ok := store.Get("token"); ok {
		t.Fatal("expected value to expire")
	}
}

func TestKeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	a := New(client, WithKeyPrefix("app-a"))
	b := New(client, WithKeyPrefix("app-b"))

	a.Set("token", "tok-a", credstore.DefaultOptions())
	if _, ok := b.Get("token"); ok {
		t.Fatal("expected prefixes to isolate stores")
	}
	got, ok := a.Get("token")
	if !ok || got != "tok-a" {
		t.Fatalf("got %q, %v; want %q, true", got, ok, "tok-a")
	}
}
