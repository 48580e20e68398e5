package cookiejar

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/mochi-id/loginflow/credstore"
	"github.com/mochi-id/loginflow/credstore/credstoretest"
)

func newTestStore(t *testing.T, baseURL string) *Store {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	store, err := New(jar, baseURL)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestConformance(t *testing.T) {
	credstoretest.Run(t, newTestStore(t, "https://login.example.com"))
}

func TestRejectsRelativeBaseURL(t *testing.T) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(jar, "/login"); err == nil {
		t.Fatal("expected error for relative base URL")
	}
}

// The jar backing the store is meant to be shared with an http.Client so
// that credentials written by the store ride along on requests.
func TestSharedJarSendsCookie(t *testing.T) {
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(credstore.KeyToken); err == nil {
			gotToken = c.Value
		}
	}))
	defer server.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	store, err := New(jar, server.URL)
	if err != nil {
		t.Fatal(err)
	}
	store.Set(credstore.KeyToken, "tok-1", credstore.DefaultOptions())

	client := &http.Client{Jar: jar}
	resp, err := client.Get(server.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if gotToken != "tok-1" {
		t.Fatalf("server saw token %q, want %q", gotToken, "tok-1")
	}
}
