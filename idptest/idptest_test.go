package idptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mochi-id/loginflow/protocol"
)

func TestFixedCodeIssued(t *testing.T) {
	s := New(WithFixedCode("424242"))
	s.AddUser(User{Email: "ada@example.com"})
	server := httptest.NewServer(s.Router())
	defer server.Close()

	resp, err := http.Post(server.URL+"/_/auth/code", "application/json",
		strings.NewReader(`{"email":"ada@example.com"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Data struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Data.Code != "424242" {
		t.Fatalf("got code %q, want %q", body.Data.Code, "424242")
	}
}

func TestDefaultMethodsApplied(t *testing.T) {
	s := New()
	s.AddUser(User{Email: "ada@example.com"})
	u, ok := s.User("ada@example.com")
	if !ok {
		t.Fatal("expected user")
	}
	if len(u.Methods) != 1 || u.Methods[0] != protocol.MethodEmail {
		t.Fatalf("got methods %v", u.Methods)
	}
}

func TestSpecServed(t *testing.T) {
	server := httptest.NewServer(New().Router())
	defer server.Close()

	resp, err := http.Get(server.URL + "/openapi.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}

	docs, err := http.Get(server.URL + "/docs")
	if err != nil {
		t.Fatal(err)
	}
	docs.Body.Close()
	if docs.StatusCode != http.StatusOK {
		t.Fatalf("got docs status %d", docs.StatusCode)
	}
}

func TestNameDisclosureRequiresIdentity(t *testing.T) {
	s := New()
	s.AddUser(User{Email: "ada@example.com", Name: "Ada"})

	s.mu.Lock()
	u := s.users["ada@example.com"]
	rec := httptest.NewRecorder()
	s.succeed(rec, u)
	s.mu.Unlock()

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if _, ok := body["name"]; ok {
		t.Fatal("login response disclosed a name before identity setup")
	}
	if user, ok := body["user"].(map[string]any); !ok || user["name"] != "" {
		t.Fatalf("user payload carried a name before identity setup: %v", body["user"])
	}

	s.mu.Lock()
	u.IdentityName = "Ada L."
	rec = httptest.NewRecorder()
	s.succeed(rec, u)
	s.mu.Unlock()

	body = nil
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["name"] != "Ada L." {
		t.Fatalf("got name %v, want the identity name", body["name"])
	}
}

func TestMintedTokenRoundTrips(t *testing.T) {
	s := New()
	s.AddUser(User{Email: "ada@example.com", Name: "Ada", AccountNo: "acct-9", Roles: []string{"admin"}})
	s.mu.Lock()
	u := s.users["ada@example.com"]
	token := s.mintToken(u)
	s.mu.Unlock()

	req := httptest.NewRequest(http.MethodGet, "/_/identity", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	s.mu.Lock()
	got, ok := s.authedUser(req)
	s.mu.Unlock()
	if !ok {
		t.Fatal("minted token did not authenticate")
	}
	if got.Email != "ada@example.com" {
		t.Fatalf("got %q", got.Email)
	}
}
