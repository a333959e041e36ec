package token

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Issue(t *testing.T) {
	var gotAuth string
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Credential{Token: "tok_abc", Model: "sonic-2"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithAPIKey("key_123"), WithHTTPClient(srv.Client()))
	cred, err := c.Issue(context.Background(), Request{Model: "sonic-2", Voice: "aria", Language: "en"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if cred.Token != "tok_abc" || cred.Model != "sonic-2" {
		t.Fatalf("cred=%+v", cred)
	}
	if gotAuth != "Bearer key_123" {
		t.Fatalf("auth header=%q", gotAuth)
	}
	if gotReq.Voice != "aria" || gotReq.Language != "en" {
		t.Fatalf("request=%+v", gotReq)
	}
}

func TestClient_Issue_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	_, err := c.Issue(context.Background(), Request{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err=%T (%v), want *StatusError", err, err)
	}
	if statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d", statusErr.StatusCode)
	}
}

func TestClient_Issue_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Credential{Model: "sonic-2"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	if _, err := c.Issue(context.Background(), Request{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestClient_Issue_TransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.Issue(context.Background(), Request{})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err=%T (%v), want *TransportError", err, err)
	}
}
