package directory

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Client) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL + "/api/", APIKey: "secret", Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return srv, client
}

func TestFetchUser(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/123" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":123,"email":"test@example.com","first_name":"Test","last_name":"User","avatar":"https://example.com/1-image.jpg"}}`))
	})

	user, err := client.FetchUser(context.Background(), "123")
	if err != nil {
		t.Fatalf("fetch user: %v", err)
	}
	if user.ID != "123" {
		t.Errorf("expected id 123, got %q", user.ID)
	}
	if user.Name != "Test User" {
		t.Errorf("expected name from first/last, got %q", user.Name)
	}
	if user.AvatarURL != "https://example.com/1-image.jpg" {
		t.Errorf("unexpected avatar url %q", user.AvatarURL)
	}
	if user.Attributes["first_name"] != "Test" {
		t.Errorf("expected raw attributes to be kept, got %v", user.Attributes)
	}
}

func TestFetchUserErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"not found", http.StatusNotFound, `{}`, ErrNotFound},
		{"server error", http.StatusBadGateway, `oops`, ErrRemoteUnavailable},
		{"bad json", http.StatusOK, `{"data":`, ErrDecode},
		{"missing data", http.StatusOK, `{"id":1}`, ErrDecode},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			_, err := client.FetchUser(context.Background(), "1")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFetchUserTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.FetchUser(context.Background(), "1")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable on timeout, got %v", err)
	}
}

func TestFetchBytes(t *testing.T) {
	payload := []byte("avatar image data")
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/1.png" {
			w.Write(payload)
			return
		}
		http.NotFound(w, r)
	})

	got, err := client.FetchBytes(context.Background(), srv.URL+"/img/1.png")
	if err != nil {
		t.Fatalf("fetch bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("unexpected bytes %q", got)
	}

	if _, err := client.FetchBytes(context.Background(), srv.URL+"/img/missing.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := client.FetchBytes(context.Background(), "not a url"); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode for invalid url, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}

func TestFetchBytesRejectsOversizedBody(t *testing.T) {
	srv, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img/huge.png":
			w.Write(bytes.Repeat([]byte{0xff}, maxBodyBytes+1024))
		case "/img/limit.png":
			w.Write(bytes.Repeat([]byte{0xff}, maxBodyBytes))
		default:
			http.NotFound(w, r)
		}
	})

	got, err := client.FetchBytes(context.Background(), srv.URL+"/img/huge.png")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v with %d bytes", err, len(got))
	}
	if got != nil {
		t.Fatalf("oversized body must not be returned, got %d bytes", len(got))
	}

	got, err = client.FetchBytes(context.Background(), srv.URL+"/img/limit.png")
	if err != nil {
		t.Fatalf("body at the limit: %v", err)
	}
	if len(got) != maxBodyBytes {
		t.Fatalf("expected %d bytes, got %d", maxBodyBytes, len(got))
	}
}
