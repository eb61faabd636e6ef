package client_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/st3v3nmw/faultline/internal/client"
)

func kvServer(t *testing.T) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	store := map[string]string{}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}

		key := strings.TrimPrefix(r.URL.Path, "/kv/")
		mu.Lock()
		defer mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			store[key] = string(body)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			value, ok := store[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(value))
		case http.MethodDelete:
			delete(store, key)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestPutGetDelete(t *testing.T) {
	ts := kvServer(t)
	kv := client.New(map[string]string{"node1": ts.URL}, time.Second)
	ctx := t.Context()

	if _, err := kv.Put(ctx, "node1", "kenya:capital", "Nairobi"); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	resp, err := kv.Get(ctx, "node1", "kenya:capital")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Body != "Nairobi" {
		t.Errorf("Get() = %d %q, want 200 \"Nairobi\"", resp.Status, resp.Body)
	}

	if _, err := kv.Delete(ctx, "node1", "kenya:capital"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	resp, err = kv.Get(ctx, "node1", "kenya:capital")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Errorf("Get() after delete = %d, want 404", resp.Status)
	}
}

func TestHealth(t *testing.T) {
	ts := kvServer(t)
	kv := client.New(map[string]string{"node1": ts.URL}, time.Second)

	if err := kv.Health(t.Context(), "node1"); err != nil {
		t.Errorf("Health() failed: %v", err)
	}
}

func TestUnknownNode(t *testing.T) {
	kv := client.New(map[string]string{}, time.Second)

	if _, err := kv.Get(t.Context(), "ghost", "key"); err == nil {
		t.Error("expected error for unknown node")
	}
}

func TestUnreachableNode(t *testing.T) {
	ts := kvServer(t)
	url := ts.URL
	ts.Close()

	kv := client.New(map[string]string{"node1": url}, 500*time.Millisecond)

	if _, err := kv.Get(t.Context(), "node1", "key"); err == nil {
		t.Error("expected transport error for unreachable node")
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		resp    client.Response
		expect  client.Expect
		wantErr bool
	}{
		{
			name:   "status and body match",
			resp:   client.Response{Status: 200, Body: "Nairobi"},
			expect: client.Expect{Status: 200, Body: "Nairobi"},
		},
		{
			name:    "status mismatch",
			resp:    client.Response{Status: 404, Body: ""},
			expect:  client.Expect{Status: 200},
			wantErr: true,
		},
		{
			name:    "body mismatch",
			resp:    client.Response{Status: 200, Body: "Mombasa"},
			expect:  client.Expect{Body: "Nairobi"},
			wantErr: true,
		},
		{
			name:   "json field match",
			resp:   client.Response{Status: 200, Body: `{"leader": "node1", "term": 3}`},
			expect: client.Expect{JSON: map[string]string{"leader": "node1", "term": "3"}},
		},
		{
			name:    "json field mismatch",
			resp:    client.Response{Status: 200, Body: `{"leader": "node2"}`},
			expect:  client.Expect{JSON: map[string]string{"leader": "node1"}},
			wantErr: true,
		},
		{
			name:    "json field missing",
			resp:    client.Response{Status: 200, Body: `{}`},
			expect:  client.Expect{JSON: map[string]string{"leader": "node1"}},
			wantErr: true,
		},
		{
			name:   "empty expectation checks nothing",
			resp:   client.Response{Status: 500, Body: "boom"},
			expect: client.Expect{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Verify(tt.resp, tt.expect)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
