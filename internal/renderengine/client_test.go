package renderengine

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/openclaw/controlplane/infrastructure/testutil"
)

func TestClientSubmitReturnsPromptID(t *testing.T) {
	srv := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prompt" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	promptID, err := c.Submit(context.Background(), []byte(`{"prompt":"a cat"}`), "t-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if promptID != "p-123" {
		t.Fatalf("expected prompt_id p-123, got %q", promptID)
	}
}

func TestClientSubmitSurfacesRejection(t *testing.T) {
	srv := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid workflow"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if _, err := c.Submit(context.Background(), []byte(`{}`), "t-1"); err == nil {
		t.Fatal("expected submit to fail")
	}
}

func TestClientHistoryReportsIncompleteWithoutError(t *testing.T) {
	srv := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	entry, err := c.History(context.Background(), "p-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Complete {
		t.Fatal("expected incomplete entry for unknown prompt_id")
	}
}

func TestClientHistoryCoalescesCompletedPolls(t *testing.T) {
	var hits int64
	srv := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"p-123": map[string]interface{}{
				"status":  map[string]interface{}{"completed": true},
				"outputs": map[string]interface{}{},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	for i := 0; i < 5; i++ {
		entry, err := c.History(context.Background(), "p-123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !entry.Complete {
			t.Fatal("expected completed entry")
		}
	}
	if got := atomic.LoadInt64(&hits); got != 1 {
		t.Fatalf("expected 1 render-engine round trip behind the cache, got %d", got)
	}
}

func TestClientViewURLIncludesQueryParams(t *testing.T) {
	c := New("http://127.0.0.1:8188", nil)
	got := c.ViewURL(Output{Filename: "out.png", Subfolder: "sub", Type: "output"})
	want := "http://127.0.0.1:8188/view?filename=out.png&subfolder=sub&type=output"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
