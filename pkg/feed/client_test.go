package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/drift/pkg/syncfeed"
)

// feedServer serves canned pages keyed by the after cursor.
type feedServer struct {
	mu    sync.Mutex
	pages map[int64]changesResponse
}

func (f *feedServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/changes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			json.Unmarshal([]byte(v), &after)
		}
		page, ok := f.pages[after]
		if !ok {
			page = changesResponse{Next: after, UpToDate: true}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	})
	return mux
}

func change(key string, offset uint64) syncfeed.Message {
	return syncfeed.Message{
		Key:     key,
		Offset:  offset,
		Value:   map[string]any{"v": key},
		Headers: syncfeed.Headers{Operation: syncfeed.OperationInsert},
	}
}

func collectMessages(t *testing.T, client *Client, want int) []syncfeed.Message {
	t.Helper()

	var mu sync.Mutex
	var got []syncfeed.Message
	done := make(chan struct{})
	var once sync.Once

	unsubscribe, err := client.Subscribe(func(m syncfeed.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
		if len(got) >= want {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}
	defer unsubscribe()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %d messages, got %d", want, len(got))
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]syncfeed.Message{}, got...)
}

func TestPing(t *testing.T) {
	fs := &feedServer{pages: map[int64]changesResponse{}}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	if err := New(srv.URL, "").Ping(); err != nil {
		t.Errorf("Ping() = %v", err)
	}

	if err := New("", "").Ping(); err == nil {
		t.Error("Ping() with no URL = nil, want error")
	}
}

func TestSubscribe_DeliversChangesThenControl(t *testing.T) {
	fs := &feedServer{pages: map[int64]changesResponse{
		0: {
			Messages: []syncfeed.Message{change("k1", 1), change("k2", 2)},
			Next:     2,
			UpToDate: true,
		},
	}}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	client := New(srv.URL, "", WithPollInterval(10*time.Millisecond))
	got := collectMessages(t, client, 3)

	if got[0].Key != "k1" || got[0].Offset != 1 {
		t.Errorf("got[0] = %+v, want k1@1", got[0])
	}
	if got[1].Key != "k2" || got[1].Offset != 2 {
		t.Errorf("got[1] = %+v, want k2@2", got[1])
	}
	if !got[2].IsControl() || got[2].Headers.Control != syncfeed.ControlUpToDate {
		t.Errorf("got[2] = %+v, want up-to-date control", got[2])
	}
}

func TestSubscribe_PagesThroughBacklogBeforeControl(t *testing.T) {
	fs := &feedServer{pages: map[int64]changesResponse{
		0: {
			Messages: []syncfeed.Message{change("k1", 1)},
			Next:     1,
			UpToDate: false,
		},
		1: {
			Messages: []syncfeed.Message{change("k2", 2)},
			Next:     2,
			UpToDate: true,
		},
	}}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	client := New(srv.URL, "", WithPollInterval(10*time.Millisecond))
	got := collectMessages(t, client, 3)

	// Both backlog pages deliver before the first control message.
	if got[0].Key != "k1" || got[1].Key != "k2" {
		t.Errorf("messages = %+v, want k1 then k2", got[:2])
	}
	if !got[2].IsControl() {
		t.Errorf("got[2] = %+v, want control", got[2])
	}
}

func TestSubscribe_NoURL(t *testing.T) {
	if _, err := New("", "").Subscribe(func(syncfeed.Message) {}); err == nil {
		t.Error("Subscribe() with no URL = nil, want error")
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	fs := &feedServer{pages: map[int64]changesResponse{}}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	client := New(srv.URL, "", WithPollInterval(10*time.Millisecond))

	var mu sync.Mutex
	count := 0
	unsubscribe, err := client.Subscribe(func(m syncfeed.Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	unsubscribe()

	mu.Lock()
	settled := count
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != settled {
		t.Errorf("messages delivered after unsubscribe: %d -> %d", settled, count)
	}
}
