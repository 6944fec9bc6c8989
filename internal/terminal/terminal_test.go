package terminal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
)

// fakeBackend is an in-memory terminal backend with the list/create API.
type fakeBackend struct {
	mu          sync.Mutex
	tabs        map[string][]string // context key -> tab ids
	listCalls   atomic.Int32
	createCalls atomic.Int32
	// createGate, when set, blocks create until closed. Lets tests hold a
	// create in flight while other observers list an empty context.
	createGate chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tabs: make(map[string][]string)}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tabs", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("context")
		switch r.Method {
		case http.MethodGet:
			b.listCalls.Add(1)
			b.mu.Lock()
			ids := append([]string(nil), b.tabs[key]...)
			b.mu.Unlock()
			if ids == nil {
				ids = []string{}
			}
			json.NewEncoder(w).Encode(ids)
		case http.MethodPost:
			b.createCalls.Add(1)
			if b.createGate != nil {
				<-b.createGate
			}
			b.mu.Lock()
			id := "tab-1"
			b.tabs[key] = append(b.tabs[key], id)
			b.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"id": id})
		}
	})
	return mux
}

func TestEnsureDefaultTabCreatesOnce(t *testing.T) {
	backend := newFakeBackend()
	backend.createGate = make(chan struct{})
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := NewManager(NewClient())

	// Two concurrent observers of the empty tab list.
	results := make(chan []string, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ids, err := m.EnsureDefaultTab(context.Background(), srv.URL, "run-1")
			results <- ids
			errs <- err
		}()
	}

	// Wait until both have listed, then release the held create.
	deadline := time.After(5 * time.Second)
	for backend.listCalls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("observers never listed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(backend.createGate)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("EnsureDefaultTab: %v", err)
		}
		if diff := cmp.Diff([]string{"tab-1"}, <-results); diff != "" {
			t.Errorf("tab ids mismatch (-want +got):\n%s", diff)
		}
	}
	if got := backend.createCalls.Load(); got != 1 {
		t.Errorf("create calls = %d, want exactly 1", got)
	}
}

func TestEnsureDefaultTabSkipsCreateWhenTabsExist(t *testing.T) {
	backend := newFakeBackend()
	backend.tabs["run-1"] = []string{"a", "b"}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	m := NewManager(NewClient())
	ids, err := m.EnsureDefaultTab(context.Background(), srv.URL, "run-1")
	if err != nil {
		t.Fatalf("EnsureDefaultTab: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("tab ids mismatch (-want +got):\n%s", diff)
	}
	if got := backend.createCalls.Load(); got != 0 {
		t.Errorf("create calls = %d, want 0", got)
	}
}

func TestMergeDeduplicates(t *testing.T) {
	m := NewManager(NewClient())
	m.merge("run-1", []string{"a", "b"})
	got := m.merge("run-1", []string{"b", "c", "a"})
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("merged ids mismatch (-want +got):\n%s", diff)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// wsBackend upgrades /tabs/{id}/ws and sends one output frame.
func wsBackend(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ws") {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.BinaryMessage, append([]byte{MsgOutput}, []byte("ready\r\n")...))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func waitState(t *testing.T, states <-chan ConnState, want ConnState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %q", want)
		}
	}
}

func TestConnStateMachine(t *testing.T) {
	srv := wsBackend(t)
	defer srv.Close()

	states := make(chan ConnState, 16)
	output := make(chan []byte, 16)
	c := NewConn(
		func(data []byte) { output <- data },
		func(s ConnState) { states <- s },
	)

	c.SetTarget(srv.URL, "tab-1")
	waitState(t, states, StateConnecting)
	waitState(t, states, StateOpen)

	select {
	case data := <-output:
		if string(data) != "ready\r\n" {
			t.Errorf("output = %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no output received")
	}

	// Switching tabs resets to connecting and reopens.
	c.SetTarget(srv.URL, "tab-2")
	waitState(t, states, StateConnecting)
	waitState(t, states, StateOpen)

	c.Close()
	waitState(t, states, StateClosed)
	if got := c.State(); got != StateClosed {
		t.Errorf("state after close = %q, want closed", got)
	}
}

func TestConnDialFailureIsError(t *testing.T) {
	states := make(chan ConnState, 16)
	c := NewConn(nil, func(s ConnState) { states <- s })
	defer c.Close()

	c.SetTarget("http://127.0.0.1:1", "tab-1")
	waitState(t, states, StateConnecting)
	waitState(t, states, StateError)
}
