package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/angrav-gateway/internal/bus"
	"github.com/basket/angrav-gateway/internal/model"
)

type fakeRegistry struct {
	handles map[string]model.SessionHandle
	idle    string
}

func (r *fakeRegistry) Get(id string) (model.SessionHandle, bool) {
	h, ok := r.handles[id]
	return h, ok
}
func (r *fakeRegistry) FindByPrefix(prefix string) (model.SessionHandle, bool) {
	for id, h := range r.handles {
		if len(prefix) <= len(id) && id[:len(prefix)] == prefix {
			return h, true
		}
	}
	return model.SessionHandle{}, false
}
func (r *fakeRegistry) FirstIdle() (model.SessionHandle, bool) {
	if r.idle == "" {
		return model.SessionHandle{}, false
	}
	return r.handles[r.idle], true
}
func (r *fakeRegistry) Any() (model.SessionHandle, bool) {
	for _, h := range r.handles {
		return h, true
	}
	return model.SessionHandle{}, false
}

func singleSessionRegistry(id string) *fakeRegistry {
	return &fakeRegistry{handles: map[string]model.SessionHandle{id: {ID: id}}, idle: id}
}

func TestSubmit_ResolvesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	handler := func(ctx context.Context, sessionID string, it *Item) {
		n := it.Request.Messages[0].Content
		mu.Lock()
		order = append(order, len(order))
		mu.Unlock()
		it.Resolve(n)
	}

	router := New(singleSessionRegistry("s1"), handler, Config{MaxPerSession: 5, MaxTotal: 5, EnqueueTimeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := router.Submit(context.Background(), Request{SessionID: "s1", Messages: []model.Message{{Role: "user", Content: "hi"}}})
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(order) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(order))
	}
}

func TestSubmit_NoSession(t *testing.T) {
	router := New(&fakeRegistry{handles: map[string]model.SessionHandle{}}, func(ctx context.Context, sessionID string, it *Item) {
		it.Resolve(nil)
	}, Config{})
	_, _, err := router.Submit(context.Background(), Request{})
	if err != ErrNoSession {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestSubmit_PerSessionQueueFull(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, sessionID string, it *Item) {
		<-block
		it.Resolve(nil)
	}
	router := New(singleSessionRegistry("s1"), handler, Config{MaxPerSession: 1, MaxTotal: 10, EnqueueTimeout: time.Second})

	go router.Submit(context.Background(), Request{SessionID: "s1"})
	time.Sleep(20 * time.Millisecond) // let the first item start processing

	go router.Submit(context.Background(), Request{SessionID: "s1"})
	time.Sleep(20 * time.Millisecond) // second item now sits in the fifo

	_, _, err := router.Submit(context.Background(), Request{SessionID: "s1"})
	if err != ErrQueueFullSession {
		t.Fatalf("err = %v, want ErrQueueFullSession", err)
	}
	close(block)
}

func TestSubmit_GlobalQueueFull(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, sessionID string, it *Item) {
		<-block
		it.Resolve(nil)
	}
	reg := &fakeRegistry{handles: map[string]model.SessionHandle{
		"a": {ID: "a"}, "b": {ID: "b"},
	}}
	router := New(reg, handler, Config{MaxPerSession: 5, MaxTotal: 1, EnqueueTimeout: time.Second})

	go router.Submit(context.Background(), Request{SessionID: "a"})
	time.Sleep(20 * time.Millisecond)

	_, _, err := router.Submit(context.Background(), Request{SessionID: "b"})
	if err != ErrQueueFullGlobal {
		t.Fatalf("err = %v, want ErrQueueFullGlobal", err)
	}
	close(block)
}

func TestShutdown_RejectsPending(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, sessionID string, it *Item) {
		<-block
		it.Resolve(nil)
	}
	router := New(singleSessionRegistry("s1"), handler, Config{MaxPerSession: 5, MaxTotal: 5, EnqueueTimeout: time.Second})

	go router.Submit(context.Background(), Request{SessionID: "s1"})
	time.Sleep(20 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := router.Submit(context.Background(), Request{SessionID: "s1"})
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	router.Shutdown()
	close(block)

	select {
	case err := <-resultCh:
		if err != ErrShutdown {
			t.Fatalf("err = %v, want ErrShutdown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown rejection")
	}
}

func TestSubmit_EnqueueTimeoutDoesNotBoundProcessing(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, sessionID string, it *Item) {
		close(started)
		time.Sleep(60 * time.Millisecond) // longer than the enqueue timeout below
		it.Resolve("done")
	}
	router := New(singleSessionRegistry("s1"), handler, Config{MaxPerSession: 5, MaxTotal: 5, EnqueueTimeout: 10 * time.Millisecond})

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := router.Submit(context.Background(), Request{SessionID: "s1"})
		resultCh <- err
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("err = %v, want nil (enqueue timeout must not apply once dispatched)", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result; enqueue timeout wrongly bounded processing")
	}
}

func TestPurgeSession_RejectsPending(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, sessionID string, it *Item) {
		<-block
		it.Resolve(nil)
	}
	router := New(singleSessionRegistry("s1"), handler, Config{MaxPerSession: 5, MaxTotal: 5, EnqueueTimeout: time.Second})

	go router.Submit(context.Background(), Request{SessionID: "s1"})
	time.Sleep(20 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := router.Submit(context.Background(), Request{SessionID: "s1"})
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	router.PurgeSession("s1")
	close(block)

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected an error after purge")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for purge rejection")
	}
}

func TestWatchSessionClosures_PurgesOnEvent(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, sessionID string, it *Item) {
		<-block
		it.Resolve(nil)
	}
	router := New(singleSessionRegistry("s1"), handler, Config{MaxPerSession: 5, MaxTotal: 5, EnqueueTimeout: time.Second})

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.WatchSessionClosures(ctx, b)

	go router.Submit(context.Background(), Request{SessionID: "s1"})
	time.Sleep(20 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		_, _, err := router.Submit(context.Background(), Request{SessionID: "s1"})
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	b.Publish(bus.TopicSessionClosed, bus.ClosedEvent{SessionID: "s1", Reason: "page closed"})
	close(block)

	select {
	case err := <-resultCh:
		if err == nil {
			t.Fatal("expected an error after the session-closed event purged the queue")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus-driven purge rejection")
	}
}
