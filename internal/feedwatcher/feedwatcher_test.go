package feedwatcher

import (
	"context"
	"testing"
	"time"

	"bitriver-submerger/internal/chatadapter"
	"bitriver-submerger/internal/feedstore"
)

type fakeSource struct {
	entries []Entry
	calls   int
}

func (f *fakeSource) Fetch(context.Context) ([]Entry, error) {
	f.calls++
	return f.entries, nil
}

func TestPublishIfNewSkipsDuplicates(t *testing.T) {
	store := feedstore.NewMemoryStore()
	chat := chatadapter.NewNoopClient()
	w := New(Config{
		Source:   &fakeSource{},
		Store:    store,
		Chat:     chat,
		Channels: []int64{100},
	})

	entry := Entry{ID: "a1", Title: "New Episode", Link: "https://example.test/a1"}
	if err := w.publishIfNew(context.Background(), entry); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	seen, err := store.Exists(context.Background(), "a1")
	if err != nil || !seen {
		t.Fatalf("Exists after publish = %v, %v; want true, nil", seen, err)
	}

	// Second call for the same id must not error and must not re-publish;
	// the store records it as already seen.
	if err := w.publishIfNew(context.Background(), entry); err != nil {
		t.Fatalf("second publish: %v", err)
	}
}

func TestSetEnabledCancelsInFlightTick(t *testing.T) {
	store := feedstore.NewMemoryStore()
	chat := chatadapter.NewNoopClient()
	w := New(Config{
		Source:   &fakeSource{},
		Store:    store,
		Chat:     chat,
		Channels: []int64{100},
	})

	w.SetEnabled(true)
	if !w.Enabled() {
		t.Fatal("expected watcher to be enabled")
	}
	tickCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.mu.Lock()
	w.tickCancel = cancel
	w.mu.Unlock()

	w.SetEnabled(false)
	if w.Enabled() {
		t.Fatal("expected watcher to be disabled")
	}
	if tickCtx.Err() == nil {
		t.Fatal("expected the in-flight tick's context to be cancelled")
	}
}

func TestTickPublishesEveryNewEntry(t *testing.T) {
	store := feedstore.NewMemoryStore()
	chat := chatadapter.NewNoopClient()
	source := &fakeSource{entries: []Entry{
		{ID: "a1", Title: "one"},
		{ID: "a2", Title: "two"},
	}}
	w := New(Config{
		Source:    source,
		Store:     store,
		Chat:      chat,
		Channels:  []int64{100},
		ItemDelay: time.Millisecond,
	})
	w.SetEnabled(true)

	w.tick(context.Background())

	for _, id := range []string{"a1", "a2"} {
		seen, err := store.Exists(context.Background(), id)
		if err != nil || !seen {
			t.Fatalf("Exists(%s) = %v, %v; want true, nil", id, seen, err)
		}
	}
}
