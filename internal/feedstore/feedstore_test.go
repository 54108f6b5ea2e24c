package feedstore

import (
	"context"
	"path/filepath"
	"testing"

	"bitriver-submerger/internal/models"
)

func TestMemoryStoreDedup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.Exists(ctx, "item-1")
	if err != nil || ok {
		t.Fatalf("Exists before insert = %v, %v; want false, nil", ok, err)
	}

	if err := s.Insert(ctx, models.FeedItemRecord{ItemID: "item-1", Title: "t", Link: "l"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ok, err = s.Exists(ctx, "item-1")
	if err != nil || !ok {
		t.Fatalf("Exists after insert = %v, %v; want true, nil", ok, err)
	}
}

func TestJSONStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "feed.json")

	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	if err := s.Insert(ctx, models.FeedItemRecord{ItemID: "item-1", Title: "t", Link: "l"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ok, err := reopened.Exists(ctx, "item-1")
	if err != nil || !ok {
		t.Fatalf("Exists after reopen = %v, %v; want true, nil", ok, err)
	}
}

func TestJSONStoreInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "feed.json")
	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}

	record := models.FeedItemRecord{ItemID: "item-1", Title: "t", Link: "l"}
	if err := s.Insert(ctx, record); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.Insert(ctx, record); err != nil {
		t.Fatalf("second insert: %v", err)
	}
}
