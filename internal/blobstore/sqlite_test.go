package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir(), 5*time.Second)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteReadMissing(t *testing.T) {
	store := newTestSQLiteStore(t)

	data, found, err := store.Read(context.Background(), "system://apps.json")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if found {
		t.Errorf("expected found=false, got data %s", data)
	}
}

func TestSQLiteUpdateCreatesDocument(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	got, err := store.OptimisticUpdate(ctx, "system://apps.json", func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			t.Errorf("expected nil current for absent document, got %s", current)
		}
		return json.RawMessage(`{"n":1}`), nil
	})
	if err != nil {
		t.Fatalf("OptimisticUpdate: %v", err)
	}
	if string(got) != `{"n":1}` {
		t.Errorf("unexpected update result %s", got)
	}

	data, found, err := store.Read(ctx, "system://apps.json")
	if err != nil || !found {
		t.Fatalf("Read after update: found=%v err=%v", found, err)
	}
	if string(data) != `{"n":1}` {
		t.Errorf("unexpected read result %s", data)
	}
}

func TestSQLiteUpdateSeesCurrentValue(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := store.OptimisticUpdate(ctx, "counter", func(current json.RawMessage) (json.RawMessage, error) {
			n := 0
			if current != nil {
				if err := json.Unmarshal(current, &n); err != nil {
					return nil, err
				}
			}
			return json.Marshal(n + 1)
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	data, _, err := store.Read(ctx, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "3" {
		t.Errorf("counter = %s, want 3", data)
	}
}

func TestSQLiteTransformErrorPropagates(t *testing.T) {
	store := newTestSQLiteStore(t)

	boom := errors.New("boom")
	_, err := store.OptimisticUpdate(context.Background(), "x", func(json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected transform error, got %v", err)
	}
}

func TestSQLiteReadCancelled(t *testing.T) {
	store := newTestSQLiteStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Read(ctx, "x")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
