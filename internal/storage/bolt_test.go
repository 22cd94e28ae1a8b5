package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBoltStore(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "pgrelay-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	defer os.Remove(tmpfile.Name())

	store, err := NewBoltStore(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("AppendAssignsSequentialIDs", func(t *testing.T) {
		first := &MetricRecord{ObservedTime: base, DeltaSeconds: 0, TableName: "patient"}
		second := &MetricRecord{ObservedTime: base.Add(10 * time.Second), DeltaSeconds: 10, TableName: "patient"}

		if err := store.Append(ctx, first); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := store.Append(ctx, second); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		if first.ID != 1 || second.ID != 2 {
			t.Errorf("Expected ids 1 and 2, got %d and %d", first.ID, second.ID)
		}

		latest, err := store.Latest(ctx)
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}
		if len(latest) != 1 || latest[0].ID != 2 || latest[0].DeltaSeconds != 10 || !latest[0].ObservedTime.Equal(second.ObservedTime) {
			t.Errorf("Unexpected records: %+v", latest)
		}
	})

	t.Run("LatestPerTable", func(t *testing.T) {
		records := []*MetricRecord{
			{ObservedTime: base.Add(time.Minute), DeltaSeconds: 60, TableName: "visit"},
			{ObservedTime: base.Add(5 * time.Second), DeltaSeconds: -5, TableName: "patient"},
		}
		for _, r := range records {
			if err := store.Append(ctx, r); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}

		latest, err := store.Latest(ctx)
		if err != nil {
			t.Fatalf("Latest failed: %v", err)
		}

		if len(latest) != 2 {
			t.Fatalf("Expected 2 tables, got %d", len(latest))
		}
		if latest[0].TableName != "patient" || latest[0].DeltaSeconds != -5 {
			t.Errorf("Expected latest patient delta -5, got %+v", latest[0])
		}
		if latest[1].TableName != "visit" || latest[1].DeltaSeconds != 60 {
			t.Errorf("Expected latest visit delta 60, got %+v", latest[1])
		}
	})

	t.Run("Metadata", func(t *testing.T) {
		if err := store.SetMetadata(ctx, "test_key", "test_value"); err != nil {
			t.Fatalf("SetMetadata failed: %v", err)
		}

		value, found, err := store.Metadata(ctx, "test_key")
		if err != nil {
			t.Fatalf("Metadata failed: %v", err)
		}
		if !found || value != "test_value" {
			t.Errorf("Expected test_value, got %q (found=%v)", value, found)
		}

		if _, found, _ := store.Metadata(ctx, "missing"); found {
			t.Error("Expected missing key to be absent")
		}

		if _, found, _ := store.Metadata(ctx, CreatedAtKey); !found {
			t.Error("created_at should be set on open")
		}
	})

	t.Run("RecordStart", func(t *testing.T) {
		if _, found, _ := store.Metadata(ctx, LastStartKey); found {
			t.Fatal("last_start should not exist before the first start")
		}

		started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
		if err := RecordStart(ctx, store, started); err != nil {
			t.Fatalf("RecordStart failed: %v", err)
		}

		value, found, err := store.Metadata(ctx, LastStartKey)
		if err != nil || !found {
			t.Fatalf("last_start not recorded: %v", err)
		}
		if value != "2024-03-01T11:00:00Z" {
			t.Errorf("Expected UTC start time, got %s", value)
		}
	})
}

type recordsOnly struct{}

func (recordsOnly) Append(ctx context.Context, r *MetricRecord) error { return nil }
func (recordsOnly) Latest(ctx context.Context) ([]MetricRecord, error) { return nil, nil }
func (recordsOnly) Close() error { return nil }

func TestRecordStartWithoutMetadata(t *testing.T) {
	if err := RecordStart(context.Background(), recordsOnly{}, time.Now()); err != nil {
		t.Errorf("Stores without metadata should be skipped, got %v", err)
	}
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	ctx := context.Background()

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	if err := store.Append(ctx, &MetricRecord{ObservedTime: time.Now(), TableName: "patient"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	created, _, _ := store.Metadata(ctx, CreatedAtKey)
	store.Close()

	store, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen storage: %v", err)
	}
	defer store.Close()

	record := &MetricRecord{ObservedTime: time.Now(), TableName: "patient"}
	if err := store.Append(ctx, record); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if record.ID != 2 {
		t.Errorf("Sequence should survive reopen, got id %d", record.ID)
	}

	reopened, _, _ := store.Metadata(ctx, CreatedAtKey)
	if reopened != created {
		t.Errorf("created_at changed on reopen: %s -> %s", created, reopened)
	}
}
