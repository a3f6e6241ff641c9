package metadata

import (
	"context"
	"errors"
	"testing"
)

type fakeLister struct {
	calls     int
	partitions []string
	err       error
}

func (f *fakeLister) Lookup(ctx context.Context, superStream string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.partitions, nil
}

func TestPartitionListCacheLooksUpOnce(t *testing.T) {
	lister := &fakeLister{partitions: []string{"invoices-0", "invoices-1"}}
	cache := NewPartitionListCache()

	for i := 0; i < 5; i++ {
		partitions, err := cache.Get(context.Background(), "invoices", lister)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(partitions) != 2 {
			t.Fatalf("expected 2 partitions, got %d", len(partitions))
		}
	}
	if lister.calls != 1 {
		t.Fatalf("expected exactly one lookup, got %d", lister.calls)
	}
}

func TestPartitionListCacheInvalidateForcesRelookup(t *testing.T) {
	lister := &fakeLister{partitions: []string{"invoices-0"}}
	cache := NewPartitionListCache()

	if _, err := cache.Get(context.Background(), "invoices", lister); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache.Invalidate("invoices")
	if _, err := cache.Get(context.Background(), "invoices", lister); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lister.calls != 2 {
		t.Fatalf("expected two lookups after invalidation, got %d", lister.calls)
	}
}

func TestPartitionListCacheRemovePartition(t *testing.T) {
	lister := &fakeLister{partitions: []string{"invoices-0", "invoices-1", "invoices-2"}}
	cache := NewPartitionListCache()
	if _, err := cache.Get(context.Background(), "invoices", lister); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cache.RemovePartition("invoices", "invoices-0")
	partitions, err := cache.Get(context.Background(), "invoices", lister)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range partitions {
		if p == "invoices-0" {
			t.Fatalf("invoices-0 should have been removed, got %v", partitions)
		}
	}
	if lister.calls != 1 {
		t.Fatalf("RemovePartition should not trigger a re-lookup, got %d calls", lister.calls)
	}
}

func TestPartitionListCachePropagatesLookupError(t *testing.T) {
	wantErr := errors.New("boom")
	lister := &fakeLister{err: wantErr}
	cache := NewPartitionListCache()

	_, err := cache.Get(context.Background(), "invoices", lister)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped %v, got %v", wantErr, err)
	}
}
