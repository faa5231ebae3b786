package campaign

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()

	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "campaigns.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { bs.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bs,
	}
}

func TestRegistryLifecycle(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := NewRegistry(store)

			c, err := r.Create(ctx, CreateParams{ID: "c1", OwnerID: "owner-1", TotalTargets: 3})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if c.Kind != KindBroadcast {
				t.Errorf("Kind = %v, want %v", c.Kind, KindBroadcast)
			}

			if _, err := r.Create(ctx, CreateParams{ID: "c1", OwnerID: "owner-1"}); !errors.Is(err, ErrAlreadyExists) {
				t.Errorf("Create() duplicate error = %v, want ErrAlreadyExists", err)
			}

			if err := r.RecordResult(ctx, "c1", "r1", nil); err != nil {
				t.Fatalf("RecordResult() error = %v", err)
			}
			if err := r.RecordResult(ctx, "c1", "r2", errors.New("bad number")); err != nil {
				t.Fatalf("RecordResult() error = %v", err)
			}
			if err := r.RecordResult(ctx, "c1", "r3", nil); err != nil {
				t.Fatalf("RecordResult() error = %v", err)
			}

			got, err := r.Get(ctx, "c1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.CurrentIndex != len(got.SuccessList)+len(got.ErrorList) {
				t.Errorf("CurrentIndex = %d, success+errors = %d", got.CurrentIndex, len(got.SuccessList)+len(got.ErrorList))
			}
			if diff := cmp.Diff([]string{"r1", "r3"}, got.SuccessList); diff != "" {
				t.Errorf("SuccessList mismatch (-want +got):\n%s", diff)
			}
			wantErrs := []Failure{{Recipient: "r2", ErrorMessage: "bad number"}}
			if diff := cmp.Diff(wantErrs, got.ErrorList); diff != "" {
				t.Errorf("ErrorList mismatch (-want +got):\n%s", diff)
			}

			if err := r.MarkCompleted(ctx, "c1"); err != nil {
				t.Fatalf("MarkCompleted() error = %v", err)
			}
			if err := r.MarkCompleted(ctx, "c1"); err != nil {
				t.Errorf("MarkCompleted() second call error = %v", err)
			}

			// Frozen after completion
			if err := r.RequestStop(ctx, "c1"); err != nil {
				t.Errorf("RequestStop() on completed error = %v", err)
			}
			if err := r.RecordResult(ctx, "c1", "r4", nil); err != nil {
				t.Errorf("RecordResult() on completed error = %v", err)
			}
			got, _ = r.Get(ctx, "c1")
			if got.StopRequested {
				t.Error("StopRequested changed after completion")
			}
			if got.CurrentIndex != 3 {
				t.Errorf("CurrentIndex = %d after completion, want 3", got.CurrentIndex)
			}
			if !r.Stopped(ctx, "c1") {
				t.Error("Stopped() = false for completed campaign")
			}
		})
	}
}

func TestRegistryStopAndOwnership(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := NewRegistry(store)

			c, err := r.Create(ctx, CreateParams{OwnerID: "alice", Kind: KindWarmup})
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if c.ID == "" {
				t.Fatal("Create() did not generate an id")
			}

			if r.Stopped(ctx, c.ID) {
				t.Error("Stopped() = true for fresh campaign")
			}
			for i := 0; i < 2; i++ {
				if err := r.RequestStop(ctx, c.ID); err != nil {
					t.Fatalf("RequestStop() error = %v", err)
				}
			}
			if !r.Stopped(ctx, c.ID) {
				t.Error("Stopped() = false after RequestStop")
			}

			if _, err := r.GetOwned(ctx, c.ID, "bob"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetOwned() foreign owner error = %v, want ErrNotFound", err)
			}
			if _, err := r.GetOwned(ctx, c.ID, "alice"); err != nil {
				t.Errorf("GetOwned() error = %v", err)
			}

			if err := r.RequestStop(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("RequestStop() missing error = %v, want ErrNotFound", err)
			}
			if !r.Stopped(ctx, "missing") {
				t.Error("Stopped() = false for missing campaign")
			}
		})
	}
}

func TestRegistryListAndRemove(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := NewRegistry(store)

			for _, p := range []CreateParams{
				{ID: "a1", OwnerID: "alice"},
				{ID: "a2", OwnerID: "alice"},
				{ID: "b1", OwnerID: "bob"},
			} {
				if _, err := r.Create(ctx, p); err != nil {
					t.Fatalf("Create(%s) error = %v", p.ID, err)
				}
			}

			list, err := r.ListByOwner(ctx, "alice")
			if err != nil {
				t.Fatalf("ListByOwner() error = %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("ListByOwner() returned %d campaigns, want 2", len(list))
			}
			for _, s := range list {
				if s.ID == "b1" {
					t.Error("ListByOwner() leaked a foreign campaign")
				}
			}

			if err := r.Remove(ctx, "a1"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if err := r.Remove(ctx, "a1"); err != nil {
				t.Errorf("Remove() absent error = %v", err)
			}
			if _, err := r.Get(ctx, "a1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
			}
			list, _ = r.ListByOwner(ctx, "alice")
			if len(list) != 1 {
				t.Errorf("ListByOwner() after Remove returned %d, want 1", len(list))
			}
		})
	}
}

func TestRegistryProgressIsCopied(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	if _, err := r.Create(ctx, CreateParams{ID: "w1", OwnerID: "o", Kind: KindWarmup}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	partners := []string{"i2", "i3"}
	if err := r.UpdateProgress(ctx, "w1", Progress{Phase: 2, Partners: partners}); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	partners[0] = "mutated"

	got, _ := r.Get(ctx, "w1")
	if got.Progress == nil || got.Progress.Phase != 2 {
		t.Fatalf("Progress = %+v, want phase 2", got.Progress)
	}
	if got.Progress.Partners[0] != "i2" {
		t.Errorf("Partners[0] = %q, want i2", got.Progress.Partners[0])
	}

	got.SuccessList = append(got.SuccessList, "x")
	again, _ := r.Get(ctx, "w1")
	if len(again.SuccessList) != 0 {
		t.Error("mutating a snapshot changed stored state")
	}
}

func TestBoltStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.db")
	ctx := context.Background()

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	r := NewRegistry(store)
	if _, err := r.Create(ctx, CreateParams{ID: "p1", OwnerID: "o", TotalTargets: 1}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := r.RecordResult(ctx, "p1", "r1", nil); err != nil {
		t.Fatalf("RecordResult() error = %v", err)
	}
	store.Close()

	store, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() reopen error = %v", err)
	}
	defer store.Close()

	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CurrentIndex != 1 || got.SuccessList[0] != "r1" {
		t.Errorf("reopened campaign = %+v", got)
	}
}

func TestRegistryCompleteStale(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewMemoryStore())
	for _, id := range []string{"s1", "s2", "done"} {
		if _, err := r.Create(ctx, CreateParams{ID: id, OwnerID: "o", TotalTargets: 1}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	r.MarkCompleted(ctx, "done")

	n, err := r.CompleteStale(ctx)
	if err != nil {
		t.Fatalf("CompleteStale() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CompleteStale() = %d, want 2", n)
	}
	for _, id := range []string{"s1", "s2", "done"} {
		if !r.Stopped(ctx, id) {
			t.Errorf("%s still running", id)
		}
	}

	if n, _ := r.CompleteStale(ctx); n != 0 {
		t.Errorf("second CompleteStale() = %d, want 0", n)
	}
}

func TestBoltStoreAppendsResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.db")
	ctx := context.Background()

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	r := NewRegistry(store)
	if _, err := r.Create(ctx, CreateParams{ID: "big", OwnerID: "o", TotalTargets: 200}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	recordSize := func() int {
		var n int
		store.DB().View(func(tx *bolt.Tx) error {
			n = len(tx.Bucket(bucketCampaigns).Get([]byte("big")))
			return nil
		})
		return n
	}

	r.RecordResult(ctx, "big", "r0", nil)
	before := recordSize()
	var wantOK []string
	var wantErr []Failure
	for i := 1; i < 200; i++ {
		rcpt := fmt.Sprintf("r%d", i)
		if i%3 == 0 {
			r.RecordResult(ctx, "big", rcpt, errors.New("bad number"))
			wantErr = append(wantErr, Failure{Recipient: rcpt, ErrorMessage: "bad number"})
		} else {
			r.RecordResult(ctx, "big", rcpt, nil)
			wantOK = append(wantOK, rcpt)
		}
	}
	if after := recordSize(); after > before+16 {
		t.Errorf("campaign record grew from %d to %d bytes with results", before, after)
	}
	store.Close()

	store, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() reopen error = %v", err)
	}
	defer store.Close()
	r = NewRegistry(store)

	got, err := r.Get(ctx, "big")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(append([]string{"r0"}, wantOK...), got.SuccessList); diff != "" {
		t.Errorf("SuccessList mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantErr, got.ErrorList); diff != "" {
		t.Errorf("ErrorList mismatch (-want +got):\n%s", diff)
	}
	if got.CurrentIndex != 200 {
		t.Errorf("CurrentIndex = %d, want 200", got.CurrentIndex)
	}

	if err := r.Remove(ctx, "big"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := r.Create(ctx, CreateParams{ID: "big", OwnerID: "o", TotalTargets: 1}); err != nil {
		t.Fatalf("re-Create() error = %v", err)
	}
	fresh, _ := r.Get(ctx, "big")
	if len(fresh.SuccessList) != 0 || len(fresh.ErrorList) != 0 {
		t.Errorf("results survived Remove(): %+v", fresh)
	}
}
