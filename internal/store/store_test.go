package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"xmrgate/internal/invoice"
)

type storeFactory struct {
	name string
	open func(t *testing.T, path string) Store
	path func(t *testing.T) string
}

var factories = []storeFactory{
	{
		name: "sqlite",
		open: func(t *testing.T, path string) Store {
			st, err := NewSQLiteStore(path)
			if err != nil {
				t.Fatalf("failed to create sqlite store: %v", err)
			}
			return st
		},
		path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "invoices.db") },
	},
	{
		name: "badger",
		open: func(t *testing.T, path string) Store {
			st, err := NewBadgerStore(path)
			if err != nil {
				t.Fatalf("failed to create badger store: %v", err)
			}
			return st
		},
		path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "badger") },
	},
}

func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			st := f.open(t, f.path(t))
			defer st.Close()
			fn(t, st)
		})
	}
}

func testInvoice(minor uint32) *invoice.Invoice {
	return invoice.New(invoice.NewID(invoice.SubIndex{Major: 0, Minor: minor}), 1000, 2, 100, 50)
}

func TestStore_InsertAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inv := testInvoice(1)
		inv.Description = "coffee"

		if err := st.Insert(ctx, inv); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		got, err := st.Get(ctx, inv.ID)
		if err != nil {
			t.Fatalf("failed to get: %v", err)
		}
		if got.ID != inv.ID || got.Amount != inv.Amount || got.Description != "coffee" {
			t.Errorf("got %+v, want %+v", got, inv)
		}
		if got.State != invoice.Pending {
			t.Errorf("State = %v, want pending", got.State)
		}

		byIdx, err := st.GetByIndex(ctx, inv.ID.Index)
		if err != nil || byIdx.ID != inv.ID {
			t.Errorf("GetByIndex = %v, %v", byIdx, err)
		}
	})
}

func TestStore_GetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inv := testInvoice(1)

		if _, err := st.Get(ctx, inv.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		st.Insert(ctx, inv)
		other := inv.ID
		other.UniqueID = "someone-else"
		if _, err := st.Get(ctx, other); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for mismatched unique id, got %v", err)
		}
	})
}

func TestStore_DuplicateIndex(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		first := testInvoice(7)
		if err := st.Insert(ctx, first); err != nil {
			t.Fatalf("failed to insert: %v", err)
		}

		second := testInvoice(7)
		second.Amount = 5
		if err := st.Insert(ctx, second); !errors.Is(err, ErrDuplicateIndex) {
			t.Fatalf("expected ErrDuplicateIndex, got %v", err)
		}

		got, _ := st.Get(ctx, first.ID)
		if got == nil || got.Amount != first.Amount {
			t.Errorf("original invoice was overwritten: %+v", got)
		}
	})
}

func TestStore_Remove(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		inv := testInvoice(3)
		st.Insert(ctx, inv)

		removed, err := st.Remove(ctx, inv.ID)
		if err != nil {
			t.Fatalf("failed to remove: %v", err)
		}
		if removed.ID != inv.ID {
			t.Errorf("removed %v, want %v", removed.ID, inv.ID)
		}
		if _, err := st.Get(ctx, inv.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after remove, got %v", err)
		}
		if _, err := st.Remove(ctx, inv.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second remove, got %v", err)
		}

		// The index is free again.
		if err := st.Insert(ctx, testInvoice(3)); err != nil {
			t.Errorf("failed to reuse index: %v", err)
		}
	})
}

func TestStore_ListActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		active := testInvoice(1)
		confirmed := testInvoice(2)
		confirmed.State = invoice.Confirmed
		expired := testInvoice(3)
		expired.State = invoice.Expired
		partial := testInvoice(4)
		partial.State = invoice.PartiallyPaid

		for _, inv := range []*invoice.Invoice{active, confirmed, expired, partial} {
			if err := st.Insert(ctx, inv); err != nil {
				t.Fatalf("insert %v: %v", inv.ID, err)
			}
		}

		all, err := st.List(ctx)
		if err != nil || len(all) != 4 {
			t.Fatalf("List = %d invoices, %v", len(all), err)
		}

		got, err := st.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 active invoices, got %d", len(got))
		}
		for _, inv := range got {
			if inv.IsTerminal() {
				t.Errorf("terminal invoice %v listed as active", inv.ID)
			}
		}
	})
}

func TestStore_NextMinor(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for want := uint32(1); want <= 3; want++ {
			got, err := st.NextMinor(ctx, 0)
			if err != nil {
				t.Fatalf("NextMinor: %v", err)
			}
			if got != want {
				t.Errorf("NextMinor = %d, want %d", got, want)
			}
		}

		got, _ := st.NextMinor(ctx, 5)
		if got != 1 {
			t.Errorf("accounts must have independent counters, got %d", got)
		}
	})
}

func TestStore_Flush(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		if _, err := st.Cursor(ctx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for fresh cursor, got %v", err)
		}

		inv := testInvoice(1)
		gone := testInvoice(2)
		st.Insert(ctx, inv)
		st.Insert(ctx, gone)
		st.Remove(ctx, gone.ID)

		updated := inv.Clone()
		updated.Credit(invoice.Credit{TxHash: "aa", Height: 101, Amount: 400})
		updated.Advance(101)
		goneUpdate := gone.Clone()
		goneUpdate.Advance(101)

		err := st.Flush(ctx, Batch{
			Invoices: []*invoice.Invoice{updated, goneUpdate},
			Cursor:   Cursor{Height: 101, Hash: "h101"},
			Hashes:   map[uint64]string{99: "h99", 100: "h100", 101: "h101"},
		})
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}

		got, _ := st.Get(ctx, inv.ID)
		if got.AmountPaid != 400 || got.State != invoice.PartiallyPaid || len(got.Credits) != 1 {
			t.Errorf("flushed invoice = %+v", got)
		}
		if _, err := st.Get(ctx, gone.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("removed invoice was recreated by flush: %v", err)
		}

		cursor, err := st.Cursor(ctx)
		if err != nil || cursor != (Cursor{Height: 101, Hash: "h101"}) {
			t.Errorf("Cursor = %+v, %v", cursor, err)
		}

		// Rewind below recorded hashes and prune old ones.
		err = st.Flush(ctx, Batch{
			Cursor:     Cursor{Height: 100, Hash: "h100"},
			PruneBelow: 100,
		})
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
		hashes, err := st.RecentHashes(ctx)
		if err != nil {
			t.Fatalf("RecentHashes: %v", err)
		}
		if len(hashes) != 1 || hashes[100] != "h100" {
			t.Errorf("RecentHashes = %v, want only 100", hashes)
		}
	})
}

func TestStore_Stats(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		stats, err := st.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.TotalInvoices != 0 {
			t.Errorf("expected 0 invoices, got %d", stats.TotalInvoices)
		}

		paid := testInvoice(1)
		paid.AmountPaid = 1000
		paid.State = invoice.Confirmed
		st.Insert(ctx, paid)
		st.Insert(ctx, testInvoice(2))
		st.Flush(ctx, Batch{Cursor: Cursor{Height: 120, Hash: "x"}})

		stats, _ = st.Stats(ctx)
		if stats.TotalInvoices != 2 {
			t.Errorf("TotalInvoices = %d, want 2", stats.TotalInvoices)
		}
		if stats.ByState[invoice.Confirmed] != 1 || stats.ByState[invoice.Pending] != 1 {
			t.Errorf("ByState = %v", stats.ByState)
		}
		if stats.AmountRequested != 2000 || stats.AmountPaid != 1000 {
			t.Errorf("amounts = %d/%d", stats.AmountPaid, stats.AmountRequested)
		}
		if stats.ScanHeight != 120 {
			t.Errorf("ScanHeight = %d, want 120", stats.ScanHeight)
		}
	})
}

// Reopening is the whole recovery procedure: whatever the last Flush wrote is
// what comes back.
func TestStore_Reopen(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			path := f.path(t)

			st := f.open(t, path)
			inv := testInvoice(1)
			st.Insert(ctx, inv)
			st.NextMinor(ctx, 0)
			updated := inv.Clone()
			updated.Credit(invoice.Credit{TxHash: "aa", Height: 101, Amount: 1000})
			updated.Advance(101)
			if err := st.Flush(ctx, Batch{
				Invoices: []*invoice.Invoice{updated},
				Cursor:   Cursor{Height: 101, Hash: "h101"},
				Hashes:   map[uint64]string{101: "h101"},
			}); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = f.open(t, path)
			defer st.Close()

			got, err := st.Get(ctx, inv.ID)
			if err != nil {
				t.Fatalf("Get after reopen: %v", err)
			}
			if got.AmountPaid != 1000 || got.State != invoice.AwaitingConfirmations {
				t.Errorf("invoice after reopen = %+v", got)
			}
			cursor, _ := st.Cursor(ctx)
			if cursor.Height != 101 {
				t.Errorf("cursor after reopen = %+v", cursor)
			}
			next, _ := st.NextMinor(ctx, 0)
			if next != 2 {
				t.Errorf("NextMinor after reopen = %d, want 2", next)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	st, err := Open("sqlite", "")
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	st.Close()

	st, err = Open("badger", "")
	if err != nil {
		t.Fatalf("Open badger: %v", err)
	}
	st.Close()

	if _, err := Open("postgres", ""); err == nil {
		t.Error("expected error for unsupported store type")
	}
}
