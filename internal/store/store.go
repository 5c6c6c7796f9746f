package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xmrgate/internal/invoice"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateIndex = errors.New("subaddress index already in use")
)

// Cursor is the last block fully scanned and flushed.
type Cursor struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// Batch is everything one scan pass writes. It is applied atomically.
type Batch struct {
	// Invoices are updated only if they still exist; removed invoices are
	// never recreated.
	Invoices []*invoice.Invoice
	Cursor   Cursor
	// Hashes records block hashes by height. Hashes above Cursor.Height and
	// below PruneBelow are deleted.
	Hashes     map[uint64]string
	PruneBelow uint64
}

// Stats contains aggregate statistics about stored invoices.
type Stats struct {
	TotalInvoices   int
	ByState         map[invoice.State]int
	AmountRequested uint64
	AmountPaid      uint64
	ScanHeight      uint64
	OldestInvoice   time.Time
	NewestInvoice   time.Time
}

// Store persists invoices and the scan cursor.
type Store interface {
	Insert(ctx context.Context, inv *invoice.Invoice) error
	Get(ctx context.Context, id invoice.ID) (*invoice.Invoice, error)
	GetByIndex(ctx context.Context, idx invoice.SubIndex) (*invoice.Invoice, error)
	Remove(ctx context.Context, id invoice.ID) (*invoice.Invoice, error)
	List(ctx context.Context) ([]*invoice.Invoice, error)
	ListActive(ctx context.Context) ([]*invoice.Invoice, error)
	NextMinor(ctx context.Context, major uint32) (uint32, error)
	Cursor(ctx context.Context) (Cursor, error)
	RecentHashes(ctx context.Context) (map[uint64]string, error)
	Flush(ctx context.Context, b Batch) error
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Open returns the backend named by kind ("sqlite" or "badger"). An empty
// path opens an in-memory store.
func Open(kind, path string) (Store, error) {
	switch kind {
	case "sqlite", "":
		if path == "" {
			path = ":memory:"
		}
		return NewSQLiteStore(path)
	case "badger":
		return NewBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown store type %q", kind)
	}
}

func computeStats(invoices []*invoice.Invoice, cursor Cursor) *Stats {
	stats := &Stats{ByState: make(map[invoice.State]int), ScanHeight: cursor.Height}
	for _, inv := range invoices {
		stats.TotalInvoices++
		stats.ByState[inv.State]++
		stats.AmountRequested += inv.Amount
		stats.AmountPaid += inv.AmountPaid
		if stats.OldestInvoice.IsZero() || inv.CreatedAt.Before(stats.OldestInvoice) {
			stats.OldestInvoice = inv.CreatedAt
		}
		if inv.CreatedAt.After(stats.NewestInvoice) {
			stats.NewestInvoice = inv.CreatedAt
		}
	}
	return stats
}
