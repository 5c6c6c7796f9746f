package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
)

var (
	invoicePrefix = []byte("inv/")
	hashPrefix    = []byte("hash/")
	minorPrefix   = []byte("minor/")
	cursorDBKey   = []byte("meta/cursor")
)

func invoiceKey(idx invoice.SubIndex) []byte {
	k := append([]byte(nil), invoicePrefix...)
	k = binary.BigEndian.AppendUint32(k, idx.Major)
	return binary.BigEndian.AppendUint32(k, idx.Minor)
}

func hashKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), hashPrefix...), height)
}

func minorKey(major uint32) []byte {
	return binary.BigEndian.AppendUint32(append([]byte(nil), minorPrefix...), major)
}

// BadgerStore implements Store on an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
	// Writers are serialized so read-check-write sequences never conflict.
	mu sync.Mutex
}

// NewBadgerStore opens a store in dir, or in memory when dir is empty.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = logging.Store
	opts.SyncWrites = true
	if dir == "" {
		opts.InMemory = true
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *BadgerStore) Insert(ctx context.Context, inv *invoice.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		key := invoiceKey(inv.ID.Index)
		if _, err := txn.Get(key); err == nil {
			return ErrDuplicateIndex
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, inv)
	})
}

func (s *BadgerStore) GetByIndex(ctx context.Context, idx invoice.SubIndex) (*invoice.Invoice, error) {
	var inv invoice.Invoice
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, invoiceKey(idx), &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *BadgerStore) Get(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	inv, err := s.GetByIndex(ctx, id.Index)
	if err != nil {
		return nil, err
	}
	if inv.ID != id {
		return nil, ErrNotFound
	}
	return inv, nil
}

func (s *BadgerStore) Remove(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inv invoice.Invoice
	err := s.db.Update(func(txn *badger.Txn) error {
		key := invoiceKey(id.Index)
		if err := getJSON(txn, key, &inv); err != nil {
			return err
		}
		if inv.ID != id {
			return ErrNotFound
		}
		return txn.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *BadgerStore) scan(keep func(*invoice.Invoice) bool) ([]*invoice.Invoice, error) {
	var invoices []*invoice.Invoice
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = invoicePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var inv invoice.Invoice
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inv)
			}); err != nil {
				return fmt.Errorf("decode invoice: %w", err)
			}
			if keep(&inv) {
				invoices = append(invoices, &inv)
			}
		}
		return nil
	})
	return invoices, err
}

func (s *BadgerStore) List(ctx context.Context) ([]*invoice.Invoice, error) {
	return s.scan(func(*invoice.Invoice) bool { return true })
}

func (s *BadgerStore) ListActive(ctx context.Context) ([]*invoice.Invoice, error) {
	return s.scan(func(inv *invoice.Invoice) bool { return !inv.IsTerminal() })
}

func (s *BadgerStore) NextMinor(ctx context.Context, major uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64 = 1
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(minorKey(major))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				next = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if next > uint64(^uint32(0)) {
			return fmt.Errorf("subaddress indices exhausted for account %d", major)
		}
		return txn.Set(minorKey(major), binary.BigEndian.AppendUint64(nil, next+1))
	})
	if err != nil {
		return 0, err
	}
	return uint32(next), nil
}

func (s *BadgerStore) Cursor(ctx context.Context) (Cursor, error) {
	var c Cursor
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, cursorDBKey, &c)
	})
	return c, err
}

func (s *BadgerStore) RecentHashes(ctx context.Context) (map[uint64]string, error) {
	hashes := make(map[uint64]string)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = hashPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			height := binary.BigEndian.Uint64(item.Key()[len(hashPrefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			hashes[height] = string(val)
		}
		return nil
	})
	return hashes, err
}

func (s *BadgerStore) Flush(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, inv := range b.Invoices {
			key := invoiceKey(inv.ID.Index)
			var existing invoice.Invoice
			err := getJSON(txn, key, &existing)
			if errors.Is(err, ErrNotFound) || (err == nil && existing.ID != inv.ID) {
				continue
			}
			if err != nil {
				return err
			}
			if err := setJSON(txn, key, inv); err != nil {
				return fmt.Errorf("update invoice %s: %w", inv.ID, err)
			}
		}

		var stale [][]byte
		opts := badger.DefaultIteratorOptions
		opts.Prefix = hashPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			height := binary.BigEndian.Uint64(key[len(hashPrefix):])
			if height > b.Cursor.Height || height < b.PruneBelow {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for height, hash := range b.Hashes {
			if height > b.Cursor.Height || height < b.PruneBelow {
				continue
			}
			if err := txn.Set(hashKey(height), []byte(hash)); err != nil {
				return err
			}
		}
		return setJSON(txn, cursorDBKey, b.Cursor)
	})
}

func (s *BadgerStore) Stats(ctx context.Context) (*Stats, error) {
	invoices, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := s.Cursor(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return computeStats(invoices, cursor), nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
