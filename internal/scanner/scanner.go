// Package scanner follows the chain and applies owned outputs to active
// invoices.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
	"xmrgate/internal/rpc"
	"xmrgate/internal/store"
	"xmrgate/internal/xmr"
)

const (
	DefaultInterval         = time.Second
	DefaultMaxReorgDepth    = 10
	DefaultBlocksPerPass    = 100
	DefaultFetchConcurrency = 4
)

var ErrBrokenChain = errors.New("fetched blocks do not link")

// Publisher receives invoices whose observable state changed. It must not
// block.
type Publisher interface {
	Publish(inv *invoice.Invoice)
}

// StorageError is returned when the store fails. It stops Run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Config configures a Scanner.
type Config struct {
	Daemon    rpc.Daemon
	Store     store.Store
	ViewPair  *xmr.ViewPair
	Publisher Publisher

	Interval         time.Duration
	MaxReorgDepth    uint64
	BlocksPerPass    uint64
	FetchConcurrency int
}

// PassResult describes one scan pass.
type PassResult struct {
	Tip uint64
	// From and To bound the scanned range, both inclusive. Blocks is zero
	// when nothing was scanned.
	From, To uint64
	Blocks   int
	Credits  int
	Updated  int
	// ForkHeight is the last common block when a reorg was handled.
	Reorged    bool
	ForkHeight uint64
	CaughtUp   bool
}

// Scanner runs scan passes against a daemon.
type Scanner struct {
	cfg Config
	log *log.Entry
	tip atomic.Uint64
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Scanner, error) {
	if cfg.Daemon == nil || cfg.Store == nil || cfg.ViewPair == nil {
		return nil, errors.New("scanner needs a daemon, a store and a view pair")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if cfg.BlocksPerPass == 0 {
		cfg.BlocksPerPass = DefaultBlocksPerPass
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	return &Scanner{cfg: cfg, log: logging.Scanner}, nil
}

// Tip returns the chain height seen by the most recent pass.
func (s *Scanner) Tip() uint64 {
	return s.tip.Load()
}

// Run scans until ctx is cancelled or the store fails. Cancellation is
// observed between passes; a pass in progress always finishes.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.cfg.Interval).Info("scanner started")
	for {
		res, err := s.ScanOnce(context.WithoutCancel(ctx))
		if err != nil {
			var se *StorageError
			if errors.As(err, &se) {
				s.log.WithError(err).Error("scanner stopped")
				return err
			}
			s.log.WithError(err).Warn("scan pass failed, retrying")
		}

		if err == nil && !res.CaughtUp {
			select {
			case <-ctx.Done():
				s.log.Info("scanner stopped")
				return nil
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// pass holds working copies of the active invoices for one pass.
type pass struct {
	invoices []*invoice.Invoice
	before   map[invoice.ID]snapshot
	byIndex  map[invoice.SubIndex]*invoice.Invoice
}

type snapshot struct {
	state         invoice.State
	paid          uint64
	confirmations uint64
	height        uint64
	credits       []invoice.Credit
}

func snap(inv *invoice.Invoice) snapshot {
	return snapshot{
		state:         inv.State,
		paid:          inv.AmountPaid,
		confirmations: inv.Confirmations(),
		height:        inv.CurrentHeight,
		credits:       slices.Clone(inv.Credits),
	}
}

// equal compares credits by content. A re-mined payment keeps its amount
// but moves to a new height.
func (a snapshot) equal(b snapshot) bool {
	return a.state == b.state && a.paid == b.paid && a.confirmations == b.confirmations &&
		a.height == b.height && slices.Equal(a.credits, b.credits)
}

func newPass(active []*invoice.Invoice) *pass {
	p := &pass{
		invoices: active,
		before:   make(map[invoice.ID]snapshot, len(active)),
		byIndex:  make(map[invoice.SubIndex]*invoice.Invoice, len(active)),
	}
	for _, inv := range active {
		p.before[inv.ID] = snap(inv)
		p.byIndex[inv.ID.Index] = inv
	}
	return p
}

// ScanOnce runs a single pass.
func (s *Scanner) ScanOnce(ctx context.Context) (PassResult, error) {
	var res PassResult

	tip, err := s.cfg.Daemon.Height(ctx)
	if err != nil {
		return res, err
	}
	s.tip.Store(tip)
	res.Tip = tip

	cursor, err := s.cfg.Store.Cursor(ctx)
	fresh := false
	if errors.Is(err, store.ErrNotFound) {
		fresh = true
		s.log.WithField("height", tip).Info("no scan cursor, starting at chain tip")
		cursor = store.Cursor{Height: tip}
	} else if err != nil {
		return res, &StorageError{Op: "cursor", Err: err}
	}

	active, err := s.cfg.Store.ListActive(ctx)
	if err != nil {
		return res, &StorageError{Op: "list active", Err: err}
	}

	if len(active) == 0 || fresh {
		return s.skipToTip(ctx, cursor, tip)
	}

	p := newPass(active)

	if cursor.Hash != "" {
		fork, reorged, err := s.checkReorg(ctx, cursor, tip)
		if err != nil {
			return res, err
		}
		if reorged {
			for _, inv := range p.invoices {
				if inv.Rollback(fork.Height) {
					s.log.WithFields(log.Fields{"invoice": inv.ID.String(), "height": fork.Height}).
						Info("rolled back credits after reorg")
				}
			}
			cursor = fork
			res.Reorged = true
			res.ForkHeight = fork.Height
		}
	}

	from := cursor.Height + 1
	to := min(tip, cursor.Height+s.cfg.BlocksPerPass)
	res.From, res.To = from, to
	res.CaughtUp = to >= tip

	blocks, err := s.fetch(ctx, from, to)
	if err != nil {
		return res, err
	}
	if err := checkLinks(cursor, blocks); err != nil {
		return res, err
	}

	candidates := s.cfg.ViewPair.Candidates(indices(p.invoices))
	hashes := make(map[uint64]string, len(blocks))
	for _, fb := range blocks {
		res.Credits += s.applyBlock(p, candidates, fb)
		hashes[fb.block.Height] = fb.block.Hash
		cursor = store.Cursor{Height: fb.block.Height, Hash: fb.block.Hash}
	}
	res.Blocks = len(blocks)

	var changed []*invoice.Invoice
	var publish []*invoice.Invoice
	for _, inv := range p.invoices {
		before, after := p.before[inv.ID], snap(inv)
		if before.equal(after) {
			continue
		}
		changed = append(changed, inv)
		if before.state != after.state || before.paid != after.paid || before.confirmations != after.confirmations {
			publish = append(publish, inv)
		}
	}

	if len(blocks) == 0 && len(changed) == 0 && !res.Reorged {
		return res, nil
	}

	batch := store.Batch{
		Invoices:   changed,
		Cursor:     cursor,
		Hashes:     hashes,
		PruneBelow: saturatingSub(cursor.Height, s.cfg.MaxReorgDepth),
	}
	if err := s.cfg.Store.Flush(ctx, batch); err != nil {
		return res, &StorageError{Op: "flush", Err: err}
	}

	res.Updated = len(publish)
	if s.cfg.Publisher != nil {
		for _, inv := range publish {
			s.cfg.Publisher.Publish(inv)
		}
	}

	if res.Blocks > 0 {
		s.log.WithFields(log.Fields{
			"from":    from,
			"to":      to,
			"tip":     tip,
			"credits": res.Credits,
			"updated": res.Updated,
		}).Debug("scan pass complete")
	}
	return res, nil
}

// skipToTip moves the cursor to the tip when no invoice needs scanning.
func (s *Scanner) skipToTip(ctx context.Context, cursor store.Cursor, tip uint64) (PassResult, error) {
	res := PassResult{Tip: tip, CaughtUp: true}
	if cursor.Height == tip && cursor.Hash != "" {
		return res, nil
	}
	b, err := s.cfg.Daemon.Block(ctx, tip)
	if err != nil {
		return res, err
	}
	if cursor.Height == tip && cursor.Hash == b.Hash {
		return res, nil
	}
	batch := store.Batch{
		Cursor:     store.Cursor{Height: tip, Hash: b.Hash},
		Hashes:     map[uint64]string{tip: b.Hash},
		PruneBelow: saturatingSub(tip, s.cfg.MaxReorgDepth),
	}
	if err := s.cfg.Store.Flush(ctx, batch); err != nil {
		return res, &StorageError{Op: "flush", Err: err}
	}
	return res, nil
}

// checkReorg compares the cursor against the daemon and, if the cursor's
// block is gone, returns the last block both agree on.
func (s *Scanner) checkReorg(ctx context.Context, cursor store.Cursor, tip uint64) (store.Cursor, bool, error) {
	if tip >= cursor.Height {
		b, err := s.cfg.Daemon.Block(ctx, cursor.Height)
		if err != nil {
			return cursor, false, err
		}
		if b.Hash == cursor.Hash {
			return cursor, false, nil
		}
	}

	recorded, err := s.cfg.Store.RecentHashes(ctx)
	if err != nil {
		return cursor, false, &StorageError{Op: "recent hashes", Err: err}
	}

	bottom := saturatingSub(cursor.Height, s.cfg.MaxReorgDepth)
	for h := min(saturatingSub(cursor.Height, 1), tip); h >= bottom; h-- {
		want, ok := recorded[h]
		if ok {
			b, err := s.cfg.Daemon.Block(ctx, h)
			if err != nil {
				return cursor, false, err
			}
			if b.Hash == want {
				s.log.WithFields(log.Fields{"height": cursor.Height, "fork": h}).Warn("chain reorganization detected")
				return store.Cursor{Height: h, Hash: b.Hash}, true, nil
			}
		}
		if h == 0 {
			break
		}
	}

	bottom = min(bottom, tip)
	b, err := s.cfg.Daemon.Block(ctx, bottom)
	if err != nil {
		return cursor, false, err
	}
	s.log.WithFields(log.Fields{"height": cursor.Height, "fork": bottom}).
		Warn("reorg deeper than the tracked window, rescanning from its bottom")
	return store.Cursor{Height: bottom, Hash: b.Hash}, true, nil
}

type fetchedBlock struct {
	block *rpc.Block
	txs   []*xmr.Transaction
}

// fetch downloads blocks from..to and their transactions concurrently.
func (s *Scanner) fetch(ctx context.Context, from, to uint64) ([]fetchedBlock, error) {
	if from > to {
		return nil, nil
	}
	out := make([]fetchedBlock, to-from+1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for h := from; h <= to; h++ {
		slot := &out[h-from]
		g.Go(func() error {
			b, err := s.cfg.Daemon.Block(gctx, h)
			if err != nil {
				return err
			}
			slot.block = b
			if len(b.TxHashes) == 0 {
				return nil
			}
			txs, err := s.cfg.Daemon.Transactions(gctx, b.TxHashes)
			if err != nil {
				return err
			}
			slot.txs = txs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkLinks(cursor store.Cursor, blocks []fetchedBlock) error {
	prev := cursor.Hash
	for _, fb := range blocks {
		if prev != "" && fb.block.PrevHash != prev {
			return fmt.Errorf("%w at height %d", ErrBrokenChain, fb.block.Height)
		}
		prev = fb.block.Hash
	}
	return nil
}

// applyBlock credits owned outputs in one block, then advances every invoice
// to its height. It returns the number of credits applied.
func (s *Scanner) applyBlock(p *pass, candidates map[xmr.Key]xmr.SubIndex, fb fetchedBlock) int {
	height := fb.block.Height
	credits := 0
	for _, tx := range fb.txs {
		if tx.UnlockTime != 0 {
			s.log.WithFields(log.Fields{"height": height, "tx": tx.Hash}).Debug("skipping time-locked transaction")
			continue
		}
		owned, errs := s.cfg.ViewPair.ScanTransaction(tx, candidates)
		for _, err := range errs {
			fields := log.Fields{"height": height, "tx": tx.Hash}
			var ue *xmr.UnblindError
			if errors.As(err, &ue) {
				fields["index"] = ue.OutputIndex
				fields["subaddress"] = ue.Index.String()
			}
			s.log.WithFields(fields).WithError(err).Error("skipping output")
		}
		for _, o := range owned {
			inv, ok := p.byIndex[o.Index]
			if !ok {
				continue
			}
			if s.credit(inv, invoice.Credit{TxHash: o.TxHash, OutputIndex: o.OutputIndex, Height: height, Amount: o.Amount}) {
				credits++
			}
		}
	}
	for _, inv := range p.invoices {
		inv.Advance(height)
	}
	return credits
}

// credit applies c to inv and logs it.
func (s *Scanner) credit(inv *invoice.Invoice, c invoice.Credit) bool {
	if !inv.Credit(c) {
		return false
	}
	s.log.WithFields(log.Fields{
		"invoice": inv.ID.String(),
		"tx":      c.TxHash,
		"index":   c.OutputIndex,
		"height":  c.Height,
		"amount":  invoice.FormatXMR(c.Amount),
		"state":   inv.State.String(),
	}).Info("payment received")
	return true
}

func indices(invoices []*invoice.Invoice) []xmr.SubIndex {
	out := make([]xmr.SubIndex, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, inv.ID.Index)
	}
	return out
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
