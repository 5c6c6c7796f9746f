// Package rpctest provides an in-memory chain that implements rpc.Daemon and
// can be served over HTTP in monerod's wire format.
package rpctest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"xmrgate/internal/rpc"
	"xmrgate/internal/xmr"
	"xmrgate/internal/xmr/xmrtest"
)

var ErrUnavailable = errors.New("daemon unavailable")

// Chain is a fake blockchain. Height 0 is genesis.
type Chain struct {
	mu     sync.Mutex
	blocks []*rpc.Block
	txs    map[string]*xmr.Transaction
	// raw holds decode_as_json bodies served as-is, for transactions the
	// test wallet cannot build.
	raw map[string]string
	err error

	txRequests int
	// failBlockAt makes Block fail for one height, to interrupt a pass midway.
	failBlockAt *uint64
}

// NewChain returns a chain whose tip is at height.
func NewChain(height uint64) *Chain {
	c := &Chain{txs: make(map[string]*xmr.Transaction), raw: make(map[string]string)}
	c.blocks = append(c.blocks, &rpc.Block{Height: 0, Hash: xmrtest.RandomHash()})
	for c.tip() < height {
		c.mine(nil)
	}
	return c
}

func (c *Chain) tip() uint64 {
	return uint64(len(c.blocks) - 1)
}

func (c *Chain) mine(txs []*xmr.Transaction) *rpc.Block {
	prev := c.blocks[len(c.blocks)-1]
	b := &rpc.Block{Height: prev.Height + 1, Hash: xmrtest.RandomHash(), PrevHash: prev.Hash}
	for _, tx := range txs {
		tx.Height = b.Height
		c.txs[tx.Hash] = tx
		b.TxHashes = append(b.TxHashes, tx.Hash)
	}
	c.blocks = append(c.blocks, b)
	return b
}

// Mine appends a block containing txs.
func (c *Chain) Mine(txs ...*xmr.Transaction) *rpc.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mine(txs)
}

// MineRaw appends a block holding one transaction given as monerod's
// decode_as_json text, followed by txs.
func (c *Chain) MineRaw(hash, asJSON string, txs ...*xmr.Transaction) *rpc.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.mine(txs)
	c.raw[hash] = asJSON
	b.TxHashes = append([]string{hash}, b.TxHashes...)
	return b
}

func (c *Chain) rawTx(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.raw[hash]
	return s, ok
}

// MineEmpty appends n empty blocks.
func (c *Chain) MineEmpty(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.mine(nil)
	}
}

// Truncate drops every block above height, as a reorg does before the new
// branch is mined. Transactions from dropped blocks stay known to the daemon.
func (c *Chain) Truncate(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height < c.tip() {
		c.blocks = c.blocks[:height+1]
	}
}

// Tip returns the current tip height.
func (c *Chain) Tip() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip()
}

// BlockAt returns the block at height.
func (c *Chain) BlockAt(height uint64) *rpc.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[height]
}

// SetError makes every call fail with err until cleared with nil.
func (c *Chain) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// FailBlockAt makes fetching the block at height fail until cleared.
func (c *Chain) FailBlockAt(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failBlockAt = &height
}

// ClearFailures removes all injected errors.
func (c *Chain) ClearFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
	c.failBlockAt = nil
}

// TxRequests counts Transactions calls.
func (c *Chain) TxRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txRequests
}

func (c *Chain) Height(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, &rpc.Error{Method: "get_block_count", Err: c.err}
	}
	return c.tip(), nil
}

func (c *Chain) Block(ctx context.Context, height uint64) (*rpc.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, &rpc.Error{Method: "get_block", Err: c.err}
	}
	if c.failBlockAt != nil && *c.failBlockAt == height {
		return nil, &rpc.Error{Method: "get_block", Err: ErrUnavailable}
	}
	if height > c.tip() {
		return nil, &rpc.Error{Method: "get_block", Err: fmt.Errorf("height %d above tip %d", height, c.tip())}
	}
	b := *c.blocks[height]
	b.TxHashes = append([]string(nil), b.TxHashes...)
	return &b, nil
}

func (c *Chain) Transactions(ctx context.Context, hashes []string) ([]*xmr.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txRequests++
	if c.err != nil {
		return nil, &rpc.Error{Method: "get_transactions", Err: c.err}
	}
	out := make([]*xmr.Transaction, 0, len(hashes))
	for _, h := range hashes {
		if raw, ok := c.raw[h]; ok {
			tx, _ := rpc.DecodeTransaction(h, []byte(raw))
			tx.Height = c.heightOf(h)
			out = append(out, tx)
			continue
		}
		tx, ok := c.txs[h]
		if !ok {
			return nil, &rpc.Error{Method: "get_transactions", Err: fmt.Errorf("unknown tx %s", h)}
		}
		out = append(out, tx)
	}
	return out, nil
}

func (c *Chain) heightOf(hash string) uint64 {
	for _, b := range c.blocks {
		for _, h := range b.TxHashes {
			if h == hash {
				return b.Height
			}
		}
	}
	return 0
}
