package rpc

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"xmrgate/internal/xmr"
)

// CachingDaemon keeps recently decoded transactions so a pass that is retried
// after a failure does not download them again. Blocks are never cached
// because their contents change on reorg.
type CachingDaemon struct {
	Daemon
	txs *lru.Cache[string, *xmr.Transaction]
}

// NewCachingDaemon wraps d with an LRU of size transactions.
func NewCachingDaemon(d Daemon, size int) (*CachingDaemon, error) {
	cache, err := lru.New[string, *xmr.Transaction](size)
	if err != nil {
		return nil, err
	}
	return &CachingDaemon{Daemon: d, txs: cache}, nil
}

func (c *CachingDaemon) Transactions(ctx context.Context, hashes []string) ([]*xmr.Transaction, error) {
	out := make([]*xmr.Transaction, len(hashes))
	var missing []string
	var missingPos []int
	for i, h := range hashes {
		if tx, ok := c.txs.Get(h); ok {
			out[i] = tx
			continue
		}
		missing = append(missing, h)
		missingPos = append(missingPos, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.Daemon.Transactions(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, tx := range fetched {
		c.txs.Add(missing[j], tx)
		out[missingPos[j]] = tx
	}
	return out, nil
}

// Len reports how many transactions are cached.
func (c *CachingDaemon) Len() int {
	return c.txs.Len()
}
