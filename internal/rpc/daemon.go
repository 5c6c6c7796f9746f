package rpc

import (
	"context"
	"fmt"

	"xmrgate/internal/xmr"
)

// Block is the part of a block header the scanner needs.
type Block struct {
	Height   uint64
	Hash     string
	PrevHash string
	// TxHashes excludes the miner transaction, which is always time-locked.
	TxHashes []string
}

// Daemon is the chain source the scanner reads from. Every error is treated
// as transient.
type Daemon interface {
	// Height returns the height of the chain tip.
	Height(ctx context.Context) (uint64, error)
	Block(ctx context.Context, height uint64) (*Block, error)
	// Transactions returns the transactions in the order requested.
	Transactions(ctx context.Context, hashes []string) ([]*xmr.Transaction, error)
}

// Error wraps a failed daemon call.
type Error struct {
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon %s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
