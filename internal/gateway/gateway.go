// Package gateway ties the deriver, store, scanner and subscriber registry
// together behind one API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"xmrgate/internal/archive"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
	"xmrgate/internal/rpc"
	"xmrgate/internal/scanner"
	"xmrgate/internal/store"
	"xmrgate/internal/subscriber"
	"xmrgate/internal/xmr"
)

const (
	DefaultTxCacheSize   = 4096
	DefaultDaemonTimeout = 10 * time.Second
	DefaultStoreType     = "sqlite"
	maxDescriptionLength = 1024
)

var uniqueIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Config lists every option the gateway recognises.
type Config struct {
	PrimaryAddress string
	PrivateViewKey string

	DaemonURL               string
	DaemonUsername          string
	DaemonPassword          string
	DaemonTimeout           time.Duration
	DaemonRequestsPerSecond float64

	// StoreType is "sqlite" or "badger". An empty StorePath keeps everything
	// in memory.
	StoreType string
	StorePath string

	// SeedHeight is the first block scanned on a fresh store. Zero starts
	// at the current tip.
	SeedHeight   uint64
	AccountIndex uint32

	ScanInterval     time.Duration
	MaxReorgDepth    uint64
	BlocksPerPass    uint64
	FetchConcurrency int
	SubscriberBuffer int
	TxCacheSize      int
}

func (c *Config) validate(haveDaemon bool) error {
	if c.PrimaryAddress == "" {
		return fmt.Errorf("%w: primary address is required", ErrInvalidConfig)
	}
	if c.PrivateViewKey == "" {
		return fmt.Errorf("%w: private view key is required", ErrInvalidConfig)
	}
	if c.DaemonURL == "" && !haveDaemon {
		return fmt.Errorf("%w: daemon URL is required", ErrInvalidConfig)
	}
	if c.ScanInterval < 0 || c.DaemonTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.FetchConcurrency < 0 || c.SubscriberBuffer < 0 || c.TxCacheSize < 0 {
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalidConfig)
	}
	if c.DaemonRequestsPerSecond < 0 {
		return fmt.Errorf("%w: daemon rate limit must not be negative", ErrInvalidConfig)
	}
	switch c.StoreType {
	case "":
		c.StoreType = DefaultStoreType
	case "sqlite", "badger":
	default:
		return fmt.Errorf("%w: unknown store type %q", ErrInvalidConfig, c.StoreType)
	}
	if c.DaemonTimeout == 0 {
		c.DaemonTimeout = DefaultDaemonTimeout
	}
	if c.TxCacheSize == 0 {
		c.TxCacheSize = DefaultTxCacheSize
	}
	return nil
}

type options struct {
	daemon  rpc.Daemon
	store   store.Store
	archive archive.Archive
}

// Option customises New.
type Option func(*options)

// WithDaemon replaces the monerod client, mainly for tests.
func WithDaemon(d rpc.Daemon) Option {
	return func(o *options) { o.daemon = d }
}

// WithStore uses an already open store. The gateway takes ownership of it.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithArchive keeps a copy of every removed invoice.
func WithArchive(a archive.Archive) Option {
	return func(o *options) { o.archive = a }
}

// Gateway tracks payments to subaddresses of one wallet.
type Gateway struct {
	cfg      Config
	vp       *xmr.ViewPair
	daemon   rpc.Daemon
	store    store.Store
	archive  archive.Archive
	registry *subscriber.Registry
	scanner  *scanner.Scanner
	log      *log.Entry

	// initialTip is the tip seen by New; the scanner's view takes over once it
	// has run.
	initialTip uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
	errs   chan error
	closed bool
}

// New validates cfg, opens the store and checks that the daemon answers.
// Nothing runs in the background until Run is called.
func New(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.validate(o.daemon != nil); err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}

	vp, err := xmr.ParseViewPair(cfg.PrivateViewKey, cfg.PrimaryAddress)
	if err != nil {
		return nil, classify(err)
	}

	st := o.store
	if st == nil {
		st, err = store.Open(cfg.StoreType, cfg.StorePath)
		if err != nil {
			return nil, &Error{Kind: KindStorage, Err: err}
		}
	}

	g, err := newGateway(ctx, cfg, vp, st, o)
	if err != nil {
		st.Close()
		return nil, err
	}
	return g, nil
}

func newGateway(ctx context.Context, cfg Config, vp *xmr.ViewPair, st store.Store, o options) (*Gateway, error) {
	daemon := o.daemon
	if daemon == nil {
		client, err := rpc.NewClient(rpc.Config{
			URL:               cfg.DaemonURL,
			Username:          cfg.DaemonUsername,
			Password:          cfg.DaemonPassword,
			Timeout:           cfg.DaemonTimeout,
			RequestsPerSecond: cfg.DaemonRequestsPerSecond,
			Burst:             max(1, cfg.FetchConcurrency),
		})
		if err != nil {
			return nil, &Error{Kind: KindValidation, Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
		}
		daemon = client
	}
	cached, err := rpc.NewCachingDaemon(daemon, cfg.TxCacheSize)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
	}

	tip, err := cached.Height(ctx)
	if err != nil {
		return nil, &Error{Kind: KindRPC, Err: err}
	}

	g := &Gateway{
		cfg:        cfg,
		vp:         vp,
		daemon:     cached,
		store:      st,
		archive:    o.archive,
		registry:   subscriber.NewRegistry(cfg.SubscriberBuffer),
		log:        logging.Gateway,
		initialTip: tip,
		errs:       make(chan error, 1),
	}
	if err := g.seedCursor(ctx, tip); err != nil {
		return nil, err
	}

	g.scanner, err = scanner.New(scanner.Config{
		Daemon:           cached,
		Store:            st,
		ViewPair:         vp,
		Publisher:        g.registry,
		Interval:         cfg.ScanInterval,
		MaxReorgDepth:    cfg.MaxReorgDepth,
		BlocksPerPass:    cfg.BlocksPerPass,
		FetchConcurrency: cfg.FetchConcurrency,
	})
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}

	g.log.WithFields(log.Fields{
		"network": vp.Network().String(),
		"tip":     tip,
		"account": cfg.AccountIndex,
	}).Info("payment gateway ready")
	return g, nil
}

// seedCursor gives a fresh store its starting point: the block before
// SeedHeight, or the tip.
func (g *Gateway) seedCursor(ctx context.Context, tip uint64) error {
	_, err := g.store.Cursor(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return &Error{Kind: KindStorage, Err: err}
	}

	start := tip
	if g.cfg.SeedHeight > 0 {
		if g.cfg.SeedHeight > tip+1 {
			return &Error{Kind: KindValidation, Err: fmt.Errorf("%w: seed height %d is above the chain tip %d", ErrInvalidConfig, g.cfg.SeedHeight, tip)}
		}
		start = g.cfg.SeedHeight - 1
	}
	b, err := g.daemon.Block(ctx, start)
	if err != nil {
		return &Error{Kind: KindRPC, Err: err}
	}
	cursor := store.Cursor{Height: b.Height, Hash: b.Hash}
	if err := g.store.Flush(ctx, store.Batch{Cursor: cursor, Hashes: map[uint64]string{b.Height: b.Hash}}); err != nil {
		return &Error{Kind: KindStorage, Err: err}
	}
	g.log.WithField("height", cursor.Height).Info("initialized scan cursor")
	return nil
}

// InvoiceRequest describes a new invoice.
type InvoiceRequest struct {
	// Amount is in piconero.
	Amount                uint64
	ConfirmationsRequired uint64
	// ExpiresIn is a number of blocks.
	ExpiresIn   uint64
	Description string
	// Index requests a specific subaddress; nil allocates the next one.
	Index *invoice.SubIndex
	// UniqueID replaces the random UUID.
	UniqueID string
}

func (g *Gateway) chainTip() uint64 {
	return max(g.initialTip, g.scanner.Tip())
}

// NewInvoice persists a pending invoice and returns it.
func (g *Gateway) NewInvoice(ctx context.Context, req InvoiceRequest) (*invoice.Invoice, error) {
	if req.Amount == 0 {
		return nil, validationError("amount must be positive")
	}
	if req.ExpiresIn == 0 {
		return nil, validationError("expiry must be at least one block")
	}
	if len(req.Description) > maxDescriptionLength {
		return nil, validationError("description longer than %d bytes", maxDescriptionLength)
	}
	if req.UniqueID != "" && !uniqueIDPattern.MatchString(req.UniqueID) {
		return nil, validationError("unique id %q must be 1-64 letters, digits, dashes or underscores", req.UniqueID)
	}

	tip := g.chainTip()
	if req.ExpiresIn > math.MaxUint64-tip {
		return nil, validationError("expiry of %d blocks overflows the chain height", req.ExpiresIn)
	}

	build := func(idx invoice.SubIndex) *invoice.Invoice {
		id := invoice.NewID(idx)
		if req.UniqueID != "" {
			id.UniqueID = req.UniqueID
		}
		inv := invoice.New(id, req.Amount, req.ConfirmationsRequired, tip, req.ExpiresIn)
		inv.Address = g.vp.Subaddress(idx).String()
		inv.Description = req.Description
		return inv
	}

	var inv *invoice.Invoice
	if req.Index != nil {
		inv = build(*req.Index)
		if err := g.store.Insert(ctx, inv); err != nil {
			return nil, storageError(err)
		}
	} else {
		var err error
		if inv, err = g.allocate(ctx, build); err != nil {
			return nil, err
		}
	}
	id := inv.ID

	g.log.WithFields(log.Fields{
		"invoice": id.String(),
		"amount":  invoice.FormatXMR(req.Amount),
		"height":  inv.CreationHeight,
		"expires": inv.ExpirationHeight,
	}).Info("invoice created")
	return inv.Clone(), nil
}

// maxAllocAttempts bounds how many caller-chosen indices allocation skips
// over before giving up.
const maxAllocAttempts = 64

// allocate inserts an invoice at the next free minor index of the account.
// Indices a caller requested explicitly are skipped.
func (g *Gateway) allocate(ctx context.Context, build func(invoice.SubIndex) *invoice.Invoice) (*invoice.Invoice, error) {
	for range maxAllocAttempts {
		minor, err := g.store.NextMinor(ctx, g.cfg.AccountIndex)
		if err != nil {
			return nil, storageError(err)
		}
		inv := build(invoice.SubIndex{Major: g.cfg.AccountIndex, Minor: minor})
		err = g.store.Insert(ctx, inv)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, store.ErrDuplicateIndex) {
			return nil, storageError(err)
		}
		g.log.WithField("index", inv.ID.Index.String()).Debug("index taken, allocating the next one")
	}
	return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("no free subaddress index after %d attempts", maxAllocAttempts)}
}

// GetInvoice returns the current snapshot of an invoice.
func (g *Gateway) GetInvoice(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	inv, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	return inv, nil
}

// ListInvoices returns every stored invoice.
func (g *Gateway) ListInvoices(ctx context.Context) ([]*invoice.Invoice, error) {
	invoices, err := g.store.List(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return invoices, nil
}

func archiveKey(id invoice.ID) string {
	return id.String()
}

// RemoveInvoice deletes a confirmed or expired invoice, archiving it first
// when an archive is configured.
func (g *Gateway) RemoveInvoice(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	inv, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	if !inv.IsTerminal() {
		return nil, &Error{Kind: KindValidation, Err: fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, inv.State)}
	}

	if g.archive != nil {
		data, err := json.Marshal(inv)
		if err != nil {
			return nil, &Error{Kind: KindStorage, Err: err}
		}
		if _, err := g.archive.Save(ctx, archiveKey(id), bytes.NewReader(data), int64(len(data))); err != nil {
			return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("archive invoice %s: %w", id, err)}
		}
	}

	removed, err := g.store.Remove(ctx, id)
	if err != nil {
		return nil, storageError(err)
	}
	g.log.WithFields(log.Fields{"invoice": id.String(), "state": removed.State.String()}).Info("invoice removed")
	return removed, nil
}

// ArchivedInvoice reads back an invoice saved by RemoveInvoice.
func (g *Gateway) ArchivedInvoice(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	if g.archive == nil {
		return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("%w: no archive configured", ErrNotFound)}
	}
	r, err := g.archive.Load(ctx, archiveKey(id))
	if errors.Is(err, archive.ErrNotFound) {
		return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
	}
	if err != nil {
		return nil, &Error{Kind: KindStorage, Err: err}
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Kind: KindStorage, Err: err}
	}
	var inv invoice.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("decode archived invoice %s: %w", id, err)}
	}
	return &inv, nil
}

// PurgeArchived deletes an archived invoice for good.
func (g *Gateway) PurgeArchived(ctx context.Context, id invoice.ID) error {
	return PurgeArchived(ctx, g.archive, id)
}

// PurgeArchived deletes an archived invoice from a directly, without a
// running gateway.
func PurgeArchived(ctx context.Context, a archive.Archive, id invoice.ID) error {
	if a == nil {
		return &Error{Kind: KindStorage, Err: fmt.Errorf("%w: no archive configured", ErrNotFound)}
	}
	err := a.Delete(ctx, archiveKey(id))
	if errors.Is(err, archive.ErrNotFound) {
		return &Error{Kind: KindStorage, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
	}
	if err != nil {
		return &Error{Kind: KindStorage, Err: err}
	}
	logging.Archive.WithField("invoice", id.String()).Info("archived invoice purged")
	return nil
}

// Subscribe follows one invoice. The invoice must exist.
func (g *Gateway) Subscribe(ctx context.Context, id invoice.ID) (*subscriber.Subscriber, error) {
	if g.isClosed() {
		return nil, &Error{Kind: KindSubscriber, Err: subscriber.ErrClosed}
	}
	if _, err := g.store.Get(ctx, id); err != nil {
		return nil, storageError(err)
	}
	return g.registry.Subscribe(id), nil
}

// SubscribeAll follows every invoice.
func (g *Gateway) SubscribeAll() *subscriber.Subscriber {
	return g.registry.SubscribeAll()
}

// Address returns the subaddress for idx.
func (g *Gateway) Address(idx invoice.SubIndex) string {
	return g.vp.Subaddress(idx).String()
}

// PrimaryAddress returns the wallet's primary address.
func (g *Gateway) PrimaryAddress() string {
	return g.vp.PrimaryAddress()
}

// Status is a point-in-time view of the gateway.
type Status struct {
	ScanHeight   uint64 `json:"scan_height"`
	DaemonHeight uint64 `json:"daemon_height"`
	Running      bool   `json:"running"`
	Subscribers  int    `json:"subscribers"`
}

// Status reports how far the scanner has got.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	cursor, err := g.store.Cursor(ctx)
	if err != nil {
		return Status{}, storageError(err)
	}
	g.mu.Lock()
	running := false
	if g.done != nil {
		select {
		case <-g.done:
		default:
			running = true
		}
	}
	g.mu.Unlock()
	return Status{
		ScanHeight:   cursor.Height,
		DaemonHeight: g.chainTip(),
		Running:      running,
		Subscribers:  g.registry.Len(),
	}, nil
}

// Stats summarises the store.
func (g *Gateway) Stats(ctx context.Context) (*store.Stats, error) {
	stats, err := g.store.Stats(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	return stats, nil
}

// ScanOnce runs a single scan pass in the caller's goroutine.
func (g *Gateway) ScanOnce(ctx context.Context) (scanner.PassResult, error) {
	res, err := g.scanner.ScanOnce(ctx)
	if err != nil {
		var se *scanner.StorageError
		if errors.As(err, &se) {
			return res, &Error{Kind: KindStorage, Err: err}
		}
		return res, classify(err)
	}
	return res, nil
}

// Run starts the scanner in the background. It returns immediately.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return &Error{Kind: KindScanningThread, Err: ErrClosed}
	}
	if g.done != nil {
		return &Error{Kind: KindScanningThread, Err: ErrAlreadyRunning}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	g.cancel, g.done, g.runErr = cancel, done, nil

	go func() {
		defer close(done)
		err := g.scanner.Run(runCtx)
		if err == nil {
			return
		}
		wrapped := &Error{Kind: KindScanningThread, Err: err}
		g.mu.Lock()
		g.runErr = wrapped
		g.mu.Unlock()
		select {
		case g.errs <- wrapped:
		default:
		}
	}()
	return nil
}

// Errors delivers the error that stopped the scanner, if it stops on its own.
func (g *Gateway) Errors() <-chan error {
	return g.errs
}

// Stop cancels the scanner and waits for the pass in progress. It returns the
// scanner's terminal error, if any.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()
	if done == nil {
		return &Error{Kind: KindScanningThread, Err: ErrNotRunning}
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return &Error{Kind: KindScanningThread, Err: ctx.Err()}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.runErr
	g.cancel, g.done, g.runErr = nil, nil, nil
	return err
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Close stops the scanner, closes every subscriber and closes the store.
func (g *Gateway) Close() error {
	var stopErr error
	if err := g.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotRunning) {
		stopErr = err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return stopErr
	}
	g.closed = true
	g.mu.Unlock()

	g.registry.Close()
	if err := g.store.Close(); err != nil {
		return errors.Join(stopErr, &Error{Kind: KindStorage, Err: err})
	}
	return stopErr
}
