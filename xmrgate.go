// Package xmrgate tracks Monero payments to per-invoice subaddresses using
// only the wallet's private view key.
//
// A Gateway derives a fresh subaddress for every invoice, scans new blocks
// through a monerod node for outputs paid to those subaddresses and moves
// each invoice through Pending, PartiallyPaid, AwaitingConfirmations and
// finally Confirmed or Expired. Invoices and the scan position survive
// restarts, and chain reorganisations roll affected payments back.
//
//	gw, err := xmrgate.New(ctx, xmrgate.Config{
//		PrimaryAddress: "4...",
//		PrivateViewKey: "...",
//		DaemonURL:      "http://127.0.0.1:18081",
//		StorePath:      "invoices.db",
//	})
//	if err != nil {
//		return err
//	}
//	defer gw.Close()
//	if err := gw.Run(ctx); err != nil {
//		return err
//	}
//
//	inv, err := gw.NewInvoice(ctx, xmrgate.InvoiceRequest{
//		Amount:                xmrgate.PiconeroPerXMR / 2,
//		ConfirmationsRequired: 10,
//		ExpiresIn:             30,
//	})
//	sub, err := gw.Subscribe(ctx, inv.ID)
//	for update := range sub.Updates(ctx) {
//		if update.IsTerminal() {
//			break
//		}
//	}
package xmrgate

import (
	"context"

	"xmrgate/internal/archive"
	"xmrgate/internal/gateway"
	"xmrgate/internal/invoice"
	"xmrgate/internal/rpc"
	"xmrgate/internal/store"
	"xmrgate/internal/subscriber"
)

type (
	Gateway        = gateway.Gateway
	Config         = gateway.Config
	Option         = gateway.Option
	InvoiceRequest = gateway.InvoiceRequest
	Status         = gateway.Status
	Error          = gateway.Error
	ErrorKind      = gateway.Kind

	Invoice   = invoice.Invoice
	InvoiceID = invoice.ID
	SubIndex  = invoice.SubIndex
	State     = invoice.State
	Credit    = invoice.Credit

	Subscriber = subscriber.Subscriber

	// Daemon, Store and Archive can be supplied through the With options.
	Daemon  = rpc.Daemon
	Store   = store.Store
	Archive = archive.Archive
)

const PiconeroPerXMR = invoice.PiconeroPerXMR

const (
	Pending               = invoice.Pending
	PartiallyPaid         = invoice.PartiallyPaid
	AwaitingConfirmations = invoice.AwaitingConfirmations
	Confirmed             = invoice.Confirmed
	Expired               = invoice.Expired
)

const (
	KindRPC            = gateway.KindRPC
	KindStorage        = gateway.KindStorage
	KindSubscriber     = gateway.KindSubscriber
	KindUnblind        = gateway.KindUnblind
	KindParse          = gateway.KindParse
	KindScanningThread = gateway.KindScanningThread
	KindValidation     = gateway.KindValidation
)

var (
	ErrNotFound       = gateway.ErrNotFound
	ErrDuplicateIndex = gateway.ErrDuplicateIndex
	ErrNotTerminal    = gateway.ErrNotTerminal
	ErrInvalidRequest = gateway.ErrInvalidRequest
	ErrInvalidConfig  = gateway.ErrInvalidConfig
	ErrAlreadyRunning = gateway.ErrAlreadyRunning
	ErrNotRunning     = gateway.ErrNotRunning
	ErrClosed         = gateway.ErrClosed
	ErrSubscriberDone = subscriber.ErrClosed
)

// New validates cfg, opens the store and checks that the daemon answers.
func New(ctx context.Context, cfg Config, opts ...Option) (*Gateway, error) {
	return gateway.New(ctx, cfg, opts...)
}

// WithDaemon replaces the RPC client built from Config.
func WithDaemon(d Daemon) Option { return gateway.WithDaemon(d) }

// WithStore replaces the store opened from Config.
func WithStore(s Store) Option { return gateway.WithStore(s) }

// WithArchive keeps removed invoices in a.
func WithArchive(a Archive) Option { return gateway.WithArchive(a) }

// ParseXMR converts a decimal amount such as "1.5" to piconero.
func ParseXMR(s string) (uint64, error) { return invoice.ParseXMR(s) }

// FormatXMR renders piconero as a decimal XMR amount.
func FormatXMR(v uint64) string { return invoice.FormatXMR(v) }

// ParseInvoiceID reverses InvoiceID.String.
func ParseInvoiceID(s string) (InvoiceID, error) { return invoice.ParseID(s) }
