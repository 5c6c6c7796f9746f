package invoice

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"xmrgate/internal/xmr"
)

// SubIndex is the subaddress an invoice is paid to.
type SubIndex = xmr.SubIndex

var ErrInvalidID = errors.New("invalid invoice id")

// ID identifies an invoice by its subaddress index plus a unique string, so
// an index can later be reused by a new invoice without colliding.
type ID struct {
	Index    SubIndex
	UniqueID string
}

// NewID returns an ID with a random UUID.
func NewID(idx SubIndex) ID {
	return ID{Index: idx, UniqueID: uuid.NewString()}
}

func (id ID) String() string {
	return fmt.Sprintf("%d-%d-%s", id.Index.Major, id.Index.Minor, id.UniqueID)
}

// ParseID reverses ID.String.
func ParseID(s string) (ID, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 || parts[2] == "" {
		return ID{}, ErrInvalidID
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ID{}, ErrInvalidID
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ID{}, ErrInvalidID
	}
	return ID{Index: SubIndex{Major: uint32(major), Minor: uint32(minor)}, UniqueID: parts[2]}, nil
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Credit is one output counted towards an invoice.
type Credit struct {
	TxHash      string `json:"tx_hash"`
	OutputIndex int    `json:"output_index"`
	Height      uint64 `json:"height"`
	Amount      uint64 `json:"amount"`
}

func (c Credit) ref() string {
	return c.TxHash + ":" + strconv.Itoa(c.OutputIndex)
}

// Invoice is a request for payment to one subaddress.
type Invoice struct {
	ID                    ID        `json:"id"`
	Address               string    `json:"address"`
	Description           string    `json:"description,omitempty"`
	Amount                uint64    `json:"amount"`
	AmountPaid            uint64    `json:"amount_paid"`
	ConfirmationsRequired uint64    `json:"confirmations_required"`
	CreationHeight        uint64    `json:"creation_height"`
	ExpirationHeight      uint64    `json:"expiration_height"`
	CurrentHeight         uint64    `json:"current_height"`
	State                 State     `json:"state"`
	Credits               []Credit  `json:"credits,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// New returns a pending invoice created at height that expires expiresIn
// blocks later.
func New(id ID, amount, confirmations, height, expiresIn uint64) *Invoice {
	return &Invoice{
		ID:                    id,
		Amount:                amount,
		ConfirmationsRequired: confirmations,
		CreationHeight:        height,
		ExpirationHeight:      saturatingAdd(height, expiresIn),
		CurrentHeight:         height,
		State:                 Pending,
		CreatedAt:             time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	c := *inv
	c.Credits = slices.Clone(inv.Credits)
	return &c
}

// IsTerminal reports whether the invoice is Confirmed or Expired.
func (inv *Invoice) IsTerminal() bool {
	return inv.State.IsTerminal()
}

// Credit applies an owned output. Outputs already credited, outputs mined
// before the invoice existed and any output on a terminal invoice are
// ignored. It reports whether the invoice changed.
func (inv *Invoice) Credit(c Credit) bool {
	if inv.IsTerminal() || c.Height < inv.CreationHeight {
		return false
	}
	ref := c.ref()
	for _, existing := range inv.Credits {
		if existing.ref() == ref {
			return false
		}
	}
	inv.Credits = append(inv.Credits, c)
	inv.AmountPaid = saturatingAdd(inv.AmountPaid, c.Amount)
	inv.refresh()
	return true
}

// Rollback drops credits mined above height after a reorg. Terminal
// invoices are left alone.
func (inv *Invoice) Rollback(height uint64) bool {
	if inv.IsTerminal() {
		return false
	}
	kept := inv.Credits[:0]
	var paid uint64
	for _, c := range inv.Credits {
		if c.Height <= height {
			kept = append(kept, c)
			paid = saturatingAdd(paid, c.Amount)
		}
	}
	changed := len(kept) != len(inv.Credits) || inv.CurrentHeight > height
	inv.Credits = kept
	inv.AmountPaid = paid
	if inv.CurrentHeight > height {
		inv.CurrentHeight = max(height, inv.CreationHeight)
	}
	inv.refresh()
	return changed
}

// Advance moves the invoice to the scanned height and applies confirmation
// and expiry transitions.
func (inv *Invoice) Advance(height uint64) {
	if inv.IsTerminal() {
		return
	}
	if height > inv.CurrentHeight {
		inv.CurrentHeight = height
	}
	inv.refresh()
}

// PaidHeight is the height of the credit that brought the amount paid up to
// the amount requested.
func (inv *Invoice) PaidHeight() (uint64, bool) {
	if inv.AmountPaid < inv.Amount || len(inv.Credits) == 0 {
		return 0, false
	}
	credits := slices.Clone(inv.Credits)
	slices.SortStableFunc(credits, func(a, b Credit) int {
		switch {
		case a.Height < b.Height:
			return -1
		case a.Height > b.Height:
			return 1
		}
		return 0
	})
	var sum uint64
	for _, c := range credits {
		sum = saturatingAdd(sum, c.Amount)
		if sum >= inv.Amount {
			return c.Height, true
		}
	}
	return 0, false
}

// Confirmations counts blocks from the paying block up to the current height,
// inclusive.
func (inv *Invoice) Confirmations() uint64 {
	h, ok := inv.PaidHeight()
	if !ok || inv.CurrentHeight < h {
		return 0
	}
	return inv.CurrentHeight - h + 1
}

// IsPaid reports whether the full amount has been received.
func (inv *Invoice) IsPaid() bool {
	return inv.AmountPaid >= inv.Amount
}

// ExpiresIn is the number of blocks left before expiry.
func (inv *Invoice) ExpiresIn() uint64 {
	if inv.CurrentHeight >= inv.ExpirationHeight {
		return 0
	}
	return inv.ExpirationHeight - inv.CurrentHeight
}

func (inv *Invoice) refresh() {
	switch {
	case inv.IsPaid() && inv.Confirmations() >= inv.ConfirmationsRequired:
		inv.State = Confirmed
	case inv.CurrentHeight >= inv.ExpirationHeight:
		inv.State = Expired
	case inv.IsPaid():
		inv.State = AwaitingConfirmations
	case inv.AmountPaid > 0:
		inv.State = PartiallyPaid
	default:
		inv.State = Pending
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a+b < a {
		return ^uint64(0)
	}
	return a + b
}
