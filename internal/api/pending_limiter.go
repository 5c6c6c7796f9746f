package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
	"xmrgate/internal/subscriber"
)

// PendingInvoiceLimiter caps how many unpaid invoices one IP may hold open,
// so a client cannot burn through subaddresses without paying.
type PendingInvoiceLimiter struct {
	mu          sync.RWMutex
	maxPending  int
	pendingByIP map[string]map[string]time.Time // IP -> invoice ID -> tracked time
	invoiceToIP map[string]string
}

// NewPendingInvoiceLimiter creates a limiter allowing maxPending unpaid
// invoices per IP.
func NewPendingInvoiceLimiter(maxPending int) *PendingInvoiceLimiter {
	return &PendingInvoiceLimiter{
		maxPending:  maxPending,
		pendingByIP: make(map[string]map[string]time.Time),
		invoiceToIP: make(map[string]string),
	}
}

// CanCreate reports whether ip is under its limit.
func (l *PendingInvoiceLimiter) CanCreate(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByIP[ip]) < l.maxPending
}

// PendingCount returns the number of unpaid invoices for an IP.
func (l *PendingInvoiceLimiter) PendingCount(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByIP[ip])
}

// MaxPending returns the configured maximum per IP.
func (l *PendingInvoiceLimiter) MaxPending() int {
	return l.maxPending
}

// TrackPendingInvoice records a new unpaid invoice for an IP.
func (l *PendingInvoiceLimiter) TrackPendingInvoice(ip, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.invoiceToIP[id]; ok && prev != ip {
		l.forget(prev, id)
	}
	ids := l.pendingByIP[ip]
	if ids == nil {
		ids = make(map[string]time.Time)
		l.pendingByIP[ip] = ids
	}
	ids[id] = time.Now()
	l.invoiceToIP[id] = ip
}

// forget drops id from ip's set. l.mu must be held.
func (l *PendingInvoiceLimiter) forget(ip, id string) {
	ids := l.pendingByIP[ip]
	delete(ids, id)
	if len(ids) == 0 {
		delete(l.pendingByIP, ip)
	}
}

// OnInvoiceSettled stops counting an invoice. Unknown IDs are ignored.
func (l *PendingInvoiceLimiter) OnInvoiceSettled(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ip, ok := l.invoiceToIP[id]
	if !ok {
		return
	}

	delete(l.invoiceToIP, id)
	l.forget(ip, id)
}

// CleanupExpired forgets invoices tracked longer than maxAge and returns how
// many were removed.
func (l *PendingInvoiceLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for ip, ids := range l.pendingByIP {
		for id, trackedAt := range ids {
			if trackedAt.Before(cutoff) {
				delete(ids, id)
				delete(l.invoiceToIP, id)
				removed++
			}
		}
		if len(ids) == 0 {
			delete(l.pendingByIP, ip)
		}
	}

	return removed
}

// settles reports whether an update releases the invoice's slot.
func settles(inv invoice.Invoice) bool {
	return inv.IsTerminal() || inv.IsPaid()
}

// Watch releases slots as invoices get paid, confirm or expire. It returns
// when ctx is done or sub is closed.
func (l *PendingInvoiceLimiter) Watch(ctx context.Context, sub *subscriber.Subscriber) {
	for inv := range sub.Updates(ctx) {
		if !settles(inv) {
			continue
		}
		id := inv.ID.String()
		l.OnInvoiceSettled(id)
		logging.HTTP.WithFields(log.Fields{"invoice": id, "state": inv.State.String()}).Debug("pending slot released")
	}
}
