package api

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"xmrgate/internal/invoice"
)

func invoiceKey(minor int) string {
	return invoice.NewID(invoice.SubIndex{Minor: uint32(minor)}).String()
}

func TestPendingInvoiceLimiter_Limit(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(2)

	var keys []string
	for i := 1; i <= 2; i++ {
		if !limiter.CanCreate("10.0.0.1") {
			t.Fatalf("invoice %d refused below the limit", i)
		}
		keys = append(keys, invoiceKey(i))
		limiter.TrackPendingInvoice("10.0.0.1", keys[i-1])
	}
	if limiter.CanCreate("10.0.0.1") {
		t.Fatal("third invoice allowed past the limit")
	}
	if !limiter.CanCreate("10.0.0.2") {
		t.Error("limit leaked to another client")
	}

	limiter.OnInvoiceSettled(keys[0])
	if !limiter.CanCreate("10.0.0.1") {
		t.Error("settled invoice still holds a slot")
	}
	if got := limiter.PendingCount("10.0.0.1"); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestPendingInvoiceLimiter_ZeroLimit(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(0)
	if limiter.CanCreate("10.0.0.1") {
		t.Error("zero limit should refuse every invoice")
	}
	if limiter.MaxPending() != 0 {
		t.Errorf("MaxPending = %d", limiter.MaxPending())
	}
}

func TestPendingInvoiceLimiter_Settle(t *testing.T) {
	tests := []struct {
		name   string
		track  []string
		settle []string
		want   int
	}{
		{"unknown invoice", []string{"a"}, []string{"b"}, 1},
		{"settled twice", []string{"a", "b"}, []string{"a", "a"}, 1},
		{"all settled", []string{"a", "b"}, []string{"b", "a"}, 0},
		{"tracked twice", []string{"a", "a"}, nil, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewPendingInvoiceLimiter(5)
			for _, id := range tt.track {
				limiter.TrackPendingInvoice("10.0.0.1", id)
			}
			for _, id := range tt.settle {
				limiter.OnInvoiceSettled(id)
			}
			if got := limiter.PendingCount("10.0.0.1"); got != tt.want {
				t.Errorf("pending = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPendingInvoiceLimiter_RetrackMovesInvoice(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(5)
	id := invoiceKey(7)

	limiter.TrackPendingInvoice("10.0.0.1", id)
	limiter.TrackPendingInvoice("10.0.0.2", id)

	if got := limiter.PendingCount("10.0.0.1"); got != 0 {
		t.Errorf("old client still counts %d", got)
	}
	if got := limiter.PendingCount("10.0.0.2"); got != 1 {
		t.Errorf("new client counts %d, want 1", got)
	}

	limiter.OnInvoiceSettled(id)
	if got := limiter.PendingCount("10.0.0.2"); got != 0 {
		t.Errorf("pending after settle = %d", got)
	}
}

func TestPendingInvoiceLimiter_CleanupExpired(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(5)
	limiter.TrackPendingInvoice("10.0.0.1", "old")
	limiter.TrackPendingInvoice("10.0.0.2", "old-2")
	time.Sleep(40 * time.Millisecond)
	limiter.TrackPendingInvoice("10.0.0.1", "fresh")

	if n := limiter.CleanupExpired(time.Hour); n != 0 {
		t.Errorf("hour-long TTL removed %d", n)
	}
	if n := limiter.CleanupExpired(20 * time.Millisecond); n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if got := limiter.PendingCount("10.0.0.1"); got != 1 {
		t.Errorf("10.0.0.1 pending = %d, want 1", got)
	}
	if got := limiter.PendingCount("10.0.0.2"); got != 0 {
		t.Errorf("10.0.0.2 pending = %d, want 0", got)
	}

	// Expired entries are forgotten, so a late settle is harmless.
	limiter.OnInvoiceSettled("old")
	if n := limiter.CleanupExpired(0); n != 1 {
		t.Errorf("final cleanup removed %d, want 1", n)
	}
}

func TestPendingInvoiceLimiter_Concurrent(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(1000)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.0.1.%d", w)
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("%d-%d", w, i)
				limiter.TrackPendingInvoice(ip, id)
				limiter.CanCreate(ip)
				limiter.OnInvoiceSettled(id)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			limiter.CleanupExpired(time.Hour)
		}
	}()
	wg.Wait()

	for w := 0; w < 8; w++ {
		ip := fmt.Sprintf("10.0.1.%d", w)
		if got := limiter.PendingCount(ip); got != 0 {
			t.Errorf("%s pending = %d after settling everything", ip, got)
		}
	}
}

func TestSettles(t *testing.T) {
	inv := invoice.New(invoice.NewID(invoice.SubIndex{Minor: 1}), 100, 2, 10, 5)

	if settles(*inv) {
		t.Error("pending invoice should hold its slot")
	}

	inv.Credit(invoice.Credit{TxHash: "aa", Height: 11, Amount: 40})
	if settles(*inv) {
		t.Error("partially paid invoice should hold its slot")
	}

	inv.Credit(invoice.Credit{TxHash: "bb", Height: 11, Amount: 60})
	if !settles(*inv) {
		t.Error("fully paid invoice should release its slot")
	}

	expired := invoice.New(invoice.NewID(invoice.SubIndex{Minor: 2}), 100, 2, 10, 5)
	expired.Advance(15)
	if !settles(*expired) {
		t.Errorf("expired invoice should release its slot, state %s", expired.State)
	}
}
