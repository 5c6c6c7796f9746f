package subscriber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xmrgate/internal/invoice"
)

func testInvoice(minor uint32) *invoice.Invoice {
	return invoice.New(invoice.NewID(invoice.SubIndex{Major: 0, Minor: minor}), 1000, 1, 100, 50)
}

func TestPublishRoutesByID(t *testing.T) {
	r := NewRegistry(4)
	a, b := testInvoice(1), testInvoice(2)

	subA := r.Subscribe(a.ID)
	subB := r.Subscribe(b.ID)
	all := r.SubscribeAll()
	require.Equal(t, 3, r.Len())

	r.Publish(a)

	got, err := subA.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = subB.TryRecv()
	assert.ErrorIs(t, err, ErrEmpty)

	got, err = all.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
}

func TestPublishSendsSnapshots(t *testing.T) {
	r := NewRegistry(4)
	inv := testInvoice(1)
	sub := r.Subscribe(inv.ID)

	inv.Credit(invoice.Credit{TxHash: "aa", OutputIndex: 0, Height: 101, Amount: 10})
	r.Publish(inv)
	inv.Credit(invoice.Credit{TxHash: "bb", OutputIndex: 0, Height: 102, Amount: 10})

	got, err := sub.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.AmountPaid)
	assert.Len(t, got.Credits, 1)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	r := NewRegistry(2)
	inv := testInvoice(1)
	sub := r.Subscribe(inv.ID)

	for h := uint64(101); h <= 105; h++ {
		inv.Advance(h)
		r.Publish(inv)
	}

	assert.Equal(t, uint64(3), sub.Dropped())
	first, err := sub.TryRecv()
	require.NoError(t, err)
	second, err := sub.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, uint64(104), first.CurrentHeight)
	assert.Equal(t, uint64(105), second.CurrentHeight)
	_, err = sub.TryRecv()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	r := NewRegistry(4)
	inv := testInvoice(1)
	sub := r.Subscribe(inv.ID)
	r.Publish(inv)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, r.Len())

	// Publishing after close must not panic.
	r.Publish(inv)

	_, err := sub.Recv(context.Background())
	require.NoError(t, err)
	_, err = sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = sub.TryRecv()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecvBlocking(t *testing.T) {
	r := NewRegistry(4)
	inv := testInvoice(1)
	sub := r.Subscribe(inv.ID)

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := sub.Recv(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := sub.RecvTimeout(10 * time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("wakes on publish", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			r.Publish(inv)
		}()
		got, err := sub.RecvTimeout(time.Second)
		require.NoError(t, err)
		assert.Equal(t, inv.ID, got.ID)
	})
}

func TestUpdatesIterator(t *testing.T) {
	r := NewRegistry(8)
	inv := testInvoice(1)
	sub := r.Subscribe(inv.ID)

	for h := uint64(101); h <= 103; h++ {
		inv.Advance(h)
		r.Publish(inv)
	}
	sub.Close()

	var heights []uint64
	for u := range sub.Updates(context.Background()) {
		heights = append(heights, u.CurrentHeight)
	}
	assert.Equal(t, []uint64{101, 102, 103}, heights)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(4)
	inv := testInvoice(1)
	sub := r.Subscribe(inv.ID)
	all := r.SubscribeAll()

	r.Close()
	r.Close()

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = all.Recv(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	late := r.Subscribe(inv.ID)
	_, err = late.TryRecv()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentPublishAndClose(t *testing.T) {
	r := NewRegistry(1)
	inv := testInvoice(1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		sub := r.Subscribe(inv.ID)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Publish(inv)
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
