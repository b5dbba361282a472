package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/atelier/internal/money"
)

func newTestService() *Service {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewService(NewMemoryStore(), nil).WithClock(func() time.Time { return fixed })
}

func TestService_HoldReleaseRefund(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Hold(ctx, "ct_1", 1_000, "st_1:0"))
	require.NoError(t, svc.Release(ctx, "ct_1", 300, "st_2:0"))
	require.NoError(t, svc.Refund(ctx, "ct_1", 700, "st_2:1"))

	acct, err := svc.Account(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(0), acct.Held)
	assert.Equal(t, money.Cents(300), acct.Released)
	assert.Equal(t, money.Cents(700), acct.Refunded)

	entries, err := svc.Entries(ctx, "ct_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, KindHold, entries[0].Kind)
	assert.Equal(t, KindRefund, entries[2].Kind)
}

func TestService_DuplicateReferenceIsNoop(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Hold(ctx, "ct_1", 1_000, "st_1:0"))
	require.NoError(t, svc.Hold(ctx, "ct_1", 1_000, "st_1:0"))

	acct, err := svc.Account(ctx, "ct_1")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(1_000), acct.Held)

	entries, _ := svc.Entries(ctx, "ct_1", 10)
	assert.Len(t, entries, 1)
}

func TestService_ReleaseMoreThanHeld(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Hold(ctx, "ct_1", 100, "h"))
	err := svc.Release(ctx, "ct_1", 101, "r")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	acct, _ := svc.Account(ctx, "ct_1")
	assert.Equal(t, money.Cents(100), acct.Held)
	assert.Equal(t, money.Cents(0), acct.Released)

	// A failed movement does not burn its reference.
	require.NoError(t, svc.Hold(ctx, "ct_1", 1, "extra"))
	require.NoError(t, svc.Release(ctx, "ct_1", 101, "r"))
}

func TestService_RefundWithoutAccount(t *testing.T) {
	svc := newTestService()
	err := svc.Refund(context.Background(), "ct_missing", 10, "r")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = svc.Account(context.Background(), "ct_missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestService_Clawback(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Hold(ctx, "ct_1", 1_000, "h"))
	require.NoError(t, svc.Release(ctx, "ct_1", 400, "rel"))
	require.NoError(t, svc.Clawback(ctx, "ct_1", 400, "claw"))

	acct, _ := svc.Account(ctx, "ct_1")
	assert.Equal(t, money.Cents(1_000), acct.Held)
	assert.Equal(t, money.Cents(0), acct.Released)

	assert.ErrorIs(t, svc.Clawback(ctx, "ct_1", 1, "claw2"), ErrInsufficientFunds)
}

func TestService_InvalidAmount(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	assert.ErrorIs(t, svc.Hold(ctx, "ct_1", 0, "h"), ErrInvalidAmount)
	assert.ErrorIs(t, svc.Hold(ctx, "ct_1", -5, "h"), ErrInvalidAmount)
	assert.Error(t, svc.Hold(ctx, "ct_1", 5, ""))
}

func TestService_ConcurrentReleasesNeverOverdraw(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	require.NoError(t, svc.Hold(ctx, "ct_1", 1_000, "h"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := svc.Release(ctx, "ct_1", 100, "rel:"+string(rune('a'+i))); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	acct, _ := svc.Account(ctx, "ct_1")
	assert.Equal(t, money.Cents(0), acct.Held)
	assert.Equal(t, money.Cents(1_000), acct.Released)
}

func TestService_EntriesLimitKeepsMostRecent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Hold(ctx, "ct_1", money.Cents(i+1), "h"+string(rune('0'+i))))
	}
	entries, err := svc.Entries(ctx, "ct_1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, money.Cents(4), entries[0].Amount)
	assert.Equal(t, money.Cents(5), entries[1].Amount)
}
