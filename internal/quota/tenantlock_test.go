package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTenantLocks(t *testing.T) {
	t.Run("other tenants are not blocked", func(t *testing.T) {
		locks := newTenantLocks()
		unlock := locks.lock("alice")
		defer unlock()

		done := make(chan struct{})
		go func() {
			locks.lock("bob")()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("bob waited on alice's lock")
		}
	})

	t.Run("same tenant waits", func(t *testing.T) {
		locks := newTenantLocks()
		unlock := locks.lock("alice")

		acquired := make(chan struct{})
		go func() {
			locks.lock("alice")()
			close(acquired)
		}()
		select {
		case <-acquired:
			t.Fatal("second holder acquired alice's lock")
		case <-time.After(20 * time.Millisecond):
		}
		unlock()
		<-acquired
	})

	t.Run("entries are dropped after unlock", func(t *testing.T) {
		locks := newTenantLocks()
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				locks.lock(fmt.Sprintf("tenant-%d", i%10))()
			}(i)
		}
		wg.Wait()
		assert.Zero(t, locks.len())
	})
}

func TestLedger_ConcurrentTenantsStayExact(t *testing.T) {
	ledger, err := NewLedger(NewMemoryStore(), nil, LedgerConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenantID := fmt.Sprintf("tenant-%d", i%4)
			res, err := ledger.CheckAndReserve(ctx, tenantID, Delta{Queries: 1})
			if assert.NoError(t, err) {
				assert.NoError(t, ledger.Commit(ctx, res))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		st, err := ledger.Status(ctx, fmt.Sprintf("tenant-%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(25), st.Dimensions[DimQueries].Current)
	}
	assert.Zero(t, ledger.locks.len())
}
