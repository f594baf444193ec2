package quota

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB table keyed by tenant_id.
type mockDDBClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *mockDDBClient) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := params.Key["tenant_id"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: m.items[key]}, nil
}

func (m *mockDDBClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := params.Item["tenant_id"].(*types.AttributeValueMemberS).Value
	existing, exists := m.items[key]

	if params.ConditionExpression != nil {
		failed := false
		switch *params.ConditionExpression {
		case "attribute_not_exists(tenant_id)":
			failed = exists
		case "version = :expected":
			want := params.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value
			failed = !exists || existing["version"].(*types.AttributeValueMemberN).Value != want
		}
		if failed {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &dynamodb.ScanOutput{}
	for _, item := range m.items {
		out.Items = append(out.Items, map[string]types.AttributeValue{"tenant_id": item["tenant_id"]})
	}
	return out, nil
}

func storeFactories(t *testing.T) map[string]func() LedgerStore {
	return map[string]func() LedgerStore{
		"memory": func() LedgerStore { return NewMemoryStore() },
		"sqlite": func() LedgerStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			return s
		},
		"dynamodb": func() LedgerStore { return NewDynamoStore(newMockDDBClient(), "ragd-quota") },
	}
}

func TestLedgerStores_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			_, err := store.Get(ctx, "alice")
			assert.ErrorIs(t, err, ErrRecordNotFound)

			rec := newRecord("alice", PlanFree, now)
			rec.Usage[DimDocuments] = 3
			rec.Version = 1
			require.NoError(t, store.CompareAndSwap(ctx, rec, 0))

			// Insert of an existing record conflicts.
			assert.ErrorIs(t, store.CompareAndSwap(ctx, rec, 0), ErrConflict)

			got, err := store.Get(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, int64(3), got.Usage[DimDocuments])
			assert.Equal(t, "2025-06", got.Periods[DimQueries])

			got.Usage[DimDocuments] = 4
			got.Version = 2
			require.NoError(t, store.CompareAndSwap(ctx, got, 1))

			stale := got.Clone()
			stale.Version = 2
			assert.ErrorIs(t, store.CompareAndSwap(ctx, stale, 1), ErrConflict)

			other := newRecord("bob", PlanBasic, now)
			other.Version = 1
			require.NoError(t, store.CompareAndSwap(ctx, other, 0))

			ids, err := store.ListTenants(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
		})
	}
}

func TestLedgerStores_LedgerRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			l := newTestLedger(t, factory(), nil)
			defer l.Close()

			for i := 0; i < 3; i++ {
				res, err := l.CheckAndReserve(ctx, "alice", docDelta(2, 100))
				require.NoError(t, err, strconv.Itoa(i))
				require.NoError(t, l.Commit(ctx, res))
			}
			pending, err := l.CheckAndReserve(ctx, "alice", docDelta(1, 50))
			require.NoError(t, err)

			st, err := l.Status(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(3), st.Dimensions[DimDocuments].Current)
			assert.Equal(t, int64(1), st.Dimensions[DimDocuments].Pending)
			assert.Equal(t, int64(6), st.Dimensions[DimVectors].Current)

			require.NoError(t, l.Release(ctx, pending))
			require.NoError(t, l.Refund(ctx, "alice", "doc-1", docDelta(2, 100)))

			st, err = l.Status(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, int64(2), st.Dimensions[DimDocuments].Current)
			assert.Zero(t, st.Dimensions[DimDocuments].Pending)
		})
	}
}

func TestSQLiteStore_SharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	a, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer b.Close()

	la := newTestLedger(t, a, nil)
	lb := newTestLedger(t, b, nil)

	var wg sync.WaitGroup
	for _, l := range []*Ledger{la, lb} {
		wg.Add(1)
		go func(l *Ledger) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				res, err := l.CheckAndReserve(ctx, "alice", Delta{Documents: 1})
				if err == nil {
					_ = l.Commit(ctx, res)
				}
			}
		}(l)
	}
	wg.Wait()

	st, err := la.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Dimensions[DimDocuments].Current)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.Error(t, err)
}
