package change

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB creates an in-memory SQLite DB with the change tables migrated.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, NewStore(db).AutoMigrate())
	return db
}

func testChangeRecord(id string) *SecurityChangeRecord {
	return &SecurityChangeRecord{
		ID:              id,
		Title:           "rotate edge TLS certificates",
		Category:        string(CategoryCertificate),
		Priority:        string(PriorityHigh),
		RiskLevel:       string(RiskMedium),
		AffectedSystems: JSONStringSlice{"edge-proxy-1"},
		CreatedBy:       "alice",
		Status:          string(StatePending),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	record := testChangeRecord("")
	record.AffectedServices = JSONStringSlice{"ingress"}
	record.Detail = JSONAny{"certPath": "/etc/ssl/edge.pem"}
	require.NoError(t, store.Create(ctx, record))
	assert.NotEmpty(t, record.ID)

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rotate edge TLS certificates", got.Title)
	assert.Equal(t, string(StatePending), got.Status)
	assert.Equal(t, JSONStringSlice{"edge-proxy-1"}, got.AffectedSystems)
	assert.Equal(t, "/etc/ssl/edge.pem", got.Detail["certPath"])

	// Unknown IDs come back nil, nil.
	got, err = store.Get(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_PersistsDisabledGateFlags(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	record := testChangeRecord("chg-gates")
	record.TestingRequired = false
	record.ApprovalRequired = false
	require.NoError(t, store.Create(ctx, record))

	got, err := store.Get(ctx, "chg-gates")
	require.NoError(t, err)
	assert.False(t, got.TestingRequired)
	assert.False(t, got.ApprovalRequired)
}

func TestStore_UpdateStatusGuards(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	record := testChangeRecord("chg-1")
	require.NoError(t, store.Create(ctx, record))

	ok, err := store.UpdateStatus(ctx, "chg-1", StatePending, StateTesting)
	require.NoError(t, err)
	assert.True(t, ok)

	// The stale expected state loses.
	ok, err = store.UpdateStatus(ctx, "chg-1", StatePending, StateTesting)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "chg-1")
	require.NoError(t, err)
	assert.Equal(t, string(StateTesting), got.Status)
}

func TestStore_Links(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testChangeRecord("chg-2")))
	require.NoError(t, store.SetWorkflowID(ctx, "chg-2", "wf-9"))
	require.NoError(t, store.SetRollbackID(ctx, "chg-2", "rb-3"))

	got, err := store.Get(ctx, "chg-2")
	require.NoError(t, err)
	assert.Equal(t, "wf-9", got.WorkflowID)
	assert.Equal(t, "rb-3", got.RollbackID)
}

func TestStore_ListFiltersAndPagination(t *testing.T) {
	store := NewStore(newTestDB(t))
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		record := testChangeRecord(fmt.Sprintf("chg-%d", i))
		record.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			record.Category = string(CategoryPolicy)
			record.AffectedSystems = JSONStringSlice{"fw-core"}
		}
		if i == 4 {
			record.Status = string(StateDeployed)
		}
		require.NoError(t, store.Create(ctx, record))
	}

	// Category filter.
	records, _, total, err := store.List(ctx, ListFilter{Category: CategoryPolicy}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, records, 3)

	// Affected-system filter.
	records, _, _, err = store.List(ctx, ListFilter{System: "fw-core"}, 10, "")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// Status filter.
	records, _, _, err = store.List(ctx, ListFilter{Status: StateDeployed}, 10, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "chg-4", records[0].ID)

	// Pagination walks newest-first without overlap.
	page1, token, total, err := store.List(ctx, ListFilter{}, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)
	require.NotEmpty(t, token)
	assert.Equal(t, "chg-4", page1[0].ID)

	page2, token2, _, err := store.List(ctx, ListFilter{}, 2, token)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)

	page3, token3, _, err := store.List(ctx, ListFilter{}, 2, token2)
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.Empty(t, token3)
}

func TestStore_ListRejectsBadToken(t *testing.T) {
	store := NewStore(newTestDB(t))

	_, _, _, err := store.List(context.Background(), ListFilter{}, 10, "not-a-timestamp")
	assert.Error(t, err)
}
